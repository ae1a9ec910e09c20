package domain

import "errors"

var (
	ErrPeerNotFound        = errors.New("peer not found")
	ErrPeerExists          = errors.New("peer already registered")
	ErrChannelNotOpen      = errors.New("channel not open")
	ErrCandidateRejected   = errors.New("ice candidate rejected")
	ErrNegotiationFailed   = errors.New("negotiation failed")
	ErrInvalidSignal       = errors.New("invalid signal")
	ErrInvalidFeatureValue = errors.New("feature value must be bool or string")
	ErrTransferOverrun     = errors.New("transfer received more bytes than announced")
	ErrInvalidRoom         = errors.New("invalid room name")
	ErrSessionClosed       = errors.New("session closed")
	ErrRoomFull            = errors.New("room is full")
	ErrRelayClosed         = errors.New("relay connection closed")
)
