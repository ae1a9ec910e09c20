package domain

// PeerID is the relay-assigned identifier of a remote peer.
type PeerID string

// RoomID names a relay namespace, e.g. "abcd-efgh-ijkl".
type RoomID string

// NegotiationState is the per-session perfect negotiation state.
// IsPolite is fixed when the session is created.
type NegotiationState struct {
	IsPolite                     bool
	IsMakingOffer                bool
	IsIgnoringOffer              bool
	IsSettingRemoteAnswerPending bool
	IsSuppressingInitialOffer    bool
}

// SignalingState mirrors the native connection's signaling state.
type SignalingState string

const (
	SignalingStateStable             SignalingState = "stable"
	SignalingStateHaveLocalOffer     SignalingState = "have-local-offer"
	SignalingStateHaveRemoteOffer    SignalingState = "have-remote-offer"
	SignalingStateHaveLocalPranswer  SignalingState = "have-local-pranswer"
	SignalingStateHaveRemotePranswer SignalingState = "have-remote-pranswer"
	SignalingStateClosed             SignalingState = "closed"
)

// ConnectionState mirrors the native connection's aggregate state.
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// ChannelState mirrors a data channel's ready state.
type ChannelState string

const (
	ChannelStateConnecting ChannelState = "connecting"
	ChannelStateOpen       ChannelState = "open"
	ChannelStateClosing    ChannelState = "closing"
	ChannelStateClosed     ChannelState = "closed"
)
