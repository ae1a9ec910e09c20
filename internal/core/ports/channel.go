package ports

import "peerlink/internal/core/domain"

// ChannelOptions configures a data channel. Negotiated channels use a
// pre-agreed ID and do not trigger renegotiation.
type ChannelOptions struct {
	Negotiated bool
	ID         uint16
}

// ChannelEventKind enumerates data channel callbacks.
type ChannelEventKind int

const (
	ChannelOpened ChannelEventKind = iota
	ChannelMessageReceived
	ChannelClosed
	ChannelBufferedAmountLow
)

// ChannelMessage is one frame received on a data channel.
type ChannelMessage struct {
	IsString bool
	Data     []byte
}

// ChannelEvent is a single data channel callback.
type ChannelEvent struct {
	Kind    ChannelEventKind
	Message ChannelMessage
}

// DataChannel is a native data channel.
type DataChannel interface {
	Label() string
	ReadyState() domain.ChannelState
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	// Observe replaces the channel's event handler.
	Observe(handler func(ChannelEvent))
	Close() error
}
