package ports

import "peerlink/internal/core/domain"

// ConnectionEventKind enumerates the callbacks a native connection fires.
type ConnectionEventKind int

const (
	EventNegotiationNeeded ConnectionEventKind = iota
	EventICECandidate
	EventConnectionStateChange
	EventTrack
	EventDataChannel
)

func (k ConnectionEventKind) String() string {
	switch k {
	case EventNegotiationNeeded:
		return "negotiation_needed"
	case EventICECandidate:
		return "ice_candidate"
	case EventConnectionStateChange:
		return "connection_state_change"
	case EventTrack:
		return "track"
	case EventDataChannel:
		return "data_channel"
	}
	return "unknown"
}

// ConnectionEvent is a single callback from the native connection.
// Candidate is nil once gathering completes.
type ConnectionEvent struct {
	Kind      ConnectionEventKind
	Candidate *domain.Candidate
	State     domain.ConnectionState
	Track     RemoteTrack
	Channel   DataChannel
}

// ConnectionEventHandler receives every event of one connection. It may be
// called from any goroutine.
type ConnectionEventHandler func(ConnectionEvent)

// Connection is the native peer connection. Implementations are not
// required to be safe for concurrent use beyond what the native library
// provides; the core only touches a connection from its event loop.
type Connection interface {
	SignalingState() domain.SignalingState
	ConnectionState() domain.ConnectionState
	LocalDescription() *domain.Description

	// SetLocalDescriptionAuto generates the description the current
	// signaling state calls for (offer or answer) and applies it.
	SetLocalDescriptionAuto() error
	CreateOffer() (domain.Description, error)
	CreateAnswer() (domain.Description, error)
	SetLocalDescription(desc domain.Description) error
	SetRemoteDescription(desc domain.Description) error
	AddICECandidate(candidate domain.Candidate) error

	CreateDataChannel(label string, opts ChannelOptions) (DataChannel, error)
	AddTrack(track LocalTrack) (Sender, error)
	RemoveTrack(sender Sender) error
	Senders() []Sender

	Close() error
}

// ConnectionFactory creates connections wired to a handler from birth, so
// no callback can fire before the owner is listening.
type ConnectionFactory interface {
	NewConnection(handler ConnectionEventHandler) (Connection, error)
}

// CredentialSink is implemented by factories that can use relay-issued
// TURN credentials for the connections they create next.
type CredentialSink interface {
	UseCredentials(credentials domain.TurnCredentials)
}
