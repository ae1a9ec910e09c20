package domain

// DelayedThresholdMillis is the response latency above which a delivered
// message is also marked delayed.
const DelayedThresholdMillis = 1000

// MessageEnvelope is the chat channel's JSON frame. A message without ID is
// an original send whose Timestamp is its correlation key; a response
// carries the original Timestamp as ID.
type MessageEnvelope struct {
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp"`
	ID        *int64 `json:"id,omitempty"`
}

// IsResponse reports whether m acknowledges an earlier message.
func (m MessageEnvelope) IsResponse() bool {
	return m.ID != nil
}

// NewResponse builds the acknowledgement for the message with the given
// timestamp.
func NewResponse(originalTimestamp, now int64) MessageEnvelope {
	id := originalTimestamp
	return MessageEnvelope{ID: &id, Timestamp: now}
}

// FileMetadata is sent once, as a text frame, ahead of a transfer's chunks.
type FileMetadata struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Label is the transfer channel label, "<kind>-<name>".
func (m FileMetadata) Label() string {
	return m.Kind + "-" + m.Name
}

// FilePayload is a file queued for transfer.
type FilePayload struct {
	Metadata FileMetadata
	Data     []byte
}

// Outbound is an item on the message queue: either a chat envelope or a
// file payload.
type Outbound struct {
	Message *MessageEnvelope
	File    *FilePayload
}

// ChatEntry is one line of the chat log. Self entries are messages this
// side sent; Delivered and Delayed are set when the response arrives.
type ChatEntry struct {
	Peer      PeerID
	Self      bool
	Text      string
	Timestamp int64
	File      *FileMetadata
	Delivered bool
	Delayed   bool
}
