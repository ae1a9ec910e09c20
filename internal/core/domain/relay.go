package domain

import "encoding/json"

// Relay events. Names match the socket.io events browser clients use.
const (
	RelayEventConnect          = "connect"
	RelayEventConnectedPeers   = "connected peers"
	RelayEventConnectedPeer    = "connected peer"
	RelayEventDisconnectedPeer = "disconnected peer"
	RelayEventSignal           = "signal"
	RelayEventError            = "error"
)

// RelayFrame is one websocket text message between a peer and the relay.
type RelayFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewRelayFrame encodes data as the frame payload.
func NewRelayFrame(event string, data any) (RelayFrame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return RelayFrame{}, err
	}
	return RelayFrame{Event: event, Data: raw}, nil
}

// RelayDelivery addresses a frame to the members of a room. An empty
// Recipient means every member except Exclude.
type RelayDelivery struct {
	Instance  string     `json:"instance"`
	Room      RoomID     `json:"room"`
	Recipient PeerID     `json:"recipient,omitempty"`
	Exclude   PeerID     `json:"exclude,omitempty"`
	Frame     RelayFrame `json:"frame"`
}

// RelayHello is the payload of the connect event: the id the relay
// assigned to this connection.
type RelayHello struct {
	ID PeerID `json:"id"`
}

// RelayError is sent before the relay closes a connection it refuses.
type RelayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
