package domain

// Description types carried in a signal. DescriptionReset is not a real SDP type:
// it asks the remote side to rebuild its session.
const (
	DescriptionOffer    = "offer"
	DescriptionAnswer   = "answer"
	DescriptionPranswer = "pranswer"
	DescriptionRollback = "rollback"
	DescriptionReset    = "_reset"
)

// Description is a session description as exchanged over the relay.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp,omitempty"`
}

// IsReset reports whether d is the reset sentinel.
func (d Description) IsReset() bool {
	return d.Type == DescriptionReset
}

// Candidate is an ICE candidate in its browser JSON form. An empty
// Candidate string marks the end of candidates.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal carries exactly one of a description or a candidate.
type Signal struct {
	Description *Description `json:"description,omitempty"`
	Candidate   *Candidate   `json:"candidate,omitempty"`
}

// SignalEnvelope is the relay-level message. Recipient is empty in the
// single-peer variant, where the relay broadcasts to the room.
type SignalEnvelope struct {
	Recipient PeerID `json:"recipient,omitempty"`
	Sender    PeerID `json:"sender,omitempty"`
	Signal    Signal `json:"signal"`
}

// TurnCredentials are relay-issued, time-limited TURN credentials.
type TurnCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Roster is what the relay sends to a newly connected peer.
type Roster struct {
	Peers       []PeerID         `json:"peers"`
	Credentials *TurnCredentials `json:"credentials,omitempty"`
}
