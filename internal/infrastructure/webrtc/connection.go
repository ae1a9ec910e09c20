package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

var errForeignTrack = errors.New("track was not created by this adapter")

// Connection adapts a pion PeerConnection to ports.Connection.
type Connection struct {
	pc      *webrtc.PeerConnection
	handler ports.ConnectionEventHandler
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	senders []*Sender
}

func newConnection(pc *webrtc.PeerConnection, handler ports.ConnectionEventHandler, logger *zap.SugaredLogger) *Connection {
	c := &Connection{
		pc:      pc,
		handler: handler,
		logger:  logger,
	}

	pc.OnNegotiationNeeded(func() {
		handler(ports.ConnectionEvent{Kind: ports.EventNegotiationNeeded})
	})
	pc.OnICECandidate(c.handleICECandidate)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		handler(ports.ConnectionEvent{
			Kind:  ports.EventConnectionStateChange,
			State: domain.ConnectionState(state.String()),
		})
	})
	pc.OnTrack(c.handleTrack)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		handler(ports.ConnectionEvent{
			Kind:    ports.EventDataChannel,
			Channel: newDataChannel(dc),
		})
	})

	return c
}

func (c *Connection) handleICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		c.handler(ports.ConnectionEvent{Kind: ports.EventICECandidate})
		return
	}

	init := candidate.ToJSON()
	c.handler(ports.ConnectionEvent{
		Kind: ports.EventICECandidate,
		Candidate: &domain.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		},
	})
}

func (c *Connection) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	c.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	go drainRemoteTrack(track, c.logger)
	go readReceiverRTCP(receiver, c.logger)

	c.handler(ports.ConnectionEvent{
		Kind:  ports.EventTrack,
		Track: &RemoteTrack{track: track},
	})
}

func (c *Connection) SignalingState() domain.SignalingState {
	return domain.SignalingState(c.pc.SignalingState().String())
}

func (c *Connection) ConnectionState() domain.ConnectionState {
	return domain.ConnectionState(c.pc.ConnectionState().String())
}

func (c *Connection) LocalDescription() *domain.Description {
	desc := c.pc.LocalDescription()
	if desc == nil {
		return nil
	}
	return &domain.Description{Type: desc.Type.String(), SDP: desc.SDP}
}

// SetLocalDescriptionAuto creates whatever the signaling state calls for.
// pion has no parameterless setLocalDescription, so the choice is made here.
func (c *Connection) SetLocalDescriptionAuto() error {
	var (
		desc domain.Description
		err  error
	)
	switch c.pc.SignalingState() {
	case webrtc.SignalingStateStable, webrtc.SignalingStateHaveLocalOffer:
		desc, err = c.CreateOffer()
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveLocalPranswer:
		desc, err = c.CreateAnswer()
	default:
		return fmt.Errorf("no implicit description in signaling state %s", c.pc.SignalingState())
	}
	if err != nil {
		return err
	}
	return c.SetLocalDescription(desc)
}

func (c *Connection) CreateOffer() (domain.Description, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	return domain.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *Connection) CreateAnswer() (domain.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	return domain.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *Connection) SetLocalDescription(desc domain.Description) error {
	return c.pc.SetLocalDescription(toSessionDescription(desc))
}

func (c *Connection) SetRemoteDescription(desc domain.Description) error {
	return c.pc.SetRemoteDescription(toSessionDescription(desc))
}

func (c *Connection) AddICECandidate(candidate domain.Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (c *Connection) CreateDataChannel(label string, opts ports.ChannelOptions) (ports.DataChannel, error) {
	var init *webrtc.DataChannelInit
	if opts.Negotiated {
		negotiated := true
		id := opts.ID
		init = &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &id}
	}

	dc, err := c.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return newDataChannel(dc), nil
}

func (c *Connection) AddTrack(track ports.LocalTrack) (ports.Sender, error) {
	local, ok := track.(*LocalTrack)
	if !ok {
		return nil, errForeignTrack
	}

	rtpSender, err := c.pc.AddTrack(local.rtp)
	if err != nil {
		return nil, err
	}

	sender := &Sender{rtp: rtpSender, track: local}
	go readSenderRTCP(rtpSender, local, c.logger)

	c.mu.Lock()
	c.senders = append(c.senders, sender)
	c.mu.Unlock()

	return sender, nil
}

func (c *Connection) RemoveTrack(sender ports.Sender) error {
	s, ok := sender.(*Sender)
	if !ok {
		return errForeignTrack
	}

	if err := c.pc.RemoveTrack(s.rtp); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.senders {
		if existing == s {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Connection) Senders() []ports.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ports.Sender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

func (c *Connection) Close() error {
	return c.pc.Close()
}

func toSessionDescription(desc domain.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}
}
