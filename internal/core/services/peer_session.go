package services

import (
	"context"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// PeerSession is everything this side holds about one remote peer. A reset
// replaces the whole session; a session's connection is never swapped.
type PeerSession struct {
	ID         domain.PeerID
	Generation uint64

	negotiation     domain.NegotiationState
	conn            ports.Connection
	connState       domain.ConnectionState
	chat            ports.DataChannel
	chatDrained     bool
	featuresChannel ports.DataChannel
	queue           *MessageQueue

	features    domain.Features
	mediaTracks map[string]ports.RemoteTrack
	stream      *MediaStream
	senders     map[string]ports.Sender

	loop   *EventLoop
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

func newPeerSession(parent context.Context, id domain.PeerID, generation uint64, polite bool, queue *MessageQueue, loop *EventLoop) *PeerSession {
	ctx, cancel := context.WithCancel(parent)
	return &PeerSession{
		ID:          id,
		Generation:  generation,
		negotiation: domain.NegotiationState{IsPolite: polite},
		connState:   domain.ConnectionStateNew,
		queue:       queue,
		features:    make(domain.Features),
		mediaTracks: make(map[string]ports.RemoteTrack),
		stream:      NewMediaStream(),
		senders:     make(map[string]ports.Sender),
		loop:        loop,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Post runs fn on the event loop, unless the session has been closed or
// replaced by then.
func (s *PeerSession) Post(fn func()) {
	s.loop.Post(func() {
		if s.closed {
			return
		}
		fn()
	})
}

func (s *PeerSession) Negotiation() domain.NegotiationState {
	return s.negotiation
}

func (s *PeerSession) ConnectionState() domain.ConnectionState {
	return s.connState
}

func (s *PeerSession) Connection() ports.Connection {
	return s.conn
}

// Features returns a copy of the last features received from the peer.
func (s *PeerSession) Features() domain.Features {
	return s.features.Clone()
}

// Tracks returns the tracks currently shown for the peer.
func (s *PeerSession) Tracks() []ports.MediaTrack {
	return s.stream.Tracks()
}

func (s *PeerSession) QueueLen() int {
	return s.queue.Len()
}

func (s *PeerSession) Closed() bool {
	return s.closed
}

func (s *PeerSession) addRemoteTrack(track ports.RemoteTrack) {
	if old, ok := s.mediaTracks[track.Kind()]; ok {
		s.stream.RemoveTrack(old)
	}
	s.mediaTracks[track.Kind()] = track
	s.stream.AddTrack(track)
}

func (s *PeerSession) removeAllTracks() {
	for _, track := range s.mediaTracks {
		s.stream.RemoveTrack(track)
	}
	s.mediaTracks = make(map[string]ports.RemoteTrack)
	s.stream = NewMediaStream()
}

// close cancels in-flight work and closes the connection. It is terminal.
func (s *PeerSession) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
