package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// RegistryConfig holds the optional collaborators of a PeerRegistry.
type RegistryConfig struct {
	Clock    Clock
	Metrics  ports.SessionMetrics
	Features domain.Features
}

// PeerRegistry maps peer ids to sessions and owns everything shared between
// them: local media, local features, the chat log and the per-peer message
// queues. Every exported method must be called from the event loop.
type PeerRegistry struct {
	ctx      context.Context
	loop     *EventLoop
	factory  ports.ConnectionFactory
	relay    ports.SignalSender
	observer ports.Observer
	metrics  ports.SessionMetrics
	clock    Clock
	logger   *zap.SugaredLogger

	selfID     domain.PeerID
	sessions   map[domain.PeerID]*PeerSession
	queues     map[domain.PeerID]*MessageQueue
	generation uint64

	localFeatures domain.Features
	localTracks   map[string]ports.LocalTrack
	chatLog       *ChatLog

	negotiator *Negotiator
	chat       *ChatProtocol
	transfer   *TransferProtocol
	features   *FeatureProtocol
	filters    *FilterProtocol
}

func NewPeerRegistry(ctx context.Context, loop *EventLoop, factory ports.ConnectionFactory, relay ports.SignalSender, observer ports.Observer, logger *zap.SugaredLogger, cfg RegistryConfig) *PeerRegistry {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Features == nil {
		cfg.Features = make(domain.Features)
	}

	r := &PeerRegistry{
		ctx:           ctx,
		loop:          loop,
		factory:       factory,
		relay:         relay,
		observer:      observer,
		metrics:       cfg.Metrics,
		clock:         cfg.Clock,
		logger:        logger,
		sessions:      make(map[domain.PeerID]*PeerSession),
		queues:        make(map[domain.PeerID]*MessageQueue),
		localFeatures: cfg.Features.Clone(),
		localTracks:   make(map[string]ports.LocalTrack),
		chatLog:       NewChatLog(),
	}

	r.negotiator = NewNegotiator(r.SelfID, relay, observer, r.metrics, logger)
	r.chat = NewChatProtocol(r.chatLog, r.clock, observer, r.metrics, logger)
	r.transfer = NewTransferProtocol(r.chat, r.chatLog, r.clock, observer, r.metrics, logger)
	r.features = NewFeatureProtocol(r.LocalFeatures, logger)
	r.filters = NewFilterProtocol(observer, logger)
	r.registerFeatureHandlers()

	return r
}

func (r *PeerRegistry) Loop() *EventLoop {
	return r.loop
}

func (r *PeerRegistry) SetSelfID(id domain.PeerID) {
	r.selfID = id
}

func (r *PeerRegistry) SelfID() domain.PeerID {
	return r.selfID
}

// LocalFeatures returns a copy of the local feature map.
func (r *PeerRegistry) LocalFeatures() domain.Features {
	return r.localFeatures.Clone()
}

func (r *PeerRegistry) ChatLog() []domain.ChatEntry {
	return r.chatLog.Entries()
}

func (r *PeerRegistry) Session(id domain.PeerID) (*PeerSession, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Peers returns the registered peer ids in sorted order.
func (r *PeerRegistry) Peers() []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// UseCredentials hands relay-issued TURN credentials to the connection
// factory, if it can use them.
func (r *PeerRegistry) UseCredentials(credentials domain.TurnCredentials) {
	if sink, ok := r.factory.(ports.CredentialSink); ok {
		sink.UseCredentials(credentials)
	}
}

// HandleRoster creates a polite session for every peer already in the room.
func (r *PeerRegistry) HandleRoster(roster domain.Roster) error {
	if roster.Credentials != nil {
		r.UseCredentials(*roster.Credentials)
	}

	for _, id := range roster.Peers {
		if id == r.selfID {
			continue
		}
		if _, err := r.AddPeer(id, true); err != nil {
			return err
		}
	}
	return nil
}

// AddPeer creates and establishes a session for id.
func (r *PeerRegistry) AddPeer(id domain.PeerID, polite bool) (*PeerSession, error) {
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerExists, id)
	}

	s := r.newSession(id, polite)
	if err := r.establish(s); err != nil {
		s.close()
		return nil, err
	}
	r.sessions[id] = s
	r.metrics.SessionsActive(len(r.sessions))
	r.observer.PeerAdded(id)

	r.logger.Infow("peer session created", "peer_id", id, "polite", polite, "generation", s.Generation)
	return s, nil
}

// RemovePeer tears down the session of a departed peer. Its queued
// messages are discarded.
func (r *PeerRegistry) RemovePeer(id domain.PeerID) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, id)
	}

	if err := s.close(); err != nil {
		r.logger.Debugw("connection close failed", "peer_id", id, "error", err)
	}
	delete(r.sessions, id)

	if q, ok := r.queues[id]; ok {
		if n := q.Len(); n > 0 {
			r.logger.Warnw("discarding queued messages for departed peer", "peer_id", id, "count", n)
		}
		delete(r.queues, id)
		r.metrics.QueueDepth(string(id), 0)
	}

	r.metrics.SessionsActive(len(r.sessions))
	r.observer.MediaChanged(id, nil)
	r.observer.PeerRemoved(id)
	r.logger.Infow("peer session removed", "peer_id", id)
	return nil
}

// MarkPolite makes the session defer to the remote side. Only the
// single-peer flow uses it, when the relay reports a peer already present.
func (r *PeerRegistry) MarkPolite(id domain.PeerID) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, id)
	}
	s.negotiation.IsPolite = true
	return nil
}

// RecreatePeer rebuilds a session in place after the remote side left, so
// the next arrival finds a fresh connection waiting.
func (r *PeerRegistry) RecreatePeer(id domain.PeerID) error {
	old, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, id)
	}
	r.observer.MediaChanged(id, nil)
	_, err := r.replace(old)
	return err
}

// ResetAndRetry rebuilds the session for id with a fresh connection.
func (r *PeerRegistry) ResetAndRetry(id domain.PeerID) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, id)
	}
	return r.resetAndRetry(s)
}

// resetAndRetry replaces s keeping its politeness. The polite side holds
// back its own offer and asks the remote side to reset too; the impolite
// side's reset then drives the new negotiation.
func (r *PeerRegistry) resetAndRetry(old *PeerSession) error {
	r.metrics.NegotiationEvent(ports.MetricSessionReset)
	polite := old.negotiation.IsPolite

	s, err := r.replace(old, func(s *PeerSession) {
		s.negotiation.IsSuppressingInitialOffer = polite
	})
	if err != nil {
		return err
	}
	r.logger.Infow("session reset", "peer_id", s.ID, "polite", polite, "generation", s.Generation)

	if !polite {
		return nil
	}
	envelope := domain.SignalEnvelope{
		Recipient: s.ID,
		Sender:    r.selfID,
		Signal:    domain.Signal{Description: &domain.Description{Type: domain.DescriptionReset}},
	}
	if err := r.relay.SendSignal(s.ctx, envelope); err != nil {
		r.logger.Warnw("failed to send reset", "peer_id", s.ID, "error", err)
		return err
	}
	return nil
}

// replace closes old and registers an established successor with the same
// id and politeness. prepare runs before the successor is established.
func (r *PeerRegistry) replace(old *PeerSession, prepare ...func(*PeerSession)) (*PeerSession, error) {
	if err := old.close(); err != nil {
		r.logger.Debugw("connection close failed", "peer_id", old.ID, "error", err)
	}

	s := r.newSession(old.ID, old.negotiation.IsPolite)
	for _, fn := range prepare {
		fn(s)
	}
	if err := r.establish(s); err != nil {
		s.close()
		delete(r.sessions, old.ID)
		r.metrics.SessionsActive(len(r.sessions))
		r.observer.PeerError(old.ID, err)
		r.observer.PeerRemoved(old.ID)
		return nil, err
	}
	r.sessions[old.ID] = s
	return s, nil
}

func (r *PeerRegistry) newSession(id domain.PeerID, polite bool) *PeerSession {
	r.generation++
	q, ok := r.queues[id]
	if !ok {
		q = NewMessageQueue()
		r.queues[id] = q
	}
	return newPeerSession(r.ctx, id, r.generation, polite, q, r.loop)
}

// establish creates the session's connection, opens the negotiated chat and
// features channels and adds the local tracks.
func (r *PeerRegistry) establish(s *PeerSession) error {
	conn, err := r.factory.NewConnection(func(ev ports.ConnectionEvent) {
		s.Post(func() { r.handleConnectionEvent(s, ev) })
	})
	if err != nil {
		return fmt.Errorf("create connection for %s: %w", s.ID, err)
	}
	s.conn = conn

	chat, err := conn.CreateDataChannel(ChatChannelLabel, ports.ChannelOptions{Negotiated: true, ID: ChatChannelID})
	if err != nil {
		return fmt.Errorf("create chat channel: %w", err)
	}
	s.chat = chat
	s.chatDrained = false
	r.observeChannel(s, chat, r.handleChatEvent)

	features, err := conn.CreateDataChannel(FeaturesChannelLabel, ports.ChannelOptions{Negotiated: true, ID: FeaturesChannelID})
	if err != nil {
		return fmt.Errorf("create features channel: %w", err)
	}
	s.featuresChannel = features
	r.observeChannel(s, features, r.handleFeaturesEvent)

	r.observer.MediaChanged(s.ID, nil)
	r.addLocalTracks(s)
	return nil
}

func (r *PeerRegistry) observeChannel(s *PeerSession, ch ports.DataChannel, handle func(*PeerSession, ports.ChannelEvent)) {
	ch.Observe(func(ev ports.ChannelEvent) {
		s.Post(func() { handle(s, ev) })
	})
}

func (r *PeerRegistry) addLocalTracks(s *PeerSession) {
	for _, kind := range []string{ports.KindAudio, ports.KindVideo} {
		track, ok := r.localTracks[kind]
		if !ok {
			continue
		}
		if _, ok := s.senders[kind]; ok {
			continue
		}
		sender, err := s.conn.AddTrack(track)
		if err != nil {
			r.logger.Warnw("failed to add local track", "peer_id", s.ID, "kind", kind, "error", err)
			continue
		}
		s.senders[kind] = sender
	}
}

func (r *PeerRegistry) handleConnectionEvent(s *PeerSession, ev ports.ConnectionEvent) {
	switch ev.Kind {
	case ports.EventNegotiationNeeded:
		r.negotiator.HandleNegotiationNeeded(s.ctx, s)

	case ports.EventICECandidate:
		if ev.Candidate == nil {
			return
		}
		envelope := domain.SignalEnvelope{
			Recipient: s.ID,
			Sender:    r.selfID,
			Signal:    domain.Signal{Candidate: ev.Candidate},
		}
		if err := r.relay.SendSignal(s.ctx, envelope); err != nil {
			r.logger.Warnw("failed to send ICE candidate", "peer_id", s.ID, "error", err)
		}

	case ports.EventConnectionStateChange:
		s.connState = ev.State
		r.logger.Infow("connection state changed", "peer_id", s.ID, "state", ev.State)
		r.observer.ConnectionStateChanged(s.ID, ev.State)
		if ev.State == domain.ConnectionStateFailed && s.negotiation.IsPolite {
			r.resetAndRetry(s)
		}

	case ports.EventTrack:
		r.logger.Debugw("remote track", "peer_id", s.ID, "kind", ev.Track.Kind())
		s.addRemoteTrack(ev.Track)
		r.observer.MediaChanged(s.ID, s.Tracks())

	case ports.EventDataChannel:
		r.acceptChannel(s, ev.Channel)
	}
}

func (r *PeerRegistry) acceptChannel(s *PeerSession, ch ports.DataChannel) {
	label := ch.Label()
	r.logger.Debugw("data channel added", "peer_id", s.ID, "label", label)

	if strings.HasPrefix(label, FilterChannelPrefix) {
		r.filters.Receive(s, ch)
		return
	}
	r.transfer.Receive(s, ch)
}

func (r *PeerRegistry) handleChatEvent(s *PeerSession, ev ports.ChannelEvent) {
	switch ev.Kind {
	case ports.ChannelOpened:
		r.logger.Debugw("chat channel opened", "peer_id", s.ID, "queued", s.queue.Len())
		r.chat.Drain(s)
	case ports.ChannelMessageReceived:
		r.chat.HandleMessage(s, ev.Message)
	case ports.ChannelClosed:
		r.logger.Debugw("chat channel closed", "peer_id", s.ID)
	}
}

func (r *PeerRegistry) handleFeaturesEvent(s *PeerSession, ev ports.ChannelEvent) {
	switch ev.Kind {
	case ports.ChannelOpened:
		r.features.SendAll(s)
	case ports.ChannelMessageReceived:
		r.features.HandleMessage(s, ev.Message)
	}
}

// HandleSignal routes a relay envelope to the sender's session.
func (r *PeerRegistry) HandleSignal(envelope domain.SignalEnvelope) error {
	s, ok := r.sessions[envelope.Sender]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, envelope.Sender)
	}

	switch {
	case envelope.Signal.Description != nil:
		desc := *envelope.Signal.Description
		if desc.IsReset() {
			return r.resetAndRetry(s)
		}
		return r.negotiator.HandleDescription(s.ctx, s, desc)
	case envelope.Signal.Candidate != nil:
		return r.negotiator.HandleCandidate(s.ctx, s, *envelope.Signal.Candidate)
	}
	return domain.ErrInvalidSignal
}

// SendMessage sends text to every peer, queueing where the chat channel is
// not open yet.
func (r *PeerRegistry) SendMessage(text string) domain.MessageEnvelope {
	env := r.chat.Compose(text)
	for _, id := range r.Peers() {
		r.chat.SendOrQueue(r.sessions[id], domain.Outbound{Message: &env}, false)
	}
	return env
}

// SendFile transfers data to every peer.
func (r *PeerRegistry) SendFile(kind, name, mimeType string, data []byte) domain.FileMetadata {
	meta := domain.FileMetadata{
		Kind:      kind,
		Name:      name,
		Size:      int64(len(data)),
		Type:      mimeType,
		Timestamp: r.clock(),
	}
	entry := r.chatLog.Append(domain.ChatEntry{Self: true, Timestamp: meta.Timestamp, File: &meta})
	r.observer.ChatAppended(entry)

	payload := domain.FilePayload{Metadata: meta, Data: data}
	for _, id := range r.Peers() {
		r.chat.SendOrQueue(r.sessions[id], domain.Outbound{File: &payload}, false)
	}
	return meta
}

// PublishMedia adds local tracks to every session. The audio track follows
// the current mute state.
func (r *PeerRegistry) PublishMedia(tracks ...ports.LocalTrack) {
	for _, track := range tracks {
		switch track.Kind() {
		case ports.KindAudio:
			enabled := r.localFeatures.Bool(domain.FeatureAudio)
			r.localFeatures[domain.FeatureAudio] = enabled
			track.SetEnabled(enabled)
		case ports.KindVideo:
			r.localFeatures[domain.FeatureVideo] = true
		}
		if prev, ok := r.localTracks[track.Kind()]; ok && prev != track {
			for _, id := range r.Peers() {
				r.detachTrack(r.sessions[id], track.Kind())
			}
		}
		r.localTracks[track.Kind()] = track
	}

	for _, id := range r.Peers() {
		s := r.sessions[id]
		r.addLocalTracks(s)
		r.features.Share(s, domain.FeatureAudio, domain.FeatureVideo)
	}
}

// RemoveMedia detaches every local track and tells peers to drop theirs.
func (r *PeerRegistry) RemoveMedia() {
	r.localTracks = make(map[string]ports.LocalTrack)
	for _, id := range r.Peers() {
		s := r.sessions[id]
		for kind := range s.senders {
			r.detachTrack(s, kind)
		}
		r.features.Share(s, domain.FeatureRemoveAllTracks)
	}
}

func (r *PeerRegistry) detachTrack(s *PeerSession, kind string) {
	sender, ok := s.senders[kind]
	if !ok {
		return
	}
	if err := s.conn.RemoveTrack(sender); err != nil {
		r.logger.Warnw("failed to remove track", "peer_id", s.ID, "kind", kind, "error", err)
	}
	delete(s.senders, kind)
}

// SetFeature updates a local feature and shares it with every peer.
// Toggling audio or video also enables or disables the local track.
func (r *PeerRegistry) SetFeature(key string, value any) error {
	switch value.(type) {
	case bool, string:
	default:
		return fmt.Errorf("%w: %s", domain.ErrInvalidFeatureValue, key)
	}

	r.localFeatures[key] = value
	if key == domain.FeatureAudio || key == domain.FeatureVideo {
		if track, ok := r.localTracks[key]; ok {
			track.SetEnabled(r.localFeatures.Bool(key))
		}
	}

	for _, id := range r.Peers() {
		r.features.Share(r.sessions[id], key)
	}
	return nil
}

// CycleFilter advances the local video filter and announces it to every
// peer.
func (r *PeerRegistry) CycleFilter() string {
	filter := r.filters.Cycle()
	for _, id := range r.Peers() {
		if err := r.filters.Send(r.sessions[id], filter); err != nil {
			r.logger.Warnw("failed to announce filter", "peer_id", id, "filter", filter, "error", err)
		}
	}
	return filter
}

// Close leaves the call: every session is closed and forgotten.
func (r *PeerRegistry) Close() {
	for _, id := range r.Peers() {
		if err := r.RemovePeer(id); err != nil {
			r.logger.Debugw("failed to remove peer", "peer_id", id, "error", err)
		}
	}
}

func (r *PeerRegistry) registerFeatureHandlers() {
	r.features.Register(domain.FeatureAudio, func(s *PeerSession, value any) {
		r.observer.FeatureChanged(s.ID, domain.FeatureAudio, value)
	})
	r.features.Register(domain.FeatureUsername, func(s *PeerSession, value any) {
		r.observer.FeatureChanged(s.ID, domain.FeatureUsername, value)
	})
	r.features.Register(domain.FeatureVideo, func(s *PeerSession, value any) {
		if track, ok := s.mediaTracks[ports.KindVideo]; ok {
			if s.features.Bool(domain.FeatureVideo) {
				s.stream.AddTrack(track)
			} else {
				s.stream.RemoveTrack(track)
			}
			r.observer.MediaChanged(s.ID, s.Tracks())
		}
		r.observer.FeatureChanged(s.ID, domain.FeatureVideo, value)
	})
	r.features.Register(domain.FeatureRemoveAllTracks, func(s *PeerSession, value any) {
		s.removeAllTracks()
		r.observer.MediaChanged(s.ID, nil)
	})
}

type nopMetrics struct{}

func (nopMetrics) NegotiationEvent(string)              {}
func (nopMetrics) MessageRoundTrip(time.Duration, bool) {}
func (nopMetrics) TransferBytes(string, int)            {}
func (nopMetrics) SessionsActive(int)                   {}
func (nopMetrics) QueueDepth(string, int)               {}
