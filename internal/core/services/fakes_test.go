package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

var errFake = errors.New("fake failure")

type fakeChannel struct {
	mu       sync.Mutex
	label    string
	opts     ports.ChannelOptions
	state    domain.ChannelState
	handler  func(ports.ChannelEvent)
	sent     []ports.ChannelMessage
	sendErr  error
	buffered uint64
	closed   bool
}

func newFakeChannel(label string, opts ports.ChannelOptions) *fakeChannel {
	return &fakeChannel{label: label, opts: opts, state: domain.ChannelStateConnecting}
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) ReadyState() domain.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.sent = append(c.sent, ports.ChannelMessage{Data: buf})
	return nil
}

func (c *fakeChannel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, ports.ChannelMessage{IsString: true, Data: []byte(text)})
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) SetBufferedAmountLowThreshold(uint64) {}

func (c *fakeChannel) Observe(handler func(ports.ChannelEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = domain.ChannelStateClosed
	c.closed = true
	return nil
}

func (c *fakeChannel) fire(ev ports.ChannelEvent) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *fakeChannel) setState(state domain.ChannelState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *fakeChannel) open() {
	c.setState(domain.ChannelStateOpen)
	c.fire(ports.ChannelEvent{Kind: ports.ChannelOpened})
}

func (c *fakeChannel) deliverText(text string) {
	c.fire(ports.ChannelEvent{Kind: ports.ChannelMessageReceived, Message: ports.ChannelMessage{IsString: true, Data: []byte(text)}})
}

func (c *fakeChannel) deliverBinary(data []byte) {
	c.fire(ports.ChannelEvent{Kind: ports.ChannelMessageReceived, Message: ports.ChannelMessage{Data: data}})
}

func (c *fakeChannel) setSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) sentMessages() []ports.ChannelMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.ChannelMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeChannel) sentTexts() []string {
	var out []string
	for _, m := range c.sentMessages() {
		if m.IsString {
			out = append(out, string(m.Data))
		}
	}
	return out
}

type fakeTrack struct {
	id      string
	kind    string
	enabled bool
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() string            { return t.kind }
func (t *fakeTrack) Enabled() bool           { return t.enabled }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled = enabled }

type fakeSender struct {
	track ports.LocalTrack
}

func (s *fakeSender) Track() ports.LocalTrack { return s.track }

type fakeConnection struct {
	mu sync.Mutex

	name      string
	handler   ports.ConnectionEventHandler
	signaling domain.SignalingState
	local     *domain.Description
	remote    []domain.Description
	seq       int

	autoErr      error
	offerErr     error
	candidateErr error

	candidates []domain.Candidate
	channels   []*fakeChannel
	senders    []ports.Sender
	closed     bool
}

func (c *fakeConnection) nextSDP(kind string) string {
	c.seq++
	return fmt.Sprintf("%s-%s-%d", c.name, kind, c.seq)
}

func (c *fakeConnection) SignalingState() domain.SignalingState { return c.signaling }

func (c *fakeConnection) ConnectionState() domain.ConnectionState {
	return domain.ConnectionStateNew
}

func (c *fakeConnection) LocalDescription() *domain.Description { return c.local }

func (c *fakeConnection) SetLocalDescriptionAuto() error {
	if c.autoErr != nil {
		return c.autoErr
	}
	switch c.signaling {
	case domain.SignalingStateStable:
		return c.SetLocalDescription(domain.Description{Type: domain.DescriptionOffer, SDP: c.nextSDP("offer")})
	case domain.SignalingStateHaveRemoteOffer:
		return c.SetLocalDescription(domain.Description{Type: domain.DescriptionAnswer, SDP: c.nextSDP("answer")})
	}
	return fmt.Errorf("cannot set local description in %s", c.signaling)
}

func (c *fakeConnection) CreateOffer() (domain.Description, error) {
	if c.offerErr != nil {
		return domain.Description{}, c.offerErr
	}
	return domain.Description{Type: domain.DescriptionOffer, SDP: c.nextSDP("offer")}, nil
}

func (c *fakeConnection) CreateAnswer() (domain.Description, error) {
	if c.signaling != domain.SignalingStateHaveRemoteOffer {
		return domain.Description{}, fmt.Errorf("no remote offer")
	}
	return domain.Description{Type: domain.DescriptionAnswer, SDP: c.nextSDP("answer")}, nil
}

func (c *fakeConnection) SetLocalDescription(desc domain.Description) error {
	switch desc.Type {
	case domain.DescriptionOffer:
		c.signaling = domain.SignalingStateHaveLocalOffer
	case domain.DescriptionAnswer:
		if c.signaling != domain.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("answer in %s", c.signaling)
		}
		c.signaling = domain.SignalingStateStable
	}
	d := desc
	c.local = &d
	return nil
}

// SetRemoteDescription rolls back a pending local offer when a remote offer
// arrives, as browsers and pion do.
func (c *fakeConnection) SetRemoteDescription(desc domain.Description) error {
	switch desc.Type {
	case domain.DescriptionOffer:
		c.signaling = domain.SignalingStateHaveRemoteOffer
	case domain.DescriptionAnswer:
		if c.signaling != domain.SignalingStateHaveLocalOffer {
			return fmt.Errorf("answer in %s", c.signaling)
		}
		c.signaling = domain.SignalingStateStable
	}
	c.remote = append(c.remote, desc)
	return nil
}

func (c *fakeConnection) AddICECandidate(candidate domain.Candidate) error {
	if c.candidateErr != nil {
		return c.candidateErr
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConnection) CreateDataChannel(label string, opts ports.ChannelOptions) (ports.DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := newFakeChannel(label, opts)
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) AddTrack(track ports.LocalTrack) (ports.Sender, error) {
	s := &fakeSender{track: track}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *fakeConnection) RemoveTrack(sender ports.Sender) error {
	for i, s := range c.senders {
		if s == sender {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown sender")
}

func (c *fakeConnection) Senders() []ports.Sender { return c.senders }

func (c *fakeConnection) Close() error {
	c.closed = true
	c.signaling = domain.SignalingStateClosed
	return nil
}

func (c *fakeConnection) fire(ev ports.ConnectionEvent) {
	c.handler(ev)
}

func (c *fakeConnection) channel(label string) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		if ch.label == label {
			return ch
		}
	}
	return nil
}

type fakeFactory struct {
	name        string
	conns       []*fakeConnection
	credentials *domain.TurnCredentials
}

func (f *fakeFactory) NewConnection(handler ports.ConnectionEventHandler) (ports.Connection, error) {
	c := &fakeConnection{
		name:      fmt.Sprintf("%s%d", f.name, len(f.conns)),
		handler:   handler,
		signaling: domain.SignalingStateStable,
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) UseCredentials(credentials domain.TurnCredentials) {
	f.credentials = &credentials
}

type recordingRelay struct {
	mu   sync.Mutex
	sent []domain.SignalEnvelope
	err  error
	// forward, when set, receives every envelope after it is recorded.
	forward func(domain.SignalEnvelope)
}

func (r *recordingRelay) SendSignal(_ context.Context, envelope domain.SignalEnvelope) error {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return r.err
	}
	r.sent = append(r.sent, envelope)
	forward := r.forward
	r.mu.Unlock()
	if forward != nil {
		forward(envelope)
	}
	return nil
}

func (r *recordingRelay) descriptions(kind string) []domain.Description {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Description
	for _, e := range r.sent {
		if d := e.Signal.Description; d != nil && d.Type == kind {
			out = append(out, *d)
		}
	}
	return out
}

type mockRelay struct {
	mock.Mock
}

func (m *mockRelay) SendSignal(ctx context.Context, envelope domain.SignalEnvelope) error {
	args := m.Called(ctx, envelope)
	return args.Error(0)
}

type recordingObserver struct {
	mu       sync.Mutex
	added    []domain.PeerID
	removed  []domain.PeerID
	states   []domain.ConnectionState
	media    map[domain.PeerID][]ports.MediaTrack
	features []string
	appended []domain.ChatEntry
	updated  []domain.ChatEntry
	files    map[string][]byte
	filters  []string
	errors   []error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		media: make(map[domain.PeerID][]ports.MediaTrack),
		files: make(map[string][]byte),
	}
}

func (o *recordingObserver) PeerAdded(id domain.PeerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.added = append(o.added, id)
}

func (o *recordingObserver) PeerRemoved(id domain.PeerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, id)
}

func (o *recordingObserver) ConnectionStateChanged(_ domain.PeerID, state domain.ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) MediaChanged(id domain.PeerID, tracks []ports.MediaTrack) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.media[id] = tracks
}

func (o *recordingObserver) FeatureChanged(id domain.PeerID, key string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.features = append(o.features, fmt.Sprintf("%s:%s=%v", id, key, value))
}

func (o *recordingObserver) ChatAppended(entry domain.ChatEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appended = append(o.appended, entry)
}

func (o *recordingObserver) ChatUpdated(entry domain.ChatEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updated = append(o.updated, entry)
}

func (o *recordingObserver) FileReceived(_ domain.PeerID, metadata domain.FileMetadata, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[metadata.Name] = data
}

func (o *recordingObserver) FilterApplied(_ domain.PeerID, filter string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.filters = append(o.filters, filter)
}

func (o *recordingObserver) PeerError(_ domain.PeerID, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, err)
}

func (o *recordingObserver) errorCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.errors)
}

// fixedClock returns a clock reading *now.
func fixedClock(now *int64) Clock {
	return func() int64 { return *now }
}

type harness struct {
	loop     *EventLoop
	factory  *fakeFactory
	relay    *recordingRelay
	observer *recordingObserver
	registry *PeerRegistry
	now      int64
}

func newHarness(t *testing.T, self domain.PeerID) *harness {
	return newHarnessOnLoop(t, NewEventLoop(), self)
}

func newHarnessOnLoop(t *testing.T, loop *EventLoop, self domain.PeerID) *harness {
	h := &harness{
		loop:     loop,
		factory:  &fakeFactory{name: string(self) + "-conn"},
		relay:    &recordingRelay{},
		observer: newRecordingObserver(),
		now:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
	}
	h.registry = NewPeerRegistry(context.Background(), loop, h.factory, h.relay, h.observer,
		zaptest.NewLogger(t).Sugar(), RegistryConfig{Clock: fixedClock(&h.now)})
	h.registry.SetSelfID(self)
	return h
}

func (h *harness) conn(t *testing.T, id domain.PeerID) *fakeConnection {
	t.Helper()
	s, ok := h.registry.Session(id)
	if !ok {
		t.Fatalf("no session for %s", id)
	}
	return s.Connection().(*fakeConnection)
}
