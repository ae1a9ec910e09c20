package signal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/infrastructure/repositories/memory"
	"peerlink/pkg/retry"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []domain.RelayFrame
}

func (r *frameRecorder) handle(frame domain.RelayFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameRecorder) find(event string) (domain.RelayFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		if f.Event == event {
			return f, true
		}
	}
	return domain.RelayFrame{}, false
}

func (r *frameRecorder) waitFor(t *testing.T, event string) domain.RelayFrame {
	t.Helper()
	var frame domain.RelayFrame
	require.Eventually(t, func() bool {
		var ok bool
		frame, ok = r.find(event)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "no %q frame", event)
	return frame
}

func startClient(t *testing.T, h *relayHarness) (*Client, *frameRecorder, <-chan error) {
	t.Helper()
	rec := &frameRecorder{}
	client := NewClient(ClientConfig{
		URL:       h.http.URL,
		Room:      testRoom,
		Reconnect: retry.Config{},
	}, rec.handle, zap.NewNop().Sugar())

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()
	t.Cleanup(func() { client.Close() })
	return client, rec, done
}

func TestRoomURL(t *testing.T) {
	got, err := RoomURL("http://relay.local:8080", testRoom, "")
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.local:8080/ws/abcd-efgh-ijkl", got)

	got, err = RoomURL("https://relay.local/base/", testRoom, "tok")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.local/base/ws/abcd-efgh-ijkl?token=tok", got)

	_, err = RoomURL("ftp://relay.local", testRoom, "")
	assert.Error(t, err)
}

func TestClient_SendSignalWhileDisconnected(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://127.0.0.1:1", Room: testRoom}, func(domain.RelayFrame) {}, zap.NewNop().Sugar())
	err := client.SendSignal(context.Background(), domain.SignalEnvelope{Signal: offer()})
	assert.ErrorIs(t, err, domain.ErrRelayClosed)
	assert.False(t, client.Connected())
}

func TestClient_ExchangesSignals(t *testing.T) {
	h := startRelay(t, testConfig(), memory.NewMemoryRoomRepository(), nil)

	a, recA, _ := startClient(t, h)
	var helloA domain.RelayHello
	require.NoError(t, json.Unmarshal(recA.waitFor(t, domain.RelayEventConnect).Data, &helloA))
	recA.waitFor(t, domain.RelayEventConnectedPeers)

	_, recB, _ := startClient(t, h)
	var helloB domain.RelayHello
	require.NoError(t, json.Unmarshal(recB.waitFor(t, domain.RelayEventConnect).Data, &helloB))

	var joined domain.PeerID
	require.NoError(t, json.Unmarshal(recA.waitFor(t, domain.RelayEventConnectedPeer).Data, &joined))
	assert.Equal(t, helloB.ID, joined)

	require.True(t, a.Connected())
	require.NoError(t, a.SendSignal(context.Background(), domain.SignalEnvelope{Recipient: helloB.ID, Signal: offer()}))

	var env domain.SignalEnvelope
	require.NoError(t, json.Unmarshal(recB.waitFor(t, domain.RelayEventSignal).Data, &env))
	assert.Equal(t, helloA.ID, env.Sender)
	require.NotNil(t, env.Signal.Description)
	assert.Equal(t, domain.DescriptionOffer, env.Signal.Description.Type)
}

func TestClient_CloseEndsRunAndNotifiesRoom(t *testing.T) {
	h := startRelay(t, testConfig(), memory.NewMemoryRoomRepository(), nil)

	_, recA, _ := startClient(t, h)
	recA.waitFor(t, domain.RelayEventConnectedPeers)

	b, recB, doneB := startClient(t, h)
	var helloB domain.RelayHello
	require.NoError(t, json.Unmarshal(recB.waitFor(t, domain.RelayEventConnect).Data, &helloB))
	recA.waitFor(t, domain.RelayEventConnectedPeer)

	require.NoError(t, b.Close())

	select {
	case err := <-doneB:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	var left domain.PeerID
	require.NoError(t, json.Unmarshal(recA.waitFor(t, domain.RelayEventDisconnectedPeer).Data, &left))
	assert.Equal(t, helloB.ID, left)
}

func TestClient_RunFailsWhenRelayUnreachable(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://127.0.0.1:1", Room: testRoom}, func(domain.RelayFrame) {}, zap.NewNop().Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, client.Run(ctx))
}
