package distributed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/internal/core/domain"
)

type collector struct {
	mu         sync.Mutex
	deliveries []domain.RelayDelivery
}

func (c *collector) handle(d domain.RelayDelivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, d)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

func TestMemoryRelayBus_SkipsOwnInstance(t *testing.T) {
	bus := NewMemoryRelayBus()
	a := bus.Instance("a")
	b := bus.Instance("b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fromA, fromB collector
	go a.Subscribe(ctx, fromA.handle)
	go b.Subscribe(ctx, fromB.handle)

	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subscribers) == 2
	}, time.Second, time.Millisecond)

	frame, err := domain.NewRelayFrame(domain.RelayEventConnectedPeer, "peer-1")
	require.NoError(t, err)
	require.NoError(t, a.Publish(ctx, domain.RelayDelivery{Room: "abcd-efgh-ijkl", Frame: frame}))

	assert.Equal(t, 0, fromA.count())
	require.Equal(t, 1, fromB.count())
	assert.Equal(t, "a", fromB.deliveries[0].Instance)
	assert.Equal(t, domain.RoomID("abcd-efgh-ijkl"), fromB.deliveries[0].Room)
}

func TestMemoryRelayBus_UnsubscribesOnCancel(t *testing.T) {
	bus := NewMemoryRelayBus()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- bus.Instance("a").Subscribe(ctx, func(domain.RelayDelivery) {}) }()

	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subscribers) == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, bus.subscribers)
}
