package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

const relayChannel = "peerlink:relay"

// RedisRelayBus carries room deliveries between relay instances over a
// Redis pub/sub channel. Deliveries published by this instance are
// skipped on receipt; the publisher has already delivered them locally.
type RedisRelayBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRedisRelayBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) ports.RelayBus {
	return &RedisRelayBus{
		client:     client,
		instanceID: instanceID,
		channel:    relayChannel,
		logger:     logger,
	}
}

func (b *RedisRelayBus) Publish(ctx context.Context, delivery domain.RelayDelivery) error {
	delivery.Instance = b.instanceID

	data, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish delivery: %w", err)
	}

	b.logger.Debugw("published relay delivery",
		"room", delivery.Room,
		"event", delivery.Frame.Event,
		"recipient", delivery.Recipient,
	)
	return nil
}

func (b *RedisRelayBus) Subscribe(ctx context.Context, handler func(domain.RelayDelivery)) error {
	b.mu.Lock()
	if b.pubsub != nil {
		b.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	b.pubsub = pubsub
	b.mu.Unlock()

	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var delivery domain.RelayDelivery
			if err := json.Unmarshal([]byte(msg.Payload), &delivery); err != nil {
				b.logger.Warnw("failed to unmarshal relay delivery",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if delivery.Instance == b.instanceID {
				continue
			}
			handler(delivery)
		}
	}
}

func (b *RedisRelayBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}

// MemoryRelayBus connects relay instances living in one process. A single
// instance can use it as a no-op bus.
type MemoryRelayBus struct {
	mu          sync.RWMutex
	subscribers map[int]memorySubscriber
	next        int
}

type memorySubscriber struct {
	instanceID string
	handler    func(domain.RelayDelivery)
}

func NewMemoryRelayBus() *MemoryRelayBus {
	return &MemoryRelayBus{
		subscribers: make(map[int]memorySubscriber),
	}
}

// Instance returns a view of the bus bound to one relay instance.
func (b *MemoryRelayBus) Instance(instanceID string) ports.RelayBus {
	return &memoryInstance{bus: b, instanceID: instanceID}
}

type memoryInstance struct {
	bus        *MemoryRelayBus
	instanceID string
}

func (m *memoryInstance) Publish(ctx context.Context, delivery domain.RelayDelivery) error {
	delivery.Instance = m.instanceID

	m.bus.mu.RLock()
	defer m.bus.mu.RUnlock()

	for _, sub := range m.bus.subscribers {
		if sub.instanceID == m.instanceID {
			continue
		}
		sub.handler(delivery)
	}
	return nil
}

func (m *memoryInstance) Subscribe(ctx context.Context, handler func(domain.RelayDelivery)) error {
	m.bus.mu.Lock()
	id := m.bus.next
	m.bus.next++
	m.bus.subscribers[id] = memorySubscriber{instanceID: m.instanceID, handler: handler}
	m.bus.mu.Unlock()

	<-ctx.Done()

	m.bus.mu.Lock()
	delete(m.bus.subscribers, id)
	m.bus.mu.Unlock()
	return ctx.Err()
}

func (m *memoryInstance) Close() error {
	return nil
}
