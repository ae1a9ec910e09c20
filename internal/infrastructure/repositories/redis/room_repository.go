package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/distributed"
	"peerlink/pkg/tracing"
)

const (
	roomKeyPrefix = "peerlink:room:"
	lockKeyPrefix = "peerlink:lock:room:"
	lockTTL       = 2 * time.Second
)

// RedisRoomRepository stores each room as a set of peer ids, shared by
// every relay instance pointed at the same Redis.
type RedisRoomRepository struct {
	client *redis.Client
	locks  *distributed.LockManager
	ttl    time.Duration
}

// NewRedisRoomRepository expires idle room sets after ttl so that members
// of a crashed instance do not linger forever.
func NewRedisRoomRepository(client *redis.Client, ttl time.Duration) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		locks:  distributed.NewLockManager(client, lockKeyPrefix, lockTTL),
		ttl:    ttl,
	}
}

func (r *RedisRoomRepository) roomKey(room domain.RoomID) string {
	return roomKeyPrefix + string(room)
}

func (r *RedisRoomRepository) Join(ctx context.Context, room domain.RoomID, peer domain.PeerID, limit int) error {
	ctx, span := tracing.TraceRosterOperation(ctx, "join", "redis")
	defer span.End()

	if limit <= 0 {
		return r.add(ctx, room, peer)
	}

	// SCARD and SADD must not interleave with another instance's join.
	return r.locks.WithLock(ctx, string(room), func() error {
		key := r.roomKey(room)
		member, err := r.client.SIsMember(ctx, key, string(peer)).Result()
		if err != nil {
			return fmt.Errorf("failed to check room membership: %w", err)
		}
		if member {
			return nil
		}

		count, err := r.client.SCard(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to count room members: %w", err)
		}
		if count >= int64(limit) {
			return domain.ErrRoomFull
		}
		return r.add(ctx, room, peer)
	})
}

func (r *RedisRoomRepository) add(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	key := r.roomKey(room)

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, string(peer))
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add peer to room: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Leave(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	ctx, span := tracing.TraceRosterOperation(ctx, "leave", "redis")
	defer span.End()

	// An empty set is deleted by Redis itself.
	if err := r.client.SRem(ctx, r.roomKey(room), string(peer)).Err(); err != nil {
		return fmt.Errorf("failed to remove peer from room: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Members(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error) {
	ctx, span := tracing.TraceRosterOperation(ctx, "members", "redis")
	defer span.End()

	ids, err := r.client.SMembers(ctx, r.roomKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}

	sort.Strings(ids)
	peers := make([]domain.PeerID, len(ids))
	for i, id := range ids {
		peers[i] = domain.PeerID(id)
	}
	return peers, nil
}
