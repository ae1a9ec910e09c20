package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"peerlink/pkg/retry"
)

// ErrNotAcquired is returned while another holder owns the lock.
var ErrNotAcquired = errors.New("lock held by another instance")

var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Lock is a short-lived mutual exclusion lock stored in Redis. The TTL
// bounds how long a crashed holder can block others; there is no renewal,
// so critical sections must finish well within it.
type Lock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
	retry  retry.Config
}

// NewLock creates an unheld lock on key.
func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 20
	cfg.InitialDelay = 10 * time.Millisecond
	cfg.MaxDelay = 200 * time.Millisecond
	cfg.RetryableErrors = []error{ErrNotAcquired}

	return &Lock{
		client: client,
		key:    key,
		value:  uuid.NewString(),
		ttl:    ttl,
		retry:  cfg,
	}
}

// TryLock makes a single acquisition attempt.
func (l *Lock) TryLock(ctx context.Context) error {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !acquired {
		return ErrNotAcquired
	}
	return nil
}

// Lock retries TryLock with backoff until it succeeds, the attempts run
// out or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	return retry.Retry(ctx, l.retry, func() error {
		return l.TryLock(ctx)
	})
}

// Unlock releases the lock if this holder still owns it.
func (l *Lock) Unlock(ctx context.Context) error {
	deleted, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if deleted == 0 {
		return fmt.Errorf("lock %s expired before release", l.key)
	}
	return nil
}

// LockManager hands out locks under a common key prefix.
type LockManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewLockManager(client *redis.Client, prefix string, ttl time.Duration) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// WithLock runs fn while holding the lock named key.
func (m *LockManager) WithLock(ctx context.Context, key string, fn func() error) (err error) {
	lock := NewLock(m.client, m.prefix+key, m.ttl)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if unlockErr := lock.Unlock(ctx); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	return fn()
}
