package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockKey is the Redis key guarding sync passes across processes.
const DefaultLockKey = "appointment-sync:lock:sync"

// Lock guards a sync pass across processes.
type Lock interface {
	// Acquire returns a release func when the lock was taken, or
	// ErrSyncInProgress when another holder has it.
	Acquire(ctx context.Context) (func(context.Context) error, error)
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a SET NX PX lock with a per-acquisition token.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisLock returns nil when client is nil. The TTL bounds how long a
// crashed holder can block later passes.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	if client == nil {
		return nil
	}
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// Acquire takes the lock or reports ErrSyncInProgress.
func (l *RedisLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("syncer: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	return func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("syncer: release lock: %w", err)
		}
		return nil
	}, nil
}
