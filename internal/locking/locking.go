// Package locking serialises work on a single key (an identity id or a
// verification id) while letting different keys proceed in parallel.
package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/util"
)

var ErrLockTimeout = errors.New("timed out waiting for lock")

// Locker acquires an exclusive lock on key. The returned func releases it and
// is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// StripedLocker is an in-process locker. Keys hash onto a fixed set of
// stripes, so unrelated keys occasionally share a stripe. It is not
// reentrant: never hold two keys from the same locker at once.
type StripedLocker struct {
	buckets *bucketing.BucketingManager
	stripes []chan struct{}
}

func NewStripedLocker(buckets *bucketing.BucketingManager) *StripedLocker {
	stripes := make([]chan struct{}, buckets.LockStripes())
	for i := range stripes {
		stripes[i] = make(chan struct{}, 1)
	}
	return &StripedLocker{buckets: buckets, stripes: stripes}
}

func (l *StripedLocker) Lock(ctx context.Context, key string) (func(), error) {
	stripe := l.stripes[l.buckets.LockStripe(key)]
	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
	}
}

// RedisCommander is the subset of the Redis client used for distributed locks.
type RedisCommander interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// Deletes the key only while it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocker holds SET NX PX locks shared by every instance of the service.
// The TTL bounds how long a crashed holder can block a key.
type RedisLocker struct {
	client RedisCommander
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

func NewRedisLocker(client RedisCommander, prefix string, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, wait: wait}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := uuid.NewString()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = l.wait

	err := backoff.Retry(func() error {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrLockTimeout
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if errors.Is(err, ErrLockTimeout) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		util.Error("Failed to acquire distributed lock", zap.String("key", lockKey), zap.Error(err))
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := l.client.Eval(releaseCtx, releaseScript, []string{lockKey}, token); err != nil {
			util.Warn("Failed to release distributed lock", zap.String("key", lockKey), zap.Error(err))
		}
	}, nil
}
