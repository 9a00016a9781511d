package locking

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/bucketing"
)

func TestStripedLockerSerialisesKey(t *testing.T) {
	locker := NewStripedLocker(bucketing.New(1, 8))

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "identity:1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestStripedLockerHonoursContext(t *testing.T) {
	locker := NewStripedLocker(bucketing.New(1, 1))
	unlock, err := locker.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "b")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]string
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return false, nil
	}
	f.keys[key] = value.(string)
	return true, nil
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[keys[0]] == args[0].(string) {
		delete(f.keys, keys[0])
		return int64(1), nil
	}
	return int64(0), nil
}

func TestRedisLocker(t *testing.T) {
	redis := &fakeRedis{keys: map[string]string{}}
	locker := NewRedisLocker(redis, "lock:", time.Second, 50*time.Millisecond)

	unlock, err := locker.Lock(context.Background(), "identity:1")
	require.NoError(t, err)
	assert.Contains(t, redis.keys, "lock:identity:1")

	_, err = locker.Lock(context.Background(), "identity:1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	other, err := locker.Lock(context.Background(), "identity:2")
	require.NoError(t, err)
	other()

	unlock()
	assert.NotContains(t, redis.keys, "lock:identity:1")

	again, err := locker.Lock(context.Background(), "identity:1")
	require.NoError(t, err)
	again()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	redis := &fakeRedis{keys: map[string]string{}}
	locker := NewRedisLocker(redis, "lock:", time.Second, 10*time.Millisecond)

	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	// the lock expired and someone else took it
	redis.keys["lock:k"] = "someone-else"
	unlock()
	assert.Equal(t, "someone-else", redis.keys["lock:k"])
}
