package redis

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScripter evaluates the fixed window script against an in-memory map.
type fakeScripter struct {
	mu     sync.Mutex
	counts map[string]int64
	ttls   map[string]interface{}
	err    error
	reply  interface{}
}

func newFakeScripter() *fakeScripter {
	return &fakeScripter{counts: map[string]int64{}, ttls: map[string]interface{}{}}
}

func (f *fakeScripter) Eval(_ context.Context, _ string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.reply != nil {
		return f.reply, nil
	}
	f.counts[keys[0]]++
	if f.counts[keys[0]] == 1 {
		f.ttls[keys[0]] = args[0]
	}
	return f.counts[keys[0]], nil
}

func TestRateLimitCacheAllowsUpToLimit(t *testing.T) {
	fake := newFakeScripter()
	cache := NewRateLimitCache(fake, 2, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := cache.Allow(ctx, "verifier-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := cache.Allow(ctx, "verifier-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = cache.Allow(ctx, "verifier-2")
	require.NoError(t, err)
	assert.True(t, ok, "requestors are counted separately")

	assert.Equal(t, int64(60000), fake.ttls[rateLimitPrefix+"verifier-1"])
}

func TestRateLimitCacheDisabled(t *testing.T) {
	fake := newFakeScripter()
	fake.err = errors.New("must not be called")
	cache := NewRateLimitCache(fake, 0, 0)

	ok, err := cache.Allow(context.Background(), "verifier-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimitCacheErrors(t *testing.T) {
	fake := newFakeScripter()
	fake.err = errors.New("connection refused")
	_, err := NewRateLimitCache(fake, 1, 0).Allow(context.Background(), "verifier-1")
	assert.ErrorContains(t, err, "connection refused")

	fake = newFakeScripter()
	fake.reply = "OK"
	_, err = NewRateLimitCache(fake, 1, 0).Allow(context.Background(), "verifier-1")
	assert.ErrorContains(t, err, "unexpected rate limit reply")
}
