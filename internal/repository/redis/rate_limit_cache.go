// Package redis holds Redis-backed caches that sit beside the primary store.
package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/util"
)

const rateLimitPrefix = "rate_limit:verification_request:"

// Increments the window counter and starts the window on the first hit.
const fixedWindowScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n`

// Scripter is the subset of the Redis client the cache needs.
type Scripter interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// RateLimitCache counts verification requests per requestor in fixed
// windows shared by every instance.
type RateLimitCache struct {
	client Scripter
	limit  int
	window time.Duration
}

func NewRateLimitCache(client Scripter, limit int, window time.Duration) *RateLimitCache {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimitCache{client: client, limit: limit, window: window}
}

// Allow counts one request for requestorID and reports whether it fits in
// the current window. A limit of zero or less disables the check.
func (c *RateLimitCache) Allow(ctx context.Context, requestorID string) (bool, error) {
	if c.limit <= 0 {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := c.client.Eval(ctx, fixedWindowScript, []string{rateLimitPrefix + requestorID}, c.window.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to count request: %w", err)
	}
	count, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected rate limit reply %T", res)
	}

	if count > int64(c.limit) {
		util.Debug("Verification request throttled",
			zap.String("requestor_id", requestorID),
			zap.Int64("count", count),
			zap.Int("limit", c.limit))
		return false, nil
	}
	return true, nil
}
