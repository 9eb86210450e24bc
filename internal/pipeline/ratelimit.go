package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/gazorpazorp/gateway/internal/kv"
)

const rateLimitKeyPrefix = "ratelimit:"

// rateLimitResult reports one counter check.
type rateLimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter int // seconds
}

// checkRateLimit increments the per-agent window counter and compares it to
// the limit. The TTL equals the window, set when the counter is created, so
// the whole window expires at once.
func checkRateLimit(ctx context.Context, store kv.Store, agentID string, maxRequests int, window time.Duration) (*rateLimitResult, error) {
	key := rateLimitKeyPrefix + agentID

	count, err := store.Incr(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("rate limit counter %s: %w", agentID, err)
	}
	if count == 1 {
		if err := store.Expire(ctx, key, window); err != nil {
			return nil, fmt.Errorf("rate limit expire %s: %w", agentID, err)
		}
	}

	if count > int64(maxRequests) {
		return &rateLimitResult{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: int(window.Seconds()),
		}, nil
	}

	return &rateLimitResult{
		Allowed:   true,
		Remaining: maxRequests - int(count),
	}, nil
}
