package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

var _ domain.RateLimiter = (*RateLimiter)(nil)

// RateLimiter is a sliding-window limiter shared by every process pointed
// at the same Redis.
type RateLimiter struct {
	c      *Client
	script *redis.Script
	now    func() time.Time
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c, script: redis.NewScript(slidingWindowLua), now: time.Now}
}

// Allow counts the request and reports whether it fits within limit per
// window.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := r.script.Run(ctx, r.c.rdb,
		[]string{r.c.key("ratelimit", key)},
		r.now().UnixMicro(), window.Microseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, fmt.Errorf("redis: rate limit %s: unexpected reply length %d", key, len(res))
	}
	return res[0] == 1, nil
}
