package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

var _ domain.LockManager = (*LockManager)(nil)

// Compare-and-delete and compare-and-extend on the holder token.
var (
	unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)
)

// LockManager hands out exclusive leases. A held lease is refreshed every
// ttl/3 until released, so a trading day can outlive the ttl while a
// crashed holder frees the key within one ttl.
type LockManager struct {
	c      *Client
	logger *slog.Logger
}

func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{c: c, logger: logger.With(slog.String("component", "redis_lock"))}
}

// Acquire returns domain.ErrLockHeld when another holder owns key. The
// returned unlock is idempotent.
func (l *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	token := uuid.NewString()
	k := l.c.key("lock", key)

	ok, err := l.c.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.renew(k, token, ttl, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := unlockScript.Run(unlockCtx, l.c.rdb, []string{k}, token).Err(); err != nil {
				l.logger.Warn("redis: release lock failed", slog.String("key", key), slog.String("error", err.Error()))
			}
		})
	}, nil
}

func (l *LockManager) renew(k, token string, ttl time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
			n, err := extendScript.Run(ctx, l.c.rdb, []string{k}, token, ttl.Milliseconds()).Int64()
			cancel()
			switch {
			case err != nil:
				l.logger.Warn("redis: lock renewal failed", slog.String("key", k), slog.String("error", err.Error()))
			case n == 0:
				l.logger.Error("redis: lock lost", slog.String("key", k))
				return
			}
		}
	}
}
