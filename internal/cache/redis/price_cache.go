package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

var _ domain.PriceCache = (*PriceCache)(nil)

// PriceCache keeps the last observed price per symbol in a hash at
// price:<symbol> with fields price and ts (unix nanos). Entries expire
// after ttl so a stopped engine leaves nothing stale behind.
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PriceCache{c: c, ttl: ttl}
}

func (p *PriceCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	key := p.c.key("price", symbol)
	pipe := p.c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"price", strconv.FormatFloat(price, 'f', -1, 64),
		"ts", strconv.FormatInt(ts.UnixNano(), 10),
	)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns domain.ErrNotFound for an unknown symbol.
func (p *PriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	vals, err := p.c.rdb.HGetAll(ctx, p.c.key("price", symbol)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	price, ts, err := decodePrice(vals)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: price %s: %w", symbol, err)
	}
	return price, ts, nil
}

// GetPrices omits symbols with no usable entry.
func (p *PriceCache) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	pipe := p.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, s := range symbols {
		cmds[s] = pipe.HGetAll(ctx, p.c.key("price", s))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices: %w", err)
	}

	for s, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, err := decodePrice(vals); err == nil {
			out[s] = price
		}
	}
	return out, nil
}

func decodePrice(vals map[string]string) (float64, time.Time, error) {
	rawPrice, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(rawPrice, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse price: %w", err)
	}
	nanos, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse ts: %w", err)
	}
	return price, time.Unix(0, nanos), nil
}
