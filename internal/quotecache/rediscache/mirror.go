// Package rediscache mirrors streaming quote cache state into Redis so a
// separate dashboard process can read current quotes without attaching
// to the trading core's in-process cache.
package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aashi6126/optiontrader/internal/quotecache"
)

// Mirror implements quotecache.Mirror against a redis server.
type Mirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to addr and returns a ready Mirror.
func New(addr string) *Mirror {
	return &Mirror{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: 5 * time.Minute,
	}
}

func keyFor(symbol string) string {
	return "quote:" + symbol
}

// Set writes one quote as a JSON string under a symbol-scoped key.
func (m *Mirror) Set(ctx context.Context, q quotecache.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, keyFor(q.Symbol), data, m.ttl).Err()
}

// Get reads back a mirrored quote, for dashboard processes that do not
// hold a reference to the in-process Cache.
func (m *Mirror) Get(ctx context.Context, symbol string) (quotecache.Quote, error) {
	data, err := m.rdb.Get(ctx, keyFor(symbol)).Bytes()
	if err != nil {
		return quotecache.Quote{}, err
	}
	var q quotecache.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return quotecache.Quote{}, err
	}
	return q, nil
}

// Close releases the underlying redis client.
func (m *Mirror) Close() error {
	return m.rdb.Close()
}
