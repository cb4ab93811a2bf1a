// Package quotecache is the streaming quote cache: a single-writer map
// of symbol to last-known quote, staleness-checked on read, with a REST
// fallback path when no streamed tick exists yet.
package quotecache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aashi6126/optiontrader/internal/broker"
	"github.com/aashi6126/optiontrader/internal/observ"
)

// Quote is a cached quote for a single symbol, streamed or REST-fetched.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume    int64
	Timestamp time.Time
	Source    string // "stream" | "rest"
}

// IsStale reports whether the quote is older than maxAge.
func (q Quote) IsStale(maxAge time.Duration) bool {
	return time.Since(q.Timestamp) > maxAge
}

// SpreadPercent is (ask-bid)/mid*100.
func (q Quote) SpreadPercent() float64 {
	mid := (q.Bid + q.Ask) / 2
	if mid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid * 100
}

// RESTFetcher is the subset of broker.Client the cache uses for its
// fallback path when no streamed quote exists or the cached one is stale.
type RESTFetcher interface {
	EquityQuote(ctx context.Context, ticker string) (broker.EquityQuote, error)
}

// Cache is the single writer of quote state; every update, whether from
// a streaming tick or a REST fallback fetch, goes through Update, so
// readers never observe a torn quote.
type Cache struct {
	mu               sync.RWMutex
	quotes           map[string]Quote
	subscribers      map[int]chan Quote
	nextSubID        int
	stalenessWindow  time.Duration
	fetcher          RESTFetcher
	mirror           Mirror
}

// Mirror optionally replicates cache state to an external store (e.g.
// redis) for cross-process dashboards; see rediscache.Mirror.
type Mirror interface {
	Set(ctx context.Context, q Quote) error
}

// New constructs a Cache with the given staleness window.
func New(stalenessWindow time.Duration, fetcher RESTFetcher) *Cache {
	return &Cache{
		quotes:          map[string]Quote{},
		subscribers:     map[int]chan Quote{},
		stalenessWindow: stalenessWindow,
		fetcher:         fetcher,
	}
}

// SetMirror attaches an optional external mirror (set after construction
// so tests can use a plain Cache with no redis dependency).
func (c *Cache) SetMirror(m Mirror) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirror = m
}

// Update is the single write path: called by the streaming consumer for
// each tick, and by Get's REST-fallback path.
func (c *Cache) Update(q Quote) {
	q.Symbol = strings.ToUpper(q.Symbol)
	c.mu.Lock()
	c.quotes[q.Symbol] = q
	subs := make([]chan Quote, 0, len(c.subscribers))
	for _, ch := range c.subscribers {
		subs = append(subs, ch)
	}
	mirror := c.mirror
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- q:
		default:
		}
	}
	if mirror != nil {
		_ = mirror.Set(context.Background(), q)
	}
}

// Get returns the cached quote for symbol, falling back to a synchronous
// REST fetch if none exists yet or the cached entry is stale.
func (c *Cache) Get(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.ToUpper(symbol)

	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()

	if ok && !q.IsStale(c.stalenessWindow) {
		observ.IncCounter(observ.MetricQuoteCacheHits, nil)
		return q, nil
	}

	observ.IncCounter(observ.MetricQuoteCacheMisses, nil)
	if c.fetcher == nil {
		if ok {
			return q, nil // no fallback configured; return what we have
		}
		return Quote{}, &NoQuoteError{Symbol: symbol}
	}

	observ.IncCounter(observ.MetricQuoteCacheRESTFallback, nil)
	eq, err := c.fetcher.EquityQuote(ctx, symbol)
	if err != nil {
		if ok {
			return q, nil // fallback fetch failed; serve stale rather than fail the caller
		}
		return Quote{}, err
	}
	fresh := Quote{Symbol: symbol, Bid: eq.Bid, Ask: eq.Ask, Last: eq.Last, Volume: eq.Volume, Timestamp: eq.Timestamp, Source: "rest"}
	c.Update(fresh)
	return fresh, nil
}

// Subscribe returns a channel that receives every Update for as long as
// the caller keeps reading; call Unsubscribe(id) when done.
func (c *Cache) Subscribe() (id int, ch <-chan Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id = c.nextSubID
	out := make(chan Quote, 64)
	c.subscribers[id] = out
	return id, out
}

// Unsubscribe removes and closes a subscription channel.
func (c *Cache) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subscribers[id]; ok {
		delete(c.subscribers, id)
		close(ch)
	}
}

// NoQuoteError is returned when Get has neither a cached nor fallback
// quote to offer.
type NoQuoteError struct{ Symbol string }

func (e *NoQuoteError) Error() string { return "no quote available for " + e.Symbol }
