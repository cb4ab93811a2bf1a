// Package quotefeed connects the streaming leg of the broker client to
// the quote cache and the bar aggregator. It owns the subscription set:
// a symbol is subscribed exactly when it appears in an open trade or in
// an enabled strategy, and nothing else is.
package quotefeed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aashi6126/optiontrader/internal/bars"
	"github.com/aashi6126/optiontrader/internal/observ"
	"github.com/aashi6126/optiontrader/internal/quotecache"
	"github.com/aashi6126/optiontrader/internal/store"
)

// Tick is one quote update from whatever source drives the feed, either
// the live websocket stream or the sim-mode REST poller.
type Tick struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume    int64
	Timestamp time.Time
}

// Streamer is the subscribe/unsubscribe surface of the broker's streaming
// connection. Nil when the feed is driven by polling instead.
type Streamer interface {
	Subscribe(symbols []string)
	Unsubscribe(symbols []string)
}

// Feed applies ticks to the cache and bar aggregator and keeps the broker
// subscription set in sync with the trade store.
type Feed struct {
	st     store.Store
	cache  *quotecache.Cache
	agg    *bars.Aggregator
	stream Streamer

	mu         sync.Mutex
	subscribed map[string]struct{}
	timeframes map[string][]string // equity symbol -> timeframes with an enabled strategy
}

// New constructs a Feed. stream may be nil; Reconcile then only maintains
// the local symbol set for PollSymbols.
func New(st store.Store, cache *quotecache.Cache, agg *bars.Aggregator, stream Streamer) *Feed {
	return &Feed{
		st: st, cache: cache, agg: agg, stream: stream,
		subscribed: map[string]struct{}{},
		timeframes: map[string][]string{},
	}
}

// Apply pushes one tick into the quote cache and, when the symbol carries
// an enabled strategy, into the bar aggregator for that strategy's
// timeframes.
func (f *Feed) Apply(t Tick) {
	sym := strings.ToUpper(t.Symbol)
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	f.cache.Update(quotecache.Quote{
		Symbol: sym, Bid: t.Bid, Ask: t.Ask, Last: t.Last, Volume: t.Volume,
		Timestamp: ts, Source: "stream",
	})

	f.mu.Lock()
	tfs := f.timeframes[sym]
	f.mu.Unlock()

	if len(tfs) > 0 && t.Last > 0 {
		f.agg.Ingest(sym, tfs, t.Last, t.Volume, ts)
	}
}

// Reconcile recomputes the desired subscription set from the store
// (every open trade's option symbol plus every enabled strategy's
// ticker) and sends the diff to the streamer.
func (f *Feed) Reconcile(ctx context.Context) error {
	desired := map[string]struct{}{}
	tfs := map[string][]string{}

	strategies, err := f.st.ListEnabledStrategies()
	if err != nil {
		return err
	}
	for _, s := range strategies {
		sym := strings.ToUpper(s.Ticker)
		desired[sym] = struct{}{}
		if !containsString(tfs[sym], s.Timeframe) {
			tfs[sym] = append(tfs[sym], s.Timeframe)
		}
	}

	trades, err := f.st.ListOpenTrades()
	if err != nil {
		return err
	}
	for _, t := range trades {
		desired[strings.ToUpper(t.OptionSymbol)] = struct{}{}
	}

	f.mu.Lock()
	var added, removed []string
	for sym := range desired {
		if _, ok := f.subscribed[sym]; !ok {
			added = append(added, sym)
		}
	}
	for sym := range f.subscribed {
		if _, ok := desired[sym]; !ok {
			removed = append(removed, sym)
		}
	}
	f.subscribed = desired
	f.timeframes = tfs
	f.mu.Unlock()

	if f.stream != nil {
		if len(added) > 0 {
			f.stream.Subscribe(added)
		}
		if len(removed) > 0 {
			f.stream.Unsubscribe(removed)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		observ.Log("quotefeed_reconciled", map[string]any{"added": added, "removed": removed})
	}
	return nil
}

// PollSymbols snapshots the current subscription set for a REST poller to
// walk when no streaming connection exists.
func (f *Feed) PollSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subscribed))
	for sym := range f.subscribed {
		out = append(out, sym)
	}
	return out
}

// Run consumes ticks and re-reconciles subscriptions on a fixed cadence
// until ctx is cancelled.
func (f *Feed) Run(ctx context.Context, ticks <-chan Tick, reconcileEvery time.Duration) {
	if reconcileEvery <= 0 {
		reconcileEvery = 15 * time.Second
	}
	if err := f.Reconcile(ctx); err != nil {
		observ.Log("quotefeed_reconcile_failed", map[string]any{"error": err.Error()})
	}

	ticker := time.NewTicker(reconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			f.Apply(t)
		case <-ticker.C:
			if err := f.Reconcile(ctx); err != nil {
				observ.Log("quotefeed_reconcile_failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
