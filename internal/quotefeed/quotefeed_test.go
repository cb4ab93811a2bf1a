package quotefeed

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/aashi6126/optiontrader/internal/bars"
	"github.com/aashi6126/optiontrader/internal/quotecache"
	"github.com/aashi6126/optiontrader/internal/store"
)

type fakeStreamer struct {
	subscribed   []string
	unsubscribed []string
}

func (f *fakeStreamer) Subscribe(symbols []string)   { f.subscribed = append(f.subscribed, symbols...) }
func (f *fakeStreamer) Unsubscribe(symbols []string) { f.unsubscribed = append(f.unsubscribed, symbols...) }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFileStore(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "snapshot.json"), 15)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestFeed_ReconcileSubscribesStrategyTickersAndOpenTradeOptions(t *testing.T) {
	st := newTestStore(t)
	if err := st.EnableStrategy(store.EnabledStrategy{Ticker: "SPY", Timeframe: "5m", SignalType: "ema_cross", EnabledAt: time.Now().UTC()}); err != nil {
		t.Fatalf("EnableStrategy: %v", err)
	}

	alert, err := st.CreateAlert(store.Alert{Ticker: "QQQ", Action: store.ActionBuyCall, Source: store.SourceManualTest})
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	sel := store.ContractSelection{OptionSymbol: "QQQ250806C00480000", Strike: 480, Expiry: "2025-08-06", Bid: 0.40, Ask: 0.42}
	if _, err := st.PromoteAlertToTrade(alert.ID, sel, 1, "entry-1", store.DirectionCall, store.SourceManualTest); err != nil {
		t.Fatalf("PromoteAlertToTrade: %v", err)
	}

	streamer := &fakeStreamer{}
	feed := New(st, quotecache.New(5*time.Second, nil), bars.New(50), streamer)

	if err := feed.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	sort.Strings(streamer.subscribed)
	want := []string{"QQQ250806C00480000", "SPY"}
	if len(streamer.subscribed) != 2 || streamer.subscribed[0] != want[0] || streamer.subscribed[1] != want[1] {
		t.Fatalf("want subscriptions %v, got %v", want, streamer.subscribed)
	}
	if len(streamer.unsubscribed) != 0 {
		t.Fatalf("want no unsubscriptions on first reconcile, got %v", streamer.unsubscribed)
	}
}

func TestFeed_ReconcileUnsubscribesDisabledStrategyTicker(t *testing.T) {
	st := newTestStore(t)
	if err := st.EnableStrategy(store.EnabledStrategy{Ticker: "SPY", Timeframe: "1m", SignalType: "vwap_cross", EnabledAt: time.Now().UTC()}); err != nil {
		t.Fatalf("EnableStrategy: %v", err)
	}

	streamer := &fakeStreamer{}
	feed := New(st, quotecache.New(5*time.Second, nil), bars.New(50), streamer)
	if err := feed.Reconcile(context.Background()); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	if err := st.DisableStrategy("SPY", "1m", "vwap_cross"); err != nil {
		t.Fatalf("DisableStrategy: %v", err)
	}
	if err := feed.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	if len(streamer.unsubscribed) != 1 || streamer.unsubscribed[0] != "SPY" {
		t.Fatalf("want SPY unsubscribed after disable, got %v", streamer.unsubscribed)
	}
}

func TestFeed_ApplyUpdatesCacheAndIngestsStrategyBars(t *testing.T) {
	st := newTestStore(t)
	if err := st.EnableStrategy(store.EnabledStrategy{Ticker: "SPY", Timeframe: "1m", SignalType: "ema_cross", EnabledAt: time.Now().UTC()}); err != nil {
		t.Fatalf("EnableStrategy: %v", err)
	}

	cache := quotecache.New(5*time.Second, nil)
	agg := bars.New(50)
	feed := New(st, cache, agg, nil)
	if err := feed.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	base := time.Date(2025, 8, 6, 14, 30, 0, 0, time.UTC)
	feed.Apply(Tick{Symbol: "spy", Bid: 640.10, Ask: 640.12, Last: 640.11, Volume: 100, Timestamp: base})
	feed.Apply(Tick{Symbol: "SPY", Bid: 640.20, Ask: 640.22, Last: 640.21, Volume: 50, Timestamp: base.Add(10 * time.Second)})
	// Crossing the minute boundary closes the first 1m bar.
	feed.Apply(Tick{Symbol: "SPY", Bid: 640.30, Ask: 640.32, Last: 640.31, Volume: 30, Timestamp: base.Add(70 * time.Second)})

	q, err := cache.Get(context.Background(), "SPY")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if q.Last != 640.31 || q.Source != "stream" {
		t.Fatalf("want cached last 640.31 from stream, got %+v", q)
	}

	closed := agg.LastBars("SPY", "1m", 10)
	if len(closed) != 1 {
		t.Fatalf("want one completed 1m bar, got %d", len(closed))
	}
	if closed[0].Open != 640.11 || closed[0].Close != 640.21 || closed[0].Volume != 150 {
		t.Fatalf("unexpected completed bar %+v", closed[0])
	}

	// Option symbols have no enabled strategy, so ticks update only the cache.
	feed.Apply(Tick{Symbol: "QQQ250806C00480000", Bid: 0.41, Ask: 0.43, Last: 0.42, Timestamp: base})
	if got := agg.LastBars("QQQ250806C00480000", "1m", 10); len(got) != 0 {
		t.Fatalf("want no bars for an option symbol, got %d", len(got))
	}
}
