package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aashi6126/optiontrader/internal/config"
	"github.com/aashi6126/optiontrader/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFileStore(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "snapshot.json"), 15)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return st
}

func TestScheduler_RunsTaskRepeatedly(t *testing.T) {
	var calls int64
	cfg := config.Root{}
	cfg.Scheduler.JitterPercent = 1
	cfg.Scheduler.ShutdownGraceSeconds = 1

	s := New(cfg, newTestStore(t), []Task{
		{Name: "tick", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) {
			atomic.AddInt64(&calls, 1)
		}},
	}, nil)
	s.Start()
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	if atomic.LoadInt64(&calls) < 2 {
		t.Fatalf("want at least 2 ticks in 80ms at a 10ms interval, got %d", calls)
	}
}

func TestScheduler_HaltsAfterConsecutiveInvariantViolations(t *testing.T) {
	var calls int64
	var halted int32
	cfg := config.Root{}
	cfg.Scheduler.JitterPercent = 1
	cfg.Scheduler.ShutdownGraceSeconds = 1

	s := New(cfg, newTestStore(t), []Task{
		{Name: "panicky", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) {
			atomic.AddInt64(&calls, 1)
			panic("boom")
		}},
	}, func(component string, err error) {
		if component == "panicky" {
			atomic.StoreInt32(&halted, 1)
		}
	})
	s.Start()
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if atomic.LoadInt32(&halted) != 1 {
		t.Fatalf("want onAlert invoked once the component halts after %d consecutive violations", maxConsecutiveInvariantViolations)
	}
	gotCalls := atomic.LoadInt64(&calls)
	if gotCalls < int64(maxConsecutiveInvariantViolations) {
		t.Fatalf("want at least %d ticks before halting, got %d", maxConsecutiveInvariantViolations, gotCalls)
	}
	// The loop must stop scheduling once halted rather than spin forever.
	afterHalt := gotCalls
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt64(&calls) != afterHalt {
		t.Fatalf("want no further ticks after halting, got %d more", atomic.LoadInt64(&calls)-afterHalt)
	}
}

func TestNextDailySummaryTime_RollsToNextDayWhenPast(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 1, 2, 16, 10, 0, 0, loc) // past the default 16:05 cutoff
	next := nextDailySummaryTime(now, 16, 5, loc)
	want := time.Date(2026, 1, 3, 16, 5, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("want %v, got %v", want, next)
	}
}

func TestNextDailySummaryTime_SameDayWhenUpcoming(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 1, 2, 9, 0, 0, 0, loc)
	next := nextDailySummaryTime(now, 16, 5, loc)
	want := time.Date(2026, 1, 2, 16, 5, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("want %v, got %v", want, next)
	}
}

func TestComputeDailySummary_AggregatesClosedTradesOnly(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Root{}
	s := New(cfg, st, nil, nil)

	// PromoteAlertToTrade stamps TradeDate from the real clock, so the
	// summary is always computed for "today" in this test.
	today := time.Now().UTC().Format("2006-01-02")
	winner := seedClosedTrade(t, st, 0.50) // +0.50 * 1 * 100 = +50 dollars
	loser := seedClosedTrade(t, st, -0.20) // -0.20 * 1 * 100 = -20 dollars

	s.computeDailySummary(time.Now().UTC())

	summary, ok, err := st.GetDailySummary(today)
	if err != nil {
		t.Fatalf("GetDailySummary: %v", err)
	}
	if !ok {
		t.Fatalf("want a persisted summary for %s", today)
	}
	if summary.TotalTrades != 2 || summary.WinningTrades != 1 || summary.LosingTrades != 1 {
		t.Fatalf("want 2 total / 1 win / 1 loss, got %+v", summary)
	}
	wantTotal := winner.PnLDollars + loser.PnLDollars
	if summary.TotalPnL != wantTotal {
		t.Fatalf("want total PnL %v, got %v", wantTotal, summary.TotalPnL)
	}
	if summary.LargestWin != winner.PnLDollars {
		t.Fatalf("want largest win %v, got %v", winner.PnLDollars, summary.LargestWin)
	}
	if summary.LargestLoss != loser.PnLDollars {
		t.Fatalf("want largest loss %v, got %v", loser.PnLDollars, summary.LargestLoss)
	}
}

func seedClosedTrade(t *testing.T, st store.Store, priceDelta float64) store.Trade {
	t.Helper()
	a, err := st.CreateAlert(store.Alert{Ticker: "SPY", Action: store.ActionBuyCall, Direction: store.DirectionCall})
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	tr, err := st.PromoteAlertToTrade(a.ID, store.ContractSelection{OptionSymbol: "SPY250101C00560000", Strike: 560, Expiry: "2026-01-01"}, 1, "entry-"+a.ID, store.DirectionCall, store.SourceExternal)
	if err != nil {
		t.Fatalf("PromoteAlertToTrade: %v", err)
	}
	filled, err := st.RecordEntryFill(tr.ID, 2.00, time.Now())
	if err != nil {
		t.Fatalf("RecordEntryFill: %v", err)
	}
	placed, err := st.RecordStopPlacement(filled.ID, "stop-"+tr.ID, 1.50)
	if err != nil {
		t.Fatalf("RecordStopPlacement: %v", err)
	}
	triggered, err := st.RecordExitTrigger(placed.ID, store.ExitProfitTarget, "exit-"+tr.ID)
	if err != nil {
		t.Fatalf("RecordExitTrigger: %v", err)
	}
	closed, err := st.RecordExitFill(triggered.ID, 2.00+priceDelta, time.Now())
	if err != nil {
		t.Fatalf("RecordExitFill: %v", err)
	}
	return closed
}
