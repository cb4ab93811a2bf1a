package risk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aashi6126/optiontrader/internal/calendar"
	"github.com/aashi6126/optiontrader/internal/config"
	"github.com/aashi6126/optiontrader/internal/store"
)

type fakeVIX struct {
	value float64
	err   error
}

func (f fakeVIX) LastVIX(ctx context.Context) (float64, error) { return f.value, f.err }

func newGateTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFileStore(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "snapshot.json"), 15)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return st
}

func baseGateConfig() config.Root {
	cfg := config.Root{}
	cfg.Webhook.Secret = "s3cret"
	cfg.Risk.AllowedTickers = []string{"SPY"}
	cfg.Risk.DailyTradeLimit = 10
	cfg.Risk.MaxConsecutiveLosses = 10
	cfg.Risk.MaxDailyLoss = 10000
	cfg.Risk.VIXCircuitBreaker = 30
	cfg.Session.FirstEntryHour, cfg.Session.FirstEntryMinute = 0, 0
	cfg.Session.LastEntryHour, cfg.Session.LastEntryMinute = 23, 59
	cfg.Session.AfternoonCutoffHour, cfg.Session.AfternoonCutoffMin = 13, 0
	cfg.Session.Timezone = "UTC"
	return cfg
}

func TestGate_HappyPathPassesEveryPredicate(t *testing.T) {
	st := newGateTestStore(t)
	g := New(baseGateConfig(), calendar.Empty(), st, nil)

	reason, err := g.Evaluate(context.Background(), Input{
		Secret: "s3cret", Ticker: "SPY", Action: store.ActionBuyCall, IsExternal: true,
		Now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if reason != "" {
		t.Fatalf("want no rejection, got %q", reason)
	}
}

func TestGate_SecretMismatchRejectsBeforeAnyOtherPredicate(t *testing.T) {
	st := newGateTestStore(t)
	g := New(baseGateConfig(), calendar.Empty(), st, nil)

	reason, err := g.Evaluate(context.Background(), Input{
		Secret: "wrong", Ticker: "NOT_ALLOWED", Action: store.ActionBuyCall, IsExternal: true,
		Now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if reason != ReasonSecretMismatch {
		t.Fatalf("want secret_mismatch to fire first despite a disallowed ticker too, got %q", reason)
	}
}

func TestGate_TickerNotAllowed(t *testing.T) {
	st := newGateTestStore(t)
	g := New(baseGateConfig(), calendar.Empty(), st, nil)

	reason, err := g.Evaluate(context.Background(), Input{
		Secret: "s3cret", Ticker: "TSLA", Action: store.ActionBuyCall, IsExternal: true,
		Now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if reason != ReasonTickerNotAllowed {
		t.Fatalf("want ticker_not_allowed, got %q", reason)
	}
}

func TestGate_OutsideSessionWindowUnlessIgnored(t *testing.T) {
	st := newGateTestStore(t)
	cfg := baseGateConfig()
	cfg.Session.FirstEntryHour, cfg.Session.LastEntryHour, cfg.Session.LastEntryMinute = 9, 9, 30
	g := New(cfg, calendar.Empty(), st, nil)

	late := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

	reason, err := g.Evaluate(context.Background(), Input{Ticker: "SPY", Action: store.ActionBuyCall, Now: late})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if reason != ReasonOutsideSessionWindow {
		t.Fatalf("want outside_session_window, got %q", reason)
	}

	reason, err = g.Evaluate(context.Background(), Input{Ticker: "SPY", Action: store.ActionBuyCall, Now: late, IgnoreSessionWindow: true})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if reason != "" {
		t.Fatalf("want IgnoreSessionWindow to bypass the window check, got %q", reason)
	}
}

func TestGate_VIXCircuitBreakerBlocksAboveThreshold(t *testing.T) {
	st := newGateTestStore(t)
	cfg := baseGateConfig()
	g := New(cfg, calendar.Empty(), st, fakeVIX{value: 35})

	reason, err := g.Evaluate(context.Background(), Input{
		Ticker: "SPY", Action: store.ActionBuyCall, Now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if reason != ReasonVIXCircuitBreaker {
		t.Fatalf("want vix_circuit_breaker at VIX=35 against a 30 threshold, got %q", reason)
	}
}

func TestGate_VIXReadFailurePermitsRatherThanBlocks(t *testing.T) {
	st := newGateTestStore(t)
	g := New(baseGateConfig(), calendar.Empty(), st, fakeVIX{err: context.DeadlineExceeded})

	reason, err := g.Evaluate(context.Background(), Input{
		Ticker: "SPY", Action: store.ActionBuyCall, Now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if reason != "" {
		t.Fatalf("want a VIX read failure to fail open, got rejection %q", reason)
	}
}

func TestGate_DailyTradeCapRejectsOnceLimitReached(t *testing.T) {
	st := newGateTestStore(t)
	cfg := baseGateConfig()
	cfg.Risk.DailyTradeLimit = 1
	g := New(cfg, calendar.Empty(), st, nil)
	now := time.Now().UTC()

	a, err := st.CreateAlert(store.Alert{Ticker: "SPY", Action: store.ActionBuyCall, Direction: store.DirectionCall})
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if _, err := st.PromoteAlertToTrade(a.ID, store.ContractSelection{OptionSymbol: "SPY250101C00560000", Strike: 560, Expiry: "2026-01-01"}, 1, "entry-1", store.DirectionCall, store.SourceExternal); err != nil {
		t.Fatalf("PromoteAlertToTrade: %v", err)
	}

	reason, err := g.Evaluate(context.Background(), Input{Ticker: "SPY", Action: store.ActionBuyCall, Now: now})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if reason != ReasonDailyTradeCap {
		t.Fatalf("want daily_trade_cap with one non-cancelled trade against a limit of 1, got %q", reason)
	}
}

func TestGate_ConsecutiveLossCapCountsTrailingLossesOnly(t *testing.T) {
	st := newGateTestStore(t)
	cfg := baseGateConfig()
	cfg.Risk.MaxConsecutiveLosses = 2
	g := New(cfg, calendar.Empty(), st, nil)
	now := time.Now().UTC()

	closeTrade := func(delta float64) {
		a, err := st.CreateAlert(store.Alert{Ticker: "SPY", Action: store.ActionBuyCall, Direction: store.DirectionCall})
		if err != nil {
			t.Fatalf("CreateAlert: %v", err)
		}
		tr, err := st.PromoteAlertToTrade(a.ID, store.ContractSelection{OptionSymbol: "SPY250101C00560000", Strike: 560, Expiry: "2026-01-01"}, 1, "entry-"+a.ID, store.DirectionCall, store.SourceExternal)
		if err != nil {
			t.Fatalf("PromoteAlertToTrade: %v", err)
		}
		filled, err := st.RecordEntryFill(tr.ID, 2.00, now)
		if err != nil {
			t.Fatalf("RecordEntryFill: %v", err)
		}
		placed, err := st.RecordStopPlacement(filled.ID, "stop-"+tr.ID, 1.50)
		if err != nil {
			t.Fatalf("RecordStopPlacement: %v", err)
		}
		triggered, err := st.RecordExitTrigger(placed.ID, store.ExitStopLoss, "exit-"+tr.ID)
		if err != nil {
			t.Fatalf("RecordExitTrigger: %v", err)
		}
		if _, err := st.RecordExitFill(triggered.ID, 2.00+delta, now); err != nil {
			t.Fatalf("RecordExitFill: %v", err)
		}
	}

	closeTrade(-0.10) // loss 1
	closeTrade(-0.10) // loss 2, reaches the cap of 2

	reason, err := g.Evaluate(context.Background(), Input{Ticker: "SPY", Action: store.ActionBuyCall, Now: now})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if reason != ReasonConsecutiveLossCap {
		t.Fatalf("want consecutive_loss_cap after two trailing losses against a cap of 2, got %q", reason)
	}
}

func TestGate_CloseWithNoOpenTradeRejected(t *testing.T) {
	st := newGateTestStore(t)
	g := New(baseGateConfig(), calendar.Empty(), st, nil)

	reason, err := g.Evaluate(context.Background(), Input{
		Ticker: "SPY", Action: store.ActionClose, Now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if reason != ReasonCloseNoOpenTrade {
		t.Fatalf("want close_precondition_failed with no open trade on the books, got %q", reason)
	}
}

func TestGate_EventDayAfternoonBlockedOnlyAfterCutoff(t *testing.T) {
	st := newGateTestStore(t)
	cfg := baseGateConfig()
	cal := calendar.Empty()
	g := New(cfg, cal, st, nil)

	morning := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	reason, err := g.Evaluate(context.Background(), Input{Ticker: "SPY", Action: store.ActionBuyCall, Now: morning})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if reason != "" {
		t.Fatalf("want an empty calendar to never block, got %q", reason)
	}
}
