package wsbroker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aashi6126/optiontrader/internal/eventbus"
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

func TestToFrame_EnrichesFromTradeID(t *testing.T) {
	st := newTestStore(t)
	a, err := st.CreateAlert(store.Alert{Ticker: "SPY", Action: store.ActionBuyCall, Direction: store.DirectionCall})
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	tr, err := st.PromoteAlertToTrade(a.ID, store.ContractSelection{OptionSymbol: "SPY250101C00560000", Strike: 560, Expiry: "2026-01-01"}, 1, "entry-1", store.DirectionCall, store.SourceExternal)
	if err != nil {
		t.Fatalf("PromoteAlertToTrade: %v", err)
	}

	h := New(eventbus.New(1), st)
	f := h.toFrame(eventbus.Message{EventName: "trade_created", Payload: map[string]any{"trade_id": tr.ID}})

	if f.TradeID != tr.ID || f.Symbol != "SPY250101C00560000" || f.Strike != 560 || f.Status != string(store.TradePending) {
		t.Fatalf("want frame enriched from the trade store, got %+v", f)
	}
	if f.PnLDollars != nil {
		t.Fatalf("want no pnl_dollars on a non-terminal trade, got %v", *f.PnLDollars)
	}
}

func TestToFrame_CarriesExplicitPnL(t *testing.T) {
	h := New(eventbus.New(1), nil)
	f := h.toFrame(eventbus.Message{EventName: "trade_closed", Payload: map[string]any{"trade_id": "trade-1", "pnl_dollars": 42.5}})
	if f.PnLDollars == nil || *f.PnLDollars != 42.5 {
		t.Fatalf("want pnl_dollars 42.5 carried straight through, got %v", f.PnLDollars)
	}
}

func TestToFrame_NonMapPayloadYieldsBareFrame(t *testing.T) {
	h := New(eventbus.New(1), nil)
	f := h.toFrame(eventbus.Message{EventName: "overrides_changed", Payload: "not a map"})
	if f.EventName != "overrides_changed" || f.TradeID != "" {
		t.Fatalf("want only the event name carried through for a non-map payload, got %+v", f)
	}
}

func TestBroadcast_DropsFrameForSlowClient(t *testing.T) {
	h := New(eventbus.New(1), nil)
	full := make(chan Frame) // unbuffered and never read: always "full"
	h.clients[nil] = full    // the map key type only needs to be distinct; nil is fine for this package-internal test

	done := make(chan struct{})
	go func() {
		h.broadcast(Frame{EventName: "tick"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast must not block on a slow/unread client channel")
	}
}

func TestRun_StopsOnStopChannel(t *testing.T) {
	bus := eventbus.New(1)
	h := New(bus, nil)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		h.Run(stop)
		close(done)
	}()
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run must return promptly once stop is closed")
	}
}
