// Package admission is the single path by which an Alert becomes a
// Trade (or a REJECTED/ERROR terminal alert state). Admit returns a
// tagged result: Accepted(trade_id) | Rejected(reason) |
// Errored(kind, detail).
package admission

import (
	"context"
	"time"

	"github.com/aashi6126/optiontrader/internal/broker"
	"github.com/aashi6126/optiontrader/internal/config"
	"github.com/aashi6126/optiontrader/internal/eventbus"
	"github.com/aashi6126/optiontrader/internal/observ"
	"github.com/aashi6126/optiontrader/internal/risk"
	"github.com/aashi6126/optiontrader/internal/selector"
	"github.com/aashi6126/optiontrader/internal/store"
)

// Outcome is the tagged result of Admit: exactly one of Accepted,
// Rejected, or Errored is non-zero.
type Outcome struct {
	Accepted bool
	TradeID  string

	Rejected bool
	Reason   string

	Errored bool
	Kind    string
	Detail  string
}

// Pipeline wires the risk gate, contract selector, broker client, and
// trade store into the single admission path.
type Pipeline struct {
	cfg    config.Root
	gate   *risk.Gate
	sel    *selector.Selector
	client broker.Client
	st     store.Store
	locks  *store.LockTable
	bus    *eventbus.Bus
	ov     *config.OverrideState
}

// New constructs a Pipeline. ov may be nil when no admin override surface
// is mounted (tests, replay).
func New(cfg config.Root, gate *risk.Gate, sel *selector.Selector, client broker.Client, st store.Store, locks *store.LockTable, bus *eventbus.Bus, ov *config.OverrideState) *Pipeline {
	return &Pipeline{cfg: cfg, gate: gate, sel: sel, client: client, st: st, locks: locks, bus: bus, ov: ov}
}

// AlertInput is everything the webhook handler or a Strategy Signal Task
// worker gathers before calling Admit.
type AlertInput struct {
	RawPayload         string
	Ticker             string
	Action             store.AlertAction
	Direction          store.Direction
	Secret             string
	IsExternal         bool
	Source             store.AlertSource
	SignalPrice        float64
	HasSignalPrice     bool
	ConfluenceScore    float64
	ConfluenceMax      float64
	HasConfluenceScore bool
	RelativeVolume     float64
	IgnoreSessionWindow bool
}

// Admit runs the full admission procedure, including the CLOSE-action
// branch, and returns the tagged Outcome.
func (p *Pipeline) Admit(ctx context.Context, in AlertInput) Outcome {
	alert, err := p.st.CreateAlert(store.Alert{
		RawPayload: in.RawPayload, Ticker: in.Ticker, Action: in.Action, Direction: in.Direction,
		SignalPrice: in.SignalPrice, HasSignalPrice: in.HasSignalPrice, Source: in.Source,
		ConfluenceScore: in.ConfluenceScore, ConfluenceMax: in.ConfluenceMax, HasConfluenceScore: in.HasConfluenceScore,
		RelativeVolume: in.RelativeVolume,
	})
	if err != nil {
		return Outcome{Errored: true, Kind: "store_error", Detail: err.Error()}
	}
	p.bus.Publish(eventbus.EventAlertReceived, map[string]any{"alert_id": alert.ID, "ticker": in.Ticker})

	ignoreWindow := in.IgnoreSessionWindow
	if p.ov != nil && p.ov.Get().IgnoreSessionWindow {
		ignoreWindow = true
	}
	reason, err := p.gate.Evaluate(ctx, risk.Input{
		Secret: in.Secret, Ticker: in.Ticker, Action: in.Action, IsExternal: in.IsExternal,
		IgnoreSessionWindow: ignoreWindow, Now: time.Now().UTC(),
	})
	if err != nil {
		p.errorAlert(alert.ID, "risk_gate_error: "+err.Error())
		return Outcome{Errored: true, Kind: "risk_gate_error", Detail: err.Error()}
	}
	if reason != "" {
		if _, err := p.st.RejectAlert(alert.ID, reason); err != nil {
			observ.Log("admission_reject_persist_failed", map[string]any{"alert_id": alert.ID, "error": err.Error()})
		}
		return Outcome{Rejected: true, Reason: reason}
	}

	if in.Action == store.ActionClose {
		return p.admitClose(ctx, alert.ID, in.Ticker)
	}

	return p.admitDirectional(ctx, alert, in)
}

func (p *Pipeline) admitDirectional(ctx context.Context, alert store.Alert, in AlertInput) Outcome {
	underlying, err := p.client.EquityQuote(ctx, in.Ticker)
	if err != nil {
		p.errorAlert(alert.ID, "underlying_quote_failed: "+err.Error())
		return Outcome{Errored: true, Kind: "quote_error", Detail: err.Error()}
	}

	sel, err := p.sel.Select(ctx, in.Ticker, in.Direction, underlying.Last)
	if err != nil {
		p.errorAlert(alert.ID, "contract_selection_failed: "+err.Error())
		return Outcome{Errored: true, Kind: "no_liquid_contract", Detail: err.Error()}
	}

	quantity := p.computeQuantity(in)

	orderID, err := p.client.PlaceLimitEntry(ctx, sel.OptionSymbol, quantity, sel.Ask)
	if err != nil {
		p.errorAlert(alert.ID, "entry_order_failed: "+err.Error())
		return Outcome{Errored: true, Kind: "broker_error", Detail: err.Error()}
	}

	trade, err := p.st.PromoteAlertToTrade(alert.ID, sel, quantity, orderID, in.Direction, in.Source)
	if err != nil {
		return Outcome{Errored: true, Kind: "store_error", Detail: err.Error()}
	}

	if _, err := p.st.LinkAlertProcessed(alert.ID, trade.ID); err != nil {
		observ.Log("admission_link_failed", map[string]any{"alert_id": alert.ID, "trade_id": trade.ID, "error": err.Error()})
	}

	p.bus.Publish(eventbus.EventTradeCreated, map[string]any{"trade_id": trade.ID, "ticker": in.Ticker, "direction": in.Direction, "option_symbol": sel.OptionSymbol})
	return Outcome{Accepted: true, TradeID: trade.ID}
}

func (p *Pipeline) admitClose(ctx context.Context, alertID, ticker string) Outcome {
	today := time.Now().UTC().Format("2006-01-02")
	trades, err := p.st.ListTradesForDate(today)
	if err != nil {
		p.errorAlert(alertID, "list_trades_failed: "+err.Error())
		return Outcome{Errored: true, Kind: "store_error", Detail: err.Error()}
	}

	var target store.Trade
	found := false
	for _, t := range trades {
		if (t.Status == store.TradeFilled || t.Status == store.TradeStopLossPlaced) && (!found || t.CreatedAt.After(target.CreatedAt)) {
			target = t
			found = true
		}
	}
	if !found {
		p.errorAlert(alertID, "no_open_trade_for_close")
		return Outcome{Errored: true, Kind: "no_open_trade", Detail: "no open trade to close for " + ticker}
	}

	// Lock only long enough to confirm nothing else is mid-transition on
	// this trade; released before the broker calls below, which can block
	// far longer than a held lock should.
	unlock := p.locks.Lock(target.ID)
	fresh, err := p.st.GetTrade(target.ID)
	unlock()
	if err != nil {
		return Outcome{Errored: true, Kind: "store_error", Detail: err.Error()}
	}
	if fresh.Status != store.TradeFilled && fresh.Status != store.TradeStopLossPlaced {
		p.errorAlert(alertID, "trade_no_longer_open")
		return Outcome{Errored: true, Kind: "no_open_trade", Detail: "trade transitioned before close could apply"}
	}
	target = fresh

	if target.StopOrderID != "" {
		if err := p.client.Cancel(ctx, target.StopOrderID); err != nil {
			observ.Log("close_cancel_stop_failed", map[string]any{"trade_id": target.ID, "error": err.Error()})
		}
	}

	exitOrderID, err := p.client.PlaceMarketExit(ctx, target.OptionSymbol, target.Quantity)
	if err != nil {
		p.errorAlert(alertID, "market_exit_failed: "+err.Error())
		return Outcome{Errored: true, Kind: "broker_error", Detail: err.Error()}
	}

	if _, err := p.st.RecordExitTrigger(target.ID, store.ExitSignal, exitOrderID); err != nil {
		return Outcome{Errored: true, Kind: "store_error", Detail: err.Error()}
	}
	if _, err := p.st.LinkAlertProcessed(alertID, target.ID); err != nil {
		observ.Log("admission_link_failed", map[string]any{"alert_id": alertID, "trade_id": target.ID, "error": err.Error()})
	}

	return Outcome{Accepted: true, TradeID: target.ID}
}

// computeQuantity applies the confidence-based sizing rule.
func (p *Pipeline) computeQuantity(in AlertInput) int {
	qty := p.cfg.Sizing.DefaultQuantity
	if qty <= 0 {
		qty = 2
	}
	if !in.HasConfluenceScore {
		return qty
	}
	switch {
	case in.ConfluenceScore >= p.cfg.Sizing.DoubleMinScore && in.RelativeVolume >= p.cfg.Sizing.DoubleMinRelVolume:
		return qty * 2
	case in.ConfluenceScore <= p.cfg.Sizing.HalfMaxScore:
		half := qty / 2
		if half < 1 {
			half = 1
		}
		return half
	}
	return qty
}

func (p *Pipeline) errorAlert(alertID, reason string) {
	if _, err := p.st.ErrorAlert(alertID, reason); err != nil {
		observ.Log("admission_error_persist_failed", map[string]any{"alert_id": alertID, "error": err.Error()})
	}
}
