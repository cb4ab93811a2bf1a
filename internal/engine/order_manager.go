// Package engine holds the order manager and exit engine, which advance a
// Trade through its state machine once the admission pipeline has placed
// it in PENDING, plus the strategy signal task. The order manager and
// exit engine start no goroutines of their own: each exposes a Tick
// method that the periodic scheduler calls with a context.Context for
// cancellation.
package engine

import (
	"context"
	"math"
	"time"

	"github.com/aashi6126/optiontrader/internal/broker"
	"github.com/aashi6126/optiontrader/internal/config"
	"github.com/aashi6126/optiontrader/internal/eventbus"
	"github.com/aashi6126/optiontrader/internal/observ"
	"github.com/aashi6126/optiontrader/internal/quotecache"
	"github.com/aashi6126/optiontrader/internal/store"
)

// backoffSchedule is the fixed retry ladder for TransientBrokerError:
// 0.5s, 1s, 2s, 4s, so up to four retries after the first attempt.
var backoffSchedule = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second}

// withBackoff runs op, retrying on TransientBrokerError per backoffSchedule.
// A PermanentBrokerError or any other error returns immediately.
func withBackoff(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		var transient *broker.TransientBrokerError
		if !asTransient(err, &transient) || attempt >= len(backoffSchedule) {
			observ.IncCounter(observ.MetricBrokerErrorsTotal, nil)
			return err
		}
		select {
		case <-time.After(backoffSchedule[attempt]):
		case <-ctx.Done():
			observ.IncCounter(observ.MetricBrokerErrorsTotal, nil)
			return ctx.Err()
		}
	}
}

func asTransient(err error, target **broker.TransientBrokerError) bool {
	te, ok := err.(*broker.TransientBrokerError)
	if ok {
		*target = te
	}
	return ok
}

// OrderManager polls the broker for entry/stop/exit fills and advances
// each non-terminal Trade's state machine, one tick at a time.
type OrderManager struct {
	cfg    config.Root
	client broker.Client
	st     store.Store
	locks  *store.LockTable
	bus    *eventbus.Bus
	qc     *quotecache.Cache
	atr    ATRSource

	rotate int // rotating start offset for fairness under max_trades_per_tick
}

// ATRSource supplies the ATR reading at entry-fill time for the
// ATR-primary stop-loss formula; the concrete implementation wraps
// bars.Aggregator + indicators.ATR.
type ATRSource interface {
	ATRAtEntry(optionSymbol string) (value float64, ok bool)
}

// NewOrderManager constructs an OrderManager.
func NewOrderManager(cfg config.Root, client broker.Client, st store.Store, locks *store.LockTable, bus *eventbus.Bus, qc *quotecache.Cache, atr ATRSource) *OrderManager {
	return &OrderManager{cfg: cfg, client: client, st: st, locks: locks, bus: bus, qc: qc, atr: atr}
}

// Tick runs one pass over non-terminal trades, capped at
// cfg.Exits.MaxTradesPerTick, rotating the start point each call so no
// trade starves under backpressure.
func (m *OrderManager) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { observ.RecordDuration(observ.MetricOrderManagerTickMs, time.Since(start), nil) }()

	trades, err := m.st.ListOpenTrades()
	if err != nil {
		observ.Log("order_manager_list_failed", map[string]any{"error": err.Error()})
		return
	}
	ids := make([]string, 0, len(trades))
	byID := map[string]store.Trade{}
	for _, t := range trades {
		if !t.Status.IsTerminal() {
			ids = append(ids, t.ID)
			byID[t.ID] = t
		}
	}
	ids = store.SortedIDs(ids)

	limit := m.cfg.Exits.MaxTradesPerTick
	if limit <= 0 {
		limit = 64
	}
	if len(ids) == 0 {
		return
	}
	offset := m.rotate % len(ids)
	m.rotate++

	processed := 0
	for i := 0; processed < len(ids) && processed < limit; i++ {
		id := ids[(offset+i)%len(ids)]
		processed++
		m.processTrade(ctx, byID[id])
	}
}

func (m *OrderManager) processTrade(ctx context.Context, t store.Trade) {
	unlock := m.locks.Lock(t.ID)
	defer unlock()

	fresh, err := m.st.GetTrade(t.ID)
	if err != nil {
		observ.Log("order_manager_reread_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
		return
	}

	switch fresh.Status {
	case store.TradePending:
		m.pollEntry(ctx, fresh)
	case store.TradeFilled:
		// A prior tick recorded the entry fill but stop placement failed;
		// retry until the broker accepts the stop.
		m.placeStop(ctx, fresh)
	case store.TradeStopLossPlaced:
		m.pollStop(ctx, fresh)
	case store.TradeExiting:
		m.pollExit(ctx, fresh)
	}
}

func (m *OrderManager) pollEntry(ctx context.Context, t store.Trade) {
	var order broker.Order
	err := withBackoff(ctx, func() error {
		var e error
		order, e = m.client.OrderStatus(ctx, t.EntryOrderID)
		return e
	})
	if err != nil {
		if _, ok := err.(*broker.PermanentBrokerError); ok {
			m.cancelPending(t, "entry_order_status_error: "+err.Error())
		}
		return // transient: leave for next tick
	}

	switch order.Status {
	case broker.OrderFilled:
		m.onEntryFilled(ctx, t, order)
	case broker.OrderCancelled, broker.OrderRejected, broker.OrderExpired:
		m.cancelPending(t, "broker_"+string(order.Status))
	default: // still WORKING
		if time.Since(t.CreatedAt) >= entryLimitTimeout(m.cfg) {
			_ = withBackoff(ctx, func() error { return m.client.Cancel(ctx, t.EntryOrderID) })
			m.cancelPending(t, string(store.ExitLimitTimeout))
		}
	}
}

func entryLimitTimeout(cfg config.Root) time.Duration {
	secs := cfg.Exits.EntryLimitTimeoutSecs
	if secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

func (m *OrderManager) cancelPending(t store.Trade, reason string) {
	if _, err := m.st.CancelPending(t.ID, reason); err != nil {
		observ.Log("order_manager_cancel_persist_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
		return
	}
	m.bus.Publish(eventbus.EventTradeCancelled, map[string]any{"trade_id": t.ID, "reason": reason})
}

func (m *OrderManager) onEntryFilled(ctx context.Context, t store.Trade, order broker.Order) {
	filled, err := m.st.RecordEntryFill(t.ID, order.FilledPrice, order.FilledAt)
	if err != nil {
		observ.Log("order_manager_entry_fill_persist_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
		return
	}
	m.bus.Publish(eventbus.EventTradeFilled, map[string]any{"trade_id": t.ID, "price": order.FilledPrice})

	m.placeStop(ctx, filled)
}

// placeStop computes the stop-loss price and rests the broker stop order
// for a FILLED trade. On failure the trade stays FILLED so the next tick
// retries.
func (m *OrderManager) placeStop(ctx context.Context, t store.Trade) {
	stopPrice := m.computeStopLoss(t)

	var stopOrderID string
	err := withBackoff(ctx, func() error {
		var e error
		stopOrderID, e = m.client.PlaceStopExit(ctx, t.OptionSymbol, t.Quantity, stopPrice)
		return e
	})
	if err != nil {
		observ.Log("order_manager_stop_place_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
		return
	}

	if _, err := m.st.RecordStopPlacement(t.ID, stopOrderID, stopPrice); err != nil {
		observ.Log("order_manager_stop_persist_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
	}
}

// computeStopLoss derives the stop price: ATR-primary, percent fallback,
// clamped at a minimum of 0.05.
func (m *OrderManager) computeStopLoss(t store.Trade) float64 {
	var price float64
	if m.atr != nil {
		if atrVal, ok := m.atr.ATRAtEntry(t.OptionSymbol); ok && atrVal > 0 {
			mult := m.cfg.Exits.ATRStopMultiplier
			if mult <= 0 {
				mult = 2
			}
			price = t.EntryPrice - mult*atrVal
		}
	}
	if price <= 0 {
		pct := m.cfg.Exits.StopLossPercent
		if pct <= 0 {
			pct = 25
		}
		price = t.EntryPrice * (1 - pct/100)
	}
	return math.Max(price, 0.05)
}

func (m *OrderManager) pollStop(ctx context.Context, t store.Trade) {
	var order broker.Order
	err := withBackoff(ctx, func() error {
		var e error
		order, e = m.client.OrderStatus(ctx, t.StopOrderID)
		return e
	})
	if err != nil {
		return // transient or unreadable; Exit Engine still evaluates price-based exits
	}

	if order.Status != broker.OrderWorking {
		if _, err := m.st.ClearStopActive(t.ID); err != nil {
			observ.Log("order_manager_clear_stop_active_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
		}
	}

	if order.Status == broker.OrderFilled {
		// The filled stop is the exit order: move the trade to EXITING with
		// reason STOP_LOSS_HIT before recording the exit fill.
		triggered, err := m.st.RecordExitTrigger(t.ID, store.ExitStopLossHit, t.StopOrderID)
		if err != nil {
			observ.Log("order_manager_stop_hit_persist_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
			return
		}
		m.onExitFilled(triggered, order.FilledPrice, order.FilledAt, store.ExitStopLossHit)
	}
}

func (m *OrderManager) pollExit(ctx context.Context, t store.Trade) {
	var order broker.Order
	err := withBackoff(ctx, func() error {
		var e error
		order, e = m.client.OrderStatus(ctx, t.ExitOrderID)
		return e
	})
	if err != nil {
		return
	}
	if order.Status == broker.OrderFilled {
		m.onExitFilled(t, order.FilledPrice, order.FilledAt, t.ExitReason)
	}
	// WORKING/CANCELLED/REJECTED on a market order is unexpected; leave
	// the trade EXITING for the next tick rather than guess a resolution.
}

func (m *OrderManager) onExitFilled(t store.Trade, price float64, filledAt time.Time, reason store.ExitReason) {
	closed, err := m.st.RecordExitFill(t.ID, price, filledAt)
	if err != nil {
		observ.Log("order_manager_exit_fill_persist_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
		return
	}
	m.bus.Publish(eventbus.EventTradeClosed, map[string]any{
		"trade_id": t.ID, "exit_reason": reason, "pnl_dollars": closed.PnLDollars, "pnl_percent": closed.PnLPercent,
	})
}
