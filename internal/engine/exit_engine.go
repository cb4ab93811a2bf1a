package engine

import (
	"context"
	"sync"
	"time"

	"github.com/aashi6126/optiontrader/internal/broker"
	"github.com/aashi6126/optiontrader/internal/config"
	"github.com/aashi6126/optiontrader/internal/eventbus"
	"github.com/aashi6126/optiontrader/internal/observ"
	"github.com/aashi6126/optiontrader/internal/quotecache"
	"github.com/aashi6126/optiontrader/internal/store"
)

// ExitEngine evaluates every STOP_LOSS_PLACED trade against the five
// prioritized exit conditions and, on trigger, cancels the resting stop
// and places a closing market order.
type ExitEngine struct {
	cfg    config.Root
	client broker.Client
	qc     *quotecache.Cache
	st     store.Store
	locks  *store.LockTable
	bus    *eventbus.Bus
	loc    *time.Location

	rotate int

	snapMu           sync.Mutex
	lastSnapshotAt   map[string]time.Time
	snapshotInterval time.Duration
}

// NewExitEngine constructs an ExitEngine.
func NewExitEngine(cfg config.Root, client broker.Client, qc *quotecache.Cache, st store.Store, locks *store.LockTable, bus *eventbus.Bus) *ExitEngine {
	loc, err := time.LoadLocation(cfg.Session.Timezone)
	if err != nil || loc == nil {
		loc = time.UTC
	}
	interval := time.Duration(cfg.PriceSnapshotSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ExitEngine{
		cfg: cfg, client: client, qc: qc, st: st, locks: locks, bus: bus, loc: loc,
		lastSnapshotAt: map[string]time.Time{}, snapshotInterval: interval,
	}
}

// Tick runs one pass over STOP_LOSS_PLACED trades, capped at
// max_trades_per_tick with a rotating start so no trade starves.
func (e *ExitEngine) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { observ.RecordDuration(observ.MetricExitEngineTickMs, time.Since(start), nil) }()

	trades, err := e.st.ListOpenTrades()
	if err != nil {
		observ.Log("exit_engine_list_failed", map[string]any{"error": err.Error()})
		return
	}
	var ids []string
	byID := map[string]store.Trade{}
	for _, t := range trades {
		if t.Status == store.TradeStopLossPlaced {
			ids = append(ids, t.ID)
			byID[t.ID] = t
		}
	}
	ids = store.SortedIDs(ids)
	if len(ids) == 0 {
		return
	}

	limit := e.cfg.Exits.MaxTradesPerTick
	if limit <= 0 {
		limit = 64
	}
	offset := e.rotate % len(ids)
	e.rotate++

	processed := 0
	for i := 0; processed < len(ids) && processed < limit; i++ {
		id := ids[(offset+i)%len(ids)]
		processed++
		e.evaluateTrade(ctx, byID[id])
	}
}

func (e *ExitEngine) evaluateTrade(ctx context.Context, t store.Trade) {
	unlock := e.locks.Lock(t.ID)
	fresh, err := e.st.GetTrade(t.ID)
	if err != nil {
		unlock()
		observ.Log("exit_engine_reread_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
		return
	}
	if fresh.Status != store.TradeStopLossPlaced {
		unlock()
		return
	}

	price, err := e.currentPrice(ctx, fresh)
	if err != nil {
		unlock()
		observ.Log("exit_engine_price_unavailable", map[string]any{"trade_id": t.ID, "error": err.Error()})
		return
	}

	highest := fresh.HighestPriceSeen
	if price > highest {
		highest = price
	}
	if highest != fresh.HighestPriceSeen {
		trailingPct := e.cfg.Exits.TrailingStopPercent
		trailing := highest * (1 - trailingPct/100)
		updated, err := e.st.UpdateTrailingStop(fresh.ID, highest, trailing)
		if err != nil {
			unlock()
			observ.Log("exit_engine_trailing_update_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
			return
		}
		fresh = updated
	}

	now := time.Now().In(e.loc)
	e.maybeWriteSnapshot(fresh, price, now)

	reason, triggered := e.evaluateConditions(fresh, price, now)
	unlock()
	if !triggered {
		return
	}

	e.triggerExit(ctx, fresh, reason)
}

// maybeWriteSnapshot persists a PriceSnapshot at most once per
// snapshotInterval per trade so a closed trade's price path can be
// reconstructed later.
func (e *ExitEngine) maybeWriteSnapshot(t store.Trade, price float64, now time.Time) {
	e.snapMu.Lock()
	last, ok := e.lastSnapshotAt[t.ID]
	if ok && now.Sub(last) < e.snapshotInterval {
		e.snapMu.Unlock()
		return
	}
	e.lastSnapshotAt[t.ID] = now
	e.snapMu.Unlock()

	if err := e.st.WritePriceSnapshot(store.PriceSnapshot{
		TradeID: t.ID, Timestamp: now.UTC(), Price: price, HighestPriceSeen: t.HighestPriceSeen,
	}); err != nil {
		observ.Log("exit_engine_snapshot_write_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
	}
}

// currentPrice fetches the option's current price via the quote cache,
// preferring last over bid/ask mid.
func (e *ExitEngine) currentPrice(ctx context.Context, t store.Trade) (float64, error) {
	q, err := e.qc.Get(ctx, t.OptionSymbol)
	if err == nil && q.Last > 0 {
		return q.Last, nil
	}
	if err == nil && q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2, nil
	}
	return 0, err
}

// evaluateConditions runs the five exit conditions in strict priority
// order (force-exit time, max-hold, stop-loss, profit target, trailing
// stop) and returns the first that triggers.
func (e *ExitEngine) evaluateConditions(t store.Trade, price float64, now time.Time) (store.ExitReason, bool) {
	forceHour, forceMin := e.cfg.Exits.ForceExitHour, e.cfg.Exits.ForceExitMinute
	if forceHour == 0 && forceMin == 0 {
		forceHour, forceMin = 15, 0
	}
	nowMinutes := now.Hour()*60 + now.Minute()
	forceMinutes := forceHour*60 + forceMin
	if nowMinutes >= forceMinutes {
		return store.ExitTimeBased, true
	}

	maxHold := e.cfg.Exits.MaxHoldMinutes
	if maxHold > 0 && !t.EntryFilledAt.IsZero() {
		held := now.Sub(t.EntryFilledAt.In(e.loc))
		if held >= time.Duration(maxHold)*time.Minute {
			return store.ExitMaxHoldTime, true
		}
	}

	if price <= t.StopPrice && !t.StopActive {
		return store.ExitStopLoss, true
	}

	profitPct := e.cfg.Exits.ProfitTargetPercent
	if profitPct > 0 && price >= t.EntryPrice*(1+profitPct/100) {
		return store.ExitProfitTarget, true
	}

	if t.TrailingStopPrice > 0 && price <= t.TrailingStopPrice {
		return store.ExitTrailingStop, true
	}

	return "", false
}

func (e *ExitEngine) triggerExit(ctx context.Context, t store.Trade, reason store.ExitReason) {
	if t.StopOrderID != "" {
		if err := e.client.Cancel(ctx, t.StopOrderID); err != nil {
			observ.IncCounter(observ.MetricBrokerErrorsTotal, nil)
			observ.Log("exit_engine_cancel_stop_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
			// cancel is best-effort; proceed to the market exit regardless
		}
	}

	exitOrderID, err := e.client.PlaceMarketExit(ctx, t.OptionSymbol, t.Quantity)
	if err != nil {
		observ.IncCounter(observ.MetricBrokerErrorsTotal, nil)
		observ.Log("exit_engine_place_exit_failed", map[string]any{"trade_id": t.ID, "reason": reason, "error": err.Error()})
		return
	}

	if _, err := e.st.RecordExitTrigger(t.ID, reason, exitOrderID); err != nil {
		observ.Log("exit_engine_trigger_persist_failed", map[string]any{"trade_id": t.ID, "error": err.Error()})
		return
	}
	observ.IncCounter(observ.MetricExitTriggersTotal, map[string]string{"reason": string(reason)})
	e.bus.Publish(eventbus.EventTradeClosed, map[string]any{"trade_id": t.ID, "exit_reason": reason, "stage": "triggered"})

	e.snapMu.Lock()
	delete(e.lastSnapshotAt, t.ID)
	e.snapMu.Unlock()
}
