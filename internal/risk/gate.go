// Package risk gates inbound alerts through nine ordered predicates;
// the first failure rejects the alert with a specific reason code.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/aashi6126/optiontrader/internal/calendar"
	"github.com/aashi6126/optiontrader/internal/config"
	"github.com/aashi6126/optiontrader/internal/store"
)

// Reason codes for each of the nine ordered predicates.
const (
	ReasonSecretMismatch       = "secret_mismatch"
	ReasonTickerNotAllowed     = "ticker_not_allowed"
	ReasonOutsideSessionWindow = "outside_session_window"
	ReasonVIXCircuitBreaker    = "vix_circuit_breaker"
	ReasonEventDayBlocked      = "event_day_afternoon_blocked"
	ReasonDailyTradeCap        = "daily_trade_cap"
	ReasonConsecutiveLossCap   = "consecutive_loss_cap"
	ReasonDailyLossCap         = "daily_loss_cap"
	ReasonCloseNoOpenTrade     = "close_precondition_failed"
)

// VIXSource fetches the last VIX print, trying the quote cache first and
// falling back to the broker client.
type VIXSource interface {
	LastVIX(ctx context.Context) (float64, error)
}

// Input carries the fields of an Alert the risk gate needs; it is a
// narrower view than store.Alert so callers evaluating a not-yet-created
// alert don't need one.
type Input struct {
	Secret              string
	Ticker              string
	Action              store.AlertAction
	IsExternal          bool
	IgnoreSessionWindow bool
	Now                 time.Time
}

// Gate evaluates the nine ordered predicates.
type Gate struct {
	cfg      config.Root
	cal      *calendar.Calendar
	st       store.Store
	vix      VIXSource
}

// New constructs a Gate. vix may be nil, in which case predicate 4 always
// permits (no VIX source configured).
func New(cfg config.Root, cal *calendar.Calendar, st store.Store, vix VIXSource) *Gate {
	return &Gate{cfg: cfg, cal: cal, st: st, vix: vix}
}

// Evaluate runs the nine predicates in order and returns the first
// rejection reason, or "" if every predicate passes.
func (g *Gate) Evaluate(ctx context.Context, in Input) (reason string, err error) {
	if in.IsExternal && in.Secret != g.cfg.Webhook.Secret {
		return ReasonSecretMismatch, nil
	}

	if !tickerAllowed(g.cfg.Risk.AllowedTickers, in.Ticker) {
		return ReasonTickerNotAllowed, nil
	}

	if !in.IgnoreSessionWindow && !g.withinSessionWindow(in.Now) {
		return ReasonOutsideSessionWindow, nil
	}

	if g.vix != nil {
		vixValue, vixErr := g.vix.LastVIX(ctx)
		if vixErr == nil && vixValue >= g.cfg.Risk.VIXCircuitBreaker {
			return ReasonVIXCircuitBreaker, nil
		}
		// On read failure, permit rather than block.
	}

	if g.cal.IsBlockedAfternoon(in.Now) && g.pastAfternoonCutoff(in.Now) {
		return ReasonEventDayBlocked, nil
	}

	today := in.Now.Format("2006-01-02")
	todaysTrades, err := g.st.ListTradesForDate(today)
	if err != nil {
		return "", fmt.Errorf("risk gate: list trades: %w", err)
	}

	nonCancelled := 0
	for _, t := range todaysTrades {
		if t.Status != store.TradeCancelled {
			nonCancelled++
		}
	}
	if nonCancelled >= g.cfg.Risk.DailyTradeLimit {
		return ReasonDailyTradeCap, nil
	}

	if consecutiveLosses(todaysTrades) >= g.cfg.Risk.MaxConsecutiveLosses {
		return ReasonConsecutiveLossCap, nil
	}

	if sumClosedPnL(todaysTrades) <= -g.cfg.Risk.MaxDailyLoss {
		return ReasonDailyLossCap, nil
	}

	if in.Action == store.ActionClose {
		hasOpen := false
		for _, t := range todaysTrades {
			if t.Status == store.TradeFilled || t.Status == store.TradeStopLossPlaced {
				hasOpen = true
				break
			}
		}
		if !hasOpen {
			return ReasonCloseNoOpenTrade, nil
		}
	}

	return "", nil
}

func tickerAllowed(allowed []string, ticker string) bool {
	for _, a := range allowed {
		if a == ticker {
			return true
		}
	}
	return false
}

func (g *Gate) withinSessionWindow(now time.Time) bool {
	loc, err := time.LoadLocation(g.cfg.Session.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	first := g.cfg.Session.FirstEntryHour*60 + g.cfg.Session.FirstEntryMinute
	last := g.cfg.Session.LastEntryHour*60 + g.cfg.Session.LastEntryMinute
	return minutes >= first && minutes <= last
}

func (g *Gate) pastAfternoonCutoff(now time.Time) bool {
	loc, err := time.LoadLocation(g.cfg.Session.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	cutoff := g.cfg.Session.AfternoonCutoffHour*60 + g.cfg.Session.AfternoonCutoffMin
	return minutes >= cutoff
}

// consecutiveLosses counts the trailing run of CLOSED trades with
// negative pnl_dollars, most recent first, stopping at the first winner
// or non-terminal trade.
func consecutiveLosses(trades []store.Trade) int {
	sorted := make([]store.Trade, len(trades))
	copy(sorted, trades)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].UpdatedAt.After(sorted[i].UpdatedAt) {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	count := 0
	for _, t := range sorted {
		if t.Status != store.TradeClosed {
			continue
		}
		if t.PnLDollars < 0 {
			count++
			continue
		}
		break
	}
	return count
}

func sumClosedPnL(trades []store.Trade) float64 {
	sum := 0.0
	for _, t := range trades {
		if t.Status == store.TradeClosed {
			sum += t.PnLDollars
		}
	}
	return sum
}
