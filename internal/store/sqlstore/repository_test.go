package sqlstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aashi6126/optiontrader/internal/store"
)

func openTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	return repo
}

func TestRepository_PromoteAlertToTradeRejectsAlreadyAcceptedAlert(t *testing.T) {
	repo := openTestRepository(t)

	a, err := repo.CreateAlert(store.Alert{Ticker: "SPY", Action: store.ActionBuyCall, Direction: store.DirectionCall})
	require.NoError(t, err)

	sel := store.ContractSelection{OptionSymbol: "SPY250101C00560000", Strike: 560, Expiry: "2026-01-01"}
	_, err = repo.PromoteAlertToTrade(a.ID, sel, 1, "entry-1", store.DirectionCall, store.SourceExternal)
	require.NoError(t, err)

	_, err = repo.PromoteAlertToTrade(a.ID, sel, 1, "entry-2", store.DirectionCall, store.SourceExternal)
	require.Error(t, err, "want promoting an already-ACCEPTED alert a second time to fail")
	require.IsType(t, &store.ErrInvariantViolation{}, err)
}

func TestRepository_FullLifecycleTransitionsAndEvents(t *testing.T) {
	repo := openTestRepository(t)

	a, err := repo.CreateAlert(store.Alert{Ticker: "SPY", Action: store.ActionBuyCall, Direction: store.DirectionCall})
	require.NoError(t, err)

	sel := store.ContractSelection{OptionSymbol: "SPY250101C00560000", Strike: 560, Expiry: "2026-01-01", Delta: 0.4}
	tr, err := repo.PromoteAlertToTrade(a.ID, sel, 2, "entry-1", store.DirectionCall, store.SourceExternal)
	require.NoError(t, err)
	require.Equal(t, store.TradePending, tr.Status)

	filled, err := repo.RecordEntryFill(tr.ID, 2.00, time.Now())
	require.NoError(t, err)
	require.Equal(t, store.TradeFilled, filled.Status)
	require.Equal(t, 2.00, filled.EntryPrice)

	placed, err := repo.RecordStopPlacement(filled.ID, "stop-1", 1.50)
	require.NoError(t, err)
	require.Equal(t, store.TradeStopLossPlaced, placed.Status)
	require.True(t, placed.StopActive)

	triggered, err := repo.RecordExitTrigger(placed.ID, store.ExitProfitTarget, "exit-1")
	require.NoError(t, err)
	require.Equal(t, store.TradeExiting, triggered.Status)

	closed, err := repo.RecordExitFill(triggered.ID, 3.00, time.Now())
	require.NoError(t, err)
	require.Equal(t, store.TradeClosed, closed.Status)
	require.Equal(t, 200.0, closed.PnLDollars) // (3.00-2.00) * 2 * 100

	events, err := repo.ListEvents(tr.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 5, "want an event for each of: contract selected, entry placed, entry filled, stop placed, exit triggered, exit filled")
}

func TestRepository_TransitionRejectsOutOfOrderMutation(t *testing.T) {
	repo := openTestRepository(t)

	a, err := repo.CreateAlert(store.Alert{Ticker: "SPY", Action: store.ActionBuyCall, Direction: store.DirectionCall})
	require.NoError(t, err)
	tr, err := repo.PromoteAlertToTrade(a.ID, store.ContractSelection{OptionSymbol: "SPY250101C00560000"}, 1, "entry-1", store.DirectionCall, store.SourceExternal)
	require.NoError(t, err)

	// Skipping straight to RecordStopPlacement without an entry fill first
	// must fail: the trade is still PENDING, not FILLED.
	_, err = repo.RecordStopPlacement(tr.ID, "stop-1", 1.50)
	require.Error(t, err)
	require.IsType(t, &store.ErrInvariantViolation{}, err)
}

func TestRepository_EnabledStrategiesRoundTrip(t *testing.T) {
	repo := openTestRepository(t)

	s := store.EnabledStrategy{Ticker: "SPY", Timeframe: "1m", SignalType: "ema_cross"}
	require.NoError(t, repo.EnableStrategy(s))

	list, err := repo.ListEnabledStrategies()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "SPY", list[0].Ticker)

	require.NoError(t, repo.DisableStrategy("SPY", "1m", "ema_cross"))
	list, err = repo.ListEnabledStrategies()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestRepository_DailySummaryUpsertOverwritesSameDate(t *testing.T) {
	repo := openTestRepository(t)

	require.NoError(t, repo.UpsertDailySummary(store.DailySummary{SessionDate: "2026-01-02", TotalTrades: 1, TotalPnL: 50}))
	require.NoError(t, repo.UpsertDailySummary(store.DailySummary{SessionDate: "2026-01-02", TotalTrades: 2, TotalPnL: 75}))

	got, ok, err := repo.GetDailySummary("2026-01-02")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, got.TotalTrades)
	require.Equal(t, 75.0, got.TotalPnL)
}
