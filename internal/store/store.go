package store

import "time"

// ContractSelection is the ephemeral result the contract selector hands
// to PromoteAlertToTrade; it is never itself persisted, only the fields
// copied onto Trade are.
type ContractSelection struct {
	OptionSymbol  string
	Strike        float64
	Expiry        string
	Delta         float64
	Bid           float64
	Ask           float64
	SpreadPercent float64
}

// Store is the single owner of Alert, Trade, TradeEvent, PriceSnapshot,
// DailySummary, EnabledStrategy and Favorite. Every mutating method is
// one atomic operation and, where the entity is a Trade, appends its
// TradeEvent(s) in the same critical section as the mutation.
type Store interface {
	// Alerts
	CreateAlert(a Alert) (Alert, error)
	RejectAlert(alertID, reason string) (Alert, error)
	ErrorAlert(alertID, reason string) (Alert, error)
	LinkAlertProcessed(alertID, tradeID string) (Alert, error)
	GetAlert(alertID string) (Alert, error)

	// Trades, atomic state-machine transitions
	PromoteAlertToTrade(alertID string, sel ContractSelection, quantity int, entryOrderID string, direction Direction, source AlertSource) (Trade, error)
	RecordEntryFill(tradeID string, price float64, filledAt time.Time) (Trade, error)
	RecordStopPlacement(tradeID, stopOrderID string, stopPrice float64) (Trade, error)
	RecordExitTrigger(tradeID string, reason ExitReason, exitOrderID string) (Trade, error)
	RecordExitFill(tradeID string, price float64, filledAt time.Time) (Trade, error)
	CancelPending(tradeID, reason string) (Trade, error)
	MarkError(tradeID, reason string) (Trade, error)

	// Trade mutations that do not change Status. ClearStopActive appends a
	// TradeEvent; UpdateTrailingStop does not.
	UpdateTrailingStop(tradeID string, highestPriceSeen, trailingStopPrice float64) (Trade, error)
	ClearStopActive(tradeID string) (Trade, error)

	GetTrade(tradeID string) (Trade, error)
	ListOpenTrades() ([]Trade, error)
	ListTradesForDate(date string) ([]Trade, error)
	ListEvents(tradeID string) ([]TradeEvent, error)

	// Price snapshots (rate-limited by the caller)
	WritePriceSnapshot(snap PriceSnapshot) error

	// Daily summary
	UpsertDailySummary(summary DailySummary) error
	GetDailySummary(date string) (DailySummary, bool, error)

	// EnabledStrategy, a copy-on-write set
	ListEnabledStrategies() ([]EnabledStrategy, error)
	EnableStrategy(s EnabledStrategy) error
	DisableStrategy(ticker, timeframe, signalType string) error

	// Favorites, plain read/write with no further business logic
	ListFavorites() ([]Favorite, error)
	SaveFavorite(f Favorite) error
	DeleteFavorite(name string) error

	Close() error
}
