// Package sqlstore is the gorm-backed alternative to the default
// filestore, for live trading deployments that want a real database
// behind the trade store.
package sqlstore

import (
	"time"

	"github.com/aashi6126/optiontrader/internal/store"
)

// alertRow mirrors store.Alert with gorm column tags.
type alertRow struct {
	ID                 string `gorm:"primaryKey"`
	ReceivedAt         time.Time
	RawPayload         string
	Ticker             string `gorm:"index"`
	Action             string
	Direction          string
	SignalPrice        float64
	HasSignalPrice     bool
	Source             string
	Status             string `gorm:"index"`
	RejectionReason    string
	LinkedTradeID      string
	ConfluenceScore    float64
	ConfluenceMax      float64
	HasConfluenceScore bool
	RelativeVolume     float64
}

func (alertRow) TableName() string { return "alerts" }

func fromAlert(a store.Alert) alertRow {
	return alertRow{
		ID: a.ID, ReceivedAt: a.ReceivedAt, RawPayload: a.RawPayload, Ticker: a.Ticker,
		Action: string(a.Action), Direction: string(a.Direction), SignalPrice: a.SignalPrice,
		HasSignalPrice: a.HasSignalPrice, Source: string(a.Source), Status: string(a.Status),
		RejectionReason: a.RejectionReason, LinkedTradeID: a.LinkedTradeID,
		ConfluenceScore: a.ConfluenceScore, ConfluenceMax: a.ConfluenceMax,
		HasConfluenceScore: a.HasConfluenceScore, RelativeVolume: a.RelativeVolume,
	}
}

func (r alertRow) toAlert() store.Alert {
	return store.Alert{
		ID: r.ID, ReceivedAt: r.ReceivedAt, RawPayload: r.RawPayload, Ticker: r.Ticker,
		Action: store.AlertAction(r.Action), Direction: store.Direction(r.Direction),
		SignalPrice: r.SignalPrice, HasSignalPrice: r.HasSignalPrice,
		Source: store.AlertSource(r.Source), Status: store.AlertStatus(r.Status),
		RejectionReason: r.RejectionReason, LinkedTradeID: r.LinkedTradeID,
		ConfluenceScore: r.ConfluenceScore, ConfluenceMax: r.ConfluenceMax,
		HasConfluenceScore: r.HasConfluenceScore, RelativeVolume: r.RelativeVolume,
	}
}

// tradeRow mirrors store.Trade.
type tradeRow struct {
	ID                string `gorm:"primaryKey"`
	TradeDate         string `gorm:"index"`
	Direction         string
	OptionSymbol      string
	Strike            float64
	Expiry            string
	Quantity          int
	Status            string `gorm:"index"`
	EntryOrderID      string `gorm:"uniqueIndex"`
	EntryPrice        float64
	EntryFilledAt     time.Time
	StopOrderID       string
	StopPrice         float64
	StopActive        bool
	TrailingStopPrice float64
	HighestPriceSeen  float64
	ExitOrderID       string
	ExitPrice         float64
	ExitFilledAt      time.Time
	ExitReason        string
	PnLDollars        float64
	PnLPercent        float64
	Source            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (tradeRow) TableName() string { return "trades" }

func fromTrade(t store.Trade) tradeRow {
	return tradeRow{
		ID: t.ID, TradeDate: t.TradeDate, Direction: string(t.Direction), OptionSymbol: t.OptionSymbol,
		Strike: t.Strike, Expiry: t.Expiry, Quantity: t.Quantity, Status: string(t.Status),
		EntryOrderID: t.EntryOrderID, EntryPrice: t.EntryPrice, EntryFilledAt: t.EntryFilledAt,
		StopOrderID: t.StopOrderID, StopPrice: t.StopPrice, StopActive: t.StopActive,
		TrailingStopPrice: t.TrailingStopPrice, HighestPriceSeen: t.HighestPriceSeen,
		ExitOrderID: t.ExitOrderID, ExitPrice: t.ExitPrice, ExitFilledAt: t.ExitFilledAt,
		ExitReason: string(t.ExitReason), PnLDollars: t.PnLDollars, PnLPercent: t.PnLPercent,
		Source: string(t.Source), CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func (r tradeRow) toTrade() store.Trade {
	return store.Trade{
		ID: r.ID, TradeDate: r.TradeDate, Direction: store.Direction(r.Direction), OptionSymbol: r.OptionSymbol,
		Strike: r.Strike, Expiry: r.Expiry, Quantity: r.Quantity, Status: store.TradeStatus(r.Status),
		EntryOrderID: r.EntryOrderID, EntryPrice: r.EntryPrice, EntryFilledAt: r.EntryFilledAt,
		StopOrderID: r.StopOrderID, StopPrice: r.StopPrice, StopActive: r.StopActive,
		TrailingStopPrice: r.TrailingStopPrice, HighestPriceSeen: r.HighestPriceSeen,
		ExitOrderID: r.ExitOrderID, ExitPrice: r.ExitPrice, ExitFilledAt: r.ExitFilledAt,
		ExitReason: store.ExitReason(r.ExitReason), PnLDollars: r.PnLDollars, PnLPercent: r.PnLPercent,
		Source: store.AlertSource(r.Source), CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// tradeEventRow mirrors store.TradeEvent. Details is stored as a JSON text
// blob rather than a native jsonb column so the schema stays portable
// across the postgres and sqlite drivers this backend supports.
type tradeEventRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	TradeID   string `gorm:"index"`
	Timestamp time.Time
	Type      string
	Message   string
	DetailsJSON string
}

func (tradeEventRow) TableName() string { return "trade_events" }

type priceSnapshotRow struct {
	ID               int64 `gorm:"primaryKey;autoIncrement"`
	TradeID          string `gorm:"index"`
	Timestamp        time.Time
	Price            float64
	HighestPriceSeen float64
}

func (priceSnapshotRow) TableName() string { return "price_snapshots" }

type dailySummaryRow struct {
	SessionDate   string `gorm:"primaryKey"`
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
	LargestWin    float64
	LargestLoss   float64
	ComputedAt    time.Time
}

func (dailySummaryRow) TableName() string { return "daily_summaries" }

func fromDailySummary(s store.DailySummary) dailySummaryRow {
	return dailySummaryRow{
		SessionDate: s.SessionDate, TotalTrades: s.TotalTrades, WinningTrades: s.WinningTrades,
		LosingTrades: s.LosingTrades, TotalPnL: s.TotalPnL, LargestWin: s.LargestWin,
		LargestLoss: s.LargestLoss, ComputedAt: s.ComputedAt,
	}
}

func (r dailySummaryRow) toDailySummary() store.DailySummary {
	return store.DailySummary{
		SessionDate: r.SessionDate, TotalTrades: r.TotalTrades, WinningTrades: r.WinningTrades,
		LosingTrades: r.LosingTrades, TotalPnL: r.TotalPnL, LargestWin: r.LargestWin,
		LargestLoss: r.LargestLoss, ComputedAt: r.ComputedAt,
	}
}

type enabledStrategyRow struct {
	Key         string `gorm:"primaryKey"`
	Ticker      string
	Timeframe   string
	SignalType  string
	ParamsJSON  string
	EnabledAt   time.Time
}

func (enabledStrategyRow) TableName() string { return "enabled_strategies" }

type favoriteRow struct {
	Name       string `gorm:"primaryKey"`
	Ticker     string
	ParamsJSON string
	CreatedAt  time.Time
}

func (favoriteRow) TableName() string { return "favorites" }
