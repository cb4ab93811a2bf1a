package sqlstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aashi6126/optiontrader/internal/observ"
	"github.com/aashi6126/optiontrader/internal/store"
)

// Repository is the gorm-backed store.Store implementation: one
// *gorm.DB per repository, table per aggregate.
type Repository struct {
	db *gorm.DB
}

// Open dials either postgres or sqlite depending on driver, runs
// auto-migrate for every row type, and returns a ready Repository.
func Open(driver, dsn string) (*Repository, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}

	if err := db.AutoMigrate(
		&alertRow{}, &tradeRow{}, &tradeEventRow{}, &priceSnapshotRow{},
		&dailySummaryRow{}, &enabledStrategyRow{}, &favoriteRow{},
	); err != nil {
		return nil, fmt.Errorf("sqlstore: automigrate: %w", err)
	}
	return &Repository{db: db}, nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// --- Alerts ---

func (r *Repository) CreateAlert(a store.Alert) (store.Alert, error) {
	if a.ID == "" {
		a.ID = fmt.Sprintf("alert-%d", time.Now().UnixNano())
	}
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = time.Now().UTC()
	}
	a.Status = store.AlertReceived
	row := fromAlert(a)
	if err := r.db.Create(&row).Error; err != nil {
		return store.Alert{}, fmt.Errorf("CreateAlert: %w", err)
	}
	return a, nil
}

func (r *Repository) mutateAlert(id string, op string, mutate func(*alertRow)) (store.Alert, error) {
	var out store.Alert
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var row alertRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &store.ErrNotFound{Kind: "alert", ID: id}
			}
			return err
		}
		// REJECTED, PROCESSED and ERROR are terminal; RECEIVED and ACCEPTED
		// may still advance (ACCEPTED -> PROCESSED once the trade is linked).
		if row.Status != string(store.AlertReceived) && row.Status != string(store.AlertAccepted) {
			return &store.ErrInvariantViolation{TradeID: id, From: store.TradeStatus(row.Status), Op: op}
		}
		mutate(&row)
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.toAlert()
		return nil
	})
	return out, err
}

func (r *Repository) RejectAlert(alertID, reason string) (store.Alert, error) {
	return r.mutateAlert(alertID, "reject_alert", func(row *alertRow) {
		row.Status = string(store.AlertRejected)
		row.RejectionReason = reason
	})
}

func (r *Repository) ErrorAlert(alertID, reason string) (store.Alert, error) {
	return r.mutateAlert(alertID, "error_alert", func(row *alertRow) {
		row.Status = string(store.AlertError)
		row.RejectionReason = reason
	})
}

func (r *Repository) LinkAlertProcessed(alertID, tradeID string) (store.Alert, error) {
	return r.mutateAlert(alertID, "link_alert_processed", func(row *alertRow) {
		row.Status = string(store.AlertProcessed)
		row.LinkedTradeID = tradeID
	})
}

func (r *Repository) GetAlert(alertID string) (store.Alert, error) {
	var row alertRow
	if err := r.db.First(&row, "id = ?", alertID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return store.Alert{}, &store.ErrNotFound{Kind: "alert", ID: alertID}
		}
		return store.Alert{}, err
	}
	return row.toAlert(), nil
}

// --- Trades ---

func (r *Repository) appendEventTx(tx *gorm.DB, tradeID string, typ store.TradeEventType, message string, details map[string]any) error {
	blob, err := json.Marshal(details)
	if err != nil {
		return err
	}
	ev := tradeEventRow{TradeID: tradeID, Timestamp: time.Now().UTC(), Type: string(typ), Message: message, DetailsJSON: string(blob)}
	return tx.Create(&ev).Error
}

func (r *Repository) PromoteAlertToTrade(alertID string, sel store.ContractSelection, quantity int, entryOrderID string, direction store.Direction, source store.AlertSource) (store.Trade, error) {
	var out store.Trade
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var alert alertRow
		if err := tx.First(&alert, "id = ?", alertID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &store.ErrNotFound{Kind: "alert", ID: alertID}
			}
			return err
		}
		if alert.Status != string(store.AlertReceived) {
			return &store.ErrInvariantViolation{TradeID: alertID, From: store.TradeStatus(alert.Status), Op: "promote_alert_to_trade"}
		}

		now := time.Now().UTC()
		t := store.Trade{
			ID:           fmt.Sprintf("trade-%d", now.UnixNano()),
			TradeDate:    now.Format("2006-01-02"),
			Direction:    direction,
			OptionSymbol: sel.OptionSymbol,
			Strike:       sel.Strike,
			Expiry:       sel.Expiry,
			Quantity:     quantity,
			Status:       store.TradePending,
			EntryOrderID: entryOrderID,
			Source:       source,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		row := fromTrade(t)
		if err := tx.Create(&row).Error; err != nil {
			if isDuplicateKey(err) {
				return &store.ErrDuplicateEntryOrder{EntryOrderID: entryOrderID}
			}
			return err
		}

		alert.Status = string(store.AlertAccepted)
		if err := tx.Save(&alert).Error; err != nil {
			return err
		}

		if err := r.appendEventTx(tx, t.ID, store.EventContractSelected, "contract selected",
			map[string]any{"option_symbol": sel.OptionSymbol, "strike": sel.Strike, "delta": sel.Delta}); err != nil {
			return err
		}
		if err := r.appendEventTx(tx, t.ID, store.EventEntryOrderPlaced, "entry order placed",
			map[string]any{"entry_order_id": entryOrderID, "quantity": quantity}); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (r *Repository) transition(tradeID string, allowedFrom []store.TradeStatus, op string, mutate func(*tradeRow), evType store.TradeEventType, evMsg string, evDetails map[string]any) (store.Trade, error) {
	var out store.Trade
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var row tradeRow
		if err := tx.First(&row, "id = ?", tradeID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &store.ErrNotFound{Kind: "trade", ID: tradeID}
			}
			return err
		}
		allowed := false
		for _, s := range allowedFrom {
			if store.TradeStatus(row.Status) == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return &store.ErrInvariantViolation{TradeID: tradeID, From: store.TradeStatus(row.Status), Op: op}
		}
		mutate(&row)
		row.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		if err := r.appendEventTx(tx, tradeID, evType, evMsg, evDetails); err != nil {
			return err
		}
		out = row.toTrade()
		return nil
	})
	return out, err
}

func (r *Repository) RecordEntryFill(tradeID string, price float64, filledAt time.Time) (store.Trade, error) {
	return r.transition(tradeID, []store.TradeStatus{store.TradePending}, "record_entry_fill",
		func(row *tradeRow) {
			row.Status = string(store.TradeFilled)
			row.EntryPrice = price
			row.EntryFilledAt = filledAt
			row.HighestPriceSeen = price
		},
		store.EventEntryFilled, "entry filled", map[string]any{"price": price},
	)
}

func (r *Repository) RecordStopPlacement(tradeID, stopOrderID string, stopPrice float64) (store.Trade, error) {
	return r.transition(tradeID, []store.TradeStatus{store.TradeFilled}, "record_stop_placement",
		func(row *tradeRow) {
			row.Status = string(store.TradeStopLossPlaced)
			row.StopOrderID = stopOrderID
			row.StopPrice = stopPrice
			row.StopActive = true
			row.TrailingStopPrice = 0
		},
		store.EventStopLossPlaced, "stop loss placed", map[string]any{"stop_order_id": stopOrderID, "stop_price": stopPrice},
	)
}

func (r *Repository) RecordExitTrigger(tradeID string, reason store.ExitReason, exitOrderID string) (store.Trade, error) {
	var out store.Trade
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var row tradeRow
		if err := tx.First(&row, "id = ?", tradeID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &store.ErrNotFound{Kind: "trade", ID: tradeID}
			}
			return err
		}
		if row.Status != string(store.TradeStopLossPlaced) && row.Status != string(store.TradeFilled) {
			return &store.ErrInvariantViolation{TradeID: tradeID, From: store.TradeStatus(row.Status), Op: "record_exit_trigger"}
		}
		row.Status = string(store.TradeExiting)
		row.ExitOrderID = exitOrderID
		row.ExitReason = string(reason)
		row.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return err
		}

		triggerType := store.EventExitTriggered
		switch reason {
		case store.ExitManualClose:
			triggerType = store.EventManualClose
		case store.ExitSignal:
			triggerType = store.EventCloseSignal
		}
		if err := r.appendEventTx(tx, tradeID, triggerType, "exit triggered", map[string]any{"reason": reason}); err != nil {
			return err
		}
		if err := r.appendEventTx(tx, tradeID, store.EventExitOrderPlaced, "exit order placed", map[string]any{"exit_order_id": exitOrderID}); err != nil {
			return err
		}
		if reason == store.ExitStopLossHit {
			if err := r.appendEventTx(tx, tradeID, store.EventStopLossHit, "broker stop hit", nil); err != nil {
				return err
			}
		}
		out = row.toTrade()
		return nil
	})
	return out, err
}

func (r *Repository) RecordExitFill(tradeID string, price float64, filledAt time.Time) (store.Trade, error) {
	return r.transition(tradeID, []store.TradeStatus{store.TradeExiting}, "record_exit_fill",
		func(row *tradeRow) {
			row.Status = string(store.TradeClosed)
			row.ExitPrice = price
			row.ExitFilledAt = filledAt
			row.PnLDollars = (price - row.EntryPrice) * float64(row.Quantity) * 100
			if row.EntryPrice != 0 {
				row.PnLPercent = (price - row.EntryPrice) / row.EntryPrice * 100
			}
		},
		store.EventExitFilled, "exit filled", map[string]any{"price": price},
	)
}

func (r *Repository) CancelPending(tradeID, reason string) (store.Trade, error) {
	return r.transition(tradeID, []store.TradeStatus{store.TradePending}, "cancel_pending",
		func(row *tradeRow) {
			row.Status = string(store.TradeCancelled)
			row.ExitReason = reason
		},
		store.EventEntryCancelled, "entry cancelled", map[string]any{"reason": reason},
	)
}

func (r *Repository) MarkError(tradeID, reason string) (store.Trade, error) {
	var out store.Trade
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var row tradeRow
		if err := tx.First(&row, "id = ?", tradeID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &store.ErrNotFound{Kind: "trade", ID: tradeID}
			}
			return err
		}
		if store.TradeStatus(row.Status).IsTerminal() {
			return &store.ErrInvariantViolation{TradeID: tradeID, From: store.TradeStatus(row.Status), Op: "mark_error"}
		}
		row.Status = string(store.TradeError)
		row.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.toTrade()
		return r.appendEventTx(tx, tradeID, store.EventManualClose, "marked error: "+reason, nil)
	})
	if err == nil {
		observ.Log("trade_marked_error", map[string]any{"trade_id": tradeID, "reason": reason})
	}
	return out, err
}

func (r *Repository) UpdateTrailingStop(tradeID string, highestPriceSeen, trailingStopPrice float64) (store.Trade, error) {
	var out store.Trade
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var row tradeRow
		if err := tx.First(&row, "id = ?", tradeID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &store.ErrNotFound{Kind: "trade", ID: tradeID}
			}
			return err
		}
		if row.Status != string(store.TradeStopLossPlaced) {
			return &store.ErrInvariantViolation{TradeID: tradeID, From: store.TradeStatus(row.Status), Op: "update_trailing_stop"}
		}
		if trailingStopPrice < row.TrailingStopPrice {
			trailingStopPrice = row.TrailingStopPrice
		}
		row.HighestPriceSeen = highestPriceSeen
		row.TrailingStopPrice = trailingStopPrice
		row.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.toTrade()
		return nil
	})
	return out, err
}

func (r *Repository) ClearStopActive(tradeID string) (store.Trade, error) {
	var out store.Trade
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var row tradeRow
		if err := tx.First(&row, "id = ?", tradeID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &store.ErrNotFound{Kind: "trade", ID: tradeID}
			}
			return err
		}
		row.StopActive = false
		row.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.toTrade()
		return r.appendEventTx(tx, tradeID, store.EventStopLossCancelled, "broker stop no longer working", nil)
	})
	return out, err
}

func (r *Repository) GetTrade(tradeID string) (store.Trade, error) {
	var row tradeRow
	if err := r.db.First(&row, "id = ?", tradeID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return store.Trade{}, &store.ErrNotFound{Kind: "trade", ID: tradeID}
		}
		return store.Trade{}, err
	}
	return row.toTrade(), nil
}

func (r *Repository) ListOpenTrades() ([]store.Trade, error) {
	var rows []tradeRow
	terminal := []string{string(store.TradeClosed), string(store.TradeCancelled), string(store.TradeError)}
	if err := r.db.Where("status NOT IN ?", terminal).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.Trade, len(rows))
	for i, row := range rows {
		out[i] = row.toTrade()
	}
	return out, nil
}

func (r *Repository) ListTradesForDate(date string) ([]store.Trade, error) {
	var rows []tradeRow
	if err := r.db.Where("trade_date = ?", date).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.Trade, len(rows))
	for i, row := range rows {
		out[i] = row.toTrade()
	}
	return out, nil
}

func (r *Repository) ListEvents(tradeID string) ([]store.TradeEvent, error) {
	var rows []tradeEventRow
	if err := r.db.Where("trade_id = ?", tradeID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.TradeEvent, len(rows))
	for i, row := range rows {
		var details map[string]any
		_ = json.Unmarshal([]byte(row.DetailsJSON), &details)
		out[i] = store.TradeEvent{ID: row.ID, TradeID: row.TradeID, Timestamp: row.Timestamp, Type: store.TradeEventType(row.Type), Message: row.Message, Details: details}
	}
	return out, nil
}

func (r *Repository) WritePriceSnapshot(snap store.PriceSnapshot) error {
	row := priceSnapshotRow{TradeID: snap.TradeID, Timestamp: snap.Timestamp, Price: snap.Price, HighestPriceSeen: snap.HighestPriceSeen}
	return r.db.Create(&row).Error
}

func (r *Repository) UpsertDailySummary(summary store.DailySummary) error {
	row := fromDailySummary(summary)
	return r.db.Save(&row).Error
}

func (r *Repository) GetDailySummary(date string) (store.DailySummary, bool, error) {
	var row dailySummaryRow
	err := r.db.First(&row, "session_date = ?", date).Error
	if err == gorm.ErrRecordNotFound {
		return store.DailySummary{}, false, nil
	}
	if err != nil {
		return store.DailySummary{}, false, err
	}
	return row.toDailySummary(), true, nil
}

func (r *Repository) ListEnabledStrategies() ([]store.EnabledStrategy, error) {
	var rows []enabledStrategyRow
	if err := r.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.EnabledStrategy, len(rows))
	for i, row := range rows {
		var params map[string]float64
		_ = json.Unmarshal([]byte(row.ParamsJSON), &params)
		out[i] = store.EnabledStrategy{Ticker: row.Ticker, Timeframe: row.Timeframe, SignalType: row.SignalType, Params: params, EnabledAt: row.EnabledAt}
	}
	return out, nil
}

func (r *Repository) EnableStrategy(s store.EnabledStrategy) error {
	if s.EnabledAt.IsZero() {
		s.EnabledAt = time.Now().UTC()
	}
	blob, err := json.Marshal(s.Params)
	if err != nil {
		return err
	}
	row := enabledStrategyRow{Key: s.Key(), Ticker: s.Ticker, Timeframe: s.Timeframe, SignalType: s.SignalType, ParamsJSON: string(blob), EnabledAt: s.EnabledAt}
	return r.db.Save(&row).Error
}

func (r *Repository) DisableStrategy(ticker, timeframe, signalType string) error {
	key := store.EnabledStrategy{Ticker: ticker, Timeframe: timeframe, SignalType: signalType}.Key()
	return r.db.Delete(&enabledStrategyRow{}, "key = ?", key).Error
}

func (r *Repository) ListFavorites() ([]store.Favorite, error) {
	var rows []favoriteRow
	if err := r.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.Favorite, len(rows))
	for i, row := range rows {
		var params map[string]float64
		_ = json.Unmarshal([]byte(row.ParamsJSON), &params)
		out[i] = store.Favorite{Name: row.Name, Ticker: row.Ticker, Params: params, CreatedAt: row.CreatedAt}
	}
	return out, nil
}

func (r *Repository) SaveFavorite(f store.Favorite) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	blob, err := json.Marshal(f.Params)
	if err != nil {
		return err
	}
	row := favoriteRow{Name: f.Name, Ticker: f.Ticker, ParamsJSON: string(blob), CreatedAt: f.CreatedAt}
	return r.db.Save(&row).Error
}

func (r *Repository) DeleteFavorite(name string) error {
	return r.db.Delete(&favoriteRow{}, "name = ?", name).Error
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
