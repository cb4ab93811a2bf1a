package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aashi6126/optiontrader/internal/observ"
)

// FileStore is the default store backend: a JSONL append-only event log
// plus a JSON snapshot file for current Alert/Trade/EnabledStrategy/
// Favorite state, written atomically via rename. It is the default for
// local/dev/paper mode.
type FileStore struct {
	mu sync.Mutex

	eventLogPath  string
	snapshotPath  string
	priceLogPath  string

	alerts            map[string]Alert
	trades            map[string]Trade
	events            map[string][]TradeEvent
	entryOrderIndex   map[string]string
	dailySummaries    map[string]DailySummary
	enabledStrategies map[string]EnabledStrategy
	favorites         map[string]Favorite

	nextEventID    int64
	nextAlertSeq   int64
	nextTradeSeq   int64
	lastSnapshotAt map[string]time.Time

	snapshotInterval time.Duration
}

type fileSnapshot struct {
	Alerts            map[string]Alert            `json:"alerts"`
	Trades            map[string]Trade            `json:"trades"`
	Events            map[string][]TradeEvent     `json:"events"`
	DailySummaries    map[string]DailySummary     `json:"daily_summaries"`
	EnabledStrategies map[string]EnabledStrategy  `json:"enabled_strategies"`
	Favorites         map[string]Favorite         `json:"favorites"`
	NextEventID       int64                       `json:"next_event_id"`
	NextAlertSeq      int64                       `json:"next_alert_seq"`
	NextTradeSeq      int64                       `json:"next_trade_seq"`
}

// NewFileStore opens (or creates) a FileStore rooted at the given event
// log and snapshot paths, loading existing snapshot state if present.
func NewFileStore(eventLogPath, snapshotPath string, priceSnapshotSeconds int) (*FileStore, error) {
	for _, p := range []string{eventLogPath, snapshotPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	fs := &FileStore{
		eventLogPath:      eventLogPath,
		snapshotPath:      snapshotPath,
		priceLogPath:      snapshotPath + ".prices.jsonl",
		alerts:            map[string]Alert{},
		trades:            map[string]Trade{},
		events:            map[string][]TradeEvent{},
		entryOrderIndex:   map[string]string{},
		dailySummaries:    map[string]DailySummary{},
		enabledStrategies: map[string]EnabledStrategy{},
		favorites:         map[string]Favorite{},
		lastSnapshotAt:    map[string]time.Time{},
		snapshotInterval:  time.Duration(priceSnapshotSeconds) * time.Second,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Alerts != nil {
		fs.alerts = snap.Alerts
	}
	if snap.Trades != nil {
		fs.trades = snap.Trades
	}
	if snap.Events != nil {
		fs.events = snap.Events
	}
	if snap.DailySummaries != nil {
		fs.dailySummaries = snap.DailySummaries
	}
	if snap.EnabledStrategies != nil {
		fs.enabledStrategies = snap.EnabledStrategies
	}
	if snap.Favorites != nil {
		fs.favorites = snap.Favorites
	}
	fs.nextEventID = snap.NextEventID
	fs.nextAlertSeq = snap.NextAlertSeq
	fs.nextTradeSeq = snap.NextTradeSeq
	for _, t := range fs.trades {
		fs.entryOrderIndex[t.EntryOrderID] = t.ID
	}
	return nil
}

// saveUnsafe persists the whole snapshot via temp-file-then-rename, matching
// portfolio.Manager.saveUnsafe. Caller must hold fs.mu.
func (fs *FileStore) saveUnsafe() error {
	snap := fileSnapshot{
		Alerts:            fs.alerts,
		Trades:            fs.trades,
		Events:            fs.events,
		DailySummaries:    fs.dailySummaries,
		EnabledStrategies: fs.enabledStrategies,
		Favorites:         fs.favorites,
		NextEventID:       fs.nextEventID,
		NextAlertSeq:      fs.nextAlertSeq,
		NextTradeSeq:       fs.nextTradeSeq,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := fs.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, fs.snapshotPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// appendEventUnsafe appends one TradeEvent, both in memory and to the
// JSONL event log. It does not save the snapshot; callers hold fs.mu and
// call saveUnsafe afterwards, so the event and the Trade mutation that
// produced it land in the same critical section.
func (fs *FileStore) appendEventUnsafe(ev TradeEvent) error {
	fs.nextEventID++
	ev.ID = fs.nextEventID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	fs.events[ev.TradeID] = append(fs.events[ev.TradeID], ev)

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(fs.eventLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	return nil
}

// --- Alerts ---

func (fs *FileStore) CreateAlert(a Alert) (Alert, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.nextAlertSeq++
	if a.ID == "" {
		a.ID = fmt.Sprintf("alert-%d", fs.nextAlertSeq)
	}
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = time.Now().UTC()
	}
	a.Status = AlertReceived
	fs.alerts[a.ID] = a
	if err := fs.saveUnsafe(); err != nil {
		return Alert{}, err
	}
	return a, nil
}

func (fs *FileStore) mutateAlert(id string, mutate func(*Alert) error) (Alert, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	a, ok := fs.alerts[id]
	if !ok {
		return Alert{}, &ErrNotFound{Kind: "alert", ID: id}
	}
	// REJECTED, PROCESSED and ERROR are terminal; RECEIVED and ACCEPTED
	// may still advance (ACCEPTED -> PROCESSED once the trade is linked).
	if a.Status != AlertReceived && a.Status != AlertAccepted {
		return Alert{}, &ErrInvariantViolation{TradeID: id, From: TradeStatus(a.Status), Op: "mutate_alert"}
	}
	if err := mutate(&a); err != nil {
		return Alert{}, err
	}
	fs.alerts[id] = a
	if err := fs.saveUnsafe(); err != nil {
		return Alert{}, err
	}
	return a, nil
}

func (fs *FileStore) RejectAlert(alertID, reason string) (Alert, error) {
	return fs.mutateAlert(alertID, func(a *Alert) error {
		a.Status = AlertRejected
		a.RejectionReason = reason
		return nil
	})
}

func (fs *FileStore) ErrorAlert(alertID, reason string) (Alert, error) {
	return fs.mutateAlert(alertID, func(a *Alert) error {
		a.Status = AlertError
		a.RejectionReason = reason
		return nil
	})
}

func (fs *FileStore) LinkAlertProcessed(alertID, tradeID string) (Alert, error) {
	return fs.mutateAlert(alertID, func(a *Alert) error {
		a.Status = AlertProcessed
		a.LinkedTradeID = tradeID
		return nil
	})
}

func (fs *FileStore) GetAlert(alertID string) (Alert, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	a, ok := fs.alerts[alertID]
	if !ok {
		return Alert{}, &ErrNotFound{Kind: "alert", ID: alertID}
	}
	return a, nil
}

// --- Trades ---

func (fs *FileStore) PromoteAlertToTrade(alertID string, sel ContractSelection, quantity int, entryOrderID string, direction Direction, source AlertSource) (Trade, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	a, ok := fs.alerts[alertID]
	if !ok {
		return Trade{}, &ErrNotFound{Kind: "alert", ID: alertID}
	}
	if a.Status != AlertReceived {
		return Trade{}, &ErrInvariantViolation{TradeID: alertID, From: TradeStatus(a.Status), Op: "promote_alert_to_trade"}
	}
	if existing, dup := fs.entryOrderIndex[entryOrderID]; dup {
		return Trade{}, &ErrDuplicateEntryOrder{EntryOrderID: entryOrderID + " (existing trade " + existing + ")"}
	}

	fs.nextTradeSeq++
	now := time.Now().UTC()
	t := Trade{
		ID:           fmt.Sprintf("trade-%d", fs.nextTradeSeq),
		TradeDate:    now.Format("2006-01-02"),
		Direction:    direction,
		OptionSymbol: sel.OptionSymbol,
		Strike:       sel.Strike,
		Expiry:       sel.Expiry,
		Quantity:     quantity,
		Status:       TradePending,
		EntryOrderID: entryOrderID,
		Source:       source,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	fs.trades[t.ID] = t
	fs.entryOrderIndex[entryOrderID] = t.ID

	a.Status = AlertAccepted
	fs.alerts[alertID] = a

	if err := fs.appendEventUnsafe(TradeEvent{
		TradeID: t.ID, Type: EventContractSelected, Message: "contract selected",
		Details: map[string]any{"option_symbol": sel.OptionSymbol, "strike": sel.Strike, "delta": sel.Delta, "spread_percent": sel.SpreadPercent},
	}); err != nil {
		return Trade{}, err
	}
	if err := fs.appendEventUnsafe(TradeEvent{
		TradeID: t.ID, Type: EventEntryOrderPlaced, Message: "entry order placed",
		Details: map[string]any{"entry_order_id": entryOrderID, "quantity": quantity},
	}); err != nil {
		return Trade{}, err
	}
	if err := fs.saveUnsafe(); err != nil {
		return Trade{}, err
	}
	return t, nil
}

func (fs *FileStore) transition(tradeID string, allowedFrom []TradeStatus, op string, mutate func(*Trade), ev TradeEvent) (Trade, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	t, ok := fs.trades[tradeID]
	if !ok {
		return Trade{}, &ErrNotFound{Kind: "trade", ID: tradeID}
	}
	allowed := false
	for _, s := range allowedFrom {
		if t.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return Trade{}, &ErrInvariantViolation{TradeID: tradeID, From: t.Status, Op: op}
	}

	mutate(&t)
	t.UpdatedAt = time.Now().UTC()
	fs.trades[tradeID] = t

	ev.TradeID = tradeID
	if err := fs.appendEventUnsafe(ev); err != nil {
		return Trade{}, err
	}
	if err := fs.saveUnsafe(); err != nil {
		return Trade{}, err
	}
	return t, nil
}

func (fs *FileStore) RecordEntryFill(tradeID string, price float64, filledAt time.Time) (Trade, error) {
	return fs.transition(tradeID, []TradeStatus{TradePending}, "record_entry_fill",
		func(t *Trade) {
			t.Status = TradeFilled
			t.EntryPrice = price
			t.EntryFilledAt = filledAt
			t.HighestPriceSeen = price
		},
		TradeEvent{Type: EventEntryFilled, Message: "entry filled", Details: map[string]any{"price": price}},
	)
}

func (fs *FileStore) RecordStopPlacement(tradeID, stopOrderID string, stopPrice float64) (Trade, error) {
	return fs.transition(tradeID, []TradeStatus{TradeFilled}, "record_stop_placement",
		func(t *Trade) {
			t.Status = TradeStopLossPlaced
			t.StopOrderID = stopOrderID
			t.StopPrice = stopPrice
			t.StopActive = true
			t.TrailingStopPrice = 0
		},
		TradeEvent{Type: EventStopLossPlaced, Message: "stop loss placed", Details: map[string]any{"stop_order_id": stopOrderID, "stop_price": stopPrice}},
	)
}

func (fs *FileStore) RecordExitTrigger(tradeID string, reason ExitReason, exitOrderID string) (Trade, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	t, ok := fs.trades[tradeID]
	if !ok {
		return Trade{}, &ErrNotFound{Kind: "trade", ID: tradeID}
	}
	if t.Status != TradeStopLossPlaced && t.Status != TradeFilled {
		return Trade{}, &ErrInvariantViolation{TradeID: tradeID, From: t.Status, Op: "record_exit_trigger"}
	}
	t.Status = TradeExiting
	t.ExitOrderID = exitOrderID
	t.ExitReason = reason
	t.UpdatedAt = time.Now().UTC()
	fs.trades[tradeID] = t

	triggerType := EventExitTriggered
	if reason == ExitManualClose {
		triggerType = EventManualClose
	} else if reason == ExitSignal {
		triggerType = EventCloseSignal
	}
	if err := fs.appendEventUnsafe(TradeEvent{TradeID: tradeID, Type: triggerType, Message: "exit triggered", Details: map[string]any{"reason": reason}}); err != nil {
		return Trade{}, err
	}
	if err := fs.appendEventUnsafe(TradeEvent{TradeID: tradeID, Type: EventExitOrderPlaced, Message: "exit order placed", Details: map[string]any{"exit_order_id": exitOrderID}}); err != nil {
		return Trade{}, err
	}
	if reason == ExitStopLossHit {
		if err := fs.appendEventUnsafe(TradeEvent{TradeID: tradeID, Type: EventStopLossHit, Message: "broker stop hit"}); err != nil {
			return Trade{}, err
		}
	}
	if err := fs.saveUnsafe(); err != nil {
		return Trade{}, err
	}
	return t, nil
}

func (fs *FileStore) RecordExitFill(tradeID string, price float64, filledAt time.Time) (Trade, error) {
	return fs.transition(tradeID, []TradeStatus{TradeExiting}, "record_exit_fill",
		func(t *Trade) {
			t.Status = TradeClosed
			t.ExitPrice = price
			t.ExitFilledAt = filledAt
			// P1: pnl_dollars = (exit - entry) * qty * 100; options multiplier 100.
			t.PnLDollars = round2((price - t.EntryPrice) * float64(t.Quantity) * 100)
			if t.EntryPrice != 0 {
				t.PnLPercent = (price - t.EntryPrice) / t.EntryPrice * 100
			}
		},
		TradeEvent{Type: EventExitFilled, Message: "exit filled", Details: map[string]any{"price": price}},
	)
}

func (fs *FileStore) CancelPending(tradeID, reason string) (Trade, error) {
	return fs.transition(tradeID, []TradeStatus{TradePending}, "cancel_pending",
		func(t *Trade) {
			t.Status = TradeCancelled
			t.ExitReason = ExitReason(reason)
		},
		TradeEvent{Type: EventEntryCancelled, Message: "entry cancelled", Details: map[string]any{"reason": reason}},
	)
}

func (fs *FileStore) MarkError(tradeID, reason string) (Trade, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	t, ok := fs.trades[tradeID]
	if !ok {
		return Trade{}, &ErrNotFound{Kind: "trade", ID: tradeID}
	}
	if t.Status.IsTerminal() {
		return Trade{}, &ErrInvariantViolation{TradeID: tradeID, From: t.Status, Op: "mark_error"}
	}
	t.Status = TradeError
	t.UpdatedAt = time.Now().UTC()
	fs.trades[tradeID] = t
	if err := fs.appendEventUnsafe(TradeEvent{TradeID: tradeID, Type: EventManualClose, Message: "marked error: " + reason}); err != nil {
		return Trade{}, err
	}
	observ.Log("trade_marked_error", map[string]any{"trade_id": tradeID, "reason": reason})
	if err := fs.saveUnsafe(); err != nil {
		return Trade{}, err
	}
	return t, nil
}

func (fs *FileStore) UpdateTrailingStop(tradeID string, highestPriceSeen, trailingStopPrice float64) (Trade, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	t, ok := fs.trades[tradeID]
	if !ok {
		return Trade{}, &ErrNotFound{Kind: "trade", ID: tradeID}
	}
	if t.Status != TradeStopLossPlaced {
		return Trade{}, &ErrInvariantViolation{TradeID: tradeID, From: t.Status, Op: "update_trailing_stop"}
	}
	// P5: trailing_stop_price never decreases across successive snapshots.
	if trailingStopPrice < t.TrailingStopPrice {
		trailingStopPrice = t.TrailingStopPrice
	}
	t.HighestPriceSeen = highestPriceSeen
	t.TrailingStopPrice = trailingStopPrice
	t.UpdatedAt = time.Now().UTC()
	fs.trades[tradeID] = t
	if err := fs.saveUnsafe(); err != nil {
		return Trade{}, err
	}
	return t, nil
}

func (fs *FileStore) ClearStopActive(tradeID string) (Trade, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	t, ok := fs.trades[tradeID]
	if !ok {
		return Trade{}, &ErrNotFound{Kind: "trade", ID: tradeID}
	}
	t.StopActive = false
	t.UpdatedAt = time.Now().UTC()
	fs.trades[tradeID] = t
	if err := fs.appendEventUnsafe(TradeEvent{TradeID: tradeID, Type: EventStopLossCancelled, Message: "broker stop no longer working"}); err != nil {
		return Trade{}, err
	}
	if err := fs.saveUnsafe(); err != nil {
		return Trade{}, err
	}
	return t, nil
}

func (fs *FileStore) GetTrade(tradeID string) (Trade, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	t, ok := fs.trades[tradeID]
	if !ok {
		return Trade{}, &ErrNotFound{Kind: "trade", ID: tradeID}
	}
	return t, nil
}

func (fs *FileStore) ListOpenTrades() ([]Trade, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []Trade
	for _, t := range fs.trades {
		if !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (fs *FileStore) ListTradesForDate(date string) ([]Trade, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []Trade
	for _, t := range fs.trades {
		if t.TradeDate == date {
			out = append(out, t)
		}
	}
	return out, nil
}

func (fs *FileStore) ListEvents(tradeID string) ([]TradeEvent, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	evs := fs.events[tradeID]
	out := make([]TradeEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func (fs *FileStore) WritePriceSnapshot(snap PriceSnapshot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	last, ok := fs.lastSnapshotAt[snap.TradeID]
	if ok && snap.Timestamp.Sub(last) < fs.snapshotInterval {
		return nil // rate-limited: at most once per snapshotInterval per trade
	}
	fs.lastSnapshotAt[snap.TradeID] = snap.Timestamp

	line, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(fs.priceLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func (fs *FileStore) UpsertDailySummary(summary DailySummary) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dailySummaries[summary.SessionDate] = summary
	return fs.saveUnsafe()
}

func (fs *FileStore) GetDailySummary(date string) (DailySummary, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	s, ok := fs.dailySummaries[date]
	return s, ok, nil
}

func (fs *FileStore) ListEnabledStrategies() ([]EnabledStrategy, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]EnabledStrategy, 0, len(fs.enabledStrategies))
	for _, s := range fs.enabledStrategies {
		out = append(out, s)
	}
	return out, nil
}

func (fs *FileStore) EnableStrategy(s EnabledStrategy) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if s.EnabledAt.IsZero() {
		s.EnabledAt = time.Now().UTC()
	}
	fs.enabledStrategies[s.Key()] = s
	return fs.saveUnsafe()
}

func (fs *FileStore) DisableStrategy(ticker, timeframe, signalType string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	key := EnabledStrategy{Ticker: ticker, Timeframe: timeframe, SignalType: signalType}.Key()
	delete(fs.enabledStrategies, key)
	return fs.saveUnsafe()
}

func (fs *FileStore) ListFavorites() ([]Favorite, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]Favorite, 0, len(fs.favorites))
	for _, f := range fs.favorites {
		out = append(out, f)
	}
	return out, nil
}

func (fs *FileStore) SaveFavorite(f Favorite) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	fs.favorites[f.Name] = f
	return fs.saveUnsafe()
}

func (fs *FileStore) DeleteFavorite(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.favorites, name)
	return fs.saveUnsafe()
}

func (fs *FileStore) Close() error {
	return nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+sign(v)*0.5)) / 100
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
