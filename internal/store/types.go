// Package store owns the persisted trade-lifecycle entities and the
// atomic operations that mutate them. It is the sole owner of Trade,
// TradeEvent, PriceSnapshot, DailySummary, EnabledStrategy and Favorite;
// the order manager and exit engine mutate Trade only through these
// operations, under the per-trade lock in LockTable.
package store

import "time"

// Direction is the option side a Trade or Alert trades.
type Direction string

const (
	DirectionCall Direction = "CALL"
	DirectionPut  Direction = "PUT"
)

// AlertSource identifies where an Alert originated.
type AlertSource string

const (
	SourceExternal        AlertSource = "external"
	SourceInternalStrategy AlertSource = "internal_strategy"
	SourceManualTest      AlertSource = "manual_test"
	SourceRetake          AlertSource = "retake"
)

// AlertStatus is the append-only-once-terminal status of an Alert.
type AlertStatus string

const (
	AlertReceived  AlertStatus = "RECEIVED"
	AlertAccepted  AlertStatus = "ACCEPTED"
	AlertRejected  AlertStatus = "REJECTED"
	AlertProcessed AlertStatus = "PROCESSED"
	AlertError     AlertStatus = "ERROR"
)

// AlertAction is the directive carried by an inbound or synthesized alert.
type AlertAction string

const (
	ActionBuyCall AlertAction = "BUY_CALL"
	ActionBuyPut  AlertAction = "BUY_PUT"
	ActionClose   AlertAction = "CLOSE"
)

// Alert is the persisted, append-only-once-terminal record of an incoming
// directional signal.
type Alert struct {
	ID             string
	ReceivedAt     time.Time // UTC
	RawPayload     string
	Ticker         string
	Action         AlertAction
	Direction      Direction // zero value for CLOSE
	SignalPrice    float64
	HasSignalPrice bool
	Source         AlertSource
	Status         AlertStatus
	RejectionReason string
	LinkedTradeID  string
	ConfluenceScore    float64
	ConfluenceMax      float64
	HasConfluenceScore bool
	RelativeVolume     float64
}

// TradeStatus is a state in the trade lifecycle state machine.
type TradeStatus string

const (
	TradePending         TradeStatus = "PENDING"
	TradeFilled          TradeStatus = "FILLED"
	TradeStopLossPlaced  TradeStatus = "STOP_LOSS_PLACED"
	TradeExiting         TradeStatus = "EXITING"
	TradeClosed          TradeStatus = "CLOSED"
	TradeCancelled       TradeStatus = "CANCELLED"
	TradeError           TradeStatus = "ERROR"
)

// IsTerminal reports whether no further transition is possible.
func (s TradeStatus) IsTerminal() bool {
	return s == TradeClosed || s == TradeCancelled || s == TradeError
}

// ExitReason records which exit condition fired, or SIGNAL for an
// admin/internal CLOSE action.
type ExitReason string

const (
	ExitTimeBased     ExitReason = "TIME_BASED"
	ExitMaxHoldTime   ExitReason = "MAX_HOLD_TIME"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitProfitTarget  ExitReason = "PROFIT_TARGET"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitStopLossHit   ExitReason = "STOP_LOSS_HIT"
	ExitSignal        ExitReason = "SIGNAL"
	ExitLimitTimeout  ExitReason = "LIMIT_TIMEOUT"
	ExitManualClose   ExitReason = "MANUAL_CLOSE"
)

// Trade is the persisted trade-lifecycle aggregate.
type Trade struct {
	ID            string
	TradeDate     string // session date, YYYY-MM-DD
	Direction     Direction
	OptionSymbol  string
	Strike        float64
	Expiry        string // YYYY-MM-DD, always today for 0-DTE
	Quantity      int
	Status        TradeStatus

	EntryOrderID   string
	EntryPrice     float64
	EntryFilledAt  time.Time

	StopOrderID    string
	StopPrice      float64
	StopActive     bool // cleared when the broker stop is observed non-WORKING

	TrailingStopPrice  float64
	HighestPriceSeen   float64

	ExitOrderID   string
	ExitPrice     float64
	ExitFilledAt  time.Time
	ExitReason    ExitReason

	PnLDollars float64
	PnLPercent float64

	Source    AlertSource
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TradeEventType enumerates the append-only event log entries.
type TradeEventType string

const (
	EventAlertReceived     TradeEventType = "ALERT_RECEIVED"
	EventContractSelected  TradeEventType = "CONTRACT_SELECTED"
	EventEntryOrderPlaced  TradeEventType = "ENTRY_ORDER_PLACED"
	EventEntryFilled       TradeEventType = "ENTRY_FILLED"
	EventEntryCancelled    TradeEventType = "ENTRY_CANCELLED"
	EventStopLossPlaced    TradeEventType = "STOP_LOSS_PLACED"
	EventStopLossCancelled TradeEventType = "STOP_LOSS_CANCELLED"
	EventExitTriggered     TradeEventType = "EXIT_TRIGGERED"
	EventExitOrderPlaced   TradeEventType = "EXIT_ORDER_PLACED"
	EventExitFilled        TradeEventType = "EXIT_FILLED"
	EventStopLossHit       TradeEventType = "STOP_LOSS_HIT"
	EventCloseSignal       TradeEventType = "CLOSE_SIGNAL"
	EventManualClose       TradeEventType = "MANUAL_CLOSE"
)

// TradeEvent is a strictly append-only record of one state transition.
type TradeEvent struct {
	ID        int64
	TradeID   string
	Timestamp time.Time
	Type      TradeEventType
	Message   string
	Details   map[string]any
}

// PriceSnapshot is written at most once per config.PriceSnapshotSeconds per
// open trade to allow post-trade chart reconstruction.
type PriceSnapshot struct {
	TradeID          string
	Timestamp        time.Time
	Price            float64
	HighestPriceSeen float64
}

// DailySummary aggregates one session's trading activity, computed at
// end-of-session by the scheduler's one-shot task.
type DailySummary struct {
	SessionDate      string
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	TotalPnL         float64
	LargestWin       float64
	LargestLoss      float64
	ComputedAt       time.Time
}

// EnabledStrategy is keyed by (Ticker, Timeframe, SignalType).
type EnabledStrategy struct {
	Ticker     string
	Timeframe  string // "1m" | "5m" | "15m"
	SignalType string
	Params     map[string]float64
	EnabledAt  time.Time
}

func (s EnabledStrategy) Key() string {
	return s.Ticker + "|" + s.Timeframe + "|" + s.SignalType
}

// Favorite is a persisted optimizer-favorite parameter set; the core only
// reads/writes it via the admin control surface. Producing favorites is
// an external concern.
type Favorite struct {
	Name      string
	Ticker    string
	Params    map[string]float64
	CreatedAt time.Time
}
