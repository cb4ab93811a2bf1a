package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Session bounds the hours during which the admission pipeline accepts
// alerts absent an explicit override.
type Session struct {
	FirstEntryHour      int    `yaml:"first_entry_hour"`
	FirstEntryMinute    int    `yaml:"first_entry_minute"`
	LastEntryHour       int    `yaml:"last_entry_hour"`
	LastEntryMinute     int    `yaml:"last_entry_minute"`
	AfternoonCutoffHour int    `yaml:"afternoon_cutoff_hour"`
	AfternoonCutoffMin  int    `yaml:"afternoon_cutoff_minute"`
	Timezone            string `yaml:"timezone"`
}

// Risk holds the risk gate thresholds.
type Risk struct {
	DailyTradeLimit      int      `yaml:"daily_trade_limit"`
	MaxConsecutiveLosses int      `yaml:"max_consecutive_losses"`
	MaxDailyLoss         float64  `yaml:"max_daily_loss"`
	VIXCircuitBreaker    float64  `yaml:"vix_circuit_breaker"`
	AllowedTickers       []string `yaml:"allowed_tickers"`
	CalendarPath         string   `yaml:"calendar_path"`
}

// Selector holds the contract selector parameters.
type Selector struct {
	StrikeCount      int     `yaml:"strike_count"`
	DeltaTarget      float64 `yaml:"delta_target"`
	MaxSpreadPercent float64 `yaml:"max_spread_percent"`
}

// Sizing controls confluence-based quantity scaling during admission.
type Sizing struct {
	DefaultQuantity    int     `yaml:"default_quantity"`
	DoubleMinScore     float64 `yaml:"double_min_score"`
	DoubleMinRelVolume float64 `yaml:"double_min_rel_volume"`
	HalfMaxScore       float64 `yaml:"half_max_score"`
}

// Exits holds the exit engine and order manager tunables.
type Exits struct {
	ATRStopMultiplier     float64 `yaml:"atr_stop_multiplier"`
	StopLossPercent       float64 `yaml:"stop_loss_percent"`
	ProfitTargetPercent   float64 `yaml:"profit_target_percent"`
	TrailingStopPercent   float64 `yaml:"trailing_stop_percent"`
	MaxHoldMinutes        int     `yaml:"max_hold_minutes"`
	ForceExitHour         int     `yaml:"force_exit_hour"`
	ForceExitMinute       int     `yaml:"force_exit_minute"`
	EntryLimitTimeoutSecs int     `yaml:"entry_limit_timeout_seconds"`
	MaxTradesPerTick      int     `yaml:"max_trades_per_tick"`
	UseMarketOrdersOnExit bool    `yaml:"use_market_orders_on_exit"`
}

// Scheduler holds the background-loop tick intervals.
type Scheduler struct {
	OrderMonitorSeconds  int     `yaml:"order_monitor_seconds"`
	ExitMonitorSeconds   int     `yaml:"exit_monitor_seconds"`
	JitterPercent        float64 `yaml:"jitter_percent"`
	EndOfSessionHour     int     `yaml:"end_of_session_hour"`
	EndOfSessionMinute   int     `yaml:"end_of_session_minute"`
	ShutdownGraceSeconds int     `yaml:"shutdown_grace_seconds"`
}

// QuoteCache holds the staleness threshold for C2.
type QuoteCache struct {
	StalenessSeconds int `yaml:"staleness_seconds"`
}

// Store selects and configures the trade store backend.
type Store struct {
	Driver       string `yaml:"driver"` // "file" | "postgres" | "sqlite"
	FilePath     string `yaml:"file_path"`
	DSN          string `yaml:"dsn"`
	SnapshotPath string `yaml:"snapshot_path"`
}

// Broker configures the broker client.
type Broker struct {
	Mode            string  `yaml:"mode"` // "sim" | "live"
	BaseURL         string  `yaml:"base_url"`
	StreamURL       string  `yaml:"stream_url"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	TokenFile       string  `yaml:"token_file"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
}

// Webhook configures the inbound alert endpoint (§6).
type Webhook struct {
	Secret string `yaml:"secret"`
	Addr   string `yaml:"addr"`
}

// Redis configures the optional quote-cache mirror.
type Redis struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Root is the immutable configuration value constructed at startup.
// Everything mutable at runtime lives in the small Overrides record below;
// Root itself is never written after Load returns.
type Root struct {
	TradingMode          string `yaml:"trading_mode"` // paper | live | dry-run
	PriceSnapshotSeconds int    `yaml:"price_snapshot_seconds"`

	Session    Session    `yaml:"session"`
	Risk       Risk       `yaml:"risk"`
	Selector   Selector   `yaml:"selector"`
	Sizing     Sizing     `yaml:"sizing"`
	Exits      Exits      `yaml:"exits"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	QuoteCache QuoteCache `yaml:"quote_cache"`
	Store      Store      `yaml:"store"`
	Broker     Broker     `yaml:"broker"`
	Webhook    Webhook    `yaml:"webhook"`
	Redis      Redis      `yaml:"redis"`
}

// Load reads Root from a YAML file, then fills zero-valued fields with
// defaults.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Root) {
	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	if c.PriceSnapshotSeconds == 0 {
		c.PriceSnapshotSeconds = 15
	}

	if c.Session.FirstEntryHour == 0 {
		c.Session.FirstEntryHour = 10
	}
	if c.Session.LastEntryHour == 0 {
		c.Session.LastEntryHour = 14
		c.Session.LastEntryMinute = 45
	}
	if c.Session.AfternoonCutoffHour == 0 {
		c.Session.AfternoonCutoffHour = 12
	}
	if c.Session.Timezone == "" {
		c.Session.Timezone = "America/New_York"
	}

	if c.Risk.DailyTradeLimit == 0 {
		c.Risk.DailyTradeLimit = 10
	}
	if c.Risk.MaxConsecutiveLosses == 0 {
		c.Risk.MaxConsecutiveLosses = 3
	}
	if c.Risk.MaxDailyLoss == 0 {
		c.Risk.MaxDailyLoss = 700.0
	}
	if c.Risk.VIXCircuitBreaker == 0 {
		c.Risk.VIXCircuitBreaker = 28.0
	}
	if c.Risk.CalendarPath == "" {
		c.Risk.CalendarPath = "data/event_calendar.json"
	}

	if c.Selector.StrikeCount == 0 {
		c.Selector.StrikeCount = 20
	}
	if c.Selector.DeltaTarget == 0 {
		c.Selector.DeltaTarget = 0.4
	}
	if c.Selector.MaxSpreadPercent == 0 {
		c.Selector.MaxSpreadPercent = 10.0
	}

	if c.Sizing.DefaultQuantity == 0 {
		c.Sizing.DefaultQuantity = 2
	}
	if c.Sizing.DoubleMinScore == 0 {
		c.Sizing.DoubleMinScore = 5
	}
	if c.Sizing.DoubleMinRelVolume == 0 {
		c.Sizing.DoubleMinRelVolume = 2.0
	}
	if c.Sizing.HalfMaxScore == 0 {
		c.Sizing.HalfMaxScore = 2
	}

	if c.Exits.ATRStopMultiplier == 0 {
		c.Exits.ATRStopMultiplier = 2.0
	}
	if c.Exits.StopLossPercent == 0 {
		c.Exits.StopLossPercent = 60.0
	}
	if c.Exits.ProfitTargetPercent == 0 {
		c.Exits.ProfitTargetPercent = 40.0
	}
	if c.Exits.TrailingStopPercent == 0 {
		c.Exits.TrailingStopPercent = 20.0
	}
	if c.Exits.MaxHoldMinutes == 0 {
		c.Exits.MaxHoldMinutes = 90
	}
	if c.Exits.ForceExitHour == 0 {
		c.Exits.ForceExitHour = 15
	}
	if c.Exits.EntryLimitTimeoutSecs == 0 {
		c.Exits.EntryLimitTimeoutSecs = 60
	}
	if c.Exits.MaxTradesPerTick == 0 {
		c.Exits.MaxTradesPerTick = 64
	}

	if c.Scheduler.OrderMonitorSeconds == 0 {
		c.Scheduler.OrderMonitorSeconds = 5
	}
	if c.Scheduler.ExitMonitorSeconds == 0 {
		c.Scheduler.ExitMonitorSeconds = 10
	}
	if c.Scheduler.JitterPercent == 0 {
		c.Scheduler.JitterPercent = 10
	}
	if c.Scheduler.EndOfSessionHour == 0 {
		c.Scheduler.EndOfSessionHour = 16
		c.Scheduler.EndOfSessionMinute = 5
	}
	if c.Scheduler.ShutdownGraceSeconds == 0 {
		c.Scheduler.ShutdownGraceSeconds = 10
	}

	if c.QuoteCache.StalenessSeconds == 0 {
		c.QuoteCache.StalenessSeconds = 5
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "file"
	}
	if c.Store.FilePath == "" {
		c.Store.FilePath = "data/trade_events.jsonl"
	}
	if c.Store.SnapshotPath == "" {
		c.Store.SnapshotPath = "data/trade_snapshot.json"
	}

	if c.Broker.Mode == "" {
		c.Broker.Mode = "sim"
	}
	if c.Broker.TimeoutSeconds == 0 {
		c.Broker.TimeoutSeconds = 5
	}
	if c.Broker.RateLimitPerSec == 0 {
		c.Broker.RateLimitPerSec = 5
	}

	if c.Webhook.Addr == "" {
		c.Webhook.Addr = "127.0.0.1:8090"
	}
}

// Overrides is the small mutable record guarded by a mutex and broadcast on
// the event bus whenever it changes: session-window bypass and
// market-vs-limit-on-exit are the two flags the admin control surface
// exposes.
type Overrides struct {
	IgnoreSessionWindow bool  `json:"ignore_session_window"`
	UseMarketOnExit     bool  `json:"use_market_on_exit"`
	Version             int64 `json:"version"`
}

// OverrideState is the live holder of Overrides: Root stays frozen after
// Load, and this is the one mutable piece of configuration, written by the
// admin control surface and read by the admission path on every alert.
type OverrideState struct {
	mu  sync.Mutex
	cur Overrides
}

func NewOverrideState() *OverrideState { return &OverrideState{} }

// Get returns a copy of the current record.
func (s *OverrideState) Get() Overrides {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Set replaces the record, bumping Version, and returns the stored copy.
func (s *OverrideState) Set(o Overrides) Overrides {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.Version = s.cur.Version + 1
	s.cur = o
	return o
}
