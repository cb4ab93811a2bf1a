package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aashi6126/optiontrader/internal/admission"
	"github.com/aashi6126/optiontrader/internal/bars"
	brokerpkg "github.com/aashi6126/optiontrader/internal/broker"
	"github.com/aashi6126/optiontrader/internal/broker/live"
	"github.com/aashi6126/optiontrader/internal/broker/sim"
	"github.com/aashi6126/optiontrader/internal/calendar"
	"github.com/aashi6126/optiontrader/internal/config"
	"github.com/aashi6126/optiontrader/internal/engine"
	"github.com/aashi6126/optiontrader/internal/eventbus"
	"github.com/aashi6126/optiontrader/internal/observ"
	"github.com/aashi6126/optiontrader/internal/quotecache"
	"github.com/aashi6126/optiontrader/internal/quotecache/rediscache"
	"github.com/aashi6126/optiontrader/internal/quotefeed"
	"github.com/aashi6126/optiontrader/internal/risk"
	"github.com/aashi6126/optiontrader/internal/scheduler"
	"github.com/aashi6126/optiontrader/internal/selector"
	"github.com/aashi6126/optiontrader/internal/signals"
	"github.com/aashi6126/optiontrader/internal/store"
	"github.com/aashi6126/optiontrader/internal/store/sqlstore"
	"github.com/aashi6126/optiontrader/internal/wsbroker"
)

var configPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trade lifecycle engine daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(configPath)
	},
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to YAML config file")
}

// runDaemon wires every component together, starts the scheduler,
// serves the webhook/admin/dashboard HTTP endpoints, and blocks until
// SIGINT/SIGTERM.
func runDaemon(path string) error {
	_ = godotenv.Load() // local .env for broker API keys; missing file is not an error

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client, err := openBroker(cfg)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}

	cal := calendar.Load(cfg.Risk.CalendarPath)
	locks := store.NewLockTable()
	bus := eventbus.New(256)

	fetcher := restFetcher{client}
	staleness := time.Duration(cfg.QuoteCache.StalenessSeconds) * time.Second
	if staleness <= 0 {
		staleness = 5 * time.Second
	}
	qc := quotecache.New(staleness, fetcher)
	if cfg.Redis.Enabled {
		qc.SetMirror(rediscache.New(cfg.Redis.Addr))
	}

	vix := &vixSource{qc: qc, client: client, ticker: "VIX"}
	gate := risk.New(cfg, cal, st, vix)

	sel := selector.New(client, selector.Params{
		StrikeCount:      cfg.Selector.StrikeCount,
		DeltaTarget:      cfg.Selector.DeltaTarget,
		MaxSpreadPercent: cfg.Selector.MaxSpreadPercent,
	})

	overrides := config.NewOverrideState()
	pipeline := admission.New(cfg, gate, sel, client, st, locks, bus, overrides)

	agg := bars.New(200)
	evaluator := signals.New(agg)
	resolveUnderlying := func(optionSymbol string) (string, bool) {
		trades, err := st.ListOpenTrades()
		if err != nil {
			return "", false
		}
		for _, t := range trades {
			if t.OptionSymbol == optionSymbol {
				return underlyingTicker(t), true
			}
		}
		return "", false
	}
	atrSource := engine.NewBarATRSource(agg, "1m", 14, resolveUnderlying)

	orderMgr := engine.NewOrderManager(cfg, client, st, locks, bus, qc, atrSource)
	exitEngine := engine.NewExitEngine(cfg, client, qc, st, locks, bus)
	strategyTask := engine.NewStrategySignalTask(st, agg, evaluator, pipeline)

	feedCtx, feedCancel := context.WithCancel(context.Background())
	defer feedCancel()
	startQuoteFeed(feedCtx, cfg, st, client, qc, agg)

	orderInterval := time.Duration(cfg.Scheduler.OrderMonitorSeconds) * time.Second
	if orderInterval <= 0 {
		orderInterval = 5 * time.Second
	}
	exitInterval := time.Duration(cfg.Scheduler.ExitMonitorSeconds) * time.Second
	if exitInterval <= 0 {
		exitInterval = 10 * time.Second
	}

	sched := scheduler.New(cfg, st, []scheduler.Task{
		{Name: "OrderMonitor", Interval: orderInterval, Run: orderMgr.Tick},
		{Name: "ExitMonitor", Interval: exitInterval, Run: exitEngine.Tick},
		{Name: "StrategySignal", Interval: 30 * time.Second, Run: func(ctx context.Context) {
			if err := strategyTask.Rebuild(ctx); err != nil {
				observ.Log("strategy_signal_rebuild_failed", map[string]any{"error": err.Error()})
			}
		}},
	}, func(component string, err error) {
		observ.Log("operator_alert", map[string]any{"component": component, "error": err.Error()})
	})
	sched.Start()
	defer sched.Stop()

	hub := wsbroker.New(bus, st)
	hubStop := make(chan struct{})
	go hub.Run(hubStop)
	defer close(hubStop)

	mux := http.NewServeMux()
	registerWebhook(mux, pipeline, cfg)
	registerAdmin(mux, st, bus, overrides)
	mux.HandleFunc("/ws/dashboard", hub.ServeHTTP)
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.HealthHandler())

	addr := cfg.Webhook.Addr
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		observ.Log("tradeengine_listening", map[string]any{"addr": addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observ.Log("tradeengine_listen_failed", map[string]any{"error": err.Error()})
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// startQuoteFeed spawns the quote feed: streamed ticks when the broker
// has a streaming endpoint, a REST poll loop otherwise (sim/paper mode),
// both flowing through the same Feed so the subscription rule (open
// trades plus enabled strategies, nothing else) holds either way.
func startQuoteFeed(ctx context.Context, cfg config.Root, st store.Store, client brokerpkg.Client, qc *quotecache.Cache, agg *bars.Aggregator) {
	ticks := make(chan quotefeed.Tick, 1024)

	if cfg.Broker.Mode == "live" && cfg.Broker.StreamURL != "" {
		stream := live.NewStreamClient(cfg.Broker.StreamURL)
		go stream.Run(ctx)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-stream.Ticks:
					ticks <- quotefeed.Tick{Symbol: t.Symbol, Bid: t.Bid, Ask: t.Ask, Last: t.Last, Volume: t.Volume, Timestamp: t.Timestamp}
				}
			}
		}()
		feed := quotefeed.New(st, qc, agg, stream)
		go feed.Run(ctx, ticks, 15*time.Second)
		return
	}

	feed := quotefeed.New(st, qc, agg, nil)
	go feed.Run(ctx, ticks, 15*time.Second)
	go func() {
		poll := time.NewTicker(2 * time.Second)
		defer poll.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-poll.C:
				for _, sym := range feed.PollSymbols() {
					eq, err := client.EquityQuote(ctx, sym)
					if err != nil {
						continue
					}
					ticks <- quotefeed.Tick{Symbol: sym, Bid: eq.Bid, Ask: eq.Ask, Last: eq.Last, Volume: eq.Volume, Timestamp: eq.Timestamp}
				}
			}
		}
	}()
}

func openStore(cfg config.Root) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres", "sqlite":
		return sqlstore.Open(cfg.Store.Driver, cfg.Store.DSN)
	default:
		return store.NewFileStore(cfg.Store.FilePath, cfg.Store.SnapshotPath, cfg.PriceSnapshotSeconds)
	}
}

func openBroker(cfg config.Root) (brokerpkg.Client, error) {
	if cfg.Broker.Mode == "live" {
		return live.New(live.Config{
			BaseURL:         cfg.Broker.BaseURL,
			TimeoutSeconds:  cfg.Broker.TimeoutSeconds,
			TokenFile:       cfg.Broker.TokenFile,
			RateLimitPerSec: cfg.Broker.RateLimitPerSec,
		})
	}
	return sim.New(), nil
}

// restFetcher adapts broker.Client to quotecache.RESTFetcher (same
// method set; a named type documents the narrower role at the call
// site).
type restFetcher struct{ client brokerpkg.Client }

func (f restFetcher) EquityQuote(ctx context.Context, ticker string) (brokerpkg.EquityQuote, error) {
	return f.client.EquityQuote(ctx, ticker)
}

// vixSource implements risk.VIXSource: quote cache first, broker
// fallback.
type vixSource struct {
	qc     *quotecache.Cache
	client brokerpkg.Client
	ticker string
}

func (v *vixSource) LastVIX(ctx context.Context) (float64, error) {
	q, err := v.qc.Get(ctx, v.ticker)
	if err == nil && q.Last > 0 {
		return q.Last, nil
	}
	eq, err := v.client.EquityQuote(ctx, v.ticker)
	if err != nil {
		return 0, err
	}
	return eq.Last, nil
}

// underlyingTicker recovers the underlying from a Trade's option_symbol;
// 0-DTE symbols are minted by the contract selector off the ticker it was
// given, so the OCC-style numeric suffix is the only thing to strip.
func underlyingTicker(t store.Trade) string {
	sym := t.OptionSymbol
	for i, r := range sym {
		if r >= '0' && r <= '9' {
			return sym[:i]
		}
	}
	return sym
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
