package engine

import (
	"context"
	"sync"

	"github.com/aashi6126/optiontrader/internal/admission"
	"github.com/aashi6126/optiontrader/internal/bars"
	"github.com/aashi6126/optiontrader/internal/observ"
	"github.com/aashi6126/optiontrader/internal/signals"
	"github.com/aashi6126/optiontrader/internal/store"
)

// StrategySignalTask evaluates every EnabledStrategy tuple (ticker,
// timeframe, signal_type) on each matching bar close. Rebuild swaps in a
// fresh copy of the tuple registry each time it is called.
type StrategySignalTask struct {
	st   store.Store
	agg  *bars.Aggregator
	eval *signals.Evaluator
	pipe *admission.Pipeline

	mu      sync.Mutex
	workers map[string]struct{} // key -> present, so Rebuild can detect new/removed tuples
}

// NewStrategySignalTask constructs the task and registers its bar-close
// handler with agg.
func NewStrategySignalTask(st store.Store, agg *bars.Aggregator, eval *signals.Evaluator, pipe *admission.Pipeline) *StrategySignalTask {
	t := &StrategySignalTask{st: st, agg: agg, eval: eval, pipe: pipe, workers: map[string]struct{}{}}
	agg.OnBarClose(t.onBarClose)
	return t
}

// Rebuild re-reads the EnabledStrategy set and swaps in a new worker
// registry. It does not spawn goroutines. onBarClose does not consult
// this registry: it re-reads the EnabledStrategy set from the store on
// every bar close and filters it by ticker/timeframe.
func (t *StrategySignalTask) Rebuild(ctx context.Context) error {
	strategies, err := t.st.ListEnabledStrategies()
	if err != nil {
		return err
	}
	next := make(map[string]struct{}, len(strategies))
	for _, s := range strategies {
		next[s.Key()] = struct{}{}
	}
	t.mu.Lock()
	t.workers = next
	t.mu.Unlock()
	return nil
}

// onBarClose is the single bars.Aggregator callback; it fans out to
// every EnabledStrategy tuple matching the closed bar's (ticker,
// timeframe), runs the signal evaluator, and on a fired signal pushes a
// synthesized internal alert through the admission pipeline.
func (t *StrategySignalTask) onBarClose(b bars.Bar) {
	strategies, err := t.st.ListEnabledStrategies()
	if err != nil {
		observ.Log("strategy_signal_list_failed", map[string]any{"error": err.Error()})
		return
	}

	for _, s := range strategies {
		if s.Ticker != b.Symbol || s.Timeframe != b.Timeframe {
			continue
		}
		t.evaluateOne(s, b)
	}
}

func (t *StrategySignalTask) evaluateOne(s store.EnabledStrategy, b bars.Bar) {
	params := paramsFromMap(s.Params)
	sig := t.eval.Evaluate(s.Ticker, s.Timeframe, signals.Type(s.SignalType), params)
	if sig == nil {
		return
	}

	action := store.ActionBuyCall
	if sig.Direction == store.DirectionPut {
		action = store.ActionBuyPut
	}

	in := admission.AlertInput{
		RawPayload:         "internal:" + s.Key(),
		Ticker:             s.Ticker,
		Action:             action,
		Direction:          sig.Direction,
		IsExternal:         false,
		Source:             store.SourceInternalStrategy,
		SignalPrice:        sig.Price,
		HasSignalPrice:     true,
		ConfluenceScore:    sig.ConfluenceScore,
		ConfluenceMax:      sig.ConfluenceMax,
		HasConfluenceScore: sig.HasConfluenceScore,
		RelativeVolume:     sig.RelativeVolume,
	}

	outcome := t.pipe.Admit(context.Background(), in)
	observ.Log("strategy_signal_admitted", map[string]any{
		"ticker": s.Ticker, "timeframe": s.Timeframe, "signal_type": s.SignalType,
		"accepted": outcome.Accepted, "rejected": outcome.Rejected, "errored": outcome.Errored,
	})
}

func paramsFromMap(m map[string]float64) signals.Params {
	var p signals.Params
	if m == nil {
		return p
	}
	if v, ok := m["fast_ema_period"]; ok {
		p.FastEMAPeriod = int(v)
	}
	if v, ok := m["slow_ema_period"]; ok {
		p.SlowEMAPeriod = int(v)
	}
	if v, ok := m["rsi_period"]; ok {
		p.RSIPeriod = int(v)
	}
	if v, ok := m["oversold"]; ok {
		p.Oversold = v
	}
	if v, ok := m["overbought"]; ok {
		p.Overbought = v
	}
	if v, ok := m["bb_period"]; ok {
		p.BBPeriod = int(v)
	}
	if v, ok := m["bb_stddev"]; ok {
		p.BBStdDev = v
	}
	if v, ok := m["squeeze_bandwidth_pct"]; ok {
		p.SqueezeBandwidthPct = v
	}
	if v, ok := m["orb_minutes"]; ok {
		p.ORBMinutes = int(v)
	}
	if v, ok := m["body_threshold_percent"]; ok {
		p.BodyThresholdPercent = v
	}
	if v, ok := m["gap_fade_max_percent"]; ok {
		p.GapFadeMaxPercent = v
	}
	if v, ok := m["rel_volume_threshold"]; ok {
		p.RelVolumeThreshold = v
	}
	if v, ok := m["rel_volume_lookback"]; ok {
		p.RelVolumeLookback = int(v)
	}
	if v, ok := m["min_confluence_score"]; ok {
		p.MinConfluenceScore = v
	}
	if v, ok := m["confirmation_bars"]; ok {
		p.ConfirmationBars = int(v)
	}
	return p
}
