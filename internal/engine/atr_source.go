package engine

import (
	"strings"

	"github.com/aashi6126/optiontrader/internal/bars"
	"github.com/aashi6126/optiontrader/internal/indicators"
)

// BarATRSource adapts a bars.Aggregator + the underlying-to-option-symbol
// mapping into the ATRSource the stop-loss formula reads at entry-fill
// time: ATR is computed on the underlying's bars, since 0-DTE option
// bars rarely carry enough history.
type BarATRSource struct {
	agg       *bars.Aggregator
	timeframe string
	period    int
	// symbolUnderlying maps an option_symbol back to its underlying
	// ticker; populated during admission when a Trade is created.
	symbolUnderlying func(optionSymbol string) (underlying string, ok bool)
}

// NewBarATRSource constructs a BarATRSource reading ATR(period) off
// timeframe bars, using resolve to recover the underlying ticker for an
// option symbol.
func NewBarATRSource(agg *bars.Aggregator, timeframe string, period int, resolve func(optionSymbol string) (string, bool)) *BarATRSource {
	if timeframe == "" {
		timeframe = "1m"
	}
	if period <= 0 {
		period = 14
	}
	return &BarATRSource{agg: agg, timeframe: timeframe, period: period, symbolUnderlying: resolve}
}

// ATRAtEntry returns the most recent ATR reading for optionSymbol's
// underlying, or ok=false if there isn't enough bar history yet.
func (s *BarATRSource) ATRAtEntry(optionSymbol string) (float64, bool) {
	underlying, ok := s.symbolUnderlying(optionSymbol)
	if !ok {
		underlying = guessUnderlying(optionSymbol)
	}
	window := s.agg.LastBars(underlying, s.timeframe, s.period+1)
	return indicators.ATR(window, s.period)
}

// guessUnderlying strips a typical OCC option symbol suffix (root padded
// to 6 chars followed by YYMMDD+C/P+strike) down to the root ticker, used
// only when the caller has no explicit mapping recorded.
func guessUnderlying(optionSymbol string) string {
	root := optionSymbol
	for i, r := range optionSymbol {
		if r >= '0' && r <= '9' {
			root = optionSymbol[:i]
			break
		}
	}
	return strings.TrimSpace(strings.ToUpper(root))
}
