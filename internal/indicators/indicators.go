// Package indicators holds the pure technical-indicator functions the
// signal evaluator scores strategies against. Every function returns its
// value(s) followed by a ready flag; ready is false until
// enough bars have accumulated to produce a meaningful value, so callers
// never act on a half-warmed indicator.
package indicators

import (
	"math"

	"github.com/aashi6126/optiontrader/internal/bars"
)

// EMA computes the exponential moving average of closing prices over
// period bars, seeded by a simple average of the first period closes.
func EMA(b []bars.Bar, period int) (float64, bool) {
	if len(b) < period {
		return 0, false
	}
	k := 2.0 / float64(period+1)

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += b[i].Close
	}
	ema := sum / float64(period)
	for i := period; i < len(b); i++ {
		ema = b[i].Close*k + ema*(1-k)
	}
	return ema, true
}

// VWAP is the session-anchored volume-weighted average price: the first
// bar in b is treated as the session anchor, so callers must pass only
// bars from the current session.
func VWAP(b []bars.Bar) (float64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var pv, vol float64
	for _, bar := range b {
		typical := (bar.High + bar.Low + bar.Close) / 3
		pv += typical * float64(bar.Volume)
		vol += float64(bar.Volume)
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// RSI is the Wilder-smoothed relative strength index over period bars.
func RSI(b []bars.Bar, period int) (float64, bool) {
	if len(b) < period+1 {
		return 0, false
	}
	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := b[i].Close - b[i-1].Close
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	for i := period + 1; i < len(b); i++ {
		delta := b[i].Close - b[i-1].Close
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// ATR is the Wilder-smoothed average true range over period bars.
// Requires period+1 bars so the first true-range computation has a prior
// close to compare against.
func ATR(b []bars.Bar, period int) (float64, bool) {
	if len(b) < period+1 {
		return 0, false
	}
	trueRange := func(cur, prev bars.Bar) float64 {
		hl := cur.High - cur.Low
		hc := math.Abs(cur.High - prev.Close)
		lc := math.Abs(cur.Low - prev.Close)
		return math.Max(hl, math.Max(hc, lc))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRange(b[i], b[i-1])
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(b); i++ {
		tr := trueRange(b[i], b[i-1])
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

// BollingerBands returns the middle (SMA), upper and lower bands over
// period bars at numStdDev standard deviations.
func BollingerBands(b []bars.Bar, period int, numStdDev float64) (mid, upper, lower float64, ready bool) {
	if len(b) < period {
		return 0, 0, 0, false
	}
	window := b[len(b)-period:]
	sum := 0.0
	for _, bar := range window {
		sum += bar.Close
	}
	mean := sum / float64(period)

	variance := 0.0
	for _, bar := range window {
		d := bar.Close - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(period))

	return mean, mean + numStdDev*stddev, mean - numStdDev*stddev, true
}

// MACD returns the MACD line and signal line for the given fast/slow/signal
// EMA periods; there are no default periods.
func MACD(b []bars.Bar, fast, slow, signal int) (macdLine, signalLine float64, ready bool) {
	if len(b) < slow+signal {
		return 0, 0, false
	}
	fastEMA, _ := EMA(b, fast)
	slowEMA, _ := EMA(b, slow)
	macd := fastEMA - slowEMA

	// The signal line is the EMA of the MACD series recomputed at every
	// prefix of the bar window from slow bars onward, seeded by the simple
	// average of the first signal values.
	var series []float64
	for i := slow; i <= len(b); i++ {
		f, _ := EMA(b[:i], fast)
		s, _ := EMA(b[:i], slow)
		series = append(series, f-s)
	}
	if len(series) < signal {
		return macd, macd, true
	}
	k := 2.0 / float64(signal+1)
	sum := 0.0
	for i := 0; i < signal; i++ {
		sum += series[i]
	}
	sig := sum / float64(signal)
	for i := signal; i < len(series); i++ {
		sig = series[i]*k + sig*(1-k)
	}
	return macd, sig, true
}

// OpeningRange returns the high/low of the first n bars of the session
// (the Opening Range Breakout anchor). b must contain only the current
// session's bars, oldest first.
func OpeningRange(b []bars.Bar, n int) (high, low float64, ready bool) {
	if len(b) < n {
		return 0, 0, false
	}
	high, low = b[0].High, b[0].Low
	for _, bar := range b[:n] {
		high = math.Max(high, bar.High)
		low = math.Min(low, bar.Low)
	}
	return high, low, true
}

// RelativeVolume is the current bar's volume divided by the average
// volume of the prior lookback bars.
func RelativeVolume(current bars.Bar, history []bars.Bar, lookback int) (float64, bool) {
	if len(history) < lookback {
		return 0, false
	}
	window := history[len(history)-lookback:]
	var sum int64
	for _, bar := range window {
		sum += bar.Volume
	}
	avg := float64(sum) / float64(lookback)
	if avg == 0 {
		return 0, false
	}
	return float64(current.Volume) / avg, true
}

// CandleBodyPercent is the candle body as a percentage of its full
// high-low range: near 0 for a doji, near 100 for a strong directional
// candle.
func CandleBodyPercent(b bars.Bar) (float64, bool) {
	rng := b.High - b.Low
	if rng <= 0 {
		return 0, false
	}
	return math.Abs(b.Close-b.Open) / rng * 100, true
}
