// Package signals scores each completed bar against a named strategy
// and, via an N-bar confirmation state machine, decides whether a
// directional Signal actually fires.
package signals

import (
	"math"
	"sync"

	"github.com/aashi6126/optiontrader/internal/bars"
	"github.com/aashi6126/optiontrader/internal/indicators"
	"github.com/aashi6126/optiontrader/internal/store"
)

// Type names the nine built-in strategies.
type Type string

const (
	TypeEMACross        Type = "ema_cross"
	TypeVWAPCross       Type = "vwap_cross"
	TypeEMAVWAP         Type = "ema_vwap"
	TypeORB             Type = "orb"
	TypeORBDirectional  Type = "orb_directional"
	TypeVWAPRSI         Type = "vwap_rsi"
	TypeBBSqueeze       Type = "bb_squeeze"
	TypeRSIReversal     Type = "rsi_reversal"
	TypeConfluence      Type = "confluence"
)

// Params configures a single strategy instance; zero fields fall back to
// sensible defaults in Evaluator.Evaluate.
type Params struct {
	FastEMAPeriod       int
	SlowEMAPeriod       int
	RSIPeriod           int
	Oversold            float64
	Overbought          float64
	BBPeriod             int
	BBStdDev             float64
	SqueezeBandwidthPct float64
	ORBMinutes          int
	BodyThresholdPercent float64
	GapFadeMaxPercent   float64
	RelVolumeThreshold  float64
	RelVolumeLookback   int
	MinConfluenceScore  float64
	ConfirmationBars    int
}

func (p *Params) applyDefaults() {
	if p.FastEMAPeriod == 0 {
		p.FastEMAPeriod = 9
	}
	if p.SlowEMAPeriod == 0 {
		p.SlowEMAPeriod = 21
	}
	if p.RSIPeriod == 0 {
		p.RSIPeriod = 14
	}
	if p.Oversold == 0 {
		p.Oversold = 30
	}
	if p.Overbought == 0 {
		p.Overbought = 70
	}
	if p.BBPeriod == 0 {
		p.BBPeriod = 20
	}
	if p.BBStdDev == 0 {
		p.BBStdDev = 2
	}
	if p.SqueezeBandwidthPct == 0 {
		p.SqueezeBandwidthPct = 4
	}
	if p.ORBMinutes == 0 {
		p.ORBMinutes = 15
	}
	if p.BodyThresholdPercent == 0 {
		p.BodyThresholdPercent = 50
	}
	if p.GapFadeMaxPercent == 0 {
		p.GapFadeMaxPercent = 1.0
	}
	if p.RelVolumeLookback == 0 {
		p.RelVolumeLookback = 20
	}
	if p.RelVolumeThreshold == 0 {
		p.RelVolumeThreshold = 1.5
	}
	if p.MinConfluenceScore == 0 {
		p.MinConfluenceScore = 4
	}
}

// Signal is a fired (confirmed) directional signal.
type Signal struct {
	Direction          store.Direction
	Price              float64
	ConfluenceScore    float64
	ConfluenceMax      float64
	HasConfluenceScore bool
	RelativeVolume     float64
}

type pendingSignal struct {
	direction       store.Direction
	signalBarClose  float64
	confirmedBars   int
	raw             Signal
}

type confirmKey struct {
	ticker, timeframe string
	signalType        Type
}

// Evaluator holds per-(ticker,timeframe,signal_type) confirmation state.
// It is safe for concurrent use by multiple Strategy Signal Task workers.
type Evaluator struct {
	agg *bars.Aggregator

	mu        sync.Mutex
	pending   map[confirmKey]*pendingSignal
	firedBar  map[confirmKey]int64 // last fired bar's OpenTime unix, for at-most-once-per-bar
}

// New constructs an Evaluator reading completed bars from agg.
func New(agg *bars.Aggregator) *Evaluator {
	return &Evaluator{agg: agg, pending: map[confirmKey]*pendingSignal{}, firedBar: map[confirmKey]int64{}}
}

// Evaluate is called once per bar close for (ticker, timeframe,
// signal_type); it returns a fired Signal or nil if none fired yet (raw
// signal pending confirmation, or no raw signal this bar).
func (e *Evaluator) Evaluate(ticker, timeframe string, signalType Type, params Params) *Signal {
	params.applyDefaults()

	window := e.agg.LastBars(ticker, timeframe, 300)
	if len(window) < 2 {
		return nil
	}
	curBar := window[len(window)-1]

	key := confirmKey{ticker, timeframe, signalType}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.firedBar[key] == curBar.OpenTime.Unix() {
		return nil // already fired for this bar
	}

	raw := rawSignal(window, signalType, params)

	pending := e.pending[key]

	if raw != nil {
		if pending != nil && pending.direction != raw.Direction {
			delete(e.pending, key) // opposite-direction signal voids the pending one
		}
		if params.ConfirmationBars <= 0 {
			e.firedBar[key] = curBar.OpenTime.Unix()
			return raw
		}
		if pending == nil || pending.direction != raw.Direction {
			e.pending[key] = &pendingSignal{direction: raw.Direction, signalBarClose: curBar.Close, raw: *raw}
		}
		return nil
	}

	if pending == nil {
		return nil
	}

	confirmed := (pending.direction == store.DirectionCall && curBar.Close > pending.signalBarClose) ||
		(pending.direction == store.DirectionPut && curBar.Close < pending.signalBarClose)
	if !confirmed {
		delete(e.pending, key)
		return nil
	}

	pending.confirmedBars++
	if pending.confirmedBars >= params.ConfirmationBars {
		delete(e.pending, key)
		e.firedBar[key] = curBar.OpenTime.Unix()
		fired := pending.raw
		fired.Price = curBar.Close
		return &fired
	}
	return nil
}

func rawSignal(window []bars.Bar, signalType Type, params Params) *Signal {
	cur := window[len(window)-1]
	prev := window[:len(window)-1]

	switch signalType {
	case TypeEMACross:
		return emaCross(window, prev, params)
	case TypeVWAPCross:
		return vwapCross(window, prev)
	case TypeEMAVWAP:
		if s := emaCross(window, prev, params); s != nil {
			if vwap, ok := indicators.VWAP(window); ok {
				if (s.Direction == store.DirectionCall && cur.Close > vwap) || (s.Direction == store.DirectionPut && cur.Close < vwap) {
					return s
				}
			}
			return nil
		}
		return nil
	case TypeORB:
		return orb(window, params)
	case TypeORBDirectional:
		return orbDirectional(window, params)
	case TypeVWAPRSI:
		return vwapRSI(window, prev, params)
	case TypeBBSqueeze:
		return bbSqueeze(window, prev, params)
	case TypeRSIReversal:
		return rsiReversal(window, prev, params)
	case TypeConfluence:
		return confluence(window, prev, params)
	}
	return nil
}

func emaCross(window, prev []bars.Bar, params Params) *Signal {
	fastCur, ok1 := indicators.EMA(window, params.FastEMAPeriod)
	slowCur, ok2 := indicators.EMA(window, params.SlowEMAPeriod)
	if !ok1 || !ok2 || len(prev) < params.SlowEMAPeriod {
		return nil
	}
	fastPrev, _ := indicators.EMA(prev, params.FastEMAPeriod)
	slowPrev, _ := indicators.EMA(prev, params.SlowEMAPeriod)

	curDiff, prevDiff := fastCur-slowCur, fastPrev-slowPrev
	price := window[len(window)-1].Close
	switch {
	case prevDiff <= 0 && curDiff > 0:
		return &Signal{Direction: store.DirectionCall, Price: price}
	case prevDiff >= 0 && curDiff < 0:
		return &Signal{Direction: store.DirectionPut, Price: price}
	}
	return nil
}

func vwapCross(window, prev []bars.Bar) *Signal {
	if len(prev) == 0 {
		return nil
	}
	vwapCur, ok1 := indicators.VWAP(window)
	vwapPrev, ok2 := indicators.VWAP(prev)
	if !ok1 || !ok2 {
		return nil
	}
	cur, lastPrev := window[len(window)-1], prev[len(prev)-1]
	switch {
	case lastPrev.Close <= vwapPrev && cur.Close > vwapCur:
		return &Signal{Direction: store.DirectionCall, Price: cur.Close}
	case lastPrev.Close >= vwapPrev && cur.Close < vwapCur:
		return &Signal{Direction: store.DirectionPut, Price: cur.Close}
	}
	return nil
}

func kBarsForORB(window []bars.Bar, minutes int) int {
	if len(window) == 0 {
		return minutes
	}
	span := window[0]
	barMinutes := 1
	switch span.Timeframe {
	case "5m":
		barMinutes = 5
	case "15m":
		barMinutes = 15
	}
	n := minutes / barMinutes
	if n < 1 {
		n = 1
	}
	return n
}

func orb(window []bars.Bar, params Params) *Signal {
	if len(window) < 2 {
		return nil
	}
	k := kBarsForORB(window, params.ORBMinutes)
	if len(window) <= k {
		return nil
	}
	high, low, ok := indicators.OpeningRange(window, k)
	if !ok {
		return nil
	}
	cur, prev := window[len(window)-1], window[len(window)-2]
	switch {
	case prev.Close <= high && cur.Close > high:
		return &Signal{Direction: store.DirectionCall, Price: cur.Close}
	case prev.Close >= low && cur.Close < low:
		return &Signal{Direction: store.DirectionPut, Price: cur.Close}
	}
	return nil
}

func orbDirectional(window []bars.Bar, params Params) *Signal {
	base := orb(window, params)
	if base == nil {
		return nil
	}
	cur := window[len(window)-1]

	bodyPct, ok := indicators.CandleBodyPercent(cur)
	if !ok || bodyPct < params.BodyThresholdPercent {
		return nil
	}

	vwap, ok := indicators.VWAP(window)
	if !ok {
		return nil
	}
	aligned := (base.Direction == store.DirectionCall && cur.Close > vwap) || (base.Direction == store.DirectionPut && cur.Close < vwap)
	if !aligned {
		return nil
	}

	if len(window) >= 2 {
		prevClose := window[len(window)-2].Close
		if prevClose != 0 {
			gapPct := math.Abs(cur.Open-prevClose) / prevClose * 100
			if gapPct > params.GapFadeMaxPercent {
				return nil
			}
		}
	}
	return base
}

func vwapRSI(window, prev []bars.Bar, params Params) *Signal {
	vwap, okV := indicators.VWAP(window)
	rsiCur, ok1 := indicators.RSI(window, params.RSIPeriod)
	rsiPrev, ok2 := indicators.RSI(prev, params.RSIPeriod)
	if !okV || !ok1 || !ok2 {
		return nil
	}
	cur := window[len(window)-1]
	switch {
	case cur.Close > vwap && rsiPrev <= params.Oversold && rsiCur > params.Oversold:
		return &Signal{Direction: store.DirectionCall, Price: cur.Close}
	case cur.Close < vwap && rsiPrev >= params.Overbought && rsiCur < params.Overbought:
		return &Signal{Direction: store.DirectionPut, Price: cur.Close}
	}
	return nil
}

func bbSqueeze(window, prev []bars.Bar, params Params) *Signal {
	mid, upper, lower, ok := indicators.BollingerBands(window, params.BBPeriod, params.BBStdDev)
	if !ok || len(prev) < params.BBPeriod {
		return nil
	}
	_, prevUpper, prevLower, _ := indicators.BollingerBands(prev, params.BBPeriod, params.BBStdDev)

	if mid == 0 {
		return nil
	}
	bandwidth := (upper - mid) / mid * 100
	if bandwidth > params.SqueezeBandwidthPct {
		return nil // not compressed
	}

	cur, lastPrev := window[len(window)-1], prev[len(prev)-1]
	switch {
	case lastPrev.Close <= prevUpper && cur.Close > upper:
		return &Signal{Direction: store.DirectionCall, Price: cur.Close}
	case lastPrev.Close >= prevLower && cur.Close < lower:
		return &Signal{Direction: store.DirectionPut, Price: cur.Close}
	}
	return nil
}

func rsiReversal(window, prev []bars.Bar, params Params) *Signal {
	rsiCur, ok1 := indicators.RSI(window, params.RSIPeriod)
	rsiPrev, ok2 := indicators.RSI(prev, params.RSIPeriod)
	if !ok1 || !ok2 {
		return nil
	}
	cur := window[len(window)-1]
	switch {
	case rsiPrev <= params.Oversold && rsiCur > params.Oversold:
		return &Signal{Direction: store.DirectionCall, Price: cur.Close}
	case rsiPrev >= params.Overbought && rsiCur < params.Overbought:
		return &Signal{Direction: store.DirectionPut, Price: cur.Close}
	}
	return nil
}

// confluence scores six factors and fires toward whichever side has a
// strict majority; an exact tie yields no signal.
func confluence(window, prev []bars.Bar, params Params) *Signal {
	cur := window[len(window)-1]

	fast, ok1 := indicators.EMA(window, params.FastEMAPeriod)
	slow, ok2 := indicators.EMA(window, params.SlowEMAPeriod)
	vwap, ok3 := indicators.VWAP(window)
	rsi, ok4 := indicators.RSI(window, params.RSIPeriod)
	macdLine, macdSignal, ok5 := indicators.MACD(window, params.FastEMAPeriod, params.SlowEMAPeriod, 9)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil
	}

	bullish := 0
	if fast > slow {
		bullish++
	}
	if cur.Close > vwap {
		bullish++
	}
	if rsi > 50 {
		bullish++
	}
	if macdLine > macdSignal {
		bullish++
	}
	if cur.Close > cur.Open {
		bullish++
	}
	bearish := 5 - bullish

	relVol, okVol := indicators.RelativeVolume(cur, prev, params.RelVolumeLookback)
	relVolQualifies := okVol && relVol >= params.RelVolumeThreshold
	if relVolQualifies {
		if bullish > bearish {
			bullish++
		} else if bearish > bullish {
			bearish++
		}
	}

	if bullish == bearish {
		return nil
	}

	direction := store.DirectionPut
	score := float64(bearish)
	if bullish > bearish {
		direction = store.DirectionCall
		score = float64(bullish)
	}
	if score < params.MinConfluenceScore {
		return nil
	}

	return &Signal{
		Direction: direction, Price: cur.Close,
		ConfluenceScore: score, ConfluenceMax: 6, HasConfluenceScore: true,
		RelativeVolume: relVol,
	}
}
