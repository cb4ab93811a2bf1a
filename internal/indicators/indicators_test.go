package indicators

import (
	"math"
	"testing"

	"github.com/aashi6126/optiontrader/internal/bars"
)

func closeBars(closes ...float64) []bars.Bar {
	out := make([]bars.Bar, len(closes))
	for i, c := range closes {
		out[i] = bars.Bar{Open: c, High: c, Low: c, Close: c, Volume: 100}
	}
	return out
}

func TestEMA_NotReadyBelowPeriod(t *testing.T) {
	if _, ready := EMA(closeBars(1, 2, 3), 5); ready {
		t.Fatalf("want not-ready with fewer bars than the period")
	}
}

func TestEMA_SeedsFromSimpleAverage(t *testing.T) {
	// Exactly `period` bars: EMA degenerates to the simple average of
	// the seed window since no smoothing iterations run afterward.
	got, ready := EMA(closeBars(10, 20, 30), 3)
	if !ready {
		t.Fatalf("want ready with exactly `period` bars")
	}
	if got != 20 {
		t.Fatalf("want seed SMA of 20, got %v", got)
	}
}

func TestRSI_AllGainsIsHundred(t *testing.T) {
	got, ready := RSI(closeBars(1, 2, 3, 4, 5), 4)
	if !ready {
		t.Fatalf("want ready")
	}
	if got != 100 {
		t.Fatalf("want RSI 100 for an unbroken string of gains, got %v", got)
	}
}

func TestRSI_AllLossesIsZero(t *testing.T) {
	got, ready := RSI(closeBars(5, 4, 3, 2, 1), 4)
	if !ready {
		t.Fatalf("want ready")
	}
	if got != 0 {
		t.Fatalf("want RSI 0 for an unbroken string of losses, got %v", got)
	}
}

func TestATR_NotReadyWithoutPeriodPlusOneBars(t *testing.T) {
	if _, ready := ATR(closeBars(1, 2), 3); ready {
		t.Fatalf("want not-ready without period+1 bars")
	}
}

func TestATR_ConstantRangeMatchesHighMinusLow(t *testing.T) {
	b := make([]bars.Bar, 5)
	for i := range b {
		b[i] = bars.Bar{High: 10, Low: 8, Close: 9}
	}
	got, ready := ATR(b, 3)
	if !ready {
		t.Fatalf("want ready")
	}
	if got != 2 {
		t.Fatalf("want ATR 2 (constant high-low range), got %v", got)
	}
}

func TestVWAP_WeightsByVolume(t *testing.T) {
	b := []bars.Bar{
		{High: 10, Low: 10, Close: 10, Volume: 100},
		{High: 20, Low: 20, Close: 20, Volume: 300},
	}
	got, ready := VWAP(b)
	if !ready {
		t.Fatalf("want ready")
	}
	want := (10.0*100 + 20.0*300) / 400
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("want VWAP %.4f, got %.4f", want, got)
	}
}

func TestVWAP_EmptyIsNotReady(t *testing.T) {
	if _, ready := VWAP(nil); ready {
		t.Fatalf("want not-ready for an empty bar slice")
	}
}

func TestBollingerBands_FlatSeriesHasZeroWidth(t *testing.T) {
	mid, upper, lower, ready := BollingerBands(closeBars(5, 5, 5, 5, 5), 5, 2)
	if !ready {
		t.Fatalf("want ready")
	}
	if mid != 5 || upper != 5 || lower != 5 {
		t.Fatalf("want a flat series to collapse upper/mid/lower to 5, got mid=%v upper=%v lower=%v", mid, upper, lower)
	}
}

func TestOpeningRange_TracksHighLowOverFirstNBars(t *testing.T) {
	b := []bars.Bar{
		{High: 101, Low: 99},
		{High: 103, Low: 98},
		{High: 100, Low: 97},
	}
	high, low, ready := OpeningRange(b, 3)
	if !ready {
		t.Fatalf("want ready")
	}
	if high != 103 || low != 97 {
		t.Fatalf("want high=103 low=97, got high=%v low=%v", high, low)
	}
}

func TestRelativeVolume_AboveAverage(t *testing.T) {
	history := closeBars(1, 1, 1, 1) // volume 100 each, per closeBars
	current := bars.Bar{Volume: 400}
	rv, ready := RelativeVolume(current, history, 4)
	if !ready {
		t.Fatalf("want ready")
	}
	if rv != 4 {
		t.Fatalf("want relative volume 4x the 100-share average, got %v", rv)
	}
}

func TestCandleBodyPercent_FullRangeBodyIsHundred(t *testing.T) {
	b := bars.Bar{Open: 10, Close: 20, High: 20, Low: 10}
	pct, ready := CandleBodyPercent(b)
	if !ready {
		t.Fatalf("want ready")
	}
	if pct != 100 {
		t.Fatalf("want a full-range candle body to be 100%%, got %v", pct)
	}
}
