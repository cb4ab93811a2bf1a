package selector

import (
	"context"
	"fmt"
	"testing"

	"github.com/aashi6126/optiontrader/internal/broker"
	"github.com/aashi6126/optiontrader/internal/store"
)

// fakeChainClient is a broker.Client test double that only OptionChain
// needs to return real data for; every other method is unused by Select.
type fakeChainClient struct {
	chain []broker.OptionContract
	err   error
}

func (f *fakeChainClient) PlaceLimitEntry(ctx context.Context, optionSymbol string, quantity int, limitPrice float64) (string, error) {
	return "", nil
}
func (f *fakeChainClient) PlaceStopExit(ctx context.Context, optionSymbol string, quantity int, stopPrice float64) (string, error) {
	return "", nil
}
func (f *fakeChainClient) PlaceMarketExit(ctx context.Context, optionSymbol string, quantity int) (string, error) {
	return "", nil
}
func (f *fakeChainClient) Cancel(ctx context.Context, orderID string) error { return nil }
func (f *fakeChainClient) OrderStatus(ctx context.Context, orderID string) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fakeChainClient) OptionChain(ctx context.Context, ticker, expiry string) ([]broker.OptionContract, error) {
	return f.chain, f.err
}
func (f *fakeChainClient) EquityQuote(ctx context.Context, ticker string) (broker.EquityQuote, error) {
	return broker.EquityQuote{}, nil
}

func contract(symbol string, strike, delta, bid, ask float64) broker.OptionContract {
	return broker.OptionContract{Symbol: symbol, Strike: strike, Expiry: "2026-03-20", Delta: delta, Bid: bid, Ask: ask, Volume: 100}
}

func TestSelector_SelectPicksClosestDeltaToTargetWithinSpreadFilter(t *testing.T) {
	client := &fakeChainClient{chain: []broker.OptionContract{
		contract("SPY_565C", 565, 0.25, 1.00, 1.10), // delta far from target
		contract("SPY_560C", 560, 0.40, 2.00, 2.05), // matches delta_target exactly, tight spread
		contract("SPY_555C", 555, 0.55, 3.00, 3.10), // delta far from target
	}}
	sel := New(client, Params{StrikeCount: 10, DeltaTarget: 0.4, MaxSpreadPercent: 10})

	got, err := sel.Select(context.Background(), "SPY", store.DirectionCall, 560)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.OptionSymbol != "SPY_560C" {
		t.Fatalf("selected = %s, want SPY_560C (delta closest to target)", got.OptionSymbol)
	}
}

func TestSelector_SelectFiltersOutWideSpreads(t *testing.T) {
	client := &fakeChainClient{chain: []broker.OptionContract{
		contract("SPY_WIDE", 560, 0.40, 1.00, 3.00),  // 100% spread, filtered
		contract("SPY_TIGHT", 561, 0.38, 2.00, 2.05), // ~2.5% spread, survives
	}}
	sel := New(client, Params{StrikeCount: 10, DeltaTarget: 0.4, MaxSpreadPercent: 10})

	got, err := sel.Select(context.Background(), "SPY", store.DirectionCall, 560)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.OptionSymbol != "SPY_TIGHT" {
		t.Fatalf("selected = %s, want SPY_TIGHT", got.OptionSymbol)
	}
}

func TestSelector_SelectAppliesDeltaSignForPuts(t *testing.T) {
	client := &fakeChainClient{chain: []broker.OptionContract{
		contract("SPY_PUT", 560, -0.40, 2.00, 2.05),
	}}
	sel := New(client, Params{StrikeCount: 10, DeltaTarget: 0.4, MaxSpreadPercent: 10})

	got, err := sel.Select(context.Background(), "SPY", store.DirectionPut, 560)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.OptionSymbol != "SPY_PUT" {
		t.Fatalf("selected = %s, want SPY_PUT", got.OptionSymbol)
	}
}

func TestSelector_SelectReturnsErrNoLiquidContractWhenAllFiltered(t *testing.T) {
	client := &fakeChainClient{chain: []broker.OptionContract{
		contract("SPY_WIDE", 560, 0.40, 1.00, 5.00),
	}}
	sel := New(client, Params{StrikeCount: 10, DeltaTarget: 0.4, MaxSpreadPercent: 10})

	_, err := sel.Select(context.Background(), "SPY", store.DirectionCall, 560)
	if err == nil {
		t.Fatal("expected ErrNoLiquidContract when every candidate fails the spread filter")
	}
	if _, ok := err.(*ErrNoLiquidContract); !ok {
		t.Fatalf("err = %T, want *ErrNoLiquidContract", err)
	}
}

func TestSelector_SelectReturnsErrNoLiquidContractOnEmptyChain(t *testing.T) {
	client := &fakeChainClient{chain: nil}
	sel := New(client, Params{StrikeCount: 10, DeltaTarget: 0.4, MaxSpreadPercent: 10})

	_, err := sel.Select(context.Background(), "SPY", store.DirectionCall, 560)
	if _, ok := err.(*ErrNoLiquidContract); !ok {
		t.Fatalf("err = %T, want *ErrNoLiquidContract", err)
	}
}

func TestSelector_NearestStrikesLimitsToStrikeCount(t *testing.T) {
	var chain []broker.OptionContract
	for i := -5; i <= 5; i++ {
		strike := 560 + float64(i)
		chain = append(chain, contract(fmt.Sprintf("SPY_%d", i), strike, 0.4, 2.00, 2.05))
	}
	nearby := nearestStrikes(chain, 560, 3)
	if len(nearby) != 3 {
		t.Fatalf("len(nearby) = %d, want 3", len(nearby))
	}
}
