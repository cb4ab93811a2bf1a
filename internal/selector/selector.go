// Package selector picks the single option contract to trade from
// today's chain, given an underlying ticker, direction, and current
// price.
package selector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aashi6126/optiontrader/internal/broker"
	"github.com/aashi6126/optiontrader/internal/store"
)

// ErrNoLiquidContract is returned when every chain entry fails the
// spread filter or the chain is empty.
type ErrNoLiquidContract struct {
	Ticker    string
	Direction store.Direction
}

func (e *ErrNoLiquidContract) Error() string {
	return fmt.Sprintf("no liquid %s contract for %s", e.Direction, e.Ticker)
}

// Params configures the selection procedure; see config.Selector.
type Params struct {
	StrikeCount      int
	DeltaTarget      float64
	MaxSpreadPercent float64
}

// Selector wraps a broker.Client's OptionChain call with the scoring and
// filtering procedure.
type Selector struct {
	client broker.Client
	params Params
}

// New constructs a Selector over client with the given params.
func New(client broker.Client, params Params) *Selector {
	return &Selector{client: client, params: params}
}

// candidate pairs a chain entry with its derived score.
type candidate struct {
	contract broker.OptionContract
	score    float64
}

// Select fetches today's chain, filters by spread, scores by delta
// distance, and returns a store.ContractSelection ready for
// Store.PromoteAlertToTrade.
func (s *Selector) Select(ctx context.Context, ticker string, direction store.Direction, underlyingPrice float64) (store.ContractSelection, error) {
	expiry := time.Now().UTC().Format("2006-01-02")

	chain, err := s.client.OptionChain(ctx, ticker, expiry)
	if err != nil {
		return store.ContractSelection{}, err
	}

	deltaSign := 1.0
	if direction == store.DirectionPut {
		deltaSign = -1.0
	}

	nearby := nearestStrikes(chain, underlyingPrice, s.params.StrikeCount)

	var candidates []candidate
	for _, c := range nearby {
		if c.Bid <= 0 || c.Ask <= 0 {
			continue
		}
		spreadPct := c.SpreadPercent()
		if spreadPct > s.params.MaxSpreadPercent {
			continue
		}
		delta := c.Delta * deltaSign
		score := math.Abs(delta-s.params.DeltaTarget) + spreadPct/100
		candidates = append(candidates, candidate{contract: c, score: score})
	}

	if len(candidates) == 0 {
		return store.ContractSelection{}, &ErrNoLiquidContract{Ticker: ticker, Direction: direction}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score < b.score
		}
		if a.contract.SpreadPercent() != b.contract.SpreadPercent() {
			return a.contract.SpreadPercent() < b.contract.SpreadPercent()
		}
		return math.Abs(a.contract.Strike-underlyingPrice) < math.Abs(b.contract.Strike-underlyingPrice)
	})

	best := candidates[0].contract
	return store.ContractSelection{
		OptionSymbol:  best.Symbol,
		Strike:        best.Strike,
		Expiry:        best.Expiry,
		Delta:         best.Delta,
		Bid:           best.Bid,
		Ask:           best.Ask,
		SpreadPercent: best.SpreadPercent(),
	}, nil
}

// nearestStrikes returns up to n chain entries closest to underlyingPrice,
// implementing step 1's "strike_count around at-the-money" window.
func nearestStrikes(chain []broker.OptionContract, underlyingPrice float64, n int) []broker.OptionContract {
	if n <= 0 || n >= len(chain) {
		return chain
	}
	sorted := make([]broker.OptionContract, len(chain))
	copy(sorted, chain)
	sort.Slice(sorted, func(i, j int) bool {
		return math.Abs(sorted[i].Strike-underlyingPrice) < math.Abs(sorted[j].Strike-underlyingPrice)
	})
	return sorted[:n]
}
