// Package sim is the in-memory broker simulator used in paper and
// dry-run trading mode: random-walk prices, synthesized option chains,
// delayed limit fills.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aashi6126/optiontrader/internal/broker"
)

type orderKind string

const (
	kindLimitEntry orderKind = "LIMIT_ENTRY"
	kindStop       orderKind = "STOP"
	kindMarketExit orderKind = "MARKET_EXIT"
)

type simOrder struct {
	id           string
	optionSymbol string
	quantity     int
	kind         orderKind
	price        float64 // limit price or stop price, depending on kind
	status       broker.OrderStatusValue
	filledPrice  float64
	filledAt     time.Time
	fillAfter    time.Time
	createdAt    time.Time
}

type underlyingState struct {
	price      float64
	volatility float64
	volume     int64
}

// Sim implements broker.Client entirely in memory.
type Sim struct {
	mu sync.Mutex

	random *rand.Rand

	underlying   map[string]*underlyingState
	optionPrices map[string]float64
	orders       map[string]*simOrder
	nextOrderSeq int64

	// EntryFillDelay simulates realistic order-book latency; if zero, each
	// order gets a random delay of 0.2-2s.
	EntryFillDelay time.Duration
}

// New constructs a Sim with a small seeded set of underlyings.
func New() *Sim {
	return &Sim{
		random: rand.New(rand.NewSource(time.Now().UnixNano())),
		underlying: map[string]*underlyingState{
			"SPY":  {price: 560.00, volatility: 0.012, volume: 70000000},
			"QQQ":  {price: 480.00, volatility: 0.016, volume: 40000000},
			"AAPL": {price: 206.80, volatility: 0.025, volume: 15000000},
			"NVDA": {price: 450.00, volatility: 0.035, volume: 10000000},
			"TSLA": {price: 250.00, volatility: 0.045, volume: 25000000},
		},
		optionPrices: map[string]float64{},
		orders:       map[string]*simOrder{},
	}
}

func (s *Sim) underlyingFor(ticker string) *underlyingState {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	st, ok := s.underlying[ticker]
	if !ok {
		st = &underlyingState{price: 100.00, volatility: 0.02, volume: 1000000}
		s.underlying[ticker] = st
	}
	return st
}

// generatePriceMovement draws one scaled random-walk step.
func (s *Sim) generatePriceMovement(volatility float64) float64 {
	dailyMove := s.random.NormFloat64() * volatility
	return dailyMove * 0.1 // scale a daily move down to a per-poll tick
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

func tickSizeFor(price float64) float64 {
	if price < 3 {
		return 0.01
	}
	return 0.05
}

func (s *Sim) EquityQuote(ctx context.Context, ticker string) (broker.EquityQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.underlyingFor(ticker)
	st.price *= 1 + s.generatePriceMovement(st.volatility)
	spread := st.price * 0.0003
	return broker.EquityQuote{
		Symbol:    strings.ToUpper(ticker),
		Bid:       roundToTick(st.price-spread/2, 0.01),
		Ask:       roundToTick(st.price+spread/2, 0.01),
		Last:      roundToTick(st.price, 0.01),
		Volume:    st.volume,
		Timestamp: time.Now().UTC(),
	}, nil
}

// OptionChain synthesizes a chain centered on the current underlying
// price: deeper in-the-money strikes carry higher delta, wider strikes
// carry lower delta and wider simulated spreads.
func (s *Sim) OptionChain(ctx context.Context, ticker, expiry string) ([]broker.OptionContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.underlyingFor(ticker)
	strikeStep := 1.0
	if st.price > 300 {
		strikeStep = 5.0
	}
	atm := math.Round(st.price/strikeStep) * strikeStep

	var chain []broker.OptionContract
	for i := -15; i <= 15; i++ {
		strike := atm + float64(i)*strikeStep
		if strike <= 0 {
			continue
		}
		moneyness := (st.price - strike) / st.price
		delta := clamp(0.5+moneyness*3.0, 0.02, 0.98)
		intrinsic := math.Max(st.price-strike, 0)
		timeValue := math.Max(2.0-math.Abs(moneyness)*8, 0.05)
		mid := intrinsic + timeValue
		spreadPct := 0.03 + math.Abs(float64(i))*0.01
		spread := mid * spreadPct
		symbol := fmt.Sprintf("%s%s%08d", strings.ToUpper(ticker), strings.ReplaceAll(expiry, "-", ""), int(strike*1000))
		s.optionPrices[symbol] = mid
		chain = append(chain, broker.OptionContract{
			Symbol: symbol,
			Strike: strike,
			Expiry: expiry,
			Delta:  delta,
			Bid:    roundToTick(math.Max(mid-spread/2, 0.01), tickSizeFor(mid)),
			Ask:    roundToTick(mid+spread/2, tickSizeFor(mid)),
			Volume: int64(500 - int64(math.Abs(float64(i)))*30),
		})
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Strike < chain[j].Strike })
	return chain, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Sim) nextOrderID() string {
	s.nextOrderSeq++
	return fmt.Sprintf("sim-order-%d", s.nextOrderSeq)
}

func (s *Sim) walkOptionPrice(optionSymbol string) float64 {
	price, ok := s.optionPrices[optionSymbol]
	if !ok {
		price = 1.00
	}
	price *= 1 + s.generatePriceMovement(0.08)
	if price < 0.01 {
		price = 0.01
	}
	s.optionPrices[optionSymbol] = price
	return price
}

func (s *Sim) PlaceLimitEntry(ctx context.Context, optionSymbol string, quantity int, limitPrice float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := s.EntryFillDelay
	if delay == 0 {
		delay = time.Duration(200+s.random.Intn(1800)) * time.Millisecond
	}
	o := &simOrder{
		id: s.nextOrderID(), optionSymbol: optionSymbol, quantity: quantity,
		kind: kindLimitEntry, price: limitPrice, status: broker.OrderWorking,
		createdAt: time.Now().UTC(), fillAfter: time.Now().Add(delay),
	}
	s.orders[o.id] = o
	s.optionPrices[optionSymbol] = limitPrice
	return o.id, nil
}

func (s *Sim) PlaceStopExit(ctx context.Context, optionSymbol string, quantity int, stopPrice float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := &simOrder{
		id: s.nextOrderID(), optionSymbol: optionSymbol, quantity: quantity,
		kind: kindStop, price: stopPrice, status: broker.OrderWorking,
		createdAt: time.Now().UTC(),
	}
	s.orders[o.id] = o
	return o.id, nil
}

func (s *Sim) PlaceMarketExit(ctx context.Context, optionSymbol string, quantity int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fillPrice := s.walkOptionPrice(optionSymbol)
	o := &simOrder{
		id: s.nextOrderID(), optionSymbol: optionSymbol, quantity: quantity,
		kind: kindMarketExit, status: broker.OrderFilled,
		filledPrice: fillPrice, filledAt: time.Now().UTC(), createdAt: time.Now().UTC(),
	}
	s.orders[o.id] = o
	return o.id, nil
}

func (s *Sim) Cancel(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return &broker.PermanentBrokerError{Op: "cancel", Cause: fmt.Errorf("unknown order %s", orderID)}
	}
	if o.status != broker.OrderWorking {
		return &broker.PermanentBrokerError{Op: "cancel", Cause: fmt.Errorf("order %s not working (status %s)", orderID, o.status)}
	}
	o.status = broker.OrderCancelled
	return nil
}

// OrderStatus lazily advances the order: a limit entry fills once its
// fillAfter deadline passes. Stop orders stay WORKING indefinitely; the
// simulator never resolves a stop itself, the exit engine is the sole
// evaluator of the stop-loss condition.
func (s *Sim) OrderStatus(ctx context.Context, orderID string) (broker.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return broker.Order{}, &broker.PermanentBrokerError{Op: "order_status", Cause: fmt.Errorf("unknown order %s", orderID)}
	}

	if o.status == broker.OrderWorking && o.kind == kindLimitEntry {
		if time.Now().After(o.fillAfter) {
			o.status = broker.OrderFilled
			o.filledPrice = o.price
			o.filledAt = time.Now().UTC()
		}
	}

	return broker.Order{
		ID: o.id, OptionSymbol: o.optionSymbol, Quantity: o.quantity, Status: o.status,
		FilledPrice: o.filledPrice, FilledAt: o.filledAt, UpdatedAt: time.Now().UTC(),
	}, nil
}
