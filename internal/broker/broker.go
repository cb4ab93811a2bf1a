// Package broker defines the single seam between the trading core and
// an options broker, implemented by broker/sim for paper/dry-run mode
// and broker/live for real order routing.
package broker

import (
	"context"
	"fmt"
	"time"
)

// OrderStatusValue is the broker-reported lifecycle of a single order,
// independent of the trade store's own TradeStatus.
type OrderStatusValue string

const (
	OrderWorking   OrderStatusValue = "WORKING"
	OrderFilled    OrderStatusValue = "FILLED"
	OrderCancelled OrderStatusValue = "CANCELLED"
	OrderRejected  OrderStatusValue = "REJECTED"
	OrderExpired   OrderStatusValue = "EXPIRED"
)

// Order is the broker's view of a single working or completed order.
type Order struct {
	ID           string
	OptionSymbol string
	Quantity     int
	Status       OrderStatusValue
	FilledPrice  float64
	FilledAt     time.Time
	UpdatedAt    time.Time
}

// OptionContract is one strike/expiry on an option chain.
type OptionContract struct {
	Symbol string
	Strike float64
	Expiry string
	Delta  float64
	Bid    float64
	Ask    float64
	Volume int64
}

// SpreadPercent is (ask-bid)/mid*100, the contract selector's liquidity
// term.
func (c OptionContract) SpreadPercent() float64 {
	mid := (c.Bid + c.Ask) / 2
	if mid <= 0 {
		return 0
	}
	return (c.Ask - c.Bid) / mid * 100
}

// EquityQuote is the underlying's current top-of-book, used by the
// contract selector to pick strikes and by signal evaluation for price.
type EquityQuote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume    int64
	Timestamp time.Time
}

// Client is the broker seam. Every method is a single broker round
// trip; callers must not hold a per-trade lock across a call to any of
// these.
type Client interface {
	// PlaceLimitEntry opens a long option position at a limit price.
	PlaceLimitEntry(ctx context.Context, optionSymbol string, quantity int, limitPrice float64) (orderID string, err error)
	// PlaceStopExit places a broker-side stop order that closes the
	// position if triggered without further application involvement.
	PlaceStopExit(ctx context.Context, optionSymbol string, quantity int, stopPrice float64) (orderID string, err error)
	// PlaceMarketExit closes the position immediately at market.
	PlaceMarketExit(ctx context.Context, optionSymbol string, quantity int) (orderID string, err error)
	Cancel(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (Order, error)
	OptionChain(ctx context.Context, ticker, expiry string) ([]OptionContract, error)
	EquityQuote(ctx context.Context, ticker string) (EquityQuote, error)
}

// TransientBrokerError signals a retryable failure: timeout, 5xx, rate
// limit. Callers should back off and retry the same operation rather
// than fail the trade.
type TransientBrokerError struct {
	Op    string
	Cause error
}

func (e *TransientBrokerError) Error() string {
	return fmt.Sprintf("transient broker error during %s: %v", e.Op, e.Cause)
}
func (e *TransientBrokerError) Unwrap() error { return e.Cause }

// PermanentBrokerError signals a failure retrying will not fix: rejected
// order, bad symbol, auth denied post-refresh.
type PermanentBrokerError struct {
	Op    string
	Cause error
}

func (e *PermanentBrokerError) Error() string {
	return fmt.Sprintf("permanent broker error during %s: %v", e.Op, e.Cause)
}
func (e *PermanentBrokerError) Unwrap() error { return e.Cause }
