// Package live is the REST-backed broker.Client used in live trading
// mode: rate-limited, retrying, with typed transient/permanent error
// classification.
package live

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/aashi6126/optiontrader/internal/broker"
	"github.com/aashi6126/optiontrader/internal/observ"
)

// Config configures the live broker client.
type Config struct {
	BaseURL         string
	TimeoutSeconds  int
	TokenFile       string
	RateLimitPerSec float64
	MaxRetries      int
	BackoffBaseMs   int
}

func (c *Config) applyDefaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 5
	}
	if c.RateLimitPerSec <= 0 {
		c.RateLimitPerSec = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBaseMs <= 0 {
		c.BackoffBaseMs = 500
	}
}

// Client is the REST-backed broker.Client for live order routing.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	token       string
}

// New loads the bearer token from cfg.TokenFile (if set) and returns a
// ready Client.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()

	token := ""
	if cfg.TokenFile != "" {
		b, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("live broker: read token file: %w", err)
		}
		token = strings.TrimSpace(string(b))
	}

	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1),
		token:       token,
	}, nil
}

type apiOrderResponse struct {
	OrderID     string  `json:"order_id"`
	Status      string  `json:"status"`
	FilledPrice float64 `json:"filled_price"`
	FilledAt    string  `json:"filled_at"`
}

type apiChainResponse struct {
	Contracts []struct {
		Symbol string  `json:"symbol"`
		Strike float64 `json:"strike"`
		Expiry string  `json:"expiry"`
		Delta  float64 `json:"delta"`
		Bid    float64 `json:"bid"`
		Ask    float64 `json:"ask"`
		Volume int64   `json:"volume"`
	} `json:"contracts"`
}

type apiQuoteResponse struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Volume    int64   `json:"volume"`
	Timestamp string  `json:"timestamp"`
}

// doJSON performs one HTTP round trip with rate limiting and retry with
// exponential backoff on transient failures (network error, 429, 5xx).
// A 4xx other than 429 is classified permanent and returned without retry.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var encoded []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &broker.PermanentBrokerError{Op: path, Cause: err}
		}
		encoded = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(c.cfg.BackoffBaseMs*(1<<uint(attempt-1))) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return &broker.TransientBrokerError{Op: path, Cause: ctx.Err()}
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return &broker.TransientBrokerError{Op: path, Cause: err}
		}

		var payload io.Reader
		if encoded != nil {
			payload = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, payload)
		if err != nil {
			return &broker.PermanentBrokerError{Op: path, Cause: err}
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			observ.Log("broker_request_retry", map[string]any{"path": path, "attempt": attempt, "error": err.Error()})
			continue
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
			observ.Log("broker_request_retry", map[string]any{"path": path, "attempt": attempt, "status": resp.StatusCode})
			continue
		case resp.StatusCode >= 400:
			return &broker.PermanentBrokerError{Op: path, Cause: fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))}
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return &broker.PermanentBrokerError{Op: path, Cause: fmt.Errorf("decode response: %w", err)}
			}
		}
		return nil
	}
	return &broker.TransientBrokerError{Op: path, Cause: lastErr}
}

func (c *Client) PlaceLimitEntry(ctx context.Context, optionSymbol string, quantity int, limitPrice float64) (string, error) {
	var out apiOrderResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/orders", map[string]any{
		"symbol": optionSymbol, "side": "BUY", "type": "LIMIT", "quantity": quantity, "limit_price": limitPrice,
	}, &out)
	return out.OrderID, err
}

func (c *Client) PlaceStopExit(ctx context.Context, optionSymbol string, quantity int, stopPrice float64) (string, error) {
	var out apiOrderResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/orders", map[string]any{
		"symbol": optionSymbol, "side": "SELL", "type": "STOP", "quantity": quantity, "stop_price": stopPrice,
	}, &out)
	return out.OrderID, err
}

func (c *Client) PlaceMarketExit(ctx context.Context, optionSymbol string, quantity int) (string, error) {
	var out apiOrderResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/orders", map[string]any{
		"symbol": optionSymbol, "side": "SELL", "type": "MARKET", "quantity": quantity,
	}, &out)
	return out.OrderID, err
}

func (c *Client) Cancel(ctx context.Context, orderID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/orders/"+orderID, nil, nil)
}

func (c *Client) OrderStatus(ctx context.Context, orderID string) (broker.Order, error) {
	var out apiOrderResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/orders/"+orderID, nil, &out); err != nil {
		return broker.Order{}, err
	}
	filledAt, _ := time.Parse(time.RFC3339, out.FilledAt)
	return broker.Order{
		ID:          out.OrderID,
		Status:      broker.OrderStatusValue(out.Status),
		FilledPrice: out.FilledPrice,
		FilledAt:    filledAt,
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

func (c *Client) OptionChain(ctx context.Context, ticker, expiry string) ([]broker.OptionContract, error) {
	var out apiChainResponse
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/chains/%s?expiry=%s", ticker, expiry), nil, &out); err != nil {
		return nil, err
	}
	chain := make([]broker.OptionContract, 0, len(out.Contracts))
	for _, c := range out.Contracts {
		chain = append(chain, broker.OptionContract{
			Symbol: c.Symbol, Strike: c.Strike, Expiry: c.Expiry, Delta: c.Delta,
			Bid: c.Bid, Ask: c.Ask, Volume: c.Volume,
		})
	}
	return chain, nil
}

func (c *Client) EquityQuote(ctx context.Context, ticker string) (broker.EquityQuote, error) {
	var out apiQuoteResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/quotes/"+ticker, nil, &out); err != nil {
		return broker.EquityQuote{}, err
	}
	ts, _ := time.Parse(time.RFC3339, out.Timestamp)
	return broker.EquityQuote{
		Symbol: out.Symbol, Bid: out.Bid, Ask: out.Ask, Last: out.Last, Volume: out.Volume, Timestamp: ts,
	}, nil
}
