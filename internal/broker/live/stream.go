package live

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aashi6126/optiontrader/internal/observ"
)

// QuoteTick is one streamed quote update, pushed to the quote cache.
type QuoteTick struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume    int64
	Timestamp time.Time
}

// StreamClient is the streaming quote leg of the live broker:
// readPump/writePump over one websocket connection, a ping watchdog,
// and auto-reconnect with backoff.
type StreamClient struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	Ticks chan QuoteTick
	Errs  chan error

	subscribe   chan []string
	unsubscribe chan []string
}

// NewStreamClient builds a StreamClient pointed at the broker's streaming
// endpoint.
func NewStreamClient(url string) *StreamClient {
	return &StreamClient{
		url:          url,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 20 * time.Second,
		Ticks:        make(chan QuoteTick, 1024),
		Errs:         make(chan error, 10),
		subscribe:    make(chan []string, 16),
		unsubscribe:  make(chan []string, 16),
	}
}

// Run dials and pumps until ctx is cancelled, reconnecting with backoff on
// any pump failure or watchdog timeout.
func (c *StreamClient) Run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.runOnce(ctx); err != nil {
			observ.Log("stream_reconnect", map[string]any{"url": c.url, "error": err.Error(), "backoff_ms": backoff.Milliseconds()})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (c *StreamClient) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go c.writePump(runCtx, conn, errCh)
	go c.readPump(runCtx, conn, errCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (c *StreamClient) writePump(ctx context.Context, conn *websocket.Conn, errCh chan error) {
	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case symbols := <-c.subscribe:
			conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
			msg, _ := json.Marshal(map[string]any{"action": "subscribe", "symbols": symbols})
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				errCh <- err
				return
			}
		case symbols := <-c.unsubscribe:
			conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
			msg, _ := json.Marshal(map[string]any{"action": "unsubscribe", "symbols": symbols})
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				errCh <- err
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				errCh <- err
				return
			}
		}
	}
}

func (c *StreamClient) readPump(ctx context.Context, conn *websocket.Conn, errCh chan error) {
	conn.SetReadLimit(1024 * 1024)
	conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		return nil
	})

	lastMsg := time.Now()
	watchdog := time.NewTicker(5 * time.Second)
	defer watchdog.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-watchdog.C:
				if time.Since(lastMsg) > 15*time.Second {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		lastMsg = time.Now()

		var tick struct {
			Symbol    string  `json:"symbol"`
			Bid       float64 `json:"bid"`
			Ask       float64 `json:"ask"`
			Last      float64 `json:"last"`
			Volume    int64   `json:"volume"`
			Timestamp string  `json:"timestamp"`
		}
		if err := json.Unmarshal(message, &tick); err != nil {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, tick.Timestamp)
		select {
		case c.Ticks <- QuoteTick{Symbol: tick.Symbol, Bid: tick.Bid, Ask: tick.Ask, Last: tick.Last, Volume: tick.Volume, Timestamp: ts}:
		default:
			observ.Log("stream_tick_dropped", map[string]any{"symbol": tick.Symbol})
		}
	}
}

// Subscribe requests streaming updates for the given symbols.
func (c *StreamClient) Subscribe(symbols []string) {
	select {
	case c.subscribe <- symbols:
	default:
	}
}

// Unsubscribe stops streaming updates for the given symbols.
func (c *StreamClient) Unsubscribe(symbols []string) {
	select {
	case c.unsubscribe <- symbols:
	default:
	}
}
