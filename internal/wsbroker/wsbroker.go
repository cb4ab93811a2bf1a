// Package wsbroker is the dashboard websocket server: a read-only
// stream of event-bus messages, reshaped into the {trade_id, direction,
// symbol, strike, status, pnl_dollars?} payload a UI needs to
// reconstruct trade state without a round trip. A hub goroutine owns
// the client set (register/unregister channels plus broadcast fan-out).
package wsbroker

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aashi6126/optiontrader/internal/eventbus"
	"github.com/aashi6126/optiontrader/internal/observ"
	"github.com/aashi6126/optiontrader/internal/store"
)

// Frame is the wire shape written to every connected dashboard client.
type Frame struct {
	EventName    string    `json:"event"`
	TradeID      string    `json:"trade_id,omitempty"`
	Direction    string    `json:"direction,omitempty"`
	Symbol       string    `json:"symbol,omitempty"`
	Strike       float64   `json:"strike,omitempty"`
	Status       string    `json:"status,omitempty"`
	PnLDollars   *float64  `json:"pnl_dollars,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub subscribes once to the event bus and fans frames out to every
// connected websocket client; a slow client is dropped rather than
// allowed to back-pressure the bus, mirroring the bus's own
// drop-oldest policy at the transport boundary.
type Hub struct {
	bus *eventbus.Bus
	st  store.Store

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Frame
}

// New constructs a Hub reading from bus; st is used to enrich a bare
// trade_id payload with the fields a dashboard needs to render a row.
func New(bus *eventbus.Bus, st store.Store) *Hub {
	return &Hub{bus: bus, st: st, clients: map[*websocket.Conn]chan Frame{}}
}

// Run subscribes to the event bus and broadcasts until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	id, ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(id)

	for {
		select {
		case <-stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(h.toFrame(msg))
		}
	}
}

func (h *Hub) toFrame(msg eventbus.Message) Frame {
	f := Frame{EventName: msg.EventName, Timestamp: time.Now().UTC()}
	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		return f
	}
	if v, ok := payload["trade_id"].(string); ok {
		f.TradeID = v
	}
	if v, ok := payload["pnl_dollars"].(float64); ok {
		f.PnLDollars = &v
	}
	if f.TradeID != "" && h.st != nil {
		if t, err := h.st.GetTrade(f.TradeID); err == nil {
			f.Direction = string(t.Direction)
			f.Symbol = t.OptionSymbol
			f.Strike = t.Strike
			f.Status = string(t.Status)
			if f.PnLDollars == nil && t.Status == store.TradeClosed {
				pnl := t.PnLDollars
				f.PnLDollars = &pnl
			}
		}
	}
	return f
}

func (h *Hub) broadcast(f Frame) {
	h.mu.Lock()
	chans := make([]chan Frame, 0, len(h.clients))
	for _, ch := range h.clients {
		chans = append(chans, ch)
	}
	h.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- f:
		default:
			// Slow client: drop this frame rather than block the hub.
		}
	}
}

// ServeHTTP upgrades the request to a websocket and streams Frames to it
// until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observ.Log("wsbroker_upgrade_failed", map[string]any{"error": err.Error()})
		return
	}
	defer conn.Close()

	ch := make(chan Frame, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		close(ch)
	}()

	// Drain client-initiated reads (pings/close) on a separate goroutine
	// so the connection's read deadline is observed without blocking
	// writes; a websocket server must read to detect a closed peer.
	readErr := make(chan struct{})
	go func() {
		defer close(readErr)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readErr:
			return
		case f, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}
