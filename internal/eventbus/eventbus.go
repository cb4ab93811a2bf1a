// Package eventbus is the in-process pub/sub bus: bounded
// per-subscriber buffers and a non-blocking publish that drops the
// oldest buffered message on overflow.
package eventbus

import "sync"

// Known event names.
const (
	EventTradeCreated   = "trade_created"
	EventTradeFilled    = "trade_filled"
	EventTradeClosed    = "trade_closed"
	EventTradeCancelled = "trade_cancelled"
	EventAlertReceived  = "alert_received"
)

// Message is one published event.
type Message struct {
	EventName string
	Payload   any
}

type subscriber struct {
	ch       chan Message
	dropped  int64
}

// Bus is the in-process event bus. The zero value is not usable; use New.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	bufferSize  int
}

// New constructs a Bus; subscriber buffers default to 256 messages when
// bufferSize <= 0.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{subscribers: map[int]*subscriber{}, bufferSize: bufferSize}
}

// Subscribe registers a new subscriber and returns its id and receive
// channel. Call Unsubscribe(id) to stop receiving and release the buffer.
func (b *Bus) Subscribe() (id int, ch <-chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id = b.nextID
	sub := &subscriber{ch: make(chan Message, b.bufferSize)}
	b.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish delivers msg to every current subscriber without blocking. If
// a subscriber's buffer is full, its oldest buffered message is dropped
// to make room and a per-subscriber drop counter is incremented.
func (b *Bus) Publish(eventName string, payload any) {
	msg := Message{EventName: eventName, Payload: payload}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			// Buffer full: drop the oldest message to make room, then
			// deliver this one. Best-effort; a racing receiver may beat
			// us to the drain, in which case the second send below wins.
			select {
			case <-s.ch:
				b.mu.Lock()
				s.dropped++
				b.mu.Unlock()
			default:
			}
			select {
			case s.ch <- msg:
			default:
			}
		}
	}
}

// Dropped returns the number of messages dropped for a subscriber due to
// a full buffer, for observability.
func (b *Bus) Dropped(id int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		return sub.dropped
	}
	return 0
}
