package server

import (
	"encoding/json"
	"sync"
	"time"
)

const subscriberBuffer = 16

// Message is one encoded server-sent event.
type Message struct {
	Type string
	Data []byte
}

type envelope struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// EventBus fans events out to SSE subscribers. Slow subscribers miss events
// rather than block publishers.
type EventBus struct {
	mu      sync.RWMutex
	clients map[chan Message]struct{}
	now     func() time.Time
}

func NewEventBus() *EventBus {
	return &EventBus{
		clients: make(map[chan Message]struct{}),
		now:     time.Now,
	}
}

func (e *EventBus) Subscribe() chan Message {
	ch := make(chan Message, subscriberBuffer)
	e.mu.Lock()
	e.clients[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

func (e *EventBus) Unsubscribe(ch chan Message) {
	e.mu.Lock()
	if _, ok := e.clients[ch]; ok {
		delete(e.clients, ch)
		close(ch)
	}
	e.mu.Unlock()
}

// Len returns the number of subscribers.
func (e *EventBus) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients)
}

func (e *EventBus) Publish(event string, payload any) {
	raw, err := json.Marshal(envelope{Event: event, Payload: payload, At: e.now().UTC()})
	if err != nil {
		return
	}
	msg := Message{Type: event, Data: raw}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for ch := range e.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}
