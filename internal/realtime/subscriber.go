// Package realtime consumes server-push "remote changed" events over a
// websocket. The engine uses these only to invalidate specific cache
// keys; it never mutates UI state from here.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/healthreach/fieldsync/internal/connectivity"
	"github.com/healthreach/fieldsync/internal/logging"
)

// Event is one server-push message.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// Event types pushed by the server.
const (
	EventRecordChanged = "record.changed"
	EventRecordDeleted = "record.deleted"
)

// CacheKey returns the cache key the event refers to, if any.
func (e *Event) CacheKey() string {
	if v, ok := e.Data["cache_key"].(string); ok {
		return v
	}
	return ""
}

// Handler receives events for a subscribed topic.
type Handler func(event Event)

// Subscriber maintains the websocket connection and dispatches events
// to topic handlers. Reconnects with a simple delay while the device
// is online; stays quiet while offline.
type Subscriber struct {
	url     string
	monitor *connectivity.Monitor

	mu       sync.Mutex
	handlers map[string]map[int]Handler
	nextID   int

	reconnectDelay time.Duration
}

// NewSubscriber creates a Subscriber for the given websocket URL.
func NewSubscriber(url string, monitor *connectivity.Monitor) *Subscriber {
	return &Subscriber{
		url:            url,
		monitor:        monitor,
		handlers:       make(map[string]map[int]Handler),
		reconnectDelay: 5 * time.Second,
	}
}

// Subscribe registers a handler for a topic (event type) and returns
// an unsubscribe function.
func (s *Subscriber) Subscribe(topic string, handler Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers[topic] == nil {
		s.handlers[topic] = make(map[int]Handler)
	}
	id := s.nextID
	s.nextID++
	s.handlers[topic][id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[topic], id)
	}
}

// Run connects and reads events until ctx is cancelled. Blocks; run it
// on its own goroutine.
func (s *Subscriber) Run(ctx context.Context) {
	if s.url == "" {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		if !s.monitor.IsOnline() {
			s.sleep(ctx)
			continue
		}

		if err := s.readLoop(ctx); err != nil && ctx.Err() == nil {
			logging.Warn("Realtime connection lost",
				map[string]interface{}{"error": err.Error()})
		}
		s.sleep(ctx)
	}
}

// readLoop dials the server and dispatches events until the
// connection drops.
func (s *Subscriber) readLoop(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	logging.Info("Realtime subscription connected",
		map[string]interface{}{"url": s.url})

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			logging.Warn("Dropping malformed realtime event",
				map[string]interface{}{"error": err.Error()})
			continue
		}

		s.dispatch(event)
	}
}

// dispatch fans an event out to its topic's handlers.
func (s *Subscriber) dispatch(event Event) {
	s.mu.Lock()
	var toCall []Handler
	for _, handler := range s.handlers[event.Type] {
		toCall = append(toCall, handler)
	}
	s.mu.Unlock()

	for _, handler := range toCall {
		handler(event)
	}
}

// sleep waits the reconnect delay or until ctx is cancelled.
func (s *Subscriber) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.reconnectDelay):
	}
}
