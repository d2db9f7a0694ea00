// Package events is an in-process publish/subscribe hub for activity
// notifications (analysis runs, recorded feedback) that the web UI relays to
// connected browsers.
package events

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const defaultMaxHistory = 100

// Well-known event types.
const (
	AnalysisStarted  = "analysis.started"
	AnalysisFinished = "analysis.finished"
	AnalysisRejected = "analysis.rejected"
	FeedbackRecorded = "feedback.recorded"
)

// Event is one notification.
type Event struct {
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler is called for each matching event.
type Handler func(Event)

// Bus dispatches events to handlers registered by type. The "*" type
// receives every event.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	nextID     int
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

type namedHandler struct {
	id      string
	handler Handler
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:   make(map[string][]namedHandler),
		maxHistory: defaultMaxHistory,
		logger:     logger,
	}
}

// On registers handler for eventType and returns an ID for Off.
func (b *Bus) On(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := eventType + "-" + strconv.Itoa(b.nextID)
	b.handlers[eventType] = append(b.handlers[eventType], namedHandler{id: id, handler: handler})
	return id
}

func (b *Bus) Off(eventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[eventType]
	for i, h := range hs {
		if h.id == id {
			b.handlers[eventType] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Emit delivers event synchronously to every matching handler. A panicking
// handler is logged and does not stop delivery to the others.
func (b *Bus) Emit(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if len(b.history) >= b.maxHistory {
		b.history = b.history[1:]
	}
	b.history = append(b.history, event)
	handlers := make([]namedHandler, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.Unlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}
}

func (b *Bus) dispatch(h namedHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "event", event.Type, "handler", h.id, "panic", r)
		}
	}()
	h.handler(event)
}

// Replay returns recorded events of eventType ("*" for all) at or after since.
func (b *Bus) Replay(eventType string, since time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent event of eventType.
func (b *Bus) Last(eventType string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.history[i].Type == eventType {
			return b.history[i], true
		}
	}
	return Event{}, false
}
