// Package events implements the process-wide lifecycle event bus.
// Dispatch is synchronous on the publishing goroutine so consumers see
// events in commit order; subscriber failures are isolated and logged.
package events

import (
	"sync"
	"time"

	"github.com/untoldecay/trellis/internal/idgen"
	"github.com/untoldecay/trellis/internal/logging"
)

// Event types published by the core.
const (
	TaskCreated      = "TASK_CREATED"
	TaskUpdated      = "TASK_UPDATED"
	TaskDeleted      = "TASK_DELETED"
	KnowledgeCreated = "KNOWLEDGE_CREATED"
	KnowledgeUpdated = "KNOWLEDGE_UPDATED"
	KnowledgeDeleted = "KNOWLEDGE_DELETED"

	TransactionStarted    = "TRANSACTION_STARTED"
	TransactionCommitted  = "TRANSACTION_COMMITTED"
	TransactionRolledBack = "TRANSACTION_ROLLED_BACK"
	TransactionTimeout    = "TRANSACTION_TIMEOUT"

	CacheCleared     = "CACHE_CLEARED"
	CacheInvalidated = "CACHE_INVALIDATED"
)

// DefaultHistorySize bounds the retained event ring.
const DefaultHistorySize = 512

// Event is one lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	EntityID  string         `json:"entity_id,omitempty"`
	Path      string         `json:"path,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler consumes events. Handlers run on the publishing goroutine and
// must not block; long work belongs on a background queue.
type Handler func(Event)

// Subscription identifies a registered handler for removal.
type Subscription int64

// Bus is the bounded publisher. The zero value is not usable; construct
// with New.
type Bus struct {
	mu       sync.RWMutex
	nextSub  Subscription
	byType   map[string]map[Subscription]Handler
	all      map[Subscription]Handler
	history  []Event
	histSize int
	histPos  int
	histLen  int
	log      *logging.Logger
}

// New creates a bus retaining historySize events (DefaultHistorySize if
// historySize <= 0).
func New(historySize int, log *logging.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if log == nil {
		log = logging.NewSilent()
	}
	return &Bus{
		byType:   make(map[string]map[Subscription]Handler),
		all:      make(map[Subscription]Handler),
		history:  make([]Event, historySize),
		histSize: historySize,
		log:      log,
	}
}

// Subscribe registers a handler for one event type. An empty type
// subscribes to every event.
func (b *Bus) Subscribe(eventType string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	sub := b.nextSub
	if eventType == "" {
		b.all[sub] = h
		return sub
	}
	m := b.byType[eventType]
	if m == nil {
		m = make(map[Subscription]Handler)
		b.byType[eventType] = m
	}
	m[sub] = h
	return sub
}

// Unsubscribe removes a handler. Unknown subscriptions are no-ops.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.all, sub)
	for _, m := range b.byType {
		delete(m, sub)
	}
}

// Publish delivers the event to subscribers and appends it to history.
// A panicking handler is logged and does not affect the producer or
// other handlers.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = idgen.NewID(idgen.DomainEvent)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history[b.histPos] = ev
	b.histPos = (b.histPos + 1) % b.histSize
	if b.histLen < b.histSize {
		b.histLen++
	}
	handlers := make([]Handler, 0, len(b.all)+len(b.byType[ev.Type]))
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	for _, h := range b.byType[ev.Type] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

// History returns retained events, oldest first, optionally filtered by
// type and a cutoff time.
func (b *Bus) History(eventType string, since time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, b.histLen)
	start := b.histPos - b.histLen
	for i := 0; i < b.histLen; i++ {
		idx := (start + i + b.histSize) % b.histSize
		ev := b.history[idx]
		if eventType != "" && ev.Type != eventType {
			continue
		}
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}
