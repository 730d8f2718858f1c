// Package trace records per-operation traces with bounded retention.
// Services attach the trace id to errors as a correlation id.
package trace

import (
	"container/list"
	"sync"
	"time"

	"github.com/untoldecay/trellis/internal/idgen"
)

// Retention defaults.
const (
	DefaultMaxTraces         = 1000
	DefaultMaxEventsPerTrace = 100
	DefaultTTL               = time.Hour
)

// EventKind marks a trace entry.
type EventKind string

const (
	KindStart EventKind = "start"
	KindEvent EventKind = "event"
	KindEnd   EventKind = "end"
	KindError EventKind = "error"
)

// Entry is one step recorded inside a trace.
type Entry struct {
	Kind    EventKind `json:"kind"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Trace is the record of a single operation.
type Trace struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Started   time.Time `json:"started"`
	Ended     time.Time `json:"ended,omitempty"`
	Failed    bool      `json:"failed"`
	Entries   []Entry   `json:"entries"`
}

// Summary aggregates tracer statistics.
type Summary struct {
	Active      int           `json:"active"`
	Completed   int           `json:"completed"`
	Errors      int           `json:"errors"`
	AvgDuration time.Duration `json:"avg_duration"`
	ErrorRate   float64       `json:"error_rate"`
}

// Tracer retains at most maxTraces traces or ttl of history, whichever
// is tighter; overflow evicts oldest first. Single writer lock.
type Tracer struct {
	mu        sync.Mutex
	maxTraces int
	maxEvents int
	ttl       time.Duration
	order     *list.List // *Trace, oldest at front
	byID      map[string]*list.Element

	completed  int
	errors     int
	totalDur   time.Duration
	now        func() time.Time
}

// Config controls tracer retention.
type Config struct {
	MaxTraces         int
	MaxEventsPerTrace int
	TTL               time.Duration
}

// New constructs a tracer; zero config fields take the defaults.
func New(cfg Config) *Tracer {
	if cfg.MaxTraces <= 0 {
		cfg.MaxTraces = DefaultMaxTraces
	}
	if cfg.MaxEventsPerTrace <= 0 {
		cfg.MaxEventsPerTrace = DefaultMaxEventsPerTrace
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Tracer{
		maxTraces: cfg.MaxTraces,
		maxEvents: cfg.MaxEventsPerTrace,
		ttl:       cfg.TTL,
		order:     list.New(),
		byID:      make(map[string]*list.Element),
		now:       time.Now,
	}
}

// Begin opens a trace for an operation and returns its id.
func (t *Tracer) Begin(operation string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	tr := &Trace{
		ID:        idgen.NewID(idgen.DomainTrace),
		Operation: operation,
		Started:   now,
		Entries:   []Entry{{Kind: KindStart, At: now}},
	}
	t.byID[tr.ID] = t.order.PushBack(tr)
	t.evictLocked(now)
	return tr.ID
}

// Event appends an annotation to an open trace.
func (t *Tracer) Event(id, message string) {
	t.append(id, Entry{Kind: KindEvent, Message: message})
}

// Error appends an error entry and marks the trace failed.
func (t *Tracer) Error(id, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.byID[id]; ok {
		tr := el.Value.(*Trace)
		tr.Failed = true
		t.appendLocked(tr, Entry{Kind: KindError, Message: message, At: t.now().UTC()})
	}
}

// End closes a trace and folds it into the summary statistics.
func (t *Tracer) End(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.byID[id]
	if !ok {
		return
	}
	tr := el.Value.(*Trace)
	if !tr.Ended.IsZero() {
		return
	}
	now := t.now().UTC()
	tr.Ended = now
	t.appendLocked(tr, Entry{Kind: KindEnd, At: now})
	t.completed++
	t.totalDur += now.Sub(tr.Started)
	if tr.Failed {
		t.errors++
	}
}

func (t *Tracer) append(id string, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.byID[id]; ok {
		e.At = t.now().UTC()
		t.appendLocked(el.Value.(*Trace), e)
	}
}

func (t *Tracer) appendLocked(tr *Trace, e Entry) {
	if len(tr.Entries) >= t.maxEvents {
		return
	}
	tr.Entries = append(tr.Entries, e)
}

// evictLocked drops traces beyond maxTraces or older than ttl.
func (t *Tracer) evictLocked(now time.Time) {
	for t.order.Len() > t.maxTraces {
		t.removeLocked(t.order.Front())
	}
	cutoff := now.Add(-t.ttl)
	for el := t.order.Front(); el != nil; {
		tr := el.Value.(*Trace)
		if tr.Started.After(cutoff) {
			break
		}
		next := el.Next()
		t.removeLocked(el)
		el = next
	}
}

func (t *Tracer) removeLocked(el *list.Element) {
	tr := t.order.Remove(el).(*Trace)
	delete(t.byID, tr.ID)
}

// Get returns a copy of the trace, or nil if evicted or unknown.
func (t *Tracer) Get(id string) *Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.byID[id]
	if !ok {
		return nil
	}
	tr := *el.Value.(*Trace)
	tr.Entries = append([]Entry(nil), tr.Entries...)
	return &tr
}

// Cleanup applies TTL eviction; called from a background timer.
func (t *Tracer) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked(t.now())
}

// Summarize reports counts, average duration, and error rate.
func (t *Tracer) Summarize() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{
		Active:    t.order.Len(),
		Completed: t.completed,
		Errors:    t.errors,
	}
	if t.completed > 0 {
		s.AvgDuration = t.totalDur / time.Duration(t.completed)
		s.ErrorRate = float64(t.errors) / float64(t.completed)
	}
	return s
}
