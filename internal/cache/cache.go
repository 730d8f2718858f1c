// Package cache implements the read-through result cache fronting the
// store, invalidated by write events and governed by the memory
// pressure monitor.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/untoldecay/trellis/internal/events"
	"github.com/untoldecay/trellis/internal/logging"
	"github.com/untoldecay/trellis/internal/types"
)

// entry is one cached value with its dependency set.
type entry struct {
	value   any
	version uint64
	deps    []string // normalized entity ids and paths
}

// Metrics reports cache effectiveness counters.
type Metrics struct {
	Hits       int64            `json:"hits"`
	Misses     int64            `json:"misses"`
	HitRatio   float64          `json:"hit_ratio"`
	Entries    int              `json:"entries"`
	Cleanups   map[string]int64 `json:"cleanups"`
	Reductions int64            `json:"reductions"`
	LastResult string           `json:"last_result,omitempty"`
}

// Config tunes the cache.
type Config struct {
	MaxEntries int   // LRU capacity
	MaxMemory  int64 // heap budget the pressure monitor measures against
}

// DefaultMaxEntries is the LRU capacity when unset.
const DefaultMaxEntries = 4096

// Cache is the shared result cache. Safe for concurrent use.
type Cache struct {
	lru *lru.Cache[string, *entry]
	log *logging.Logger

	mu     sync.Mutex
	byDep  map[string]map[string]struct{} // normalized dep -> key set
	nextVn atomic.Uint64

	hits       atomic.Int64
	misses     atomic.Int64
	reductions atomic.Int64

	cleanupMu  sync.Mutex
	cleanups   map[string]int64
	lastResult string

	subs []events.Subscription
	bus  *events.Bus
}

// New constructs the cache and, when bus is non-nil, subscribes to
// mutation events for invalidation.
func New(cfg Config, bus *events.Bus, log *logging.Logger) (*Cache, error) {
	if log == nil {
		log = logging.NewSilent()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	c := &Cache{
		log:      log,
		byDep:    make(map[string]map[string]struct{}),
		cleanups: make(map[string]int64),
		bus:      bus,
	}
	var err error
	c.lru, err = lru.NewWithEvict[string, *entry](cfg.MaxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	if bus != nil {
		for _, evType := range []string{
			events.TaskCreated, events.TaskUpdated, events.TaskDeleted,
			events.KnowledgeCreated, events.KnowledgeUpdated, events.KnowledgeDeleted,
		} {
			c.subs = append(c.subs, bus.Subscribe(evType, c.onMutation))
		}
	}
	return c, nil
}

// Close detaches the cache from the event bus.
func (c *Cache) Close() {
	if c.bus != nil {
		for _, sub := range c.subs {
			c.bus.Unsubscribe(sub)
		}
	}
}

// Key fingerprints an operation and its normalized arguments. Paths
// must already be normalized by the caller; remaining normalization
// here is lowercase plus a stable separator.
func Key(op string, args ...any) string {
	h := sha256.New()
	h.Write([]byte(op))
	for _, arg := range args {
		h.Write([]byte{0})
		h.Write([]byte(strings.ToLower(fmt.Sprintf("%v", arg))))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached value.
func (c *Cache) Get(key string) (any, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Put stores a value with the entities it was derived from. Any write
// to one of those entities invalidates the entry.
func (c *Cache) Put(key string, value any, deps []string) {
	normalized := make([]string, len(deps))
	for i, d := range deps {
		normalized[i] = types.NormalizePath(d)
	}
	e := &entry{
		value:   value,
		version: c.nextVn.Add(1),
		deps:    normalized,
	}

	c.mu.Lock()
	for _, dep := range normalized {
		set, ok := c.byDep[dep]
		if !ok {
			set = make(map[string]struct{})
			c.byDep[dep] = set
		}
		set[key] = struct{}{}
	}
	c.mu.Unlock()

	c.lru.Add(key, e)
}

// onEvict cleans the reverse dependency map when the LRU drops a key.
func (c *Cache) onEvict(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dep := range e.deps {
		if set, ok := c.byDep[dep]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.byDep, dep)
			}
		}
	}
}

// Invalidate drops every entry whose dependency set contains the given
// entity id or path. Returns the number of entries removed.
func (c *Cache) Invalidate(entity string) int {
	norm := types.NormalizePath(entity)
	c.mu.Lock()
	keys := make([]string, 0, len(c.byDep[norm]))
	for key := range c.byDep[norm] {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.lru.Remove(key) // onEvict maintains byDep
	}
	return len(keys)
}

// onMutation invalidates by both the entity id and path of a write
// event.
func (c *Cache) onMutation(ev events.Event) {
	removed := 0
	if ev.EntityID != "" {
		removed += c.Invalidate(ev.EntityID)
	}
	if ev.Path != "" {
		removed += c.Invalidate(ev.Path)
	}
	if removed > 0 && c.bus != nil {
		c.bus.Publish(events.Event{
			Type:     events.CacheInvalidated,
			EntityID: ev.EntityID,
			Path:     ev.Path,
			Payload:  map[string]any{"removed": removed, "cause": ev.Type},
		})
	}
}

// Purge drops everything and counts the cleanup under the trigger.
func (c *Cache) Purge(trigger string) {
	c.lru.Purge()
	c.mu.Lock()
	c.byDep = make(map[string]map[string]struct{})
	c.mu.Unlock()
	c.recordCleanup(trigger)
}

func (c *Cache) recordCleanup(trigger string) {
	c.cleanupMu.Lock()
	c.cleanups[trigger]++
	c.cleanupMu.Unlock()
}

// Len returns the number of live entries.
func (c *Cache) Len() int { return c.lru.Len() }

// Metrics returns effectiveness counters.
func (c *Cache) Metrics() Metrics {
	hits := c.hits.Load()
	misses := c.misses.Load()
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	c.cleanupMu.Lock()
	cleanups := make(map[string]int64, len(c.cleanups))
	for k, v := range c.cleanups {
		cleanups[k] = v
	}
	last := c.lastResult
	c.cleanupMu.Unlock()
	return Metrics{
		Hits:       hits,
		Misses:     misses,
		HitRatio:   ratio,
		Entries:    c.lru.Len(),
		Cleanups:   cleanups,
		Reductions: c.reductions.Load(),
		LastResult: last,
	}
}
