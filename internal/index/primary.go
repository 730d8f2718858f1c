package index

import (
	"sync"
	"sync/atomic"

	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

// Primary maps task ids and normalized paths to entries. It is the
// fallback index the planner uses when no narrower index applies.
type Primary struct {
	mu     sync.RWMutex
	byID   map[string]Entry
	byPath map[string]string // normalized path -> id

	upserts atomic.Int64
	deletes atomic.Int64
	lookups atomic.Int64
}

// NewPrimary constructs an empty primary index.
func NewPrimary() *Primary {
	return &Primary{
		byID:   make(map[string]Entry),
		byPath: make(map[string]string),
	}
}

func (p *Primary) Name() string { return "primary" }

func (p *Primary) Upsert(e Entry) error {
	if e.ID == "" || e.Path == "" {
		return taskerr.New(taskerr.KindValidation, "index entry requires id and path").WithPath(e.Path)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// A path change must drop the old path key first.
	if old, ok := p.byID[e.ID]; ok {
		delete(p.byPath, types.NormalizePath(old.Path))
	}
	p.byID[e.ID] = e
	p.byPath[types.NormalizePath(e.Path)] = e.ID
	p.upserts.Add(1)
	return nil
}

func (p *Primary) Delete(e Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.byID[e.ID]; ok {
		delete(p.byPath, types.NormalizePath(old.Path))
		delete(p.byID, e.ID)
	}
	p.deletes.Add(1)
	return nil
}

// GetByID returns the entry for id, if indexed.
func (p *Primary) GetByID(id string) (Entry, bool) {
	p.lookups.Add(1)
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byID[id]
	return e, ok
}

// GetByPath resolves a path case-insensitively.
func (p *Primary) GetByPath(path string) (Entry, bool) {
	p.lookups.Add(1)
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byPath[types.NormalizePath(path)]
	if !ok {
		return Entry{}, false
	}
	e, ok := p.byID[id]
	return e, ok
}

// All returns every indexed entry in unspecified order.
func (p *Primary) All() []Entry {
	p.lookups.Add(1)
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entry, 0, len(p.byID))
	for _, e := range p.byID {
		out = append(out, e)
	}
	return out
}

func (p *Primary) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID = make(map[string]Entry)
	p.byPath = make(map[string]string)
}

func (p *Primary) Stats() Stats {
	p.mu.RLock()
	entries := len(p.byID)
	p.mu.RUnlock()
	return Stats{
		Name:    p.Name(),
		Entries: entries,
		Upserts: p.upserts.Load(),
		Deletes: p.deletes.Load(),
		Lookups: p.lookups.Load(),
	}
}
