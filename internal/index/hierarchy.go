package index

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

// Hierarchy maps parent paths to ordered child paths, and task types to
// id sets.
type Hierarchy struct {
	mu       sync.RWMutex
	children map[string]map[string]string // normalized parent -> normalized child -> canonical child path
	byType   map[types.TaskType]map[string]struct{}
	idEntry  map[string]Entry

	upserts atomic.Int64
	deletes atomic.Int64
	lookups atomic.Int64
}

// NewHierarchy constructs an empty hierarchy index.
func NewHierarchy() *Hierarchy {
	return &Hierarchy{
		children: make(map[string]map[string]string),
		byType:   make(map[types.TaskType]map[string]struct{}),
		idEntry:  make(map[string]Entry),
	}
}

func (h *Hierarchy) Name() string { return "hierarchy" }

func (h *Hierarchy) Upsert(e Entry) error {
	if e.ID == "" || e.Path == "" {
		return taskerr.New(taskerr.KindValidation, "index entry requires id and path").WithPath(e.Path)
	}
	if !e.Type.IsValid() {
		return taskerr.New(taskerr.KindValidation, "invalid task type %q", e.Type).WithPath(e.Path)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.idEntry[e.ID]; ok {
		h.unlink(old)
	}
	h.link(e)
	h.idEntry[e.ID] = e
	h.upserts.Add(1)
	return nil
}

func (h *Hierarchy) Delete(e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.idEntry[e.ID]; ok {
		h.unlink(old)
		delete(h.idEntry, e.ID)
	}
	h.deletes.Add(1)
	return nil
}

func (h *Hierarchy) link(e Entry) {
	parent := types.NormalizePath(e.Parent)
	kids, ok := h.children[parent]
	if !ok {
		kids = make(map[string]string)
		h.children[parent] = kids
	}
	kids[types.NormalizePath(e.Path)] = e.Path

	set, ok := h.byType[e.Type]
	if !ok {
		set = make(map[string]struct{})
		h.byType[e.Type] = set
	}
	set[e.ID] = struct{}{}
}

func (h *Hierarchy) unlink(e Entry) {
	parent := types.NormalizePath(e.Parent)
	if kids, ok := h.children[parent]; ok {
		delete(kids, types.NormalizePath(e.Path))
		if len(kids) == 0 {
			delete(h.children, parent)
		}
	}
	if set, ok := h.byType[e.Type]; ok {
		delete(set, e.ID)
	}
}

// Children returns the canonical child paths under parentPath, sorted.
func (h *Hierarchy) Children(parentPath string) []string {
	h.lookups.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()
	kids := h.children[types.NormalizePath(parentPath)]
	out := make([]string, 0, len(kids))
	for _, canonical := range kids {
		out = append(out, canonical)
	}
	sort.Strings(out)
	return out
}

// IDsByType returns the ids of tasks with the given type.
func (h *Hierarchy) IDsByType(tt types.TaskType) []string {
	h.lookups.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byType[tt]))
	for id := range h.byType[tt] {
		out = append(out, id)
	}
	return out
}

func (h *Hierarchy) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.children = make(map[string]map[string]string)
	h.byType = make(map[types.TaskType]map[string]struct{})
	h.idEntry = make(map[string]Entry)
}

func (h *Hierarchy) Stats() Stats {
	h.mu.RLock()
	entries := len(h.idEntry)
	h.mu.RUnlock()
	return Stats{
		Name:    h.Name(),
		Entries: entries,
		Upserts: h.upserts.Load(),
		Deletes: h.deletes.Load(),
		Lookups: h.lookups.Load(),
	}
}
