package index

import (
	"sync"
	"sync/atomic"

	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

// StatusIndex maps each status to the set of task ids currently in it.
type StatusIndex struct {
	mu       sync.RWMutex
	byStatus map[types.Status]map[string]struct{}
	idStatus map[string]types.Status

	upserts atomic.Int64
	deletes atomic.Int64
	lookups atomic.Int64
}

// NewStatus constructs an empty status index.
func NewStatus() *StatusIndex {
	return &StatusIndex{
		byStatus: make(map[types.Status]map[string]struct{}),
		idStatus: make(map[string]types.Status),
	}
}

func (s *StatusIndex) Name() string { return "status" }

func (s *StatusIndex) Upsert(e Entry) error {
	if e.ID == "" {
		return taskerr.New(taskerr.KindValidation, "index entry requires id").WithPath(e.Path)
	}
	if !e.Status.IsValid() {
		return taskerr.New(taskerr.KindValidation, "invalid status %q", e.Status).WithPath(e.Path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.idStatus[e.ID]; ok && old != e.Status {
		delete(s.byStatus[old], e.ID)
	}
	set, ok := s.byStatus[e.Status]
	if !ok {
		set = make(map[string]struct{})
		s.byStatus[e.Status] = set
	}
	set[e.ID] = struct{}{}
	s.idStatus[e.ID] = e.Status
	s.upserts.Add(1)
	return nil
}

func (s *StatusIndex) Delete(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.idStatus[e.ID]; ok {
		delete(s.byStatus[old], e.ID)
		delete(s.idStatus, e.ID)
	}
	s.deletes.Add(1)
	return nil
}

// IDs returns the ids currently in the given status.
func (s *StatusIndex) IDs(status types.Status) []string {
	s.lookups.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byStatus[status]))
	for id := range s.byStatus[status] {
		out = append(out, id)
	}
	return out
}

// Count returns the number of ids in the given status.
func (s *StatusIndex) Count(status types.Status) int {
	s.lookups.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byStatus[status])
}

func (s *StatusIndex) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byStatus = make(map[types.Status]map[string]struct{})
	s.idStatus = make(map[string]types.Status)
}

func (s *StatusIndex) Stats() Stats {
	s.mu.RLock()
	entries := len(s.idStatus)
	s.mu.RUnlock()
	return Stats{
		Name:    s.Name(),
		Entries: entries,
		Upserts: s.upserts.Load(),
		Deletes: s.deletes.Load(),
		Lookups: s.lookups.Load(),
	}
}
