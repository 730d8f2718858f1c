// Package index maintains in-memory secondary indexes over the task
// store: primary (id and path), status, and hierarchy. A coordinator
// fans writes out to all three and keeps them convergent.
package index

import (
	"github.com/untoldecay/trellis/internal/types"
)

// Entry is the projection of a task that indexes operate on.
type Entry struct {
	ID     string
	Path   string
	Parent string
	Status types.Status
	Type   types.TaskType
}

// OpKind discriminates index operations.
type OpKind int

const (
	OpUpsert OpKind = iota
	OpDelete
)

// Op is one index mutation. Prev carries the entry state before the
// mutation so atomic compensation can restore it.
type Op struct {
	Kind  OpKind
	Entry Entry
	Prev  *Entry
}

// Stats reports per-index counters.
type Stats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Upserts int64  `json:"upserts"`
	Deletes int64  `json:"deletes"`
	Lookups int64  `json:"lookups"`
}

// Index is the shared contract the coordinator drives. Implementations
// are safe for concurrent use.
type Index interface {
	Name() string
	Upsert(e Entry) error
	Delete(e Entry) error
	Clear()
	Stats() Stats
}
