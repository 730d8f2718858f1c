package index

import (
	"context"
	"time"

	"github.com/untoldecay/trellis/internal/logging"
	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

// MaxBatchSize bounds a single Batch call.
const MaxBatchSize = 1000

// retry policy for individual index applications.
const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
	retryCap      = time.Second
)

// Coordinator fans index mutations out to the primary, status, and
// hierarchy indexes and keeps them convergent.
type Coordinator struct {
	primary   *Primary
	status    *StatusIndex
	hierarchy *Hierarchy
	log       *logging.Logger
}

// NewCoordinator constructs the coordinator with fresh indexes.
func NewCoordinator(log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.NewSilent()
	}
	return &Coordinator{
		primary:   NewPrimary(),
		status:    NewStatus(),
		hierarchy: NewHierarchy(),
		log:       log,
	}
}

// Primary exposes the primary index for direct lookups.
func (c *Coordinator) Primary() *Primary { return c.primary }

// Status exposes the status index for direct lookups.
func (c *Coordinator) Status() *StatusIndex { return c.status }

// Hierarchy exposes the hierarchy index for direct lookups.
func (c *Coordinator) Hierarchy() *Hierarchy { return c.hierarchy }

func (c *Coordinator) indexes() []Index {
	return []Index{c.primary, c.status, c.hierarchy}
}

// EntryFor projects a task into its index entry.
func EntryFor(task *types.Task) Entry {
	return Entry{
		ID:     task.ID,
		Path:   task.Path,
		Parent: task.ParentPath,
		Status: task.Status,
		Type:   task.Type,
	}
}

// applyWithRetry drives one mutation into one index with bounded
// exponential backoff: min(base*2^n, cap) between attempts.
func applyWithRetry(ctx context.Context, idx Index, op Op) error {
	var lastErr error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			if delay > retryCap {
				delay = retryCap
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		switch op.Kind {
		case OpUpsert:
			lastErr = idx.Upsert(op.Entry)
		case OpDelete:
			lastErr = idx.Delete(op.Entry)
		}
		if lastErr == nil {
			return nil
		}
		// Validation failures are deterministic; retrying cannot help.
		if !taskerr.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// Apply drives one mutation into all indexes. In atomic mode a failure
// on any index compensates the ones already applied (restoring the
// previous entry or re-deleting) and returns the first failure. In
// non-atomic mode every index is attempted, the primary's result is
// returned, and divergence on secondaries is logged for the repair
// pass.
func (c *Coordinator) Apply(ctx context.Context, op Op, atomic bool) error {
	if atomic {
		return c.applyAtomic(ctx, op)
	}

	var primaryErr error
	for _, idx := range c.indexes() {
		if err := applyWithRetry(ctx, idx, op); err != nil {
			if idx.Name() == c.primary.Name() {
				primaryErr = err
			} else {
				c.log.Warn("index divergence",
					"index", idx.Name(), "path", op.Entry.Path, "error", err)
			}
		}
	}
	return primaryErr
}

func (c *Coordinator) applyAtomic(ctx context.Context, op Op) error {
	indexes := c.indexes()
	for i, idx := range indexes {
		if err := applyWithRetry(ctx, idx, op); err != nil {
			c.compensate(ctx, indexes[:i], op)
			return err
		}
	}
	return nil
}

// compensate unwinds a partially applied op by reverse order.
func (c *Coordinator) compensate(ctx context.Context, applied []Index, op Op) {
	for i := len(applied) - 1; i >= 0; i-- {
		idx := applied[i]
		var undo Op
		switch {
		case op.Kind == OpUpsert && op.Prev != nil:
			undo = Op{Kind: OpUpsert, Entry: *op.Prev}
		case op.Kind == OpUpsert:
			undo = Op{Kind: OpDelete, Entry: op.Entry}
		case op.Prev != nil: // delete with a known previous state
			undo = Op{Kind: OpUpsert, Entry: *op.Prev}
		default:
			continue
		}
		if err := applyWithRetry(ctx, idx, undo); err != nil {
			c.log.Error("index compensation failed",
				"index", idx.Name(), "path", op.Entry.Path, "error", err)
		}
	}
}

// Batch applies up to MaxBatchSize operations. Atomic batches stop at
// the first failure after compensating the current op; previously
// completed ops in the batch stay applied, matching per-op atomicity.
func (c *Coordinator) Batch(ctx context.Context, ops []Op, atomic bool) error {
	if len(ops) > MaxBatchSize {
		return taskerr.New(taskerr.KindLimitExceeded,
			"batch of %d exceeds maximum of %d index operations", len(ops), MaxBatchSize)
	}
	var firstErr error
	for _, op := range ops {
		if err := c.Apply(ctx, op, atomic); err != nil {
			if atomic {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Clear empties every index.
func (c *Coordinator) Clear() {
	for _, idx := range c.indexes() {
		idx.Clear()
	}
}

// Stats returns per-index counters.
func (c *Coordinator) Stats() []Stats {
	out := make([]Stats, 0, 3)
	for _, idx := range c.indexes() {
		out = append(out, idx.Stats())
	}
	return out
}

// Plan names the index that serves a filter: status filters hit the
// status index, type filters the hierarchy index, everything else the
// primary.
func (c *Coordinator) Plan(filter types.TaskFilter) string {
	switch {
	case filter.Status != "":
		return c.status.Name()
	case filter.Type != "":
		return c.hierarchy.Name()
	default:
		return c.primary.Name()
	}
}

// QueryIDs answers a filter from the planned index, returning candidate
// task ids. Callers intersect further conditions against the store.
func (c *Coordinator) QueryIDs(filter types.TaskFilter) []string {
	switch c.Plan(filter) {
	case c.status.Name():
		return c.status.IDs(filter.Status)
	case c.hierarchy.Name():
		return c.hierarchy.IDsByType(filter.Type)
	default:
		entries := c.primary.All()
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ID)
		}
		return ids
	}
}

// Rebuild reloads every index from the store. Used at startup and by
// the repair pass after detected divergence.
func (c *Coordinator) Rebuild(ctx context.Context, store storage.Storage) error {
	c.Clear()
	// Page through the full task set; the page cap bounds each query.
	offset := 0
	for {
		tasks, err := store.ListTasks(ctx, types.TaskFilter{
			Page: types.Page{Offset: offset, Limit: types.MaxPageLimit},
		})
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if err := c.Apply(ctx, Op{Kind: OpUpsert, Entry: EntryFor(task)}, true); err != nil {
				return err
			}
		}
		if len(tasks) < types.MaxPageLimit {
			return nil
		}
		offset += len(tasks)
	}
}
