// Package bulk executes batches of task operations in dependency order
// inside a single outermost transaction.
package bulk

import (
	"context"
	"time"

	"github.com/untoldecay/trellis/internal/logging"
	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/txn"
	"github.com/untoldecay/trellis/internal/types"
	"github.com/untoldecay/trellis/internal/validation"
)

// Batch bounds.
const (
	MaxCreates = 100
	MaxOps     = 1000
)

// OpType discriminates batch operations.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Operation is one batch item.
type Operation struct {
	Type    OpType         `json:"type"`
	Key     string         `json:"key"` // task path
	Task    *types.Task    `json:"task,omitempty"`
	Updates map[string]any `json:"updates,omitempty"`
}

// Item statuses reported per operation.
const (
	StatusOK         = "ok"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
	StatusCancelled  = "cancelled"
	StatusRolledBack = "rolled_back"
)

// ItemResult is the outcome of one operation.
type ItemResult struct {
	Key    string `json:"key"`
	Type   OpType `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Summary aggregates a batch run.
type Summary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Items     []ItemResult  `json:"items"`
}

// Processor runs batches against the store through the transaction
// coordinator.
type Processor struct {
	store    storage.Storage
	coord    *txn.Coordinator
	pipeline *validation.Pipeline
	log      *logging.Logger
	actor    string
}

// NewProcessor constructs a batch processor.
func NewProcessor(store storage.Storage, coord *txn.Coordinator, pipeline *validation.Pipeline, log *logging.Logger) *Processor {
	if log == nil {
		log = logging.NewSilent()
	}
	return &Processor{
		store:    store,
		coord:    coord,
		pipeline: pipeline,
		log:      log,
		actor:    "bulk",
	}
}

// Process validates bounds, orders creates topologically, and executes
// the batch in one transaction. STRICT aborts and rolls everything back
// on the first failure; LENIENT records per-item failures and commits
// the rest.
func (p *Processor) Process(ctx context.Context, ops []Operation, mode validation.Mode) (*Summary, error) {
	start := time.Now()
	if len(ops) > MaxOps {
		return nil, taskerr.New(taskerr.KindLimitExceeded,
			"batch of %d exceeds maximum of %d operations", len(ops), MaxOps)
	}
	creates := 0
	for _, op := range ops {
		if op.Type == OpCreate {
			creates++
		}
	}
	if creates > MaxCreates {
		return nil, taskerr.New(taskerr.KindLimitExceeded,
			"batch of %d creates exceeds maximum of %d", creates, MaxCreates)
	}

	ordered, err := orderBatch(ops)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Total: len(ordered), Items: make([]ItemResult, 0, len(ordered))}
	batchTasks := inFlightTasks(ordered)

	runErr := p.coord.Execute(ctx, txn.BeginOptions{Isolation: txn.IsolationImmediate, Keys: batchKeys(ordered)}, func(tx *txn.Tx) error {
		return tx.Do(func(ctx context.Context, st storage.Transaction) error {
			return p.runItems(ctx, st, ordered, mode, batchTasks, summary)
		})
	})

	summary.Duration = time.Since(start)
	if runErr != nil {
		// The store transaction rolled back, so every item that had
		// succeeded was undone along with it.
		summary.Succeeded = 0
		for i := range summary.Items {
			if summary.Items[i].Status == StatusOK {
				summary.Items[i].Status = StatusRolledBack
			}
		}
		return summary, runErr
	}
	return summary, nil
}

// runItems executes the ordered batch inside st.
func (p *Processor) runItems(ctx context.Context, st storage.Transaction, ops []Operation, mode validation.Mode, batch map[string]*types.Task, summary *Summary) error {
	cancelled := false
	for _, op := range ops {
		if cancelled || ctx.Err() != nil {
			cancelled = true
			summary.Items = append(summary.Items, ItemResult{
				Key: op.Key, Type: op.Type, Status: StatusCancelled,
			})
			continue
		}

		err := p.runItem(ctx, st, op, mode, batch)
		if err == nil {
			summary.Succeeded++
			summary.Items = append(summary.Items, ItemResult{
				Key: op.Key, Type: op.Type, Status: StatusOK,
			})
			continue
		}

		summary.Failed++
		summary.Items = append(summary.Items, ItemResult{
			Key: op.Key, Type: op.Type, Status: StatusFailed, Error: err.Error(),
		})
		if mode == validation.ModeStrict {
			// Remaining items never ran.
			return err
		}
		p.log.Warn("batch item failed", "key", op.Key, "type", string(op.Type), "error", err)
	}
	if cancelled {
		return taskerr.Wrap(taskerr.KindTransactionTimeout, ctx.Err(), "batch cancelled")
	}
	return nil
}

func (p *Processor) runItem(ctx context.Context, st storage.Transaction, op Operation, mode validation.Mode, batch map[string]*types.Task) error {
	switch op.Type {
	case OpCreate:
		if op.Task == nil {
			return taskerr.New(taskerr.KindValidation, "create operation requires a task").WithPath(op.Key)
		}
		look := &validation.Lookup{
			Existing: st.GetTask,
			Children: st.GetChildren,
			Edges:    p.edges,
			Batch:    batch,
		}
		res, err := p.pipeline.Validate(ctx, op.Task, look, mode)
		if err != nil {
			return err
		}
		if vErr := res.Err(); vErr != nil {
			return vErr
		}
		return st.CreateTask(ctx, op.Task, p.actor)

	case OpUpdate:
		_, err := st.UpdateTask(ctx, op.Key, op.Updates, p.actor)
		return err

	case OpDelete:
		return st.DeleteTask(ctx, op.Key, p.actor)

	default:
		return taskerr.New(taskerr.KindValidation, "unknown operation type %q", op.Type).WithPath(op.Key)
	}
}

// edges projects the persisted dependency graph for cycle detection.
func (p *Processor) edges(ctx context.Context) (map[string][]string, error) {
	records, err := p.store.GetAllDependencyRecords(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(records))
	for from, deps := range records {
		for _, dep := range deps {
			out[from] = append(out[from], dep.DependsOn)
		}
	}
	return out, nil
}

func inFlightTasks(ops []Operation) map[string]*types.Task {
	batch := make(map[string]*types.Task)
	for _, op := range ops {
		if op.Type == OpCreate && op.Task != nil {
			batch[types.NormalizePath(op.Task.Path)] = op.Task
		}
	}
	return batch
}

func batchKeys(ops []Operation) []string {
	seen := make(map[string]bool, len(ops))
	keys := make([]string, 0, len(ops))
	for _, op := range ops {
		key := types.NormalizePath(op.Key)
		if key != "" && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}
