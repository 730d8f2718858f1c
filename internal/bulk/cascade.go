package bulk

import (
	"context"
	"time"

	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/txn"
	"github.com/untoldecay/trellis/internal/types"
	"github.com/untoldecay/trellis/internal/validation"
)

// CascadeStatus applies a status to a task and its closure: the whole
// subtree below it plus every task depending on an affected task,
// transitively. Updates run leaves-first in one transaction. Tasks
// whose current status cannot transition fail the batch in STRICT mode
// and are skipped in LENIENT mode; tasks already in the target status
// are skipped in both.
func (p *Processor) CascadeStatus(ctx context.Context, rootPath string, status types.Status, mode validation.Mode) (*Summary, error) {
	start := time.Now()
	if !status.IsValid() {
		return nil, taskerr.New(taskerr.KindValidation, "invalid status %q", status)
	}

	summary := &Summary{Items: []ItemResult{}}
	runErr := p.coord.Execute(ctx, txn.BeginOptions{
		Isolation: txn.IsolationImmediate,
		Keys:      []string{types.NormalizePath(rootPath)},
	}, func(tx *txn.Tx) error {
		return tx.Do(func(ctx context.Context, st storage.Transaction) error {
			closure, err := collectClosure(ctx, st, rootPath)
			if err != nil {
				return err
			}
			summary.Total = len(closure)
			for _, task := range closure {
				item := ItemResult{Key: task.Path, Type: OpUpdate}
				switch {
				case task.Status == status:
					item.Status = StatusSkipped
				case !task.Status.CanTransition(status):
					err := taskerr.New(taskerr.KindStatusTransition,
						"cannot transition %s from %s to %s", task.Path, task.Status, status).
						WithPath(task.Path)
					if mode == validation.ModeStrict {
						summary.Failed++
						item.Status = StatusFailed
						item.Error = err.Error()
						summary.Items = append(summary.Items, item)
						return err
					}
					summary.Failed++
					item.Status = StatusSkipped
					item.Error = err.Error()
					p.log.Warn("cascade skipped task", "path", task.Path, "from", string(task.Status), "to", string(status))
				default:
					if _, err := st.UpdateTask(ctx, task.Path, map[string]any{"status": string(status)}, p.actor); err != nil {
						summary.Failed++
						item.Status = StatusFailed
						item.Error = err.Error()
						summary.Items = append(summary.Items, item)
						if mode == validation.ModeStrict {
							return err
						}
						continue
					}
					summary.Succeeded++
					item.Status = StatusOK
				}
				summary.Items = append(summary.Items, item)
			}
			return nil
		})
	})

	summary.Duration = time.Since(start)
	if runErr != nil {
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

// collectClosure walks children and dependents from the root and
// returns the affected tasks in post-order, so descendants and
// dependents precede the tasks they hang off.
func collectClosure(ctx context.Context, st storage.Transaction, rootPath string) ([]*types.Task, error) {
	root, err := st.GetTask(ctx, rootPath)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, taskerr.New(taskerr.KindNotFound, "task %s not found", rootPath).WithPath(rootPath)
	}

	seen := make(map[string]bool)
	var ordered []*types.Task

	var visit func(task *types.Task) error
	visit = func(task *types.Task) error {
		norm := types.NormalizePath(task.Path)
		if seen[norm] {
			return nil
		}
		seen[norm] = true

		children, err := st.GetChildren(ctx, task.Path)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := visit(child); err != nil {
				return err
			}
		}
		dependents, err := st.GetDependents(ctx, task.Path)
		if err != nil {
			return err
		}
		for _, dep := range dependents {
			if err := visit(dep); err != nil {
				return err
			}
		}
		ordered = append(ordered, task)
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}
	return ordered, nil
}
