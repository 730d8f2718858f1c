package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/untoldecay/trellis/internal/bulk"
	"github.com/untoldecay/trellis/internal/cache"
	"github.com/untoldecay/trellis/internal/events"
	"github.com/untoldecay/trellis/internal/idgen"
	"github.com/untoldecay/trellis/internal/index"
	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/txn"
	"github.com/untoldecay/trellis/internal/types"
	"github.com/untoldecay/trellis/internal/validation"
)

// TaskService is the public surface for task operations.
type TaskService struct {
	*Core
}

// NewTaskService wraps the core.
func NewTaskService(core *Core) *TaskService { return &TaskService{Core: core} }

// lookups builds the validation lookup over the durable store.
func (s *TaskService) lookups() *validation.Lookup {
	return &validation.Lookup{
		Existing: s.store.GetTask,
		Children: s.store.GetChildren,
		Edges:    s.edges,
	}
}

func (s *TaskService) edges(ctx context.Context) (map[string][]string, error) {
	records, err := s.store.GetAllDependencyRecords(ctx)
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

// Create validates and persists a new task, indexes it, and announces
// it on the bus.
func (s *TaskService) Create(ctx context.Context, task *types.Task) (*types.Task, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	traceID, finish := s.begin("create_task")

	res, err := s.pipeline.Validate(ctx, task, s.lookups(), s.opts.Mode)
	if err != nil {
		return nil, finish(err)
	}
	if vErr := res.Err(); vErr != nil {
		return nil, finish(vErr)
	}
	s.event(traceID, "validated "+task.Path)

	var created *types.Task
	err = s.coord.Execute(ctx, txn.BeginOptions{
		Isolation:    txn.IsolationImmediate,
		ConnectionID: connID(),
		Keys:         []string{types.NormalizePath(task.Path)},
	}, func(tx *txn.Tx) error {
		return tx.Do(func(ctx context.Context, st storage.Transaction) error {
			if err := st.CreateTask(ctx, task, s.opts.Actor); err != nil {
				return err
			}
			got, err := st.GetTask(ctx, task.Path)
			if err != nil {
				return err
			}
			created = got
			return s.indexes.Apply(ctx, index.Op{Kind: index.OpUpsert, Entry: index.EntryFor(created)}, true)
		})
	})
	if err != nil {
		return nil, finish(err)
	}

	s.publish(events.TaskCreated, created.ID, created.Path, nil)
	return created, finish(nil)
}

// Get resolves a task by path or id. Missing tasks are NOT_FOUND.
func (s *TaskService) Get(ctx context.Context, ref string) (*types.Task, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	_, finish := s.begin("get_task")

	key := cache.Key("get_task", ref)
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return v.(*types.Task).Clone(), finish(nil)
		}
	}

	var task *types.Task
	if strings.HasPrefix(ref, idgen.DomainTask+"_") {
		task, err = s.store.GetTaskByID(ctx, ref)
	} else {
		task, err = s.store.GetTask(ctx, ref)
	}
	if err != nil {
		return nil, finish(err)
	}
	if task == nil {
		return nil, finish(taskerr.New(taskerr.KindNotFound, "task not found").WithPath(ref))
	}
	if s.cache != nil {
		s.cache.Put(key, task, []string{task.ID, task.Path})
	}
	return task.Clone(), finish(nil)
}

// Query lists tasks matching the filter with pagination.
func (s *TaskService) Query(ctx context.Context, filter types.TaskFilter) (*types.PageResult[*types.Task], error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	_, finish := s.begin("query_tasks")

	total, err := s.store.CountTasks(ctx, filter)
	if err != nil {
		return nil, finish(err)
	}
	items, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, finish(err)
	}
	result := types.NewPageResult(items, total, filter.Page)
	return &result, finish(nil)
}

// Update applies a partial update after validating the resulting task.
func (s *TaskService) Update(ctx context.Context, path string, updates map[string]any) (*types.Task, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	traceID, finish := s.begin("update_task")

	prev, err := s.store.GetTask(ctx, path)
	if err != nil {
		return nil, finish(err)
	}
	if prev == nil {
		return nil, finish(taskerr.New(taskerr.KindNotFound, "task not found").WithPath(path))
	}

	candidate, err := projectUpdates(prev, updates)
	if err != nil {
		return nil, finish(err)
	}
	look := s.lookups()
	look.Previous = prev
	res, err := s.pipeline.Validate(ctx, candidate, look, s.opts.Mode)
	if err != nil {
		return nil, finish(err)
	}
	if vErr := res.Err(); vErr != nil {
		return nil, finish(vErr)
	}
	s.event(traceID, "validated "+path)

	updated, err := s.writeUpdate(ctx, prev, path, updates)
	if err != nil {
		return nil, finish(err)
	}
	s.publish(events.TaskUpdated, updated.ID, updated.Path, nil)
	return updated, finish(nil)
}

// writeUpdate runs the store update and index upsert in one logical
// transaction.
func (s *TaskService) writeUpdate(ctx context.Context, prev *types.Task, path string, updates map[string]any) (*types.Task, error) {
	var updated *types.Task
	err := s.coord.Execute(ctx, txn.BeginOptions{
		Isolation:    txn.IsolationImmediate,
		ConnectionID: connID(),
		Keys:         []string{types.NormalizePath(path)},
	}, func(tx *txn.Tx) error {
		return tx.Do(func(ctx context.Context, st storage.Transaction) error {
			var err error
			updated, err = st.UpdateTask(ctx, path, updates, s.opts.Actor)
			if err != nil {
				return err
			}
			prevEntry := index.EntryFor(prev)
			return s.indexes.Apply(ctx, index.Op{
				Kind:  index.OpUpsert,
				Entry: index.EntryFor(updated),
				Prev:  &prevEntry,
			}, true)
		})
	})
	return updated, err
}

// ChangeStatus moves a task through the status machine. The reopen
// transition (COMPLETED to PENDING) is allowed only while no dependent
// is itself COMPLETED.
func (s *TaskService) ChangeStatus(ctx context.Context, path string, status types.Status) (*types.Task, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	traceID, finish := s.begin("change_status")

	prev, err := s.store.GetTask(ctx, path)
	if err != nil {
		return nil, finish(err)
	}
	if prev == nil {
		return nil, finish(taskerr.New(taskerr.KindNotFound, "task not found").WithPath(path))
	}

	reopen := prev.Status == types.StatusCompleted && status == types.StatusPending
	if reopen {
		dependents, err := s.store.GetDependents(ctx, path)
		if err != nil {
			return nil, finish(err)
		}
		for _, d := range dependents {
			if d.Status == types.StatusCompleted {
				return nil, finish(taskerr.New(taskerr.KindStatusTransition,
					"cannot reopen %s while dependent %s is COMPLETED", path, d.Path).
					WithPath(path))
			}
		}
		s.event(traceID, "reopen permitted")
	}

	candidate := prev.Clone()
	candidate.Status = status
	look := s.lookups()
	if !reopen {
		// Reopen bypasses the transition table; the dependent check
		// above replaces it.
		look.Previous = prev
	}
	res, err := s.pipeline.Validate(ctx, candidate, look, s.opts.Mode)
	if err != nil {
		return nil, finish(err)
	}
	if vErr := res.Err(); vErr != nil {
		return nil, finish(vErr)
	}

	updated, err := s.writeUpdate(ctx, prev, path, map[string]any{"status": string(status)})
	if err != nil {
		return nil, finish(err)
	}
	s.publish(events.TaskUpdated, updated.ID, updated.Path, map[string]any{
		"old_status": string(prev.Status),
		"new_status": string(status),
	})
	return updated, finish(nil)
}

// Delete removes a task. DeleteBlock fails when children exist; both
// strategies fail when a task outside the deleted subtree depends on
// anything inside it.
func (s *TaskService) Delete(ctx context.Context, path string, strategy storage.DeleteStrategy) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	traceID, finish := s.begin("delete_task")

	root, err := s.store.GetTask(ctx, path)
	if err != nil {
		return finish(err)
	}
	if root == nil {
		return finish(taskerr.New(taskerr.KindNotFound, "task not found").WithPath(path))
	}

	subtree, err := s.collectSubtree(ctx, root)
	if err != nil {
		return finish(err)
	}
	if strategy == storage.DeleteBlock && len(subtree) > 1 {
		return finish(taskerr.New(taskerr.KindHasChildren,
			"task has %d descendants", len(subtree)-1).WithPath(path))
	}

	inSubtree := make(map[string]bool, len(subtree))
	for _, t := range subtree {
		inSubtree[types.NormalizePath(t.Path)] = true
	}
	for _, t := range subtree {
		dependents, err := s.store.GetDependents(ctx, t.Path)
		if err != nil {
			return finish(err)
		}
		for _, d := range dependents {
			if !inSubtree[types.NormalizePath(d.Path)] {
				return finish(taskerr.New(taskerr.KindHasDependents,
					"task %s depends on %s", d.Path, t.Path).WithPath(path))
			}
		}
	}
	s.event(traceID, fmt.Sprintf("deleting %d tasks", len(subtree)))

	err = s.coord.Execute(ctx, txn.BeginOptions{
		Isolation:    txn.IsolationImmediate,
		ConnectionID: connID(),
		Keys:         []string{types.NormalizePath(path)},
	}, func(tx *txn.Tx) error {
		return tx.Do(func(ctx context.Context, st storage.Transaction) error {
			// Leaves first so parent rows never orphan children
			// mid-transaction.
			for i := len(subtree) - 1; i >= 0; i-- {
				if err := st.DeleteTask(ctx, subtree[i].Path, s.opts.Actor); err != nil {
					return err
				}
			}
			ops := make([]index.Op, len(subtree))
			for i, t := range subtree {
				ops[i] = index.Op{Kind: index.OpDelete, Entry: index.EntryFor(t)}
			}
			return s.indexes.Batch(ctx, ops, true)
		})
	})
	if err != nil {
		return finish(err)
	}

	for _, t := range subtree {
		s.publish(events.TaskDeleted, t.ID, t.Path, nil)
	}
	return finish(nil)
}

// collectSubtree returns the root and all descendants, parents before
// children.
func (s *TaskService) collectSubtree(ctx context.Context, root *types.Task) ([]*types.Task, error) {
	out := []*types.Task{root}
	for i := 0; i < len(out); i++ {
		children, err := s.store.GetChildren(ctx, out[i].Path)
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	}
	return out, nil
}

// Move relocates a task and its subtree to a new path and refreshes the
// affected index entries.
func (s *TaskService) Move(ctx context.Context, oldPath, newPath string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, finish := s.begin("move_task")

	root, err := s.store.GetTask(ctx, oldPath)
	if err != nil {
		return finish(err)
	}
	if root == nil {
		return finish(taskerr.New(taskerr.KindNotFound, "task not found").WithPath(oldPath))
	}
	subtree, err := s.collectSubtree(ctx, root)
	if err != nil {
		return finish(err)
	}

	err = s.coord.Execute(ctx, txn.BeginOptions{
		Isolation:    txn.IsolationImmediate,
		ConnectionID: connID(),
		Keys:         []string{types.NormalizePath(oldPath), types.NormalizePath(newPath)},
	}, func(tx *txn.Tx) error {
		return tx.Do(func(ctx context.Context, st storage.Transaction) error {
			if err := st.MoveTask(ctx, oldPath, newPath, s.opts.Actor); err != nil {
				return err
			}
			// Re-index under the new paths; the primary index drops the
			// stale path keys on upsert and the hierarchy index re-links.
			moved, err := st.GetTask(ctx, newPath)
			if err != nil || moved == nil {
				return err
			}
			queue := []*types.Task{moved}
			var ops []index.Op
			for len(queue) > 0 {
				t := queue[0]
				queue = queue[1:]
				ops = append(ops, index.Op{Kind: index.OpUpsert, Entry: index.EntryFor(t)})
				children, err := st.GetChildren(ctx, t.Path)
				if err != nil {
					return err
				}
				queue = append(queue, children...)
			}
			return s.indexes.Batch(ctx, ops, false)
		})
	})
	if err != nil {
		return finish(err)
	}

	for _, t := range subtree {
		s.publish(events.TaskUpdated, t.ID, t.Path, map[string]any{"moved_to": newPath})
	}
	return finish(nil)
}

// AddDependency records an edge after checking the extended graph stays
// acyclic.
func (s *TaskService) AddDependency(ctx context.Context, taskPath, dependsOn string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, finish := s.begin("add_dependency")

	task, err := s.store.GetTask(ctx, taskPath)
	if err != nil {
		return finish(err)
	}
	if task == nil {
		return finish(taskerr.New(taskerr.KindNotFound, "task not found").WithPath(taskPath))
	}
	candidate := task.Clone()
	candidate.Dependencies = append(candidate.Dependencies, dependsOn)
	res, err := s.pipeline.Validate(ctx, candidate, s.lookups(), s.opts.Mode)
	if err != nil {
		return finish(err)
	}
	if vErr := res.Err(); vErr != nil {
		return finish(vErr)
	}

	err = s.coord.Execute(ctx, txn.BeginOptions{
		Isolation:    txn.IsolationImmediate,
		ConnectionID: connID(),
		Keys:         []string{types.NormalizePath(taskPath)},
	}, func(tx *txn.Tx) error {
		return tx.Do(func(ctx context.Context, st storage.Transaction) error {
			return st.AddDependency(ctx, &types.Dependency{TaskPath: taskPath, DependsOn: dependsOn}, s.opts.Actor)
		})
	})
	if err != nil {
		return finish(err)
	}
	s.publish(events.TaskUpdated, task.ID, task.Path, map[string]any{"dependency_added": dependsOn})
	return finish(nil)
}

// RemoveDependency drops an edge; removing an absent edge is a no-op.
func (s *TaskService) RemoveDependency(ctx context.Context, taskPath, dependsOn string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, finish := s.begin("remove_dependency")

	task, err := s.store.GetTask(ctx, taskPath)
	if err != nil {
		return finish(err)
	}
	if task == nil {
		return finish(taskerr.New(taskerr.KindNotFound, "task not found").WithPath(taskPath))
	}

	err = s.coord.Execute(ctx, txn.BeginOptions{
		Isolation:    txn.IsolationImmediate,
		ConnectionID: connID(),
		Keys:         []string{types.NormalizePath(taskPath)},
	}, func(tx *txn.Tx) error {
		return tx.Do(func(ctx context.Context, st storage.Transaction) error {
			return st.RemoveDependency(ctx, taskPath, dependsOn, s.opts.Actor)
		})
	})
	if err != nil {
		return finish(err)
	}
	s.publish(events.TaskUpdated, task.ID, task.Path, map[string]any{"dependency_removed": dependsOn})
	return finish(nil)
}

// AddNote appends a note to a task.
func (s *TaskService) AddNote(ctx context.Context, taskPath string, note types.Note) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, finish := s.begin("add_note")

	task, err := s.store.GetTask(ctx, taskPath)
	if err != nil {
		return finish(err)
	}
	if task == nil {
		return finish(taskerr.New(taskerr.KindNotFound, "task not found").WithPath(taskPath))
	}

	err = s.coord.Execute(ctx, txn.BeginOptions{
		Isolation:    txn.IsolationImmediate,
		ConnectionID: connID(),
		Keys:         []string{types.NormalizePath(taskPath)},
	}, func(tx *txn.Tx) error {
		return tx.Do(func(ctx context.Context, st storage.Transaction) error {
			return st.AddNote(ctx, taskPath, note, s.opts.Actor)
		})
	})
	if err != nil {
		return finish(err)
	}
	s.publish(events.TaskUpdated, task.ID, task.Path, map[string]any{"note_added": string(note.Category)})
	return finish(nil)
}

// Bulk executes a batch through the bulk processor and refreshes the
// indexes for items that landed.
func (s *TaskService) Bulk(ctx context.Context, ops []bulk.Operation, mode validation.Mode) (*bulk.Summary, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	traceID, finish := s.begin("bulk_tasks")
	if mode == "" {
		mode = s.opts.Mode
	}

	summary, err := s.batch.Process(ctx, ops, mode)
	if err != nil {
		return summary, finish(err)
	}
	s.event(traceID, fmt.Sprintf("%d/%d items applied", summary.Succeeded, summary.Total))

	if err := s.reindexBatch(ctx, summary); err != nil {
		return summary, finish(err)
	}
	return summary, finish(nil)
}

// reindexBatch applies index updates and publishes events for the items
// a committed batch changed.
func (s *TaskService) reindexBatch(ctx context.Context, summary *bulk.Summary) error {
	var idxOps []index.Op
	for _, item := range summary.Items {
		if item.Status != bulk.StatusOK {
			continue
		}
		switch item.Type {
		case bulk.OpCreate, bulk.OpUpdate:
			task, err := s.store.GetTask(ctx, item.Key)
			if err != nil {
				return err
			}
			if task == nil {
				continue
			}
			idxOps = append(idxOps, index.Op{Kind: index.OpUpsert, Entry: index.EntryFor(task)})
			eventType := events.TaskCreated
			if item.Type == bulk.OpUpdate {
				eventType = events.TaskUpdated
			}
			s.publish(eventType, task.ID, task.Path, nil)
		case bulk.OpDelete:
			if entry, ok := s.indexes.Primary().GetByPath(item.Key); ok {
				idxOps = append(idxOps, index.Op{Kind: index.OpDelete, Entry: entry})
				s.publish(events.TaskDeleted, entry.ID, entry.Path, nil)
			} else {
				s.publish(events.TaskDeleted, "", item.Key, nil)
			}
		}
	}
	if len(idxOps) == 0 {
		return nil
	}
	return s.indexes.Batch(ctx, idxOps, false)
}

// Cascade applies a status to a task closure through the bulk
// processor.
func (s *TaskService) Cascade(ctx context.Context, rootPath string, status types.Status, mode validation.Mode) (*bulk.Summary, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	_, finish := s.begin("cascade_status")
	if mode == "" {
		mode = s.opts.Mode
	}

	summary, err := s.batch.CascadeStatus(ctx, rootPath, status, mode)
	if err != nil {
		return summary, finish(err)
	}
	if err := s.reindexBatch(ctx, summary); err != nil {
		return summary, finish(err)
	}
	return summary, finish(nil)
}

// Stats returns store-level statistics.
func (s *TaskService) Stats(ctx context.Context) (*types.Statistics, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	_, finish := s.begin("get_stats")

	stats, err := s.store.GetStatistics(ctx)
	if err != nil {
		return nil, finish(err)
	}
	return stats, finish(nil)
}

// Events returns the newest audit rows for a task.
func (s *TaskService) Events(ctx context.Context, taskID string, limit int) ([]*types.TaskEvent, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	_, finish := s.begin("get_events")

	evs, err := s.store.GetTaskEvents(ctx, taskID, limit)
	if err != nil {
		return nil, finish(err)
	}
	return evs, finish(nil)
}

// projectUpdates applies the update map to a clone of prev so the
// validation pipeline sees the post-update task. Unknown fields are
// rejected here with the same closed set the store enforces.
func projectUpdates(prev *types.Task, updates map[string]any) (*types.Task, error) {
	candidate := prev.Clone()
	for key, value := range updates {
		switch key {
		case "name":
			if v, ok := value.(string); ok {
				candidate.Name = v
			}
		case "description":
			if v, ok := value.(string); ok {
				candidate.Description = v
			}
		case "task_type":
			if v, ok := value.(string); ok {
				candidate.Type = types.TaskType(v)
			}
		case "status":
			if v, ok := value.(string); ok {
				candidate.Status = types.Status(v)
			}
		case "priority":
			if v, ok := value.(string); ok {
				candidate.Priority = types.Priority(v)
			}
		case "project_id":
			if v, ok := value.(string); ok {
				candidate.ProjectID = v
			}
		case "reasoning":
			if v, ok := value.(string); ok {
				candidate.Reasoning = v
			}
		case "assigned_to":
			if v, ok := value.(string); ok {
				candidate.AssignedTo = v
			}
		case "completion_requirements":
			if v, ok := value.(string); ok {
				candidate.CompletionRequirements = v
			}
		case "output_format":
			if v, ok := value.(string); ok {
				candidate.OutputFormat = v
			}
		case "tags":
			if v, ok := value.([]string); ok {
				candidate.Tags = v
			}
		case "links":
			if v, ok := value.([]string); ok {
				candidate.Links = v
			}
		case "metadata":
			if v, ok := value.(types.Metadata); ok {
				candidate.Metadata = v
			}
		default:
			return nil, taskerr.New(taskerr.KindValidation, "unknown field %q", key).WithPath(prev.Path)
		}
	}
	return candidate, nil
}
