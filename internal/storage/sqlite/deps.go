package sqlite

import (
	"context"
	"time"

	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

func addDependency(ctx context.Context, q dbtx, dep *types.Dependency, actor string) error {
	task, err := getTask(ctx, q, dep.TaskPath)
	if err != nil {
		return err
	}
	if task == nil {
		return taskerr.New(taskerr.KindNotFound, "task not found").WithPath(dep.TaskPath)
	}
	target, err := getTask(ctx, q, dep.DependsOn)
	if err != nil {
		return err
	}
	if target == nil {
		return taskerr.New(taskerr.KindNotFound, "dependency target not found").WithPath(dep.DependsOn)
	}
	if len(task.Dependencies) >= types.MaxDependencies {
		return taskerr.New(taskerr.KindLimitExceeded,
			"task has %d dependencies, maximum is %d",
			len(task.Dependencies), types.MaxDependencies).WithPath(dep.TaskPath)
	}

	createdAt := dep.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	createdBy := dep.CreatedBy
	if createdBy == "" {
		createdBy = actor
	}
	_, err = q.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_dependencies (task_path, depends_on, created_at, created_by)
		VALUES (?, ?, ?, ?)
	`, task.Path, target.Path, createdAt, createdBy)
	if err != nil {
		return wrapDBError("add dependency", err)
	}
	return recordEvent(ctx, q, task.ID, "dependency_added", actor, "", target.Path)
}

// AddDependency records a dependency edge from dep.TaskPath to
// dep.DependsOn. Adding an existing edge is a no-op.
func (s *SQLiteStorage) AddDependency(ctx context.Context, dep *types.Dependency, actor string) error {
	s.metrics.writes.Add(1)
	return s.withTx(ctx, func(tx dbtx) error {
		return addDependency(ctx, tx, dep, actor)
	})
}

func removeDependency(ctx context.Context, q dbtx, taskPath, dependsOn, actor string) error {
	task, err := getTask(ctx, q, taskPath)
	if err != nil {
		return err
	}
	if task == nil {
		return taskerr.New(taskerr.KindNotFound, "task not found").WithPath(taskPath)
	}
	res, err := q.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE task_path = ? AND depends_on = ?`,
		task.Path, dependsOn)
	if err != nil {
		return wrapDBError("remove dependency", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return recordEvent(ctx, q, task.ID, "dependency_removed", actor, dependsOn, "")
}

// RemoveDependency deletes a dependency edge. Removing a missing edge
// is a no-op.
func (s *SQLiteStorage) RemoveDependency(ctx context.Context, taskPath, dependsOn, actor string) error {
	s.metrics.writes.Add(1)
	return s.withTx(ctx, func(tx dbtx) error {
		return removeDependency(ctx, tx, taskPath, dependsOn, actor)
	})
}

// GetDependencyRecords returns the full dependency rows for a task.
func (s *SQLiteStorage) GetDependencyRecords(ctx context.Context, taskPath string) ([]*types.Dependency, error) {
	s.metrics.reads.Add(1)
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_path, depends_on, created_at, created_by
		FROM task_dependencies WHERE task_path = ?
		ORDER BY created_at, depends_on
	`, taskPath)
	if err != nil {
		return nil, wrapDBError("get dependency records", err)
	}
	defer func() { _ = rows.Close() }()
	var deps []*types.Dependency
	for rows.Next() {
		var d types.Dependency
		if err := rows.Scan(&d.TaskPath, &d.DependsOn, &d.CreatedAt, &d.CreatedBy); err != nil {
			return nil, wrapDBError("scan dependency record", err)
		}
		deps = append(deps, &d)
	}
	return deps, rows.Err()
}

// GetAllDependencyRecords returns every dependency edge keyed by task
// path. Used by the dependency validator and the bulk processor to load
// the whole graph in one query.
func (s *SQLiteStorage) GetAllDependencyRecords(ctx context.Context) (map[string][]*types.Dependency, error) {
	s.metrics.reads.Add(1)
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_path, depends_on, created_at, created_by
		FROM task_dependencies
		ORDER BY task_path, created_at
	`)
	if err != nil {
		return nil, wrapDBError("get all dependency records", err)
	}
	defer func() { _ = rows.Close() }()
	deps := make(map[string][]*types.Dependency)
	for rows.Next() {
		var d types.Dependency
		if err := rows.Scan(&d.TaskPath, &d.DependsOn, &d.CreatedAt, &d.CreatedBy); err != nil {
			return nil, wrapDBError("scan dependency record", err)
		}
		deps[d.TaskPath] = append(deps[d.TaskPath], &d)
	}
	return deps, rows.Err()
}
