package sqlite

import (
	"context"
	"strings"

	"github.com/untoldecay/trellis/internal/types"
)

func queryTasks(ctx context.Context, q dbtx, query string, args ...any) ([]*types.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrapDBError("scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate tasks", err)
	}
	for _, task := range tasks {
		if err := loadTaskRelations(ctx, q, task); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// GetTasksByIDs returns tasks for the given ids, skipping missing ones.
func (s *SQLiteStorage) GetTasksByIDs(ctx context.Context, ids []string) ([]*types.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.metrics.reads.Add(1)
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return queryTasks(ctx, s.db,
		`SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders+`) ORDER BY created_at, path`,
		args...)
}

// GetTasksByPattern returns tasks whose path matches a glob pattern.
// GLOB is case sensitive, so matching runs against path_norm with the
// pattern lowercased.
func (s *SQLiteStorage) GetTasksByPattern(ctx context.Context, glob string) ([]*types.Task, error) {
	s.metrics.reads.Add(1)
	return queryTasks(ctx, s.db,
		`SELECT `+taskColumns+` FROM tasks WHERE path_norm GLOB ? ORDER BY path`,
		strings.ToLower(glob))
}

// GetTasksByStatus returns all tasks in the given status.
func (s *SQLiteStorage) GetTasksByStatus(ctx context.Context, status types.Status) ([]*types.Task, error) {
	s.metrics.reads.Add(1)
	return queryTasks(ctx, s.db,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at, path`,
		string(status))
}

func getChildren(ctx context.Context, q dbtx, parentPath string) ([]*types.Task, error) {
	return queryTasks(ctx, q,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_path = ? ORDER BY created_at, path`,
		parentPath)
}

// GetChildren returns the direct children of parentPath.
func (s *SQLiteStorage) GetChildren(ctx context.Context, parentPath string) ([]*types.Task, error) {
	s.metrics.reads.Add(1)
	return getChildren(ctx, s.db, parentPath)
}

func getDependents(ctx context.Context, q dbtx, path string) ([]*types.Task, error) {
	return queryTasks(ctx, q, `
		SELECT `+taskColumns+` FROM tasks
		WHERE path IN (SELECT task_path FROM task_dependencies WHERE depends_on = ?)
		ORDER BY created_at, path
	`, path)
}

// GetDependents returns the tasks that depend on path.
func (s *SQLiteStorage) GetDependents(ctx context.Context, path string) ([]*types.Task, error) {
	s.metrics.reads.Add(1)
	return getDependents(ctx, s.db, path)
}

// buildFilterClauses translates a TaskFilter into WHERE clauses.
func buildFilterClauses(filter types.TaskFilter) ([]string, []any) {
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		clauses = append(clauses, "task_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Priority != "" {
		clauses = append(clauses, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.ParentPath != "" {
		clauses = append(clauses, "parent_path = ?")
		args = append(args, filter.ParentPath)
	}
	if filter.PathPattern != "" {
		clauses = append(clauses, "path_norm GLOB ?")
		args = append(args, strings.ToLower(filter.PathPattern))
	}
	if filter.AssignedTo != "" {
		clauses = append(clauses, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.Tag != "" {
		// Tags are stored as a JSON array; match the quoted element.
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, `%"`+filter.Tag+`"%`)
	}
	if filter.CreatedAfter != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, *filter.CreatedBefore)
	}
	return clauses, args
}

// ListTasks returns tasks matching the filter, ordered by creation
// time, with offset/limit pagination applied from filter.Page.
func (s *SQLiteStorage) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	s.metrics.reads.Add(1)
	clauses, args := buildFilterClauses(filter)
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, path"

	page := filter.Page.Normalize()
	query += " LIMIT ? OFFSET ?"
	args = append(args, page.Limit, page.Offset)

	return queryTasks(ctx, s.db, query, args...)
}

// CountTasks returns the number of tasks matching the filter, ignoring
// pagination.
func (s *SQLiteStorage) CountTasks(ctx context.Context, filter types.TaskFilter) (int, error) {
	s.metrics.reads.Add(1)
	clauses, args := buildFilterClauses(filter)
	query := `SELECT COUNT(*) FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, wrapDBError("count tasks", err)
	}
	return count, nil
}

// GetStatistics aggregates task counts by status, type, and path depth.
func (s *SQLiteStorage) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	s.metrics.reads.Add(1)
	stats := &types.Statistics{
		TasksByStatus:  make(map[types.Status]int),
		TasksByType:    make(map[types.TaskType]int),
		DepthHistogram: make(map[int]int),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&stats.TotalTasks); err != nil {
		return nil, wrapDBError("count total tasks", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge`).Scan(&stats.TotalKnowledge); err != nil {
		return nil, wrapDBError("count knowledge", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_dependencies`).Scan(&stats.DependencyEdges); err != nil {
		return nil, wrapDBError("count dependencies", err)
	}

	statusRows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, wrapDBError("aggregate by status", err)
	}
	defer func() { _ = statusRows.Close() }()
	for statusRows.Next() {
		var key string
		var n int
		if err := statusRows.Scan(&key, &n); err != nil {
			return nil, wrapDBError("scan status aggregate", err)
		}
		stats.TasksByStatus[types.Status(key)] = n
	}
	if err := statusRows.Err(); err != nil {
		return nil, wrapDBError("iterate status aggregate", err)
	}

	typeRows, err := s.db.QueryContext(ctx,
		`SELECT task_type, COUNT(*) FROM tasks GROUP BY task_type`)
	if err != nil {
		return nil, wrapDBError("aggregate by type", err)
	}
	defer func() { _ = typeRows.Close() }()
	for typeRows.Next() {
		var key string
		var n int
		if err := typeRows.Scan(&key, &n); err != nil {
			return nil, wrapDBError("scan type aggregate", err)
		}
		stats.TasksByType[types.TaskType(key)] = n
	}
	if err := typeRows.Err(); err != nil {
		return nil, wrapDBError("iterate type aggregate", err)
	}

	// Depth = number of path segments; computed from the stored path so
	// the histogram stays true even if segments contain odd characters.
	depthRows, err := s.db.QueryContext(ctx, `SELECT path FROM tasks`)
	if err != nil {
		return nil, wrapDBError("scan paths for depth", err)
	}
	defer func() { _ = depthRows.Close() }()
	for depthRows.Next() {
		var p string
		if err := depthRows.Scan(&p); err != nil {
			return nil, wrapDBError("scan path", err)
		}
		stats.DepthHistogram[types.PathDepth(p)]++
	}
	return stats, depthRows.Err()
}
