package sqlite

import (
	"context"
	"time"

	"github.com/untoldecay/trellis/internal/types"
)

// recordEvent appends one audit-trail row for a task mutation.
func recordEvent(ctx context.Context, q dbtx, taskID, eventType, actor, oldValue, newValue string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, actor, old_value, new_value)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, eventType, actor, oldValue, newValue)
	if err != nil {
		return wrapDBError("record event", err)
	}
	return nil
}

// recordCreatedEvents writes creation rows for a batch in one statement
// per chunk instead of one insert per task.
func recordCreatedEvents(ctx context.Context, q dbtx, tasks []*types.Task, actor string) error {
	const chunkSize = 100
	for start := 0; start < len(tasks); start += chunkSize {
		end := start + chunkSize
		if end > len(tasks) {
			end = len(tasks)
		}
		chunk := tasks[start:end]
		query := `INSERT INTO task_events (task_id, event_type, actor, old_value, new_value) VALUES `
		args := make([]any, 0, len(chunk)*5)
		for i, task := range chunk {
			if i > 0 {
				query += ", "
			}
			query += "(?, ?, ?, ?, ?)"
			args = append(args, task.ID, "created", actor, "", task.Path)
		}
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return wrapDBError("record creation events", err)
		}
	}
	return nil
}

// GetTaskEvents returns the audit trail for a task, newest first.
func (s *SQLiteStorage) GetTaskEvents(ctx context.Context, taskID string, limit int) ([]*types.TaskEvent, error) {
	s.metrics.reads.Add(1)
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event_type, actor,
		       COALESCE(old_value, ''), COALESCE(new_value, ''), created_at
		FROM task_events WHERE task_id = ?
		ORDER BY id DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, wrapDBError("get task events", err)
	}
	defer func() { _ = rows.Close() }()
	var events []*types.TaskEvent
	for rows.Next() {
		var e types.TaskEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &e.Actor,
			&e.OldValue, &e.NewValue, &e.CreatedAt); err != nil {
			return nil, wrapDBError("scan task event", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ListTombstones returns deletion tombstones recorded at or after
// since, newest first. A zero since returns all retained tombstones.
func (s *SQLiteStorage) ListTombstones(ctx context.Context, since time.Time) ([]*types.Tombstone, error) {
	s.metrics.reads.Add(1)
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, path, deleted_at, deleted_by, reason
		FROM task_tombstones WHERE deleted_at >= ?
		ORDER BY deleted_at DESC
	`, since.UTC())
	if err != nil {
		return nil, wrapDBError("list tombstones", err)
	}
	defer func() { _ = rows.Close() }()
	var tombstones []*types.Tombstone
	for rows.Next() {
		var t types.Tombstone
		if err := rows.Scan(&t.TaskID, &t.Path, &t.DeletedAt, &t.DeletedBy, &t.Reason); err != nil {
			return nil, wrapDBError("scan tombstone", err)
		}
		tombstones = append(tombstones, &t)
	}
	return tombstones, rows.Err()
}
