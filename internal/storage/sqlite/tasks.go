package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/untoldecay/trellis/internal/idgen"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

// dbtx is satisfied by *sql.DB, *sql.Conn (via wrappers), and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatJSONStringArray(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func parseJSONStringArray(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil
	}
	return items
}

const taskColumns = `id, path, name, description, task_type, status, priority,
	parent_path, project_id, reasoning, links, tags, assigned_to,
	completion_requirements, output_format, metadata, created_at, updated_at,
	version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var links, tags, metadata string
	err := row.Scan(
		&t.ID, &t.Path, &t.Name, &t.Description, &t.Type, &t.Status,
		&t.Priority, &t.ParentPath, &t.ProjectID, &t.Reasoning,
		&links, &tags, &t.AssignedTo, &t.CompletionRequirements,
		&t.OutputFormat, &metadata, &t.Created, &t.Updated, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	t.Links = parseJSONStringArray(links)
	t.Tags = parseJSONStringArray(tags)
	if err := t.Metadata.UnmarshalText([]byte(metadata)); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for %s: %w", t.Path, err)
	}
	return &t, nil
}

// insertTask inserts a single task, failing on duplicate path or id.
func insertTask(ctx context.Context, q dbtx, task *types.Task) error {
	metadata, err := task.Metadata.MarshalText()
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO tasks (
			id, path, path_norm, name, description, task_type, status, priority,
			parent_path, project_id, reasoning, links, tags, assigned_to,
			completion_requirements, output_format, metadata,
			created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, task.Path, types.NormalizePath(task.Path), task.Name,
		task.Description, string(task.Type), string(task.Status),
		string(task.Priority), task.ParentPath, task.ProjectID,
		task.Reasoning, formatJSONStringArray(task.Links),
		formatJSONStringArray(task.Tags), task.AssignedTo,
		task.CompletionRequirements, task.OutputFormat, string(metadata),
		task.Created, task.Updated, task.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return taskerr.New(taskerr.KindDuplicate, "task already exists").WithPath(task.Path)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func insertDependencies(ctx context.Context, q dbtx, task *types.Task, actor string, now time.Time) error {
	for _, dep := range task.Dependencies {
		_, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_dependencies (task_path, depends_on, created_at, created_by)
			VALUES (?, ?, ?, ?)
		`, task.Path, dep, now, actor)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.Path, dep, err)
		}
	}
	return nil
}

func insertNotes(ctx context.Context, q dbtx, task *types.Task, now time.Time) error {
	for _, note := range task.Notes {
		id := note.ID
		if id == "" {
			id = idgen.NewID(idgen.DomainNote)
		}
		createdAt := note.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO task_notes (id, task_path, category, text, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, task.Path, string(note.Category), note.Text, createdAt)
		if err != nil {
			return fmt.Errorf("failed to insert note for %s: %w", task.Path, err)
		}
	}
	return nil
}

// prepareTask fills ids, timestamps, and the derived parent path before
// insert. Validation proper happens in the pipeline; this is the last
// line of defense for storage invariants.
func prepareTask(task *types.Task, now time.Time) error {
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	if task.ID == "" {
		task.ID = idgen.NewID(idgen.DomainTask)
	}
	if task.ParentPath == "" {
		task.ParentPath = types.ParentPath(task.Path)
	}
	if task.Created.IsZero() {
		task.Created = now
	}
	if task.Updated.IsZero() {
		task.Updated = now
	}
	if task.Version == 0 {
		task.Version = 1
	}
	return task.Validate()
}

func createTask(ctx context.Context, q dbtx, task *types.Task, actor string) error {
	now := time.Now().UTC()
	if err := prepareTask(task, now); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, err, "%v", err).WithPath(task.Path)
	}
	if err := insertTask(ctx, q, task); err != nil {
		return err
	}
	if err := insertDependencies(ctx, q, task, actor, now); err != nil {
		return err
	}
	if err := insertNotes(ctx, q, task, now); err != nil {
		return err
	}
	return recordEvent(ctx, q, task.ID, "created", actor, "", task.Path)
}

// CreateTask creates a single task with its dependencies and notes in
// one transaction.
func (s *SQLiteStorage) CreateTask(ctx context.Context, task *types.Task, actor string) error {
	s.metrics.writes.Add(1)
	return s.withTx(ctx, func(tx dbtx) error {
		return createTask(ctx, tx, task, actor)
	})
}

// CreateTasks creates multiple tasks atomically. All tasks are
// validated before any insert; the batch is all-or-nothing.
func (s *SQLiteStorage) CreateTasks(ctx context.Context, tasks []*types.Task, actor string) error {
	if len(tasks) == 0 {
		return nil
	}
	s.metrics.writes.Add(1)
	now := time.Now().UTC()
	for i, task := range tasks {
		if err := prepareTask(task, now); err != nil {
			return taskerr.Wrap(taskerr.KindValidation, err, "task %d: %v", i, err)
		}
	}
	return s.withTx(ctx, func(tx dbtx) error {
		for _, task := range tasks {
			if err := insertTask(ctx, tx, task); err != nil {
				return err
			}
			if err := insertDependencies(ctx, tx, task, actor, now); err != nil {
				return err
			}
			if err := insertNotes(ctx, tx, task, now); err != nil {
				return err
			}
		}
		return recordCreatedEvents(ctx, tx, tasks, actor)
	})
}

func getTask(ctx context.Context, q dbtx, path string) (*types.Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE path_norm = ?`,
		types.NormalizePath(path))
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get task", err)
	}
	return task, loadTaskRelations(ctx, q, task)
}

// loadTaskRelations fills dependencies, notes, and the ordered subtask
// projection.
func loadTaskRelations(ctx context.Context, q dbtx, task *types.Task) error {
	rows, err := q.QueryContext(ctx,
		`SELECT depends_on FROM task_dependencies WHERE task_path = ? ORDER BY created_at, depends_on`,
		task.Path)
	if err != nil {
		return wrapDBError("load dependencies", err)
	}
	defer func() { _ = rows.Close() }()
	task.Dependencies = nil
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return wrapDBError("scan dependency", err)
		}
		task.Dependencies = append(task.Dependencies, dep)
	}
	if err := rows.Err(); err != nil {
		return wrapDBError("iterate dependencies", err)
	}

	noteRows, err := q.QueryContext(ctx,
		`SELECT id, category, text, created_at FROM task_notes WHERE task_path = ? ORDER BY created_at, id`,
		task.Path)
	if err != nil {
		return wrapDBError("load notes", err)
	}
	defer func() { _ = noteRows.Close() }()
	task.Notes = nil
	for noteRows.Next() {
		var n types.Note
		if err := noteRows.Scan(&n.ID, &n.Category, &n.Text, &n.CreatedAt); err != nil {
			return wrapDBError("scan note", err)
		}
		task.Notes = append(task.Notes, n)
	}
	if err := noteRows.Err(); err != nil {
		return wrapDBError("iterate notes", err)
	}

	childRows, err := q.QueryContext(ctx,
		`SELECT path FROM tasks WHERE parent_path = ? ORDER BY created_at, path`,
		task.Path)
	if err != nil {
		return wrapDBError("load subtasks", err)
	}
	defer func() { _ = childRows.Close() }()
	task.Subtasks = nil
	for childRows.Next() {
		var p string
		if err := childRows.Scan(&p); err != nil {
			return wrapDBError("scan subtask", err)
		}
		task.Subtasks = append(task.Subtasks, p)
	}
	return childRows.Err()
}

// GetTask returns the task at path, or nil when absent.
func (s *SQLiteStorage) GetTask(ctx context.Context, path string) (*types.Task, error) {
	s.metrics.reads.Add(1)
	return getTask(ctx, s.db, path)
}

// GetTaskByID returns the task with the given minted id, or nil.
func (s *SQLiteStorage) GetTaskByID(ctx context.Context, id string) (*types.Task, error) {
	s.metrics.reads.Add(1)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get task by id", err)
	}
	return task, loadTaskRelations(ctx, s.db, task)
}

// taskFieldValidators maps updatable column names to validators,
// mirroring the create-side checks for partial updates.
var taskFieldValidators = map[string]func(any) error{
	"name": func(v any) error {
		if name, ok := v.(string); ok {
			if name == "" || len(name) > types.MaxNameLength {
				return fmt.Errorf("name must be 1-%d characters", types.MaxNameLength)
			}
		}
		return nil
	},
	"description": func(v any) error {
		if d, ok := v.(string); ok && len(d) > types.MaxDescriptionLength {
			return fmt.Errorf("description exceeds %d characters", types.MaxDescriptionLength)
		}
		return nil
	},
	"reasoning": func(v any) error {
		if r, ok := v.(string); ok && len(r) > types.MaxReasoningLength {
			return fmt.Errorf("reasoning exceeds %d characters", types.MaxReasoningLength)
		}
		return nil
	},
	"status": func(v any) error {
		if st, ok := v.(string); ok && !types.Status(st).IsValid() {
			return fmt.Errorf("invalid status: %s", st)
		}
		return nil
	},
	"task_type": func(v any) error {
		if tt, ok := v.(string); ok && !types.TaskType(tt).IsValid() {
			return fmt.Errorf("invalid task type: %s", tt)
		}
		return nil
	},
	"priority": func(v any) error {
		if p, ok := v.(string); ok && !types.Priority(p).IsValid() {
			return fmt.Errorf("invalid priority: %s", p)
		}
		return nil
	},
}

// updatableTaskColumns is the closed set of columns UpdateTask accepts.
var updatableTaskColumns = map[string]bool{
	"name": true, "description": true, "task_type": true, "status": true,
	"priority": true, "project_id": true, "reasoning": true,
	"assigned_to": true, "completion_requirements": true,
	"output_format": true, "links": true, "tags": true, "metadata": true,
}

func updateTask(ctx context.Context, q dbtx, path string, updates map[string]any, actor string) (*types.Task, error) {
	if len(updates) == 0 {
		return getTask(ctx, q, path)
	}

	before, err := getTask(ctx, q, path)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, taskerr.New(taskerr.KindNotFound, "task not found").WithPath(path)
	}

	setClauses := make([]string, 0, len(updates)+2)
	args := make([]any, 0, len(updates)+3)
	for key, value := range updates {
		if !updatableTaskColumns[key] {
			return nil, taskerr.New(taskerr.KindValidation, "unknown field %q", key).WithPath(path)
		}
		if validator, ok := taskFieldValidators[key]; ok {
			if err := validator(value); err != nil {
				return nil, taskerr.Wrap(taskerr.KindValidation, err, "%v", err).WithPath(path)
			}
		}
		switch key {
		case "links", "tags":
			if list, ok := value.([]string); ok {
				value = formatJSONStringArray(list)
			}
		case "metadata":
			if md, ok := value.(types.Metadata); ok {
				data, err := md.MarshalText()
				if err != nil {
					return nil, taskerr.Wrap(taskerr.KindValidation, err, "invalid metadata").WithPath(path)
				}
				value = string(data)
			}
		}
		setClauses = append(setClauses, key+" = ?")
		args = append(args, value)
	}
	setClauses = append(setClauses, "updated_at = ?", "version = version + 1")
	args = append(args, time.Now().UTC(), types.NormalizePath(path))

	// #nosec G201 - column names come from the closed updatable set
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE path_norm = ?`, strings.Join(setClauses, ", "))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, wrapDBError("update task", err)
	}

	if newStatus, ok := updates["status"].(string); ok && newStatus != string(before.Status) {
		if err := recordEvent(ctx, q, before.ID, "status_changed", actor, string(before.Status), newStatus); err != nil {
			return nil, err
		}
	} else {
		if err := recordEvent(ctx, q, before.ID, "updated", actor, "", ""); err != nil {
			return nil, err
		}
	}
	return getTask(ctx, q, path)
}

// UpdateTask applies a partial update and returns the new row.
func (s *SQLiteStorage) UpdateTask(ctx context.Context, path string, updates map[string]any, actor string) (*types.Task, error) {
	s.metrics.writes.Add(1)
	var updated *types.Task
	err := s.withTx(ctx, func(tx dbtx) error {
		var err error
		updated, err = updateTask(ctx, tx, path, updates, actor)
		return err
	})
	return updated, err
}

func deleteTask(ctx context.Context, q dbtx, path, actor string) error {
	task, err := getTask(ctx, q, path)
	if err != nil {
		return err
	}
	if task == nil {
		// Deleting a missing task is a no-op.
		return nil
	}
	// The tombstone outlives the physical row, which goes away with its
	// dependency and note edges via FK cascade.
	if err := recordEvent(ctx, q, task.ID, "deleted", actor, task.Path, ""); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO task_tombstones (task_id, path, deleted_at, deleted_by)
		VALUES (?, ?, ?, ?)
	`, task.ID, task.Path, time.Now().UTC(), actor); err != nil {
		return wrapDBError("record tombstone", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM task_dependencies WHERE depends_on = ?`, task.Path); err != nil {
		return wrapDBError("delete inbound dependencies", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE path_norm = ?`, types.NormalizePath(path)); err != nil {
		return wrapDBError("delete task", err)
	}
	return nil
}

// DeleteTask removes a single task. Cascade semantics across subtrees
// are orchestrated by the service layer, which deletes leaves first.
func (s *SQLiteStorage) DeleteTask(ctx context.Context, path string, actor string) error {
	s.metrics.writes.Add(1)
	return s.withTx(ctx, func(tx dbtx) error {
		return deleteTask(ctx, tx, path, actor)
	})
}

func moveTask(ctx context.Context, q dbtx, oldPath, newPath, actor string) error {
	task, err := getTask(ctx, q, oldPath)
	if err != nil {
		return err
	}
	if task == nil {
		return taskerr.New(taskerr.KindNotFound, "task not found").WithPath(oldPath)
	}
	if existing, err := getTask(ctx, q, newPath); err != nil {
		return err
	} else if existing != nil {
		return taskerr.New(taskerr.KindDuplicate, "target path already exists").WithPath(newPath)
	}

	subtree, err := collectSubtreePaths(ctx, q, task.Path)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, p := range subtree {
		rewritten := newPath + strings.TrimPrefix(p, task.Path)
		_, err := q.ExecContext(ctx, `
			UPDATE tasks
			SET path = ?, path_norm = ?, parent_path = ?, updated_at = ?, version = version + 1
			WHERE path_norm = ?
		`, rewritten, types.NormalizePath(rewritten), types.ParentPath(rewritten), now, types.NormalizePath(p))
		if err != nil {
			return wrapDBError("move task", err)
		}
	}
	return recordEvent(ctx, q, task.ID, "moved", actor, oldPath, newPath)
}

// MoveTask rewrites the path prefix of a task and its whole subtree.
// ON UPDATE CASCADE keeps edge tables consistent with the new paths.
func (s *SQLiteStorage) MoveTask(ctx context.Context, oldPath, newPath, actor string) error {
	s.metrics.writes.Add(1)
	return s.withTx(ctx, func(tx dbtx) error {
		return moveTask(ctx, tx, oldPath, newPath, actor)
	})
}

// collectSubtreePaths returns the task's path plus every descendant
// path, parents before children.
func collectSubtreePaths(ctx context.Context, q dbtx, root string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		WITH RECURSIVE subtree(path) AS (
			SELECT path FROM tasks WHERE path_norm = ?
			UNION ALL
			SELECT t.path FROM tasks t JOIN subtree s ON t.parent_path = s.path
		)
		SELECT path FROM subtree
	`, types.NormalizePath(root))
	if err != nil {
		return nil, wrapDBError("collect subtree", err)
	}
	defer func() { _ = rows.Close() }()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, wrapDBError("scan subtree path", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// AddNote appends a categorized note to a task.
func (s *SQLiteStorage) AddNote(ctx context.Context, taskPath string, note types.Note, actor string) error {
	s.metrics.writes.Add(1)
	return s.withTx(ctx, func(tx dbtx) error {
		return addNote(ctx, tx, taskPath, note, actor)
	})
}

func addNote(ctx context.Context, q dbtx, taskPath string, note types.Note, actor string) error {
	task, err := getTask(ctx, q, taskPath)
	if err != nil {
		return err
	}
	if task == nil {
		return taskerr.New(taskerr.KindNotFound, "task not found").WithPath(taskPath)
	}
	if len(task.Notes) >= types.MaxNotes {
		return taskerr.New(taskerr.KindLimitExceeded, "task has %d notes, maximum is %d",
			len(task.Notes), types.MaxNotes).WithPath(taskPath)
	}
	if note.ID == "" {
		note.ID = idgen.NewID(idgen.DomainNote)
	}
	now := time.Now().UTC()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO task_notes (id, task_path, category, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, note.ID, task.Path, string(note.Category), note.Text, note.CreatedAt)
	if err != nil {
		return wrapDBError("add note", err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE tasks SET updated_at = ?, version = version + 1 WHERE path_norm = ?`,
		now, types.NormalizePath(taskPath)); err != nil {
		return wrapDBError("touch task", err)
	}
	return recordEvent(ctx, q, task.ID, "note_added", actor, "", string(note.Category))
}
