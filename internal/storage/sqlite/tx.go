package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/types"
)

// beginImmediateWithRetry starts an IMMEDIATE transaction on conn,
// retrying with exponential backoff when SQLite reports BUSY. IMMEDIATE
// takes the write lock at BEGIN so concurrent writers serialize instead
// of deadlocking at first write.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, maxAttempts int, baseDelay time.Duration) error {
	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("begin immediate failed after %d attempts: %w", maxAttempts, lastErr)
}

// withTx runs fn inside an IMMEDIATE transaction on a dedicated
// connection, committing on nil return and rolling back on error or
// panic.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(q dbtx) error) error {
	if s.closed.Load() {
		return storage.ErrNotInitialized
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return wrapDBError("acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		s.metrics.retries.Add(1)
		return wrapDBError("begin transaction", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Rollback must not be skipped by a cancelled ctx.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return wrapDBError("commit transaction", err)
	}
	committed = true
	return nil
}

// sqlTx adapts an open connection-scoped transaction to the
// storage.Transaction interface for RunInTransaction callbacks.
type sqlTx struct {
	q dbtx
	s *SQLiteStorage
}

var _ storage.Transaction = (*sqlTx)(nil)

func (t *sqlTx) CreateTask(ctx context.Context, task *types.Task, actor string) error {
	return createTask(ctx, t.q, task, actor)
}

func (t *sqlTx) CreateTasks(ctx context.Context, tasks []*types.Task, actor string) error {
	now := time.Now().UTC()
	for i, task := range tasks {
		if err := prepareTask(task, now); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	for _, task := range tasks {
		if err := insertTask(ctx, t.q, task); err != nil {
			return err
		}
		if err := insertDependencies(ctx, t.q, task, actor, now); err != nil {
			return err
		}
		if err := insertNotes(ctx, t.q, task, now); err != nil {
			return err
		}
	}
	return recordCreatedEvents(ctx, t.q, tasks, actor)
}

func (t *sqlTx) UpdateTask(ctx context.Context, path string, updates map[string]any, actor string) (*types.Task, error) {
	return updateTask(ctx, t.q, path, updates, actor)
}

func (t *sqlTx) DeleteTask(ctx context.Context, path string, actor string) error {
	return deleteTask(ctx, t.q, path, actor)
}

func (t *sqlTx) MoveTask(ctx context.Context, oldPath, newPath, actor string) error {
	return moveTask(ctx, t.q, oldPath, newPath, actor)
}

func (t *sqlTx) GetTask(ctx context.Context, path string) (*types.Task, error) {
	return getTask(ctx, t.q, path)
}

func (t *sqlTx) GetChildren(ctx context.Context, parentPath string) ([]*types.Task, error) {
	return getChildren(ctx, t.q, parentPath)
}

func (t *sqlTx) GetDependents(ctx context.Context, path string) ([]*types.Task, error) {
	return getDependents(ctx, t.q, path)
}

func (t *sqlTx) AddDependency(ctx context.Context, dep *types.Dependency, actor string) error {
	return addDependency(ctx, t.q, dep, actor)
}

func (t *sqlTx) RemoveDependency(ctx context.Context, taskPath, dependsOn, actor string) error {
	return removeDependency(ctx, t.q, taskPath, dependsOn, actor)
}

func (t *sqlTx) CreateKnowledge(ctx context.Context, k *types.Knowledge, actor string) error {
	return createKnowledge(ctx, t.q, k, actor)
}

func (t *sqlTx) UpdateKnowledge(ctx context.Context, id string, updates map[string]any, actor string) (*types.Knowledge, error) {
	return updateKnowledge(ctx, t.q, id, updates, actor)
}

func (t *sqlTx) DeleteKnowledge(ctx context.Context, id string) error {
	return deleteKnowledge(ctx, t.q, id)
}

func (t *sqlTx) AddNote(ctx context.Context, taskPath string, note types.Note, actor string) error {
	return addNote(ctx, t.q, taskPath, note, actor)
}

func (t *sqlTx) SetConfig(ctx context.Context, key, value string) error {
	return setKV(ctx, t.q, "config", key, value)
}

func (t *sqlTx) GetConfig(ctx context.Context, key string) (string, error) {
	return getKV(ctx, t.q, "config", key)
}

func (t *sqlTx) SetMetadata(ctx context.Context, key, value string) error {
	return setKV(ctx, t.q, "metadata", key, value)
}

func (t *sqlTx) GetMetadata(ctx context.Context, key string) (string, error) {
	return getKV(ctx, t.q, "metadata", key)
}

// RunInTransaction executes fn inside a single IMMEDIATE transaction.
// All Transaction method calls made by fn see each other's writes and
// commit or roll back as one unit.
func (s *SQLiteStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	s.metrics.writes.Add(1)
	return s.withTx(ctx, func(q dbtx) error {
		return fn(&sqlTx{q: q, s: s})
	})
}
