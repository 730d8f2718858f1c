package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

// tombstoneRetention bounds how long deletion tombstones are kept.
const tombstoneRetention = 30 * 24 * time.Hour

// Vacuum purges expired tombstones, then rewrites the database file to
// reclaim free pages. Must run outside any transaction.
func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrNotInitialized
	}
	cutoff := time.Now().Add(-tombstoneRetention).UTC()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_tombstones WHERE deleted_at < ?`, cutoff); err != nil {
		return wrapDBError("purge tombstones", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return wrapDBError("vacuum", err)
	}
	s.metrics.vacuums.Add(1)
	s.maint.mu.Lock()
	s.maint.lastVacuum = time.Now()
	s.maint.mu.Unlock()
	return nil
}

// Analyze refreshes the query planner statistics.
func (s *SQLiteStorage) Analyze(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrNotInitialized
	}
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return wrapDBError("analyze", err)
	}
	return nil
}

// Checkpoint folds the WAL into the main file and truncates it.
func (s *SQLiteStorage) Checkpoint(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrNotInitialized
	}
	var busy, logPages, checkpointed int64
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").
		Scan(&busy, &logPages, &checkpointed)
	if err != nil {
		return wrapDBError("checkpoint", err)
	}
	if busy != 0 {
		return taskerr.New(taskerr.KindConflict, "checkpoint blocked by concurrent reader")
	}
	s.metrics.checkpoints.Add(1)
	s.maint.mu.Lock()
	s.maint.lastCheckpoint = time.Now()
	s.maint.mu.Unlock()
	return nil
}

// VerifyIntegrity runs the full integrity check and surfaces any
// reported corruption as STORAGE_CORRUPT.
func (s *SQLiteStorage) VerifyIntegrity(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return wrapDBError("integrity check", err)
	}
	defer func() { _ = rows.Close() }()
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return wrapDBError("scan integrity result", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return wrapDBError("iterate integrity results", err)
	}
	if len(problems) > 0 {
		return taskerr.New(taskerr.KindStorageCorrupt,
			"integrity check reported %d problems: %s", len(problems), problems[0])
	}
	return nil
}

// RepairRelationships scans for referential drift the schema cannot
// prevent: dependency edges pointing at missing tasks, children whose
// parent path no longer resolves, and notes on missing tasks. With
// dryRun the issues are reported but nothing is changed.
func (s *SQLiteStorage) RepairRelationships(ctx context.Context, dryRun bool) (*storage.RepairReport, error) {
	if s.closed.Load() {
		return nil, storage.ErrNotInitialized
	}
	report := &storage.RepairReport{}

	err := s.withTx(ctx, func(tx dbtx) error {
		// Dependency edges whose target task is gone.
		rows, err := tx.QueryContext(ctx, `
			SELECT d.task_path, d.depends_on FROM task_dependencies d
			LEFT JOIN tasks t ON t.path = d.depends_on
			WHERE t.path IS NULL
		`)
		if err != nil {
			return wrapDBError("scan dangling dependencies", err)
		}
		type edge struct{ from, to string }
		var dangling []edge
		for rows.Next() {
			var e edge
			if err := rows.Scan(&e.from, &e.to); err != nil {
				_ = rows.Close()
				return wrapDBError("scan dangling edge", err)
			}
			dangling = append(dangling, e)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return wrapDBError("iterate dangling edges", err)
		}
		for _, e := range dangling {
			report.Issues = append(report.Issues,
				fmt.Sprintf("dependency %s -> %s references missing task", e.from, e.to))
			if !dryRun {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM task_dependencies WHERE task_path = ? AND depends_on = ?`,
					e.from, e.to); err != nil {
					return wrapDBError("remove dangling dependency", err)
				}
				report.Fixed++
			}
		}

		// Tasks whose recorded parent path does not resolve. The fix
		// recomputes parent_path from the task's own path.
		orphanRows, err := tx.QueryContext(ctx, `
			SELECT c.path, c.parent_path FROM tasks c
			LEFT JOIN tasks p ON p.path = c.parent_path
			WHERE c.parent_path != '' AND p.path IS NULL
		`)
		if err != nil {
			return wrapDBError("scan orphaned tasks", err)
		}
		type orphan struct{ path, parent string }
		var orphans []orphan
		for orphanRows.Next() {
			var o orphan
			if err := orphanRows.Scan(&o.path, &o.parent); err != nil {
				_ = orphanRows.Close()
				return wrapDBError("scan orphan", err)
			}
			orphans = append(orphans, o)
		}
		_ = orphanRows.Close()
		if err := orphanRows.Err(); err != nil {
			return wrapDBError("iterate orphans", err)
		}
		for _, o := range orphans {
			derived := types.ParentPath(o.path)
			report.Issues = append(report.Issues,
				fmt.Sprintf("task %s records missing parent %s", o.path, o.parent))
			if !dryRun && derived != o.parent {
				if _, err := tx.ExecContext(ctx,
					`UPDATE tasks SET parent_path = ? WHERE path = ?`,
					derived, o.path); err != nil {
					return wrapDBError("repair parent path", err)
				}
				report.Fixed++
			}
		}

		// Notes attached to missing tasks.
		if !dryRun {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM task_notes WHERE task_path NOT IN (SELECT path FROM tasks)
			`)
			if err != nil {
				return wrapDBError("remove orphaned notes", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				report.Issues = append(report.Issues,
					fmt.Sprintf("%d notes attached to missing tasks", n))
				report.Fixed += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Stats reports page-level size counters for maintenance surfaces.
func (s *SQLiteStorage) Stats(ctx context.Context) (*storage.StoreStats, error) {
	if s.closed.Load() {
		return nil, storage.ErrNotInitialized
	}
	stats := &storage.StoreStats{}
	pragmas := []struct {
		name string
		dest *int64
	}{
		{"page_count", &stats.PageCount},
		{"page_size", &stats.PageSize},
		{"freelist_count", &stats.FreelistCount},
	}
	for _, p := range pragmas {
		if err := s.db.QueryRowContext(ctx, "PRAGMA "+p.name).Scan(p.dest); err != nil {
			return nil, wrapDBError("pragma "+p.name, err)
		}
	}
	// wal_checkpoint(PASSIVE) reports the WAL size without blocking.
	var busy, checkpointed int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").
		Scan(&busy, &stats.WALPages, &checkpointed); err != nil {
		// Memory databases have no WAL.
		stats.WALPages = 0
	}
	s.maint.mu.Lock()
	stats.LastCheckpoint = s.maint.lastCheckpoint
	stats.LastVacuum = s.maint.lastVacuum
	s.maint.mu.Unlock()
	return stats, nil
}
