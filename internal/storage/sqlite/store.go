// Package sqlite implements the storage interface using SQLite via the
// ncruces/go-sqlite3 pure-Go driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/untoldecay/trellis/internal/logging"
	"github.com/untoldecay/trellis/internal/storage"
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string
	cfg    storage.Config
	log    *logging.Logger
	lock   *flock.Flock
	closed atomic.Bool

	metrics struct {
		reads       atomic.Int64
		writes      atomic.Int64
		retries     atomic.Int64
		checkpoints atomic.Int64
		vacuums     atomic.Int64
	}

	maint struct {
		mu             sync.Mutex
		lastCheckpoint time.Time
		lastVacuum     time.Time
	}

	stopTimers chan struct{}
	timerOnce  sync.Once
}

// setupWASMCache configures WASM compilation caching so the SQLite
// runtime is JIT-compiled once per machine instead of per process.
// Falls back to an in-memory cache when the cache dir cannot be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "trellis", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Open creates or opens the database described by cfg. For file-backed
// databases it performs the startup sequence: lock acquisition, startup
// backup, stray WAL/SHM cleanup, pragma setup, schema init, migrations,
// and a checkpoint-to-truncate.
func Open(ctx context.Context, cfg storage.Config, log *logging.Logger) (*SQLiteStorage, error) {
	if log == nil {
		log = logging.NewSilent()
	}

	path := cfg.Name
	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !inMemory {
		if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
			return nil, wrapDBError("create base dir", err)
		}
		path = filepath.Join(cfg.BaseDir, cfg.Name)
	}

	s := &SQLiteStorage{cfg: cfg, log: log, stopTimers: make(chan struct{})}

	if !inMemory {
		// Advisory lock serializes store ownership across processes.
		s.lock = flock.New(path + ".lock")
		locked, err := s.lock.TryLock()
		if err != nil {
			return nil, wrapDBError("acquire db lock", err)
		}
		if !locked {
			return nil, fmt.Errorf("database %s is locked by another process", path)
		}

		if err := startupBackup(path, cfg.StartupBackups, log); err != nil {
			// Backup failure is logged, not fatal: the live database is intact.
			log.Warn("startup backup failed", "error", err)
		}
		cleanStrayWAL(path, log)
	}

	connStr := buildConnString(path, cfg, inMemory)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, wrapDBError("open database", err)
	}

	if inMemory {
		// In-memory databases are isolated per connection; force a
		// single connection so all users see the same data.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		maxConns := cfg.MaxConnections
		if maxConns <= 0 {
			maxConns = 10
		}
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(2)
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
		db.SetConnMaxLifetime(0) // SQLite does not need connection recycling
	}

	if !inMemory {
		if _, err := db.Exec("PRAGMA journal_mode=" + pragmaOrDefault(cfg.JournalMode, "WAL")); err != nil {
			_ = db.Close()
			return nil, wrapDBError("enable WAL mode", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrapDBError("ping database", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, wrapDBError("initialize schema", err)
	}

	if err := RunMigrations(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	absPath := path
	if !inMemory {
		if absPath, err = filepath.Abs(path); err != nil {
			_ = db.Close()
			return nil, wrapDBError("resolve path", err)
		}
	}

	s.db = db
	s.dbPath = absPath

	if !inMemory {
		// Startup checkpoint folds any recovered WAL into the main file.
		if err := s.Checkpoint(ctx); err != nil {
			log.Warn("startup checkpoint failed", "error", err)
		}
		s.startMaintenanceTimers()
	}

	return s, nil
}

func pragmaOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// buildConnString assembles the driver URI with the configured pragmas.
func buildConnString(path string, cfg storage.Config, inMemory bool) string {
	if inMemory {
		// Shared cache so multiple handles in one process see the same
		// data; WAL does not apply to memory databases.
		return "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		"_pragma=foreign_keys(ON)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()),
		fmt.Sprintf("_pragma=synchronous(%s)", pragmaOrDefault(cfg.Synchronous, "NORMAL")),
		fmt.Sprintf("_pragma=cache_size(%d)", orInt(cfg.CacheSizePages, 2000)),
		fmt.Sprintf("_pragma=mmap_size(%d)", orInt64(cfg.MmapSize, 64*1024*1024)),
		fmt.Sprintf("_pragma=temp_store(%s)", pragmaOrDefault(cfg.TempStore, "FILE")),
		fmt.Sprintf("_pragma=auto_vacuum(%s)", pragmaOrDefault(cfg.AutoVacuum, "NONE")),
		"_time_format=sqlite",
	}
	return "file:" + path + "?" + strings.Join(pragmas, "&")
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orInt64(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

// cleanStrayWAL removes -wal/-shm sidecars left behind without a main
// database file; SQLite would otherwise refuse to open.
func cleanStrayWAL(path string, log *logging.Logger) {
	if _, err := os.Stat(path); err == nil {
		return
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		stray := path + suffix
		if _, err := os.Stat(stray); err == nil {
			log.Warn("removing stray sidecar without main database", "file", stray)
			_ = os.Remove(stray)
		}
	}
}

// startMaintenanceTimers schedules periodic checkpoint and vacuum.
func (s *SQLiteStorage) startMaintenanceTimers() {
	s.timerOnce.Do(func() {
		checkpointEvery := s.cfg.CheckpointInterval
		if checkpointEvery <= 0 {
			checkpointEvery = 5 * time.Minute
		}
		vacuumEvery := s.cfg.VacuumInterval
		if vacuumEvery <= 0 {
			vacuumEvery = time.Hour
		}
		go func() {
			ct := time.NewTicker(checkpointEvery)
			vt := time.NewTicker(vacuumEvery)
			defer ct.Stop()
			defer vt.Stop()
			for {
				select {
				case <-s.stopTimers:
					return
				case <-ct.C:
					if err := s.Checkpoint(context.Background()); err != nil {
						s.log.Warn("periodic checkpoint failed", "error", err)
					}
				case <-vt.C:
					if err := s.Vacuum(context.Background()); err != nil {
						s.log.Warn("periodic vacuum failed", "error", err)
					}
				}
			}
		}()
	})
}

// Close checkpoints the WAL and releases the database and its lock.
func (s *SQLiteStorage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stopTimers)
	// Without this checkpoint, committed writes can be stranded in the
	// WAL between process runs.
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.db.Close()
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return err
}

// Path returns the absolute path to the database file.
func (s *SQLiteStorage) Path() string { return s.dbPath }

// IsClosed reports whether Close has been called.
func (s *SQLiteStorage) IsClosed() bool { return s.closed.Load() }

// UnderlyingDB returns the *sql.DB for export and migration tooling.
func (s *SQLiteStorage) UnderlyingDB() *sql.DB { return s.db }

// Metrics returns operation counters.
func (s *SQLiteStorage) Metrics() storage.Metrics {
	return storage.Metrics{
		Reads:       s.metrics.reads.Load(),
		Writes:      s.metrics.writes.Load(),
		Retries:     s.metrics.retries.Load(),
		Checkpoints: s.metrics.checkpoints.Load(),
		Vacuums:     s.metrics.vacuums.Load(),
	}
}
