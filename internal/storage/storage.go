// Package storage defines the interface for task storage backends.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/untoldecay/trellis/internal/types"
)

// ErrNotInitialized is returned when a storage feature is used before
// the database has been opened.
var ErrNotInitialized = errors.New("database not initialized")

// DeleteStrategy selects how DeleteTask treats descendants.
type DeleteStrategy string

const (
	// DeleteCascade removes the task and its whole subtree.
	DeleteCascade DeleteStrategy = "cascade"
	// DeleteBlock fails with HAS_CHILDREN when children exist.
	DeleteBlock DeleteStrategy = "block"
)

// Transaction exposes the subset of Storage methods that execute inside
// a single database transaction. If the callback passed to
// RunInTransaction returns an error or panics, the transaction is
// rolled back; on nil return it is committed. SQLite transactions begin
// IMMEDIATE so the write lock is taken up front and concurrent writers
// serialize instead of deadlocking.
type Transaction interface {
	CreateTask(ctx context.Context, task *types.Task, actor string) error
	CreateTasks(ctx context.Context, tasks []*types.Task, actor string) error
	UpdateTask(ctx context.Context, path string, updates map[string]any, actor string) (*types.Task, error)
	DeleteTask(ctx context.Context, path string, actor string) error
	MoveTask(ctx context.Context, oldPath, newPath, actor string) error
	GetTask(ctx context.Context, path string) (*types.Task, error) // read-your-writes within the transaction
	GetChildren(ctx context.Context, parentPath string) ([]*types.Task, error)
	GetDependents(ctx context.Context, path string) ([]*types.Task, error)

	AddDependency(ctx context.Context, dep *types.Dependency, actor string) error
	RemoveDependency(ctx context.Context, taskPath, dependsOn, actor string) error

	CreateKnowledge(ctx context.Context, k *types.Knowledge, actor string) error
	UpdateKnowledge(ctx context.Context, id string, updates map[string]any, actor string) (*types.Knowledge, error)
	DeleteKnowledge(ctx context.Context, id string) error

	AddNote(ctx context.Context, taskPath string, note types.Note, actor string) error

	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)
}

// RepairReport summarizes a RepairRelationships pass.
type RepairReport struct {
	Fixed  int      `json:"fixed"`
	Issues []string `json:"issues"`
}

// StoreStats reports size and health counters for maintenance surfaces.
type StoreStats struct {
	PageCount      int64     `json:"page_count"`
	PageSize       int64     `json:"page_size"`
	FreelistCount  int64     `json:"freelist_count"`
	WALPages       int64     `json:"wal_pages"`
	LastCheckpoint time.Time `json:"last_checkpoint"`
	LastVacuum     time.Time `json:"last_vacuum"`
}

// Metrics reports operation counters maintained by the store.
type Metrics struct {
	Reads       int64 `json:"reads"`
	Writes      int64 `json:"writes"`
	Retries     int64 `json:"retries"`
	Checkpoints int64 `json:"checkpoints"`
	Vacuums     int64 `json:"vacuums"`
}

// Storage defines the durable store contract. Missing records return
// nil for single gets and empty slices for list gets; only real
// failures return errors.
type Storage interface {
	// Tasks
	CreateTask(ctx context.Context, task *types.Task, actor string) error
	CreateTasks(ctx context.Context, tasks []*types.Task, actor string) error
	GetTask(ctx context.Context, path string) (*types.Task, error)
	GetTaskByID(ctx context.Context, id string) (*types.Task, error)
	GetTasksByIDs(ctx context.Context, ids []string) ([]*types.Task, error)
	GetTasksByPattern(ctx context.Context, glob string) ([]*types.Task, error)
	GetTasksByStatus(ctx context.Context, status types.Status) ([]*types.Task, error)
	GetChildren(ctx context.Context, parentPath string) ([]*types.Task, error)
	GetDependents(ctx context.Context, path string) ([]*types.Task, error)
	UpdateTask(ctx context.Context, path string, updates map[string]any, actor string) (*types.Task, error)
	DeleteTask(ctx context.Context, path string, actor string) error
	MoveTask(ctx context.Context, oldPath, newPath, actor string) error
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error)
	CountTasks(ctx context.Context, filter types.TaskFilter) (int, error)

	// Dependencies
	AddDependency(ctx context.Context, dep *types.Dependency, actor string) error
	RemoveDependency(ctx context.Context, taskPath, dependsOn, actor string) error
	GetDependencyRecords(ctx context.Context, taskPath string) ([]*types.Dependency, error)
	GetAllDependencyRecords(ctx context.Context) (map[string][]*types.Dependency, error)

	// Knowledge
	CreateKnowledge(ctx context.Context, k *types.Knowledge, actor string) error
	GetKnowledge(ctx context.Context, id string) (*types.Knowledge, error)
	UpdateKnowledge(ctx context.Context, id string, updates map[string]any, actor string) (*types.Knowledge, error)
	DeleteKnowledge(ctx context.Context, id string) error
	ListKnowledge(ctx context.Context, filter types.KnowledgeFilter) ([]*types.Knowledge, error)
	AddCitations(ctx context.Context, knowledgeID string, citations []types.Citation) error

	// Notes
	AddNote(ctx context.Context, taskPath string, note types.Note, actor string) error

	// Audit trail
	GetTaskEvents(ctx context.Context, taskID string, limit int) ([]*types.TaskEvent, error)
	ListTombstones(ctx context.Context, since time.Time) ([]*types.Tombstone, error)

	// Statistics
	GetStatistics(ctx context.Context) (*types.Statistics, error)

	// Config / metadata KV
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)

	// Maintenance
	Vacuum(ctx context.Context) error
	Analyze(ctx context.Context) error
	Checkpoint(ctx context.Context) error
	VerifyIntegrity(ctx context.Context) error
	RepairRelationships(ctx context.Context, dryRun bool) (*RepairReport, error)
	Stats(ctx context.Context) (*StoreStats, error)
	Metrics() Metrics

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
	Path() string

	// UnderlyingDB exposes the *sql.DB for the export and migration
	// tooling. It bypasses the storage layer; use with caution.
	UnderlyingDB() *sql.DB
}

// Config holds database configuration resolved from the config package.
type Config struct {
	BaseDir string
	Name    string

	MaxConnections int
	BusyTimeout    time.Duration
	IdleTimeout    time.Duration

	PageSize           int
	CacheSizePages     int
	MmapSize           int64
	CheckpointInterval time.Duration
	VacuumInterval     time.Duration

	JournalMode string // WAL
	Synchronous string // NORMAL
	TempStore   string // FILE
	AutoVacuum  string // NONE

	StartupBackups int
}
