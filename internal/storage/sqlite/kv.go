package sqlite

import (
	"context"
	"database/sql"
)

// setKV upserts into one of the two KV tables (config or metadata).
// The table name is always a compile-time constant at call sites.
func setKV(ctx context.Context, q dbtx, table, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO `+table+` (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return wrapDBError("set "+table, err)
	}
	return nil
}

// getKV reads a key, returning "" when absent.
func getKV(ctx context.Context, q dbtx, table, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx,
		`SELECT value FROM `+table+` WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", wrapDBError("get "+table, err)
	}
	return value, nil
}

// SetConfig stores a user-facing setting.
func (s *SQLiteStorage) SetConfig(ctx context.Context, key, value string) error {
	s.metrics.writes.Add(1)
	return setKV(ctx, s.db, "config", key, value)
}

// GetConfig reads a user-facing setting, "" when unset.
func (s *SQLiteStorage) GetConfig(ctx context.Context, key string) (string, error) {
	s.metrics.reads.Add(1)
	return getKV(ctx, s.db, "config", key)
}

// SetMetadata stores internal state such as export checksums.
func (s *SQLiteStorage) SetMetadata(ctx context.Context, key, value string) error {
	s.metrics.writes.Add(1)
	return setKV(ctx, s.db, "metadata", key, value)
}

// GetMetadata reads internal state, "" when unset.
func (s *SQLiteStorage) GetMetadata(ctx context.Context, key string) (string, error) {
	s.metrics.reads.Add(1)
	return getKV(ctx, s.db, "metadata", key)
}
