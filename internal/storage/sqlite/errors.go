package sqlite

import (
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/ncruces/go-sqlite3"

	"github.com/untoldecay/trellis/internal/taskerr"
)

// wrapDBError classifies a driver error into the shared taxonomy while
// preserving the cause for errors.Is chains.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case IsCorrupt(err):
		return taskerr.Wrap(taskerr.KindStorageCorrupt, err, "%s: database corrupt", op)
	case IsRetryable(err):
		return taskerr.Wrap(taskerr.KindStorageIO, err, "%s: %v", op, err)
	case isConstraint(err):
		return taskerr.Wrap(taskerr.KindConflict, err, "%s: %v", op, err)
	default:
		return taskerr.Wrap(taskerr.KindStorageIO, err, "%s: %v", op, err)
	}
}

func wrapDBErrorf(err error, format string, args ...any) error {
	return wrapDBError(fmt.Sprintf(format, args...), err)
}

// IsRetryable reports whether the error is a transient busy/locked/full
// condition worth retrying with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.BUSY, sqlite3.LOCKED, sqlite3.FULL, sqlite3.IOERR:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "deadlock")
}

// IsCorrupt reports whether the error indicates on-disk corruption.
// Corruption is fatal; callers surface STORAGE_CORRUPT and shut down.
func IsCorrupt(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.CORRUPT, sqlite3.NOTADB:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database")
}

// isConstraint detects UNIQUE/FK constraint violations, used to map
// duplicate keys onto CONFLICT rather than STORAGE_IO.
func isConstraint(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlite3.CONSTRAINT
	}
	return strings.Contains(err.Error(), "constraint failed")
}

// isUniqueConstraintError narrows isConstraint to UNIQUE violations.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
