package sqlite

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/untoldecay/trellis/internal/logging"
)

// startupBackup snapshots the database file plus any WAL/SHM sidecars
// into a timestamped directory before the store opens, then prunes old
// snapshots down to retain. A missing database file (first run) is not
// an error.
func startupBackup(dbPath string, retain int, log *logging.Logger) error {
	if retain <= 0 {
		retain = 5
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil
	}

	backupRoot := filepath.Join(filepath.Dir(dbPath), "startup-backups")
	stamp := time.Now().UTC().Format("20060102-150405")
	dir := filepath.Join(backupRoot, stamp)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	files := []string{dbPath, dbPath + "-wal", dbPath + "-shm"}
	for _, src := range files {
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
		}
	}
	log.Debug("startup backup written", "dir", dir)

	return pruneBackups(backupRoot, retain, log)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// pruneBackups keeps the newest retain snapshot directories and removes
// the rest. Directory names sort chronologically by construction.
func pruneBackups(backupRoot string, retain int, log *logging.Logger) error {
	entries, err := os.ReadDir(backupRoot)
	if err != nil {
		return err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) <= retain {
		return nil
	}
	sort.Strings(dirs)
	for _, name := range dirs[:len(dirs)-retain] {
		stale := filepath.Join(backupRoot, name)
		if err := os.RemoveAll(stale); err != nil {
			log.Warn("failed to prune stale backup", "dir", stale, "error", err)
		}
	}
	return nil
}
