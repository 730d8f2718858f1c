// Package export writes consistent snapshots of the store to a
// directory of JSONL files with a YAML manifest, and restores them.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/untoldecay/trellis/internal/logging"
	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

// ManifestVersion is bumped when the snapshot layout changes.
const ManifestVersion = 1

// Snapshot file names.
const (
	FileTasks        = "tasks.jsonl"
	FileKnowledge    = "knowledge.jsonl"
	FileDependencies = "dependencies.jsonl"
	FileManifest     = "manifest.yaml"
)

// MetadataLastExport is the store metadata key recording the manifest
// checksum of the most recent export.
const MetadataLastExport = "last_export_checksum"

// Counts summarizes snapshot contents.
type Counts struct {
	Tasks        int `yaml:"tasks"`
	Knowledge    int `yaml:"knowledge"`
	Dependencies int `yaml:"dependencies"`
}

// Manifest describes one snapshot directory.
type Manifest struct {
	Version   int               `yaml:"version"`
	CreatedAt time.Time         `yaml:"created_at"`
	Counts    Counts            `yaml:"counts"`
	Checksums map[string]string `yaml:"checksums"`
}

// Exporter serializes the store.
type Exporter struct {
	store storage.Storage
	log   *logging.Logger
}

// NewExporter constructs an exporter.
func NewExporter(store storage.Storage, log *logging.Logger) *Exporter {
	if log == nil {
		log = logging.NewSilent()
	}
	return &Exporter{store: store, log: log}
}

// Export checkpoints the WAL and writes the snapshot files plus the
// manifest into dir, creating it if needed.
func (e *Exporter) Export(ctx context.Context, dir string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorageIO, err, "create snapshot directory")
	}
	if err := e.store.Checkpoint(ctx); err != nil {
		return nil, err
	}

	tasks, err := allTasks(ctx, e.store)
	if err != nil {
		return nil, err
	}
	knowledge, err := e.store.ListKnowledge(ctx, types.KnowledgeFilter{})
	if err != nil {
		return nil, err
	}
	depRecords, err := e.store.GetAllDependencyRecords(ctx)
	if err != nil {
		return nil, err
	}
	var deps []*types.Dependency
	for _, records := range depRecords {
		deps = append(deps, records...)
	}

	manifest := &Manifest{
		Version:   ManifestVersion,
		CreatedAt: time.Now().UTC(),
		Counts: Counts{
			Tasks:        len(tasks),
			Knowledge:    len(knowledge),
			Dependencies: len(deps),
		},
		Checksums: make(map[string]string, 3),
	}

	if manifest.Checksums[FileTasks], err = writeJSONL(filepath.Join(dir, FileTasks), tasks); err != nil {
		return nil, err
	}
	if manifest.Checksums[FileKnowledge], err = writeJSONL(filepath.Join(dir, FileKnowledge), knowledge); err != nil {
		return nil, err
	}
	if manifest.Checksums[FileDependencies], err = writeJSONL(filepath.Join(dir, FileDependencies), deps); err != nil {
		return nil, err
	}

	raw, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, err, "encode manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, FileManifest), raw, 0o644); err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorageIO, err, "write manifest")
	}

	sum := sha256.Sum256(raw)
	if err := e.store.SetMetadata(ctx, MetadataLastExport, hex.EncodeToString(sum[:])); err != nil {
		return nil, err
	}
	e.log.Info("snapshot exported", "dir", dir,
		"tasks", manifest.Counts.Tasks, "knowledge", manifest.Counts.Knowledge)
	return manifest, nil
}

// allTasks pages through the whole store ordered by creation.
func allTasks(ctx context.Context, store storage.Storage) ([]*types.Task, error) {
	var out []*types.Task
	for offset := 0; ; offset += types.MaxPageLimit {
		page, err := store.ListTasks(ctx, types.TaskFilter{
			Page: types.Page{Offset: offset, Limit: types.MaxPageLimit},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < types.MaxPageLimit {
			return out, nil
		}
	}
}

// writeJSONL writes one JSON document per line and returns the file's
// sha256 hex digest.
func writeJSONL[T any](path string, items []T) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindStorageIO, err, "create %s", filepath.Base(path))
	}
	defer f.Close()

	h := sha256.New()
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return "", taskerr.Wrap(taskerr.KindInternal, err, "encode %s", filepath.Base(path))
		}
		line = append(line, '\n')
		h.Write(line)
		if _, err := f.Write(line); err != nil {
			return "", taskerr.Wrap(taskerr.KindStorageIO, err, "write %s", filepath.Base(path))
		}
	}
	if err := f.Close(); err != nil {
		return "", taskerr.Wrap(taskerr.KindStorageIO, err, "close %s", filepath.Base(path))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// checksumFile returns the sha256 hex digest of a snapshot file.
func checksumFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindStorageIO, err, "read %s", filepath.Base(path))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// readJSONL decodes one JSON document per line.
func readJSONL[T any](path string) ([]T, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorageIO, err, "read %s", filepath.Base(path))
	}
	var out []T
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var item T
		if err := dec.Decode(&item); err != nil {
			return nil, taskerr.Wrap(taskerr.KindStorageCorrupt, err,
				"decode %s line %d", filepath.Base(path), len(out)+1)
		}
		out = append(out, item)
	}
	return out, nil
}
