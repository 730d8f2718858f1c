package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/untoldecay/trellis/internal/index"
	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/storage/sqlite"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

func openStore(t *testing.T, name string) storage.Storage {
	t.Helper()
	store, err := sqlite.Open(context.Background(), storage.Config{BaseDir: t.TempDir(), Name: name}, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedStore(t *testing.T, store storage.Storage) {
	t.Helper()
	ctx := context.Background()
	tasks := []*types.Task{
		{Path: "app", Name: "App", Type: types.TypeTask, Status: types.StatusPending, Priority: types.PriorityMedium},
		{Path: "app/api", Name: "API", Type: types.TypeTask, Status: types.StatusInProgress, Priority: types.PriorityHigh,
			Notes: []types.Note{{Category: types.NoteProgress, Text: "endpoints sketched"}}},
		{Path: "lib", Name: "Lib", Type: types.TypeTask, Status: types.StatusPending, Priority: types.PriorityLow,
			Dependencies: []string{"app/api"}},
	}
	for _, task := range tasks {
		if err := store.CreateTask(ctx, task, "seed"); err != nil {
			t.Fatalf("seed task %s failed: %v", task.Path, err)
		}
	}
	if err := store.CreateKnowledge(ctx, &types.Knowledge{
		ProjectID: "proj_1",
		Text:      "API pagination caps at 100",
		Domain:    "api",
		Citations: []types.Citation{{URL: "https://example.com/docs", Title: "docs"}},
	}, "seed"); err != nil {
		t.Fatalf("seed knowledge failed: %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, "src.db")
	seedStore(t, src)
	dir := filepath.Join(t.TempDir(), "snapshot")

	manifest, err := NewExporter(src, nil).Export(ctx, dir)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if manifest.Counts.Tasks != 3 || manifest.Counts.Knowledge != 1 {
		t.Fatalf("unexpected manifest counts: %+v", manifest.Counts)
	}
	if len(manifest.Checksums) != 3 {
		t.Fatalf("expected 3 checksums, got %+v", manifest.Checksums)
	}
	// The last export checksum lands in store metadata.
	if sum, err := src.GetMetadata(ctx, MetadataLastExport); err != nil || sum == "" {
		t.Errorf("expected export checksum metadata, got %q %v", sum, err)
	}

	dst := openStore(t, "dst.db")
	if _, err := NewImporter(dst, nil, nil).Import(ctx, dir); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	for _, path := range []string{"app", "app/api", "lib"} {
		want, _ := src.GetTask(ctx, path)
		got, err := dst.GetTask(ctx, path)
		if err != nil || got == nil {
			t.Fatalf("imported task %s missing: %v", path, err)
		}
		if got.ID != want.ID || got.Status != want.Status || got.Version != want.Version {
			t.Errorf("task %s diverged: got %+v want %+v", path, got, want)
		}
	}
	lib, _ := dst.GetTask(ctx, "lib")
	if len(lib.Dependencies) != 1 || lib.Dependencies[0] != "app/api" {
		t.Errorf("dependency edge lost: %+v", lib.Dependencies)
	}
	api, _ := dst.GetTask(ctx, "app/api")
	if len(api.Notes) != 1 || api.Notes[0].Text != "endpoints sketched" {
		t.Errorf("notes lost: %+v", api.Notes)
	}

	knowledge, err := dst.ListKnowledge(ctx, types.KnowledgeFilter{})
	if err != nil || len(knowledge) != 1 {
		t.Fatalf("imported knowledge missing: %v %d", err, len(knowledge))
	}
	if len(knowledge[0].Citations) != 1 {
		t.Errorf("citations lost: %+v", knowledge[0].Citations)
	}
}

func TestImportReplacesExistingContents(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, "src.db")
	seedStore(t, src)
	dir := filepath.Join(t.TempDir(), "snapshot")
	if _, err := NewExporter(src, nil).Export(ctx, dir); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst := openStore(t, "dst.db")
	if err := dst.CreateTask(ctx, &types.Task{
		Path: "stale", Name: "Stale", Type: types.TypeTask,
		Status: types.StatusPending, Priority: types.PriorityMedium,
	}, "seed"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if _, err := NewImporter(dst, nil, nil).Import(ctx, dir); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if got, _ := dst.GetTask(ctx, "stale"); got != nil {
		t.Error("import must replace pre-existing contents")
	}
	if got, _ := dst.GetTask(ctx, "app"); got == nil {
		t.Error("imported task missing")
	}
}

func TestImportRebuildsIndexes(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, "src.db")
	seedStore(t, src)
	dir := filepath.Join(t.TempDir(), "snapshot")
	if _, err := NewExporter(src, nil).Export(ctx, dir); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst := openStore(t, "dst.db")
	indexes := index.NewCoordinator(nil)
	if _, err := NewImporter(dst, indexes, nil).Import(ctx, dir); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	for _, path := range []string{"app", "app/api", "lib"} {
		if _, ok := indexes.Primary().GetByPath(path); !ok {
			t.Errorf("%s missing from rebuilt primary index", path)
		}
	}
	if ids := indexes.Status().IDs(types.StatusInProgress); len(ids) != 1 {
		t.Errorf("expected 1 IN_PROGRESS entry, got %d", len(ids))
	}
}

func TestImportRejectsTamperedSnapshot(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, "src.db")
	seedStore(t, src)
	dir := filepath.Join(t.TempDir(), "snapshot")
	if _, err := NewExporter(src, nil).Export(ctx, dir); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	tasksFile := filepath.Join(dir, FileTasks)
	raw, err := os.ReadFile(tasksFile)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	tampered := strings.Replace(string(raw), `"app"`, `"hacked"`, 1)
	if err := os.WriteFile(tasksFile, []byte(tampered), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	dst := openStore(t, "dst.db")
	_, err = NewImporter(dst, nil, nil).Import(ctx, dir)
	if taskerr.KindOf(err) != taskerr.KindStorageCorrupt {
		t.Fatalf("expected STORAGE_CORRUPT, got %v", err)
	}
}

func TestImportRejectsUnknownVersion(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, "src.db")
	seedStore(t, src)
	dir := filepath.Join(t.TempDir(), "snapshot")
	if _, err := NewExporter(src, nil).Export(ctx, dir); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	manifestFile := filepath.Join(dir, FileManifest)
	raw, err := os.ReadFile(manifestFile)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	bumped := strings.Replace(string(raw), "version: 1", "version: 99", 1)
	if err := os.WriteFile(manifestFile, []byte(bumped), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	dst := openStore(t, "dst.db")
	_, err = NewImporter(dst, nil, nil).Import(ctx, dir)
	if taskerr.KindOf(err) != taskerr.KindValidation {
		t.Fatalf("expected VALIDATION for version mismatch, got %v", err)
	}
}
