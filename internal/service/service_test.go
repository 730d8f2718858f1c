package service

import (
	"context"
	"testing"
	"time"

	"github.com/untoldecay/trellis/internal/bulk"
	"github.com/untoldecay/trellis/internal/cache"
	"github.com/untoldecay/trellis/internal/events"
	"github.com/untoldecay/trellis/internal/index"
	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/storage/sqlite"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/trace"
	"github.com/untoldecay/trellis/internal/txn"
	"github.com/untoldecay/trellis/internal/types"
	"github.com/untoldecay/trellis/internal/validation"
)

func setupServices(t *testing.T) (*TaskService, *KnowledgeService, storage.Storage) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, storage.Config{BaseDir: t.TempDir(), Name: "svc.db"}, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bus := events.New(0, nil)
	c, err := cache.New(cache.Config{MaxEntries: 128}, bus, nil)
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	t.Cleanup(c.Close)

	coord := txn.New(store, bus, nil, txn.DefaultConfig())
	indexes := index.NewCoordinator(nil)
	pipeline := validation.New(nil, false)
	tracer := trace.New(trace.Config{})
	batch := bulk.NewProcessor(store, coord, pipeline, nil)

	core := NewCore(store, coord, indexes, c, bus, pipeline, tracer, batch, nil, Options{})
	return NewTaskService(core), NewKnowledgeService(core), store
}

func serviceTask(path string) *types.Task {
	return &types.Task{
		Path:     path,
		Name:     "Task " + path,
		Type:     types.TypeTask,
		Status:   types.StatusPending,
		Priority: types.PriorityMedium,
	}
}

func TestCreateGetAndIndex(t *testing.T) {
	tasks, _, _ := setupServices(t)
	ctx := context.Background()

	created, err := tasks.Create(ctx, serviceTask("app"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" || created.Version != 1 {
		t.Fatalf("unexpected created task: %+v", created)
	}

	// Lookup is case-insensitive by path and works by id.
	byPath, err := tasks.Get(ctx, "APP")
	if err != nil {
		t.Fatalf("Get by path failed: %v", err)
	}
	if byPath.ID != created.ID {
		t.Errorf("path lookup returned wrong task: %+v", byPath)
	}
	byID, err := tasks.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get by id failed: %v", err)
	}
	if byID.Path != "app" {
		t.Errorf("id lookup returned wrong task: %+v", byID)
	}

	// The primary index saw the create.
	if _, ok := tasks.indexes.Primary().GetByID(created.ID); !ok {
		t.Error("created task missing from primary index")
	}
}

func TestCreateDuplicateSiblingName(t *testing.T) {
	tasks, _, _ := setupServices(t)
	ctx := context.Background()

	if _, err := tasks.Create(ctx, serviceTask("app")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	first := serviceTask("app/api")
	first.Name = "Shared Name"
	if _, err := tasks.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	second := serviceTask("app/worker")
	second.Name = "shared name"
	_, err := tasks.Create(ctx, second)
	if taskerr.KindOf(err) != taskerr.KindDuplicate {
		t.Fatalf("expected DUPLICATE for sibling name, got %v", err)
	}
}

func TestCreateMissingParent(t *testing.T) {
	tasks, _, _ := setupServices(t)
	_, err := tasks.Create(context.Background(), serviceTask("ghost/child"))
	if taskerr.KindOf(err) != taskerr.KindNotFound {
		t.Fatalf("expected NOT_FOUND for missing parent, got %v", err)
	}
}

func TestGetMissingCarriesCorrelation(t *testing.T) {
	tasks, _, _ := setupServices(t)
	_, err := tasks.Get(context.Background(), "nowhere")
	te, ok := err.(*taskerr.Error)
	if !ok || te.Kind != taskerr.KindNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if te.CorrelationID == "" {
		t.Error("expected a correlation id from the tracer")
	}
	if tr := tasks.Tracer().Get(te.CorrelationID); tr == nil || !tr.Failed {
		t.Errorf("trace %s should exist and be failed", te.CorrelationID)
	}
}

func TestUpdateValidatesResult(t *testing.T) {
	tasks, _, _ := setupServices(t)
	ctx := context.Background()
	if _, err := tasks.Create(ctx, serviceTask("app")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := tasks.Update(ctx, "app", map[string]any{"description": "does things"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Description != "does things" || updated.Version != 2 {
		t.Errorf("unexpected update result: %+v", updated)
	}

	if _, err := tasks.Update(ctx, "app", map[string]any{"name": ""}); taskerr.KindOf(err) != taskerr.KindValidation {
		t.Errorf("expected VALIDATION for empty name, got %v", err)
	}
	if _, err := tasks.Update(ctx, "app", map[string]any{"nonsense": 1}); taskerr.KindOf(err) != taskerr.KindValidation {
		t.Errorf("expected VALIDATION for unknown field, got %v", err)
	}
}

func TestChangeStatusMachine(t *testing.T) {
	tasks, _, _ := setupServices(t)
	ctx := context.Background()
	if _, err := tasks.Create(ctx, serviceTask("job")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := tasks.ChangeStatus(ctx, "job", types.StatusInProgress); err != nil {
		t.Fatalf("PENDING -> IN_PROGRESS failed: %v", err)
	}
	if _, err := tasks.ChangeStatus(ctx, "job", types.StatusCompleted); err != nil {
		t.Fatalf("IN_PROGRESS -> COMPLETED failed: %v", err)
	}
	_, err := tasks.ChangeStatus(ctx, "job", types.StatusInProgress)
	if taskerr.KindOf(err) != taskerr.KindStatusTransition {
		t.Fatalf("expected STATUS_TRANSITION, got %v", err)
	}

	// The status index tracks the transitions.
	ids := tasks.indexes.Status().IDs(types.StatusCompleted)
	if len(ids) != 1 {
		t.Errorf("expected 1 COMPLETED entry in the status index, got %d", len(ids))
	}
}

func TestReopenBlockedByCompletedDependent(t *testing.T) {
	tasks, _, _ := setupServices(t)
	ctx := context.Background()

	if _, err := tasks.Create(ctx, serviceTask("base")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	dependent := serviceTask("user")
	dependent.Dependencies = []string{"base"}
	if _, err := tasks.Create(ctx, dependent); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for _, path := range []string{"base", "user"} {
		if _, err := tasks.ChangeStatus(ctx, path, types.StatusInProgress); err != nil {
			t.Fatalf("start %s failed: %v", path, err)
		}
	}
	if _, err := tasks.ChangeStatus(ctx, "base", types.StatusCompleted); err != nil {
		t.Fatalf("complete base failed: %v", err)
	}
	if _, err := tasks.ChangeStatus(ctx, "user", types.StatusCompleted); err != nil {
		t.Fatalf("complete user failed: %v", err)
	}

	_, err := tasks.ChangeStatus(ctx, "base", types.StatusPending)
	if taskerr.KindOf(err) != taskerr.KindStatusTransition {
		t.Fatalf("reopen with COMPLETED dependent must fail, got %v", err)
	}

	// Reopen the dependent first, then the base task may reopen.
	if _, err := tasks.ChangeStatus(ctx, "user", types.StatusPending); err != nil {
		t.Fatalf("reopen user failed: %v", err)
	}
	if _, err := tasks.ChangeStatus(ctx, "base", types.StatusPending); err != nil {
		t.Fatalf("reopen base failed: %v", err)
	}
}

func TestDeleteStrategies(t *testing.T) {
	tasks, _, store := setupServices(t)
	ctx := context.Background()

	for _, path := range []string{"proj", "proj/a", "proj/b"} {
		if _, err := tasks.Create(ctx, serviceTask(path)); err != nil {
			t.Fatalf("Create %s failed: %v", path, err)
		}
	}

	if err := tasks.Delete(ctx, "proj", storage.DeleteBlock); taskerr.KindOf(err) != taskerr.KindHasChildren {
		t.Fatalf("expected HAS_CHILDREN, got %v", err)
	}

	// An external dependent blocks even a cascade.
	watcher := serviceTask("watcher")
	watcher.Dependencies = []string{"proj/a"}
	if _, err := tasks.Create(ctx, watcher); err != nil {
		t.Fatalf("Create watcher failed: %v", err)
	}
	if err := tasks.Delete(ctx, "proj", storage.DeleteCascade); taskerr.KindOf(err) != taskerr.KindHasDependents {
		t.Fatalf("expected HAS_DEPENDENTS, got %v", err)
	}

	if err := tasks.RemoveDependency(ctx, "watcher", "proj/a"); err != nil {
		t.Fatalf("RemoveDependency failed: %v", err)
	}
	if err := tasks.Delete(ctx, "proj", storage.DeleteCascade); err != nil {
		t.Fatalf("cascade delete failed: %v", err)
	}
	for _, path := range []string{"proj", "proj/a", "proj/b"} {
		if got, _ := store.GetTask(ctx, path); got != nil {
			t.Errorf("%s should be gone", path)
		}
		if _, ok := tasks.indexes.Primary().GetByPath(path); ok {
			t.Errorf("%s should be gone from the primary index", path)
		}
	}
}

func TestDependencyCycleGuard(t *testing.T) {
	tasks, _, _ := setupServices(t)
	ctx := context.Background()

	for _, path := range []string{"a", "b"} {
		if _, err := tasks.Create(ctx, serviceTask(path)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if err := tasks.AddDependency(ctx, "a", "b"); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	err := tasks.AddDependency(ctx, "b", "a")
	if taskerr.KindOf(err) != taskerr.KindDependencyCycle {
		t.Fatalf("expected DEPENDENCY_CYCLE, got %v", err)
	}
}

func TestQueryPagination(t *testing.T) {
	tasks, _, _ := setupServices(t)
	ctx := context.Background()

	if _, err := tasks.Create(ctx, serviceTask("root")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for _, n := range []string{"one", "two", "three"} {
		if _, err := tasks.Create(ctx, serviceTask("root/"+n)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	page, err := tasks.Query(ctx, types.TaskFilter{
		ParentPath: "root",
		Page:       types.Page{Limit: 2},
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 2 || page.TotalPages != 2 || page.Page != 1 {
		t.Errorf("unexpected page envelope: %+v", page)
	}

	rest, err := tasks.Query(ctx, types.TaskFilter{
		ParentPath: "root",
		Page:       types.Page{Offset: 2, Limit: 2},
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rest.Items) != 1 || rest.Page != 2 {
		t.Errorf("unexpected second page: %+v", rest)
	}
}

func TestCacheInvalidatedOnUpdate(t *testing.T) {
	tasks, _, _ := setupServices(t)
	ctx := context.Background()

	if _, err := tasks.Create(ctx, serviceTask("hot")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := tasks.Get(ctx, "hot"); err != nil { // fills the cache
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := tasks.Update(ctx, "hot", map[string]any{"description": "fresh"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := tasks.Get(ctx, "hot")
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if got.Description != "fresh" {
		t.Errorf("stale cache entry survived the update: %+v", got)
	}
}

func TestOverloadReturnsLimitExceeded(t *testing.T) {
	tasks, _, _ := setupServices(t)
	tasks.opts.AcquireTimeout = 20 * time.Millisecond
	tasks.sem.TryAcquire(tasks.opts.MaxInFlight) // exhaust every slot

	_, err := tasks.Get(context.Background(), "anything")
	te, ok := err.(*taskerr.Error)
	if !ok || te.Kind != taskerr.KindLimitExceeded || te.Rule != "overload" {
		t.Fatalf("expected overload LIMIT_EXCEEDED, got %v", err)
	}
}

func TestMoveReindexesSubtree(t *testing.T) {
	tasks, _, store := setupServices(t)
	ctx := context.Background()

	for _, path := range []string{"old", "old/leaf", "home"} {
		if _, err := tasks.Create(ctx, serviceTask(path)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	// The move runs in transaction scope like every other mutation.
	committed := make(chan events.Event, 1)
	tasks.bus.Subscribe(events.TransactionCommitted, func(ev events.Event) {
		select {
		case committed <- ev:
		default:
		}
	})

	if err := tasks.Move(ctx, "old", "home/new"); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	select {
	case <-committed:
	default:
		t.Error("expected a TRANSACTION_COMMITTED event for the move")
	}

	if got, _ := store.GetTask(ctx, "home/new/leaf"); got == nil {
		t.Fatal("subtree did not move")
	}
	if _, ok := tasks.indexes.Primary().GetByPath("home/new/leaf"); !ok {
		t.Error("moved leaf missing from primary index")
	}
	if _, ok := tasks.indexes.Primary().GetByPath("old/leaf"); ok {
		t.Error("stale index entry for the old path")
	}
}

func TestBulkThroughService(t *testing.T) {
	tasks, _, _ := setupServices(t)
	ctx := context.Background()

	ops := []bulk.Operation{
		{Type: bulk.OpCreate, Key: "batch/one", Task: serviceTask("batch/one")},
		{Type: bulk.OpCreate, Key: "batch", Task: serviceTask("batch")},
	}
	summary, err := tasks.Bulk(ctx, ops, validation.ModeStrict)
	if err != nil {
		t.Fatalf("Bulk failed: %v", err)
	}
	if summary.Succeeded != 2 {
		t.Fatalf("expected 2 successes, got %+v", summary)
	}
	for _, path := range []string{"batch", "batch/one"} {
		if _, ok := tasks.indexes.Primary().GetByPath(path); !ok {
			t.Errorf("%s missing from primary index after bulk", path)
		}
	}
}

func TestKnowledgeLifecycle(t *testing.T) {
	_, know, _ := setupServices(t)
	ctx := context.Background()

	created, err := know.Create(ctx, &types.Knowledge{
		ProjectID: "proj_1",
		Text:      "prefer streaming parses for large payloads",
		Domain:    "performance",
		Tags:      []string{"parsing"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a minted knowledge id")
	}

	got, err := know.Get(ctx, created.ID)
	if err != nil || got.Text != created.Text {
		t.Fatalf("Get failed: %v %+v", err, got)
	}

	updated, err := know.Update(ctx, created.ID, map[string]any{"domain": "parsing"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Domain != "parsing" || updated.Version != 2 {
		t.Errorf("unexpected update: %+v", updated)
	}

	withCites, err := know.AddCitations(ctx, created.ID, []types.Citation{{URL: "https://example.com/post", Title: "post"}})
	if err != nil {
		t.Fatalf("AddCitations failed: %v", err)
	}
	if len(withCites.Citations) != 1 {
		t.Errorf("expected 1 citation, got %+v", withCites.Citations)
	}

	page, err := know.Query(ctx, types.KnowledgeFilter{ProjectID: "proj_1"}, types.Page{Limit: 10})
	if err != nil || page.Total != 1 {
		t.Fatalf("Query failed: %v %+v", err, page)
	}

	if err := know.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := know.Get(ctx, created.ID); taskerr.KindOf(err) != taskerr.KindNotFound {
		t.Errorf("expected NOT_FOUND after delete, got %v", err)
	}
}

func TestKnowledgeGetReturnsCopies(t *testing.T) {
	_, know, _ := setupServices(t)
	ctx := context.Background()

	created, err := know.Create(ctx, &types.Knowledge{
		ProjectID: "proj_1",
		Text:      "index rebuilds are idempotent",
		Domain:    "storage",
		Tags:      []string{"index"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// First Get fills the cache, second serves from it; mutations of
	// either returned value must not leak into later reads.
	first, err := know.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	first.Text = "scribbled"
	first.Tags[0] = "scribbled"

	second, err := know.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if second.Text != created.Text || second.Tags[0] != "index" {
		t.Errorf("caller mutation leaked into the cache: %+v", second)
	}
	second.Domain = "scribbled"

	third, err := know.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if third.Domain != "storage" {
		t.Errorf("cache-hit result must be a copy: %+v", third)
	}
}
