package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/storage/sqlite"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/txn"
	"github.com/untoldecay/trellis/internal/types"
	"github.com/untoldecay/trellis/internal/validation"
)

func setupProcessor(t *testing.T) (*Processor, storage.Storage) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, storage.Config{BaseDir: t.TempDir(), Name: "bulk.db"}, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	coord := txn.New(store, nil, nil, txn.DefaultConfig())
	pipeline := validation.New(nil, false)
	return NewProcessor(store, coord, pipeline, nil), store
}

func batchTask(path string, deps ...string) *types.Task {
	return &types.Task{
		Path:         path,
		Name:         "Task " + path,
		Type:         types.TypeTask,
		Status:       types.StatusPending,
		Priority:     types.PriorityMedium,
		Dependencies: deps,
	}
}

func createOp(path string, deps ...string) Operation {
	return Operation{Type: OpCreate, Key: path, Task: batchTask(path, deps...)}
}

func TestBatchForwardReferencesReordered(t *testing.T) {
	p, store := setupProcessor(t)
	ctx := context.Background()

	// Child and dependent listed before the task they reference.
	ops := []Operation{
		createOp("app/child"),
		createOp("lib", "app"),
		createOp("app"),
	}
	summary, err := p.Process(ctx, ops, validation.ModeStrict)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if summary.Succeeded != 3 || summary.Failed != 0 {
		t.Fatalf("expected 3 successes, got %+v", summary)
	}
	if summary.Items[0].Key != "app" {
		t.Errorf("expected app to run first, got %s", summary.Items[0].Key)
	}
	for _, path := range []string{"app", "app/child", "lib"} {
		got, err := store.GetTask(ctx, path)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if got == nil {
			t.Errorf("expected %s after batch", path)
		}
	}
}

func TestBatchCycleRejected(t *testing.T) {
	p, _ := setupProcessor(t)

	// c depends on the a<->b cycle without being part of it.
	ops := []Operation{
		createOp("a", "b"),
		createOp("b", "a"),
		createOp("c", "a"),
	}
	_, err := p.Process(context.Background(), ops, validation.ModeStrict)
	if taskerr.KindOf(err) != taskerr.KindDependencyCycle {
		t.Fatalf("expected DEPENDENCY_CYCLE, got %v", err)
	}

	var te *taskerr.Error
	if !errors.As(err, &te) {
		t.Fatalf("expected a taskerr.Error, got %T", err)
	}
	cycle, ok := te.Details["cycle"].([]string)
	if !ok {
		t.Fatalf("expected a cycle detail, got %+v", te.Details)
	}
	if len(cycle) != 3 || cycle[0] != cycle[len(cycle)-1] {
		t.Errorf("expected a closed two-member path, got %v", cycle)
	}
	for _, key := range cycle {
		if key == "c" {
			t.Errorf("c only depends on the cycle and must not be reported in it: %v", cycle)
		}
	}
	for _, member := range []string{"a", "b"} {
		if !strings.Contains(err.Error(), member) {
			t.Errorf("cycle error should name %q: %v", member, err)
		}
	}
}

func TestStrictModeRollsBackWholeBatch(t *testing.T) {
	p, store := setupProcessor(t)
	ctx := context.Background()

	bad := batchTask("two")
	bad.Status = types.Status("NOPE")
	ops := []Operation{
		createOp("one"),
		{Type: OpCreate, Key: "two", Task: bad},
		createOp("three"),
	}
	summary, err := p.Process(ctx, ops, validation.ModeStrict)
	if taskerr.KindOf(err) != taskerr.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	if summary.Succeeded != 0 {
		t.Errorf("rolled-back batch should report 0 successes, got %d", summary.Succeeded)
	}
	if summary.Failed != 1 {
		t.Errorf("expected 1 failure, got %d", summary.Failed)
	}
	// The first item executed but its write was undone with the
	// transaction.
	if got, _ := store.GetTask(ctx, "one"); got != nil {
		t.Error("strict failure must roll back earlier items")
	}
	for _, item := range summary.Items {
		if item.Status == StatusOK {
			t.Errorf("item %s still reports %s after rollback", item.Key, item.Status)
		}
		if item.Key == "one" && item.Status != StatusRolledBack {
			t.Errorf("undone item should report %s, got %s", StatusRolledBack, item.Status)
		}
	}
}

func TestLenientModeCommitsTheRest(t *testing.T) {
	p, store := setupProcessor(t)
	ctx := context.Background()

	bad := batchTask("two")
	bad.Status = types.Status("NOPE")
	ops := []Operation{
		createOp("one"),
		{Type: OpCreate, Key: "two", Task: bad},
		createOp("three"),
	}
	summary, err := p.Process(ctx, ops, validation.ModeLenient)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if summary.Succeeded != 2 || summary.Failed != 1 {
		t.Fatalf("expected 2 ok / 1 failed, got %+v", summary)
	}
	for _, path := range []string{"one", "three"} {
		if got, _ := store.GetTask(ctx, path); got == nil {
			t.Errorf("expected %s to survive a lenient batch", path)
		}
	}
	if got, _ := store.GetTask(ctx, "two"); got != nil {
		t.Error("invalid item must not be created")
	}
}

func TestBatchCreateLimit(t *testing.T) {
	p, _ := setupProcessor(t)

	ops := make([]Operation, MaxCreates+1)
	for i := range ops {
		ops[i] = createOp(fmt.Sprintf("t%d", i))
	}
	_, err := p.Process(context.Background(), ops, validation.ModeStrict)
	if taskerr.KindOf(err) != taskerr.KindLimitExceeded {
		t.Fatalf("expected LIMIT_EXCEEDED, got %v", err)
	}
}

func TestBatchMixedUpdateAndDelete(t *testing.T) {
	p, store := setupProcessor(t)
	ctx := context.Background()

	if _, err := p.Process(ctx, []Operation{createOp("keep"), createOp("drop")}, validation.ModeStrict); err != nil {
		t.Fatalf("seed batch failed: %v", err)
	}

	ops := []Operation{
		{Type: OpUpdate, Key: "keep", Updates: map[string]any{"description": "updated in batch"}},
		{Type: OpDelete, Key: "drop"},
	}
	summary, err := p.Process(ctx, ops, validation.ModeStrict)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if summary.Succeeded != 2 {
		t.Fatalf("expected 2 successes, got %+v", summary)
	}
	kept, _ := store.GetTask(ctx, "keep")
	if kept == nil || kept.Description != "updated in batch" {
		t.Errorf("update did not land: %+v", kept)
	}
	if got, _ := store.GetTask(ctx, "drop"); got != nil {
		t.Error("deleted task still present")
	}
}

// cancelTx cancels the context after the first successful create so the
// rest of the batch observes cancellation.
type cancelTx struct {
	storage.Transaction
	cancel context.CancelFunc
}

func (c *cancelTx) CreateTask(ctx context.Context, task *types.Task, actor string) error {
	err := c.Transaction.CreateTask(ctx, task, actor)
	c.cancel()
	return err
}

func TestCancelledItemsReported(t *testing.T) {
	p, store := setupProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ops := []Operation{createOp("one"), createOp("two"), createOp("three")}
	summary := &Summary{Total: len(ops)}
	err := store.RunInTransaction(ctx, func(st storage.Transaction) error {
		return p.runItems(ctx, &cancelTx{Transaction: st, cancel: cancel}, ops, validation.ModeStrict, inFlightTasks(ops), summary)
	})
	if taskerr.KindOf(err) != taskerr.KindTransactionTimeout {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if summary.Items[0].Status != StatusOK {
		t.Errorf("first item should have executed: %+v", summary.Items[0])
	}
	for _, item := range summary.Items[1:] {
		if item.Status != StatusCancelled {
			t.Errorf("expected cancelled, got %+v", item)
		}
	}
	// The enclosing transaction rolled back.
	if got, _ := store.GetTask(context.Background(), "one"); got != nil {
		t.Error("cancelled batch must not persist any item")
	}
}

func TestCascadeStatusClosure(t *testing.T) {
	p, store := setupProcessor(t)
	ctx := context.Background()

	ops := []Operation{
		createOp("root"),
		createOp("root/a"),
		createOp("root/b"),
		createOp("watcher", "root/a"),
	}
	if _, err := p.Process(ctx, ops, validation.ModeStrict); err != nil {
		t.Fatalf("seed batch failed: %v", err)
	}

	summary, err := p.CascadeStatus(ctx, "root", types.StatusCancelled, validation.ModeStrict)
	if err != nil {
		t.Fatalf("CascadeStatus failed: %v", err)
	}
	if summary.Total != 4 || summary.Succeeded != 4 {
		t.Fatalf("expected 4 updates, got %+v", summary)
	}
	// Leaves first, root last.
	if last := summary.Items[len(summary.Items)-1]; last.Key != "root" {
		t.Errorf("expected root updated last, got %s", last.Key)
	}
	for _, path := range []string{"root", "root/a", "root/b", "watcher"} {
		got, err := store.GetTask(ctx, path)
		if err != nil || got == nil {
			t.Fatalf("GetTask(%s) failed: %v %v", path, got, err)
		}
		if got.Status != types.StatusCancelled {
			t.Errorf("%s not cancelled: %s", path, got.Status)
		}
	}
}

func TestCascadeStrictFailsOnTerminalStatus(t *testing.T) {
	p, store := setupProcessor(t)
	ctx := context.Background()

	ops := []Operation{createOp("root"), createOp("root/done")}
	if _, err := p.Process(ctx, ops, validation.ModeStrict); err != nil {
		t.Fatalf("seed batch failed: %v", err)
	}
	if _, err := store.UpdateTask(ctx, "root/done", map[string]any{"status": string(types.StatusCompleted)}, "tester"); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}

	_, err := p.CascadeStatus(ctx, "root", types.StatusCancelled, validation.ModeStrict)
	if taskerr.KindOf(err) != taskerr.KindStatusTransition {
		t.Fatalf("expected STATUS_TRANSITION, got %v", err)
	}
	// Nothing changed: the whole cascade rolled back.
	root, _ := store.GetTask(ctx, "root")
	if root.Status != types.StatusPending {
		t.Errorf("root should be untouched, got %s", root.Status)
	}

	// Lenient mode skips the terminal child and updates the rest.
	summary, err := p.CascadeStatus(ctx, "root", types.StatusCancelled, validation.ModeLenient)
	if err != nil {
		t.Fatalf("lenient CascadeStatus failed: %v", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("expected 1 ok / 1 skipped-failed, got %+v", summary)
	}
	root, _ = store.GetTask(ctx, "root")
	if root.Status != types.StatusCancelled {
		t.Errorf("root should be cancelled, got %s", root.Status)
	}
	done, _ := store.GetTask(ctx, "root/done")
	if done.Status != types.StatusCompleted {
		t.Errorf("terminal child must keep its status, got %s", done.Status)
	}
}

func TestCascadeMissingRoot(t *testing.T) {
	p, _ := setupProcessor(t)
	_, err := p.CascadeStatus(context.Background(), "ghost", types.StatusCancelled, validation.ModeStrict)
	if taskerr.KindOf(err) != taskerr.KindNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}
