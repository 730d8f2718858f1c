package index

import (
	"context"
	"testing"

	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

func entry(id, path string, status types.Status, tt types.TaskType) Entry {
	return Entry{
		ID:     id,
		Path:   path,
		Parent: types.ParentPath(path),
		Status: status,
		Type:   tt,
	}
}

func TestPrimaryLookups(t *testing.T) {
	p := NewPrimary()
	e := entry("task_1", "App/API", types.StatusPending, types.TypeTask)
	if err := p.Upsert(e); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	byID, ok := p.GetByID("task_1")
	if !ok || byID.Path != "App/API" {
		t.Fatalf("GetByID failed: %+v %v", byID, ok)
	}
	// Path lookups are case-insensitive.
	byPath, ok := p.GetByPath("app/api")
	if !ok || byPath.ID != "task_1" {
		t.Fatalf("case-insensitive GetByPath failed: %+v %v", byPath, ok)
	}

	// Re-upsert with a new path drops the old path key.
	moved := e
	moved.Path = "App/Backend"
	if err := p.Upsert(moved); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, ok := p.GetByPath("app/api"); ok {
		t.Error("old path key should be gone after move")
	}
	if _, ok := p.GetByPath("app/backend"); !ok {
		t.Error("new path key should resolve")
	}
}

func TestStatusIndexTransitions(t *testing.T) {
	s := NewStatus()
	e := entry("task_1", "a", types.StatusPending, types.TypeTask)
	if err := s.Upsert(e); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if s.Count(types.StatusPending) != 1 {
		t.Fatalf("expected 1 pending, got %d", s.Count(types.StatusPending))
	}

	e.Status = types.StatusInProgress
	if err := s.Upsert(e); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if s.Count(types.StatusPending) != 0 {
		t.Error("id should leave the old status set")
	}
	if s.Count(types.StatusInProgress) != 1 {
		t.Error("id should join the new status set")
	}

	if err := s.Delete(e); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if s.Count(types.StatusInProgress) != 0 {
		t.Error("delete should remove the id")
	}
}

func TestHierarchyChildrenOrdered(t *testing.T) {
	h := NewHierarchy()
	for _, p := range []string{"app/c", "app/a", "app/b"} {
		if err := h.Upsert(entry("task_"+p, p, types.StatusPending, types.TypeTask)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	kids := h.Children("APP")
	want := []string{"app/a", "app/b", "app/c"}
	if len(kids) != len(want) {
		t.Fatalf("expected %d children, got %d", len(want), len(kids))
	}
	for i := range want {
		if kids[i] != want[i] {
			t.Errorf("child %d: got %q, want %q", i, kids[i], want[i])
		}
	}
}

func TestCoordinatorAtomicCompensation(t *testing.T) {
	c := NewCoordinator(nil)
	ctx := context.Background()

	good := entry("task_ok", "root/ok", types.StatusPending, types.TypeTask)
	if err := c.Apply(ctx, Op{Kind: OpUpsert, Entry: good}, true); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Invalid status passes the primary but fails the status index;
	// atomic mode must unwind the primary upsert.
	bad := entry("task_bad", "root/bad", types.Status("NOPE"), types.TypeTask)
	err := c.Apply(ctx, Op{Kind: OpUpsert, Entry: bad}, true)
	if taskerr.KindOf(err) != taskerr.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	if _, ok := c.Primary().GetByID("task_bad"); ok {
		t.Error("atomic failure should compensate the primary upsert")
	}
	if _, ok := c.Primary().GetByID("task_ok"); !ok {
		t.Error("earlier applied op must survive")
	}
}

func TestCoordinatorAtomicRestoresPrev(t *testing.T) {
	c := NewCoordinator(nil)
	ctx := context.Background()

	orig := entry("task_1", "root/x", types.StatusPending, types.TypeTask)
	if err := c.Apply(ctx, Op{Kind: OpUpsert, Entry: orig}, true); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	update := orig
	update.Status = types.Status("BROKEN")
	err := c.Apply(ctx, Op{Kind: OpUpsert, Entry: update, Prev: &orig}, true)
	if err == nil {
		t.Fatal("expected failure")
	}
	got, ok := c.Primary().GetByID("task_1")
	if !ok || got.Status != types.StatusPending {
		t.Errorf("expected previous entry restored, got %+v", got)
	}
	if c.Status().Count(types.StatusPending) != 1 {
		t.Error("status index should retain the previous status")
	}
}

func TestCoordinatorNonAtomicLogsDivergence(t *testing.T) {
	c := NewCoordinator(nil)
	ctx := context.Background()

	// Fails on status/hierarchy validation but the primary accepts it;
	// non-atomic mode returns the primary result.
	bad := entry("task_div", "root/div", types.Status("NOPE"), types.TypeTask)
	if err := c.Apply(ctx, Op{Kind: OpUpsert, Entry: bad}, false); err != nil {
		t.Fatalf("non-atomic should return primary result, got %v", err)
	}
	if _, ok := c.Primary().GetByID("task_div"); !ok {
		t.Error("primary should hold the entry despite secondary divergence")
	}
	if c.Status().Count(types.Status("NOPE")) != 0 {
		t.Error("status index rejected the entry")
	}
}

func TestBatchLimit(t *testing.T) {
	c := NewCoordinator(nil)
	ops := make([]Op, MaxBatchSize+1)
	for i := range ops {
		ops[i] = Op{Kind: OpUpsert, Entry: entry("id", "p", types.StatusPending, types.TypeTask)}
	}
	err := c.Batch(context.Background(), ops, true)
	if taskerr.KindOf(err) != taskerr.KindLimitExceeded {
		t.Fatalf("expected LIMIT_EXCEEDED, got %v", err)
	}
}

func TestPlanner(t *testing.T) {
	c := NewCoordinator(nil)
	cases := []struct {
		filter types.TaskFilter
		want   string
	}{
		{types.TaskFilter{Status: types.StatusPending}, "status"},
		{types.TaskFilter{Type: types.TypeMilestone}, "hierarchy"},
		{types.TaskFilter{Status: types.StatusPending, Type: types.TypeTask}, "status"},
		{types.TaskFilter{ParentPath: "a"}, "primary"},
		{types.TaskFilter{}, "primary"},
	}
	for _, tc := range cases {
		if got := c.Plan(tc.filter); got != tc.want {
			t.Errorf("Plan(%+v) = %q, want %q", tc.filter, got, tc.want)
		}
	}
}

func TestQueryIDsByStatus(t *testing.T) {
	c := NewCoordinator(nil)
	ctx := context.Background()
	for i, st := range []types.Status{types.StatusPending, types.StatusCompleted, types.StatusPending} {
		e := entry(string(rune('a'+i)), "q/"+string(rune('a'+i)), st, types.TypeTask)
		if err := c.Apply(ctx, Op{Kind: OpUpsert, Entry: e}, true); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}
	ids := c.QueryIDs(types.TaskFilter{Status: types.StatusPending})
	if len(ids) != 2 {
		t.Errorf("expected 2 pending ids, got %d", len(ids))
	}
}
