package validation

import (
	"context"
	"strings"
	"testing"

	"github.com/untoldecay/trellis/internal/types"
)

func validTask(path string) *types.Task {
	return &types.Task{
		Path:       path,
		Name:       "Task " + path,
		Type:       types.TypeTask,
		Status:     types.StatusPending,
		Priority:   types.PriorityMedium,
		ParentPath: types.ParentPath(path),
	}
}

// memLookup backs the pipeline with a fixed task set.
func memLookup(tasks ...*types.Task) *Lookup {
	byPath := make(map[string]*types.Task)
	for _, t := range tasks {
		byPath[types.NormalizePath(t.Path)] = t
	}
	return &Lookup{
		Existing: func(_ context.Context, path string) (*types.Task, error) {
			return byPath[types.NormalizePath(path)], nil
		},
		Children: func(_ context.Context, parent string) ([]*types.Task, error) {
			var out []*types.Task
			for _, t := range byPath {
				if types.NormalizePath(t.ParentPath) == types.NormalizePath(parent) {
					out = append(out, t)
				}
			}
			return out, nil
		},
		Edges: func(_ context.Context) (map[string][]string, error) {
			edges := make(map[string][]string)
			for _, t := range byPath {
				edges[t.Path] = append(edges[t.Path], t.Dependencies...)
			}
			return edges, nil
		},
	}
}

func TestValidTaskPasses(t *testing.T) {
	p := New(nil, false)
	parent := validTask("app")
	task := validTask("app/api")

	res, err := p.Validate(context.Background(), task, memLookup(parent), ModeStrict)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid, got issues: %+v", res.Issues)
	}
}

func TestSchemaRuleFindings(t *testing.T) {
	p := New(nil, false)
	task := validTask("app")
	task.Name = strings.Repeat("x", types.MaxNameLength+1)
	task.Status = types.Status("NOPE")

	res, err := p.Validate(context.Background(), task, memLookup(), ModeStrict)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid {
		t.Fatal("expected invalid")
	}
	if len(res.ByRule["schema"]) != 2 {
		t.Errorf("expected 2 schema issues, got %+v", res.ByRule["schema"])
	}
}

func TestDepthLimit(t *testing.T) {
	p := New(nil, false)
	segments := []string{"a", "b", "c", "d", "e", "f"}
	deep := validTask(strings.Join(segments, "/"))
	// Parents all exist so only the depth check fires.
	var parents []*types.Task
	for i := 1; i < len(segments); i++ {
		parents = append(parents, validTask(strings.Join(segments[:i], "/")))
	}

	res, err := p.Validate(context.Background(), deep, memLookup(parents...), ModeStrict)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid {
		t.Fatal("6-level path must fail")
	}
	found := false
	for _, is := range res.Issues {
		if strings.Contains(is.Message, "depth") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a depth issue, got %+v", res.Issues)
	}
}

func TestMissingParent(t *testing.T) {
	p := New(nil, false)
	task := validTask("ghost/child")

	res, err := p.Validate(context.Background(), task, memLookup(), ModeStrict)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid {
		t.Fatal("missing parent must fail")
	}
	if len(res.ByRule["hierarchy"]) == 0 {
		t.Errorf("expected hierarchy issue, got %+v", res.ByRule)
	}
}

func TestBatchParentSatisfiesHierarchy(t *testing.T) {
	p := New(nil, false)
	parent := validTask("new")
	child := validTask("new/sub")
	look := memLookup()
	look.Batch = map[string]*types.Task{
		types.NormalizePath(parent.Path): parent,
	}

	res, err := p.Validate(context.Background(), child, look, ModeStrict)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !res.Valid {
		t.Fatalf("in-batch parent should satisfy hierarchy: %+v", res.Issues)
	}
}

func TestSiblingNameCollision(t *testing.T) {
	p := New(nil, false)
	root := validTask("app")
	existing := validTask("app/api1")
	existing.Name = "Shared Name"
	task := validTask("app/api2")
	task.Name = "shared name" // differs only in case from the sibling

	res, err := p.Validate(context.Background(), task, memLookup(root, existing), ModeStrict)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid {
		t.Fatal("case-insensitive sibling collision must fail")
	}
	if res.Issues[0].Type != "DUPLICATE" {
		t.Errorf("expected DUPLICATE, got %+v", res.Issues[0])
	}
}

func TestDependencyCycleDetection(t *testing.T) {
	p := New(nil, false)
	a := validTask("a")
	b := validTask("b")
	c := validTask("c")
	a.Dependencies = []string{"b"}
	b.Dependencies = []string{"c"}

	// Closing the loop: c depends on a.
	update := validTask("c")
	update.Dependencies = []string{"a"}

	res, err := p.Validate(context.Background(), update, memLookup(a, b, c), ModeStrict)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid {
		t.Fatal("cycle must fail")
	}
	var cycleIssue *Issue
	for i := range res.Issues {
		if res.Issues[i].Type == "DEPENDENCY_CYCLE" {
			cycleIssue = &res.Issues[i]
		}
	}
	if cycleIssue == nil {
		t.Fatalf("expected DEPENDENCY_CYCLE, got %+v", res.Issues)
	}
	for _, member := range []string{"a", "b", "c"} {
		if !strings.Contains(cycleIssue.Value, member) {
			t.Errorf("cycle should list %q: %q", member, cycleIssue.Value)
		}
	}
	// The path is reported in walk order, closed with its first node.
	fields := strings.Fields(strings.Trim(cycleIssue.Value, "[]"))
	if len(fields) != 4 || fields[0] != fields[len(fields)-1] {
		t.Errorf("cycle should be a closed path, got %q", cycleIssue.Value)
	}
}

func TestSelfDependency(t *testing.T) {
	p := New(nil, false)
	task := validTask("solo")
	task.Dependencies = []string{"Solo"}

	res, err := p.Validate(context.Background(), task, memLookup(), ModeStrict)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid {
		t.Fatal("self dependency must fail")
	}
}

func TestStatusTransitionEnforced(t *testing.T) {
	p := New(nil, false)
	prev := validTask("t")
	prev.Status = types.StatusCompleted
	update := validTask("t")
	update.Status = types.StatusInProgress

	look := memLookup(prev)
	look.Previous = prev
	res, err := p.Validate(context.Background(), update, look, ModeStrict)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid {
		t.Fatal("COMPLETED -> IN_PROGRESS must fail")
	}
	if res.Issues[0].Rule != "status" {
		t.Errorf("expected status rule, got %+v", res.Issues[0])
	}
}

func TestCompletionBlockedByUnfinishedDependency(t *testing.T) {
	p := New(nil, false)
	dep := validTask("dep")
	dep.Status = types.StatusInProgress
	task := validTask("main")
	task.Status = types.StatusCompleted
	task.Dependencies = []string{"dep"}

	prev := validTask("main")
	prev.Status = types.StatusInProgress
	prev.Dependencies = []string{"dep"}

	look := memLookup(dep, prev)
	look.Previous = prev
	res, err := p.Validate(context.Background(), task, look, ModeStrict)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid {
		t.Fatal("completion with unfinished dependency must fail")
	}
	found := false
	for _, is := range res.Issues {
		if is.Type == "DEPENDENCY_NOT_MET" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected DEPENDENCY_NOT_MET, got %+v", res.Issues)
	}
}

func TestLenientModeDowngradesAdvisoryRules(t *testing.T) {
	p := New(nil, false)
	prev := validTask("t")
	prev.Status = types.StatusCompleted
	update := validTask("t")
	update.Status = types.StatusInProgress

	look := memLookup(prev)
	look.Previous = prev
	res, err := p.Validate(context.Background(), update, look, ModeLenient)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !res.Valid {
		t.Fatalf("lenient mode should downgrade status issues: %+v", res.Issues)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected warnings in lenient mode")
	}
}

func TestLenientModeStillFailsStructural(t *testing.T) {
	p := New(nil, false)
	task := validTask("ghost/child")

	res, err := p.Validate(context.Background(), task, memLookup(), ModeLenient)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid {
		t.Fatal("structural issues must fail even in lenient mode")
	}
}

type noopRule struct{ name string }

func (r noopRule) Name() string   { return r.name }
func (noopRule) Structural() bool { return false }
func (noopRule) Check(context.Context, *types.Task, *Lookup) ([]Issue, error) {
	return nil, nil
}

func TestRuleManagementGated(t *testing.T) {
	locked := New(nil, false)
	if err := locked.AddRule(noopRule{name: "custom"}); err == nil {
		t.Fatal("immutable pipeline must reject AddRule")
	}
	if err := locked.RemoveRule("schema"); err == nil {
		t.Fatal("immutable pipeline must reject RemoveRule")
	}

	open := New(nil, true)
	if err := open.AddRule(noopRule{name: "custom"}); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if err := open.AddRule(noopRule{name: "custom"}); err == nil {
		t.Fatal("duplicate rule name must fail")
	}
	if err := open.RemoveRule("custom"); err != nil {
		t.Fatalf("RemoveRule failed: %v", err)
	}
	names := open.Rules()
	if len(names) != 5 {
		t.Errorf("expected the 5 standard rules, got %v", names)
	}
}
