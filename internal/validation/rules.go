package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

func issue(kind taskerr.Kind, rule, path, value, format string, args ...any) Issue {
	return Issue{
		Type:    string(kind),
		Message: fmt.Sprintf(format, args...),
		Path:    path,
		Value:   value,
		Rule:    rule,
	}
}

// schemaRule enforces field lengths, enumerations, and path syntax.
type schemaRule struct{}

func (schemaRule) Name() string     { return "schema" }
func (schemaRule) Structural() bool { return true }

func (r schemaRule) Check(_ context.Context, task *types.Task, _ *Lookup) ([]Issue, error) {
	var issues []Issue
	if err := types.ValidatePath(task.Path); err != nil {
		issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, task.Path, "%v", err))
	}
	if task.Name == "" || len(task.Name) > types.MaxNameLength {
		issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, task.Name,
			"name must be 1-%d characters", types.MaxNameLength))
	}
	if len(task.Description) > types.MaxDescriptionLength {
		issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, "",
			"description exceeds %d characters", types.MaxDescriptionLength))
	}
	if len(task.Reasoning) > types.MaxReasoningLength {
		issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, "",
			"reasoning exceeds %d characters", types.MaxReasoningLength))
	}
	if !task.Type.IsValid() {
		issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, string(task.Type),
			"invalid task type"))
	}
	if !task.Status.IsValid() {
		issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, string(task.Status),
			"invalid status"))
	}
	if !task.Priority.IsValid() {
		issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, string(task.Priority),
			"invalid priority"))
	}
	if len(task.Tags) > types.MaxTags {
		issues = append(issues, issue(taskerr.KindLimitExceeded, r.Name(), task.Path, "",
			"task has %d tags, maximum is %d", len(task.Tags), types.MaxTags))
	}
	for _, note := range task.Notes {
		if !note.Category.IsValid() {
			issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, string(note.Category),
				"invalid note category"))
		}
		if len(note.Text) > types.MaxNoteLength {
			issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, "",
				"note exceeds %d characters", types.MaxNoteLength))
		}
	}
	if err := task.Metadata.Validate(); err != nil {
		issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, "", "%v", err))
	}
	return issues, nil
}

// hierarchyRule verifies the parent exists, depth stays within bounds,
// and the name is unique among siblings.
type hierarchyRule struct{}

func (hierarchyRule) Name() string     { return "hierarchy" }
func (hierarchyRule) Structural() bool { return true }

func (r hierarchyRule) Check(ctx context.Context, task *types.Task, look *Lookup) ([]Issue, error) {
	var issues []Issue
	if types.PathDepth(task.Path) > types.MaxPathDepth {
		issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, "",
			"path depth %d exceeds maximum of %d", types.PathDepth(task.Path), types.MaxPathDepth))
	}

	parent := types.ParentPath(task.Path)
	if parent != "" {
		parentTask, err := look.resolve(ctx, parent)
		if err != nil {
			return nil, err
		}
		if parentTask == nil {
			issues = append(issues, issue(taskerr.KindNotFound, r.Name(), task.Path, parent,
				"parent %s does not exist", parent))
		}
	}

	// Sibling-name collision: another task under the same parent whose
	// Name matches case-insensitively. Paths are unique by themselves;
	// this guards the human-facing name.
	name := strings.ToLower(task.Name)
	if look.Children != nil {
		siblings, err := look.Children(ctx, parent)
		if err != nil {
			return nil, err
		}
		for _, sib := range siblings {
			if types.NormalizePath(sib.Path) == types.NormalizePath(task.Path) {
				continue // the task itself on update
			}
			if strings.ToLower(sib.Name) == name {
				issues = append(issues, issue(taskerr.KindDuplicate, r.Name(), task.Path, sib.Path,
					"sibling %s already uses the name %q", sib.Path, task.Name))
			}
		}
	}
	for _, other := range look.Batch {
		if types.NormalizePath(other.Path) == types.NormalizePath(task.Path) {
			continue
		}
		if types.NormalizePath(other.ParentPath) == types.NormalizePath(parent) &&
			strings.ToLower(other.Name) == name {
			issues = append(issues, issue(taskerr.KindDuplicate, r.Name(), task.Path, other.Path,
				"batch sibling %s already uses the name %q", other.Path, task.Name))
		}
	}
	return issues, nil
}

// dependencyRule validates referenced tasks exist, the count stays
// within bounds, and adding the task's edges keeps the graph acyclic.
type dependencyRule struct{}

func (dependencyRule) Name() string     { return "dependency" }
func (dependencyRule) Structural() bool { return true }

func (r dependencyRule) Check(ctx context.Context, task *types.Task, look *Lookup) ([]Issue, error) {
	var issues []Issue
	if len(task.Dependencies) > types.MaxDependencies {
		issues = append(issues, issue(taskerr.KindLimitExceeded, r.Name(), task.Path, "",
			"task has %d dependencies, maximum is %d", len(task.Dependencies), types.MaxDependencies))
	}

	for _, dep := range task.Dependencies {
		if types.NormalizePath(dep) == types.NormalizePath(task.Path) {
			issues = append(issues, issue(taskerr.KindDependencyCycle, r.Name(), task.Path, dep,
				"task depends on itself"))
			continue
		}
		target, err := look.resolve(ctx, dep)
		if err != nil {
			return nil, err
		}
		if target == nil {
			issues = append(issues, issue(taskerr.KindNotFound, r.Name(), task.Path, dep,
				"dependency %s does not exist", dep))
		}
	}

	cycle, err := r.findCycle(ctx, task, look)
	if err != nil {
		return nil, err
	}
	if len(cycle) > 0 {
		issues = append(issues, issue(taskerr.KindDependencyCycle, r.Name(), task.Path,
			fmt.Sprintf("%v", cycle), "dependency cycle: %v", cycle))
	}
	return issues, nil
}

// findCycle overlays the task's proposed edges on the persisted graph
// and runs DFS with white/gray/black coloring from the task.
func (dependencyRule) findCycle(ctx context.Context, task *types.Task, look *Lookup) ([]string, error) {
	edges := make(map[string][]string)
	if look.Edges != nil {
		persisted, err := look.Edges(ctx)
		if err != nil {
			return nil, err
		}
		for from, tos := range persisted {
			norm := types.NormalizePath(from)
			for _, to := range tos {
				edges[norm] = append(edges[norm], types.NormalizePath(to))
			}
		}
	}
	for _, other := range look.Batch {
		norm := types.NormalizePath(other.Path)
		edges[norm] = nil
		for _, dep := range other.Dependencies {
			edges[norm] = append(edges[norm], types.NormalizePath(dep))
		}
	}
	self := types.NormalizePath(task.Path)
	edges[self] = nil
	for _, dep := range task.Dependencies {
		edges[self] = append(edges[self], types.NormalizePath(dep))
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		color[node] = gray
		stack = append(stack, node)
		for _, next := range edges[node] {
			switch color[next] {
			case gray:
				// Found: slice the stack from the first occurrence.
				for i, n := range stack {
					if n == next {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
				cycle = append([]string(nil), stack...)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
		return false
	}
	if visit(self) {
		// Close the loop so the path reads A -> ... -> A.
		cycle = append(cycle, cycle[0])
		return cycle, nil
	}
	return nil, nil
}

// statusRule enforces the transition table and blocks COMPLETED while
// any dependency is unfinished.
type statusRule struct{}

func (statusRule) Name() string     { return "status" }
func (statusRule) Structural() bool { return false }

func (r statusRule) Check(ctx context.Context, task *types.Task, look *Lookup) ([]Issue, error) {
	var issues []Issue
	if look.Previous != nil && look.Previous.Status != task.Status {
		if !look.Previous.Status.CanTransition(task.Status) {
			issues = append(issues, issue(taskerr.KindStatusTransition, r.Name(), task.Path,
				string(task.Status), "cannot transition from %s to %s",
				look.Previous.Status, task.Status))
		}
	}
	if task.Status == types.StatusCompleted {
		for _, dep := range task.Dependencies {
			target, err := look.resolve(ctx, dep)
			if err != nil {
				return nil, err
			}
			if target != nil && target.Status != types.StatusCompleted {
				issues = append(issues, issue(taskerr.KindDependencyNotMet, r.Name(), task.Path, dep,
					"dependency %s is %s, not COMPLETED", dep, target.Status))
			}
		}
	}
	return issues, nil
}

// relationshipRule verifies bidirectional parent and child consistency:
// the recorded parent path derives from the task's own path, and the
// subtasks projection is a permutation of the actual children.
type relationshipRule struct{}

func (relationshipRule) Name() string     { return "relationship" }
func (relationshipRule) Structural() bool { return false }

func (r relationshipRule) Check(ctx context.Context, task *types.Task, look *Lookup) ([]Issue, error) {
	var issues []Issue
	derived := types.ParentPath(task.Path)
	if task.ParentPath != "" && types.NormalizePath(task.ParentPath) != types.NormalizePath(derived) {
		issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, task.ParentPath,
			"parent path %q does not match path-derived parent %q", task.ParentPath, derived))
	}

	if len(task.Subtasks) > 0 && look.Children != nil {
		children, err := look.Children(ctx, task.Path)
		if err != nil {
			return nil, err
		}
		actual := make(map[string]bool, len(children))
		for _, c := range children {
			actual[types.NormalizePath(c.Path)] = true
		}
		declared := make(map[string]bool, len(task.Subtasks))
		for _, s := range task.Subtasks {
			norm := types.NormalizePath(s)
			declared[norm] = true
			if !actual[norm] {
				issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, s,
					"subtask %s is not an actual child", s))
			}
		}
		for _, c := range children {
			if !declared[types.NormalizePath(c.Path)] {
				issues = append(issues, issue(taskerr.KindValidation, r.Name(), task.Path, c.Path,
					"child %s missing from subtasks", c.Path))
			}
		}
	}
	return issues, nil
}
