// Package validation implements the ordered rule pipeline run before
// every task write: schema, hierarchy, dependency, status, and
// relationship rules, in that order.
package validation

import (
	"context"
	"sync"

	"github.com/untoldecay/trellis/internal/logging"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

// Mode selects failure behavior.
type Mode string

const (
	// ModeStrict fails on any issue from any rule.
	ModeStrict Mode = "STRICT"
	// ModeLenient fails only on structural issues; advisory rules
	// accumulate warnings.
	ModeLenient Mode = "LENIENT"
)

// Issue is one structured validation finding.
type Issue struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	Value   string `json:"value,omitempty"`
	Rule    string `json:"rule"`
}

// Result aggregates pipeline findings grouped by rule.
type Result struct {
	Valid    bool               `json:"valid"`
	Issues   []Issue            `json:"issues,omitempty"`
	Warnings []Issue            `json:"warnings,omitempty"`
	ByRule   map[string][]Issue `json:"by_rule,omitempty"`
}

// Err converts a failed result into a taxonomy error carrying the
// first issue, or nil when valid.
func (r *Result) Err() error {
	if r.Valid || len(r.Issues) == 0 {
		return nil
	}
	first := r.Issues[0]
	return taskerr.New(taskerr.Kind(first.Type), "%s", first.Message).
		WithPath(first.Path).
		WithRule(first.Rule).
		WithDetail("issues", len(r.Issues))
}

// Lookup gives rules read access to persisted state and to the rest of
// an in-flight batch. Batch entries take precedence over the store so
// forward references inside one batch validate.
type Lookup struct {
	// Existing resolves a persisted task by path, nil when absent.
	Existing func(ctx context.Context, path string) (*types.Task, error)
	// Children lists the persisted children of a parent path.
	Children func(ctx context.Context, parentPath string) ([]*types.Task, error)
	// Edges returns the full persisted dependency graph, task path to
	// prerequisite paths.
	Edges func(ctx context.Context) (map[string][]string, error)
	// Previous is the stored version of the task under validation, nil
	// on create.
	Previous *types.Task
	// Batch holds in-flight tasks by normalized path.
	Batch map[string]*types.Task
}

// resolve finds a task in the batch first, then the store.
func (l *Lookup) resolve(ctx context.Context, path string) (*types.Task, error) {
	if l.Batch != nil {
		if t, ok := l.Batch[types.NormalizePath(path)]; ok {
			return t, nil
		}
	}
	if l.Existing == nil {
		return nil, nil
	}
	return l.Existing(ctx, path)
}

// Rule is one addressable pipeline stage.
type Rule interface {
	Name() string
	// Structural rules fail the pipeline in both modes; advisory rules
	// degrade to warnings under LENIENT.
	Structural() bool
	Check(ctx context.Context, task *types.Task, look *Lookup) ([]Issue, error)
}

// Pipeline runs registered rules in order.
type Pipeline struct {
	mu      sync.RWMutex
	rules   []Rule
	mutable bool
	log     *logging.Logger
}

// New builds the standard pipeline. mutable gates AddRule/RemoveRule;
// production configs leave it off.
func New(log *logging.Logger, mutable bool) *Pipeline {
	if log == nil {
		log = logging.NewSilent()
	}
	return &Pipeline{
		rules: []Rule{
			schemaRule{},
			hierarchyRule{},
			dependencyRule{},
			statusRule{},
			relationshipRule{},
		},
		mutable: mutable,
		log:     log,
	}
}

// Rules returns the registered rule names in execution order.
func (p *Pipeline) Rules() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.rules))
	for i, r := range p.rules {
		names[i] = r.Name()
	}
	return names
}

// AddRule appends a custom rule. Fails unless the pipeline was built
// mutable.
func (p *Pipeline) AddRule(r Rule) error {
	if !p.mutable {
		return taskerr.New(taskerr.KindValidation, "rule management is disabled")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.rules {
		if existing.Name() == r.Name() {
			return taskerr.New(taskerr.KindDuplicate, "rule %q already registered", r.Name())
		}
	}
	p.rules = append(p.rules, r)
	return nil
}

// RemoveRule removes a rule by name. Fails unless the pipeline was
// built mutable.
func (p *Pipeline) RemoveRule(name string) error {
	if !p.mutable {
		return taskerr.New(taskerr.KindValidation, "rule management is disabled")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.rules {
		if r.Name() == name {
			p.rules = append(p.rules[:i], p.rules[i+1:]...)
			return nil
		}
	}
	return taskerr.New(taskerr.KindNotFound, "rule %q not registered", name)
}

// Validate runs every rule against the task. Rule errors (failed
// lookups) abort the pipeline; findings accumulate into the result.
func (p *Pipeline) Validate(ctx context.Context, task *types.Task, look *Lookup, mode Mode) (*Result, error) {
	if look == nil {
		look = &Lookup{}
	}
	p.mu.RLock()
	rules := make([]Rule, len(p.rules))
	copy(rules, p.rules)
	p.mu.RUnlock()

	result := &Result{Valid: true, ByRule: make(map[string][]Issue)}
	for _, rule := range rules {
		issues, err := rule.Check(ctx, task, look)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindInternal, err,
				"rule %q failed to evaluate", rule.Name())
		}
		if len(issues) == 0 {
			continue
		}
		result.ByRule[rule.Name()] = append(result.ByRule[rule.Name()], issues...)
		if mode == ModeStrict || rule.Structural() {
			result.Valid = false
			result.Issues = append(result.Issues, issues...)
		} else {
			result.Warnings = append(result.Warnings, issues...)
		}
	}
	return result, nil
}
