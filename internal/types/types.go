// Package types defines core data structures for the trellis task store.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Limits on task fields. Writes exceeding these are rejected by the
// validation pipeline before reaching storage.
const (
	MaxNameLength        = 200
	MaxDescriptionLength = 2000
	MaxReasoningLength   = 2000
	MaxNoteLength        = 1000
	MaxNotes             = 25
	MaxDependencies      = 50
	MaxTags              = 20
	MaxPathDepth         = 5
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusBacklog    Status = "BACKLOG"
	StatusPending    Status = "PENDING"
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusBlocked    Status = "BLOCKED"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusBacklog, StatusPending, StatusTodo, StatusInProgress,
		StatusCompleted, StatusBlocked, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal state. Terminal tasks only
// leave their state through an explicit reopen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// statusTransitions is the allowed transition table. Reopen
// (COMPLETED -> PENDING) is handled separately because it carries an
// extra dependent check.
var statusTransitions = map[Status][]Status{
	StatusBacklog:    {StatusPending, StatusTodo, StatusCancelled},
	StatusPending:    {StatusInProgress, StatusBlocked, StatusCancelled},
	StatusTodo:       {StatusPending, StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusBlocked, StatusFailed, StatusCancelled},
	StatusBlocked:    {StatusPending, StatusInProgress, StatusCancelled},
}

// CanTransition reports whether a task may move from s to next.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskType classifies what kind of work a task represents.
type TaskType string

const (
	TypeTask        TaskType = "TASK"
	TypeMilestone   TaskType = "MILESTONE"
	TypeGroup       TaskType = "GROUP"
	TypeResearch    TaskType = "RESEARCH"
	TypeGeneration  TaskType = "GENERATION"
	TypeAnalysis    TaskType = "ANALYSIS"
	TypeIntegration TaskType = "INTEGRATION"
)

// IsValid reports whether t is a known task type.
func (t TaskType) IsValid() bool {
	switch t {
	case TypeTask, TypeMilestone, TypeGroup, TypeResearch,
		TypeGeneration, TypeAnalysis, TypeIntegration:
		return true
	}
	return false
}

// Priority orders tasks for scheduling.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// NoteCategory classifies a task note.
type NoteCategory string

const (
	NotePlanning        NoteCategory = "planning"
	NoteProgress        NoteCategory = "progress"
	NoteCompletion      NoteCategory = "completion"
	NoteTroubleshooting NoteCategory = "troubleshooting"
)

// IsValid reports whether c is a known note category.
func (c NoteCategory) IsValid() bool {
	switch c {
	case NotePlanning, NoteProgress, NoteCompletion, NoteTroubleshooting:
		return true
	}
	return false
}

// Note is a categorized annotation attached to a task.
type Note struct {
	ID        string       `json:"id,omitempty"`
	Category  NoteCategory `json:"category"`
	Text      string       `json:"text"`
	CreatedAt time.Time    `json:"created_at"`
}

// Task is the unit of work. Identity is either the minted ID or the
// canonical slash-separated Path. Back-references (children, dependents)
// are never stored on the task; they are derived from indexes.
type Task struct {
	ID                     string            `json:"id"`
	Path                   string            `json:"path"`
	Name                   string            `json:"name"`
	Description            string            `json:"description,omitempty"`
	Type                   TaskType          `json:"type"`
	Status                 Status            `json:"status"`
	Priority               Priority          `json:"priority"`
	ParentPath             string            `json:"parent_path,omitempty"`
	ProjectID              string            `json:"project_id,omitempty"`
	Dependencies           []string          `json:"dependencies,omitempty"` // paths or ids of prerequisite tasks
	Subtasks               []string          `json:"subtasks,omitempty"`     // ordered child paths, derived projection
	Notes                  []Note            `json:"notes,omitempty"`
	Reasoning              string            `json:"reasoning,omitempty"`
	Links                  []string          `json:"links,omitempty"`
	Tags                   []string          `json:"tags,omitempty"`
	AssignedTo             string            `json:"assigned_to,omitempty"`
	CompletionRequirements string            `json:"completion_requirements,omitempty"`
	OutputFormat           string            `json:"output_format,omitempty"`
	Metadata               Metadata          `json:"metadata,omitempty"`
	Created                time.Time         `json:"created"`
	Updated                time.Time         `json:"updated"`
	Version                int64             `json:"version"`
}

// Clone returns a deep copy of the task. Index and cache layers hand out
// clones so callers never hold references into shared state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Subtasks = append([]string(nil), t.Subtasks...)
	c.Notes = append([]Note(nil), t.Notes...)
	c.Links = append([]string(nil), t.Links...)
	c.Tags = append([]string(nil), t.Tags...)
	c.Metadata = t.Metadata.Clone()
	return &c
}

// Validate checks structural field constraints. Cross-entity rules
// (parent existence, cycles, transitions) live in the validation
// pipeline; this covers what a single task can assert about itself.
func (t *Task) Validate() error {
	if t.Path == "" {
		return fmt.Errorf("task path is required")
	}
	if err := ValidatePath(t.Path); err != nil {
		return err
	}
	if t.Name == "" || len(t.Name) > MaxNameLength {
		return fmt.Errorf("task name must be 1-%d characters", MaxNameLength)
	}
	if len(t.Description) > MaxDescriptionLength {
		return fmt.Errorf("task description exceeds %d characters", MaxDescriptionLength)
	}
	if len(t.Reasoning) > MaxReasoningLength {
		return fmt.Errorf("task reasoning exceeds %d characters", MaxReasoningLength)
	}
	if !t.Type.IsValid() {
		return fmt.Errorf("invalid task type: %s", t.Type)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", t.Status)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %s", t.Priority)
	}
	if len(t.Dependencies) > MaxDependencies {
		return fmt.Errorf("task has %d dependencies, maximum is %d", len(t.Dependencies), MaxDependencies)
	}
	if len(t.Tags) > MaxTags {
		return fmt.Errorf("task has %d tags, maximum is %d", len(t.Tags), MaxTags)
	}
	if len(t.Notes) > MaxNotes {
		return fmt.Errorf("task has %d notes, maximum is %d", len(t.Notes), MaxNotes)
	}
	for i, n := range t.Notes {
		if len(n.Text) > MaxNoteLength {
			return fmt.Errorf("note %d exceeds %d characters", i, MaxNoteLength)
		}
		if !n.Category.IsValid() {
			return fmt.Errorf("note %d has invalid category: %s", i, n.Category)
		}
	}
	if t.ParentPath != "" {
		if err := ValidatePath(t.ParentPath); err != nil {
			return fmt.Errorf("invalid parent path: %w", err)
		}
		if ParentPath(t.Path) != "" && !strings.EqualFold(ParentPath(t.Path), t.ParentPath) {
			return fmt.Errorf("parent path %q does not enclose task path %q", t.ParentPath, t.Path)
		}
	}
	return nil
}

// ValidatePath checks path syntax: slash-separated segments of
// alphanumerics plus '.', '_', '-', at most MaxPathDepth deep.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("path %q must not start or end with '/'", path)
	}
	segments := strings.Split(path, "/")
	if len(segments) > MaxPathDepth {
		return fmt.Errorf("path %q exceeds maximum depth %d", path, MaxPathDepth)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("path %q contains an empty segment", path)
		}
		for _, c := range seg {
			if !isPathRune(c) {
				return fmt.Errorf("path %q contains invalid character %q", path, c)
			}
		}
	}
	return nil
}

func isPathRune(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-'
}

// PathDepth returns the number of segments in path.
func PathDepth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/") + 1
}

// ParentPath returns the enclosing path, or "" for a root path.
func ParentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// PathName returns the final segment of path.
func PathName(path string) string {
	idx := strings.LastIndex(path, "/")
	return path[idx+1:]
}

// NormalizePath lowercases a path for matching. Storage keeps the
// original casing; all lookups go through the normalized form.
func NormalizePath(path string) string {
	return strings.ToLower(path)
}
