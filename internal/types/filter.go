package types

import "time"

// Pagination defaults and ceiling for query operations.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// TaskFilter selects tasks in query operations. Zero values mean
// "no constraint".
type TaskFilter struct {
	ProjectID   string
	Status      Status
	Type        TaskType
	Priority    Priority
	ParentPath  string
	PathPattern string // glob over the canonical path
	Tag         string
	AssignedTo  string

	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	Page Page
}

// Page describes offset/limit pagination. Normalize clamps the limit to
// the configured ceiling and fills in the default.
type Page struct {
	Offset int
	Limit  int
}

// Normalize applies the default limit and ceiling.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// PageResult is the envelope returned by paged queries.
type PageResult[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"total_pages"`
}

// NewPageResult assembles the envelope for a page of items.
func NewPageResult[T any](items []T, total int, p Page) PageResult[T] {
	p = p.Normalize()
	totalPages := (total + p.Limit - 1) / p.Limit
	if totalPages == 0 {
		totalPages = 1
	}
	return PageResult[T]{
		Items:      items,
		Total:      total,
		Page:       p.Offset/p.Limit + 1,
		Limit:      p.Limit,
		TotalPages: totalPages,
	}
}

// KnowledgeFilter selects knowledge entries in query operations.
type KnowledgeFilter struct {
	ProjectID string
	Domain    string
	Tag       string
}

// Statistics summarizes the store contents.
type Statistics struct {
	TotalTasks      int              `json:"total_tasks"`
	TotalKnowledge  int              `json:"total_knowledge"`
	TasksByStatus   map[Status]int   `json:"tasks_by_status"`
	TasksByType     map[TaskType]int `json:"tasks_by_type"`
	DepthHistogram  map[int]int      `json:"depth_histogram"`
	DependencyEdges int              `json:"dependency_edges"`
}
