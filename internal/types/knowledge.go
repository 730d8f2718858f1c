package types

import (
	"fmt"
	"time"
)

// MaxKnowledgeTextLength bounds an ingested knowledge entry.
const MaxKnowledgeTextLength = 100000

// Knowledge is an ingested fact or research artifact. Knowledge entries
// reference a project and may carry citations; they are isolated from
// the task dependency graph.
type Knowledge struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Text      string     `json:"text"`
	Tags      []string   `json:"tags,omitempty"`
	Domain    string     `json:"domain,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	Metadata  Metadata   `json:"metadata,omitempty"`
	Created   time.Time  `json:"created"`
	Updated   time.Time  `json:"updated"`
	Version   int64      `json:"version"`
}

// Citation links a knowledge entry to a source.
type Citation struct {
	ID        string    `json:"id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks structural constraints on a knowledge entry.
func (k *Knowledge) Validate() error {
	if k.ProjectID == "" {
		return fmt.Errorf("knowledge project_id is required")
	}
	if k.Text == "" {
		return fmt.Errorf("knowledge text is required")
	}
	if len(k.Text) > MaxKnowledgeTextLength {
		return fmt.Errorf("knowledge text exceeds %d characters", MaxKnowledgeTextLength)
	}
	if len(k.Tags) > MaxTags {
		return fmt.Errorf("knowledge has %d tags, maximum is %d", len(k.Tags), MaxTags)
	}
	return k.Metadata.Validate()
}

// Clone returns a deep copy.
func (k *Knowledge) Clone() *Knowledge {
	if k == nil {
		return nil
	}
	c := *k
	c.Tags = append([]string(nil), k.Tags...)
	c.Citations = append([]Citation(nil), k.Citations...)
	c.Metadata = k.Metadata.Clone()
	return &c
}

// Project groups tasks and knowledge.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

// Dependency is a directed prerequisite edge between two tasks,
// stored key → depends-on key.
type Dependency struct {
	TaskPath     string    `json:"task_path"`
	DependsOn    string    `json:"depends_on"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by,omitempty"`
}

// Session is an optional grouping container holding ordered task roots
// and an active selection.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TaskRoots []string  `json:"task_roots,omitempty"`
	Active    string    `json:"active,omitempty"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// TaskEvent is one audit-trail row recorded for every task mutation.
type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	EventType string    `json:"event_type"`
	Actor     string    `json:"actor,omitempty"`
	OldValue  string    `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Tombstone records a deleted task so the deletion outlives the row it
// removed. Expired tombstones are purged during vacuum.
type Tombstone struct {
	TaskID    string    `json:"task_id"`
	Path      string    `json:"path"`
	DeletedAt time.Time `json:"deleted_at"`
	DeletedBy string    `json:"deleted_by,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}
