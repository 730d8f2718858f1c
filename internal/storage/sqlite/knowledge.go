package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/untoldecay/trellis/internal/idgen"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

func createKnowledge(ctx context.Context, q dbtx, k *types.Knowledge, actor string) error {
	if k.ID == "" {
		k.ID = idgen.NewID(idgen.DomainKnowledge)
	}
	now := time.Now().UTC()
	if k.Created.IsZero() {
		k.Created = now
	}
	if k.Updated.IsZero() {
		k.Updated = now
	}
	if k.Version == 0 {
		k.Version = 1
	}
	if err := k.Validate(); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, err, "%v", err)
	}
	metadata, err := k.Metadata.MarshalText()
	if err != nil {
		return taskerr.Wrap(taskerr.KindValidation, err, "invalid metadata")
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO knowledge (id, project_id, text, domain, tags, metadata, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, k.ID, k.ProjectID, k.Text, k.Domain, formatJSONStringArray(k.Tags),
		string(metadata), k.Created, k.Updated, k.Version)
	if err != nil {
		if isUniqueConstraintError(err) {
			return taskerr.New(taskerr.KindDuplicate, "knowledge %s already exists", k.ID)
		}
		return wrapDBError("create knowledge", err)
	}
	return insertCitations(ctx, q, k.ID, k.Citations)
}

func insertCitations(ctx context.Context, q dbtx, knowledgeID string, citations []types.Citation) error {
	now := time.Now().UTC()
	for _, c := range citations {
		id := c.ID
		if id == "" {
			id = idgen.NewID(idgen.DomainCitation)
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO knowledge_citations (id, knowledge_id, url, title, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, knowledgeID, c.URL, c.Title, c.Source, createdAt)
		if err != nil {
			return wrapDBError("insert citation", err)
		}
	}
	return nil
}

// CreateKnowledge stores a knowledge entry with its citations.
func (s *SQLiteStorage) CreateKnowledge(ctx context.Context, k *types.Knowledge, actor string) error {
	s.metrics.writes.Add(1)
	return s.withTx(ctx, func(tx dbtx) error {
		return createKnowledge(ctx, tx, k, actor)
	})
}

func getKnowledge(ctx context.Context, q dbtx, id string) (*types.Knowledge, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, project_id, text, domain, tags, metadata, created_at, updated_at, version
		FROM knowledge WHERE id = ?
	`, id)
	k, err := scanKnowledge(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get knowledge", err)
	}
	return k, loadCitations(ctx, q, k)
}

func scanKnowledge(row rowScanner) (*types.Knowledge, error) {
	var k types.Knowledge
	var tags, metadata string
	err := row.Scan(&k.ID, &k.ProjectID, &k.Text, &k.Domain, &tags,
		&metadata, &k.Created, &k.Updated, &k.Version)
	if err != nil {
		return nil, err
	}
	k.Tags = parseJSONStringArray(tags)
	if err := k.Metadata.UnmarshalText([]byte(metadata)); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for %s: %w", k.ID, err)
	}
	return &k, nil
}

func loadCitations(ctx context.Context, q dbtx, k *types.Knowledge) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, url, title, source, created_at
		FROM knowledge_citations WHERE knowledge_id = ?
		ORDER BY created_at, id
	`, k.ID)
	if err != nil {
		return wrapDBError("load citations", err)
	}
	defer func() { _ = rows.Close() }()
	k.Citations = nil
	for rows.Next() {
		var c types.Citation
		if err := rows.Scan(&c.ID, &c.URL, &c.Title, &c.Source, &c.CreatedAt); err != nil {
			return wrapDBError("scan citation", err)
		}
		k.Citations = append(k.Citations, c)
	}
	return rows.Err()
}

// GetKnowledge returns the knowledge entry with the given id, or nil.
func (s *SQLiteStorage) GetKnowledge(ctx context.Context, id string) (*types.Knowledge, error) {
	s.metrics.reads.Add(1)
	return getKnowledge(ctx, s.db, id)
}

// updatableKnowledgeColumns is the closed set UpdateKnowledge accepts.
var updatableKnowledgeColumns = map[string]bool{
	"text": true, "domain": true, "tags": true, "metadata": true,
	"project_id": true,
}

func updateKnowledge(ctx context.Context, q dbtx, id string, updates map[string]any, actor string) (*types.Knowledge, error) {
	existing, err := getKnowledge(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, taskerr.New(taskerr.KindNotFound, "knowledge %s not found", id)
	}
	if len(updates) == 0 {
		return existing, nil
	}

	setClauses := make([]string, 0, len(updates)+2)
	args := make([]any, 0, len(updates)+3)
	for key, value := range updates {
		if !updatableKnowledgeColumns[key] {
			return nil, taskerr.New(taskerr.KindValidation, "unknown field %q", key)
		}
		switch key {
		case "text":
			if text, ok := value.(string); ok {
				if text == "" || len(text) > types.MaxKnowledgeTextLength {
					return nil, taskerr.New(taskerr.KindValidation,
						"text must be 1-%d characters", types.MaxKnowledgeTextLength)
				}
			}
		case "tags":
			if list, ok := value.([]string); ok {
				value = formatJSONStringArray(list)
			}
		case "metadata":
			if md, ok := value.(types.Metadata); ok {
				data, err := md.MarshalText()
				if err != nil {
					return nil, taskerr.Wrap(taskerr.KindValidation, err, "invalid metadata")
				}
				value = string(data)
			}
		}
		setClauses = append(setClauses, key+" = ?")
		args = append(args, value)
	}
	setClauses = append(setClauses, "updated_at = ?", "version = version + 1")
	args = append(args, time.Now().UTC(), id)

	// #nosec G201 - column names come from the closed updatable set
	query := fmt.Sprintf(`UPDATE knowledge SET %s WHERE id = ?`, strings.Join(setClauses, ", "))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, wrapDBError("update knowledge", err)
	}
	return getKnowledge(ctx, q, id)
}

// UpdateKnowledge applies a partial update and returns the new entry.
func (s *SQLiteStorage) UpdateKnowledge(ctx context.Context, id string, updates map[string]any, actor string) (*types.Knowledge, error) {
	s.metrics.writes.Add(1)
	var updated *types.Knowledge
	err := s.withTx(ctx, func(tx dbtx) error {
		var err error
		updated, err = updateKnowledge(ctx, tx, id, updates, actor)
		return err
	})
	return updated, err
}

func deleteKnowledge(ctx context.Context, q dbtx, id string) error {
	// Citations go with the entry via FK cascade.
	_, err := q.ExecContext(ctx, `DELETE FROM knowledge WHERE id = ?`, id)
	if err != nil {
		return wrapDBError("delete knowledge", err)
	}
	return nil
}

// DeleteKnowledge removes a knowledge entry and its citations. Deleting
// a missing entry is a no-op.
func (s *SQLiteStorage) DeleteKnowledge(ctx context.Context, id string) error {
	s.metrics.writes.Add(1)
	return s.withTx(ctx, func(tx dbtx) error {
		return deleteKnowledge(ctx, tx, id)
	})
}

// ListKnowledge returns knowledge entries matching the filter, newest
// first.
func (s *SQLiteStorage) ListKnowledge(ctx context.Context, filter types.KnowledgeFilter) ([]*types.Knowledge, error) {
	s.metrics.reads.Add(1)
	var clauses []string
	var args []any
	if filter.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Domain != "" {
		clauses = append(clauses, "domain = ?")
		args = append(args, filter.Domain)
	}
	if filter.Tag != "" {
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, `%"`+filter.Tag+`"%`)
	}
	query := `SELECT id, project_id, text, domain, tags, metadata, created_at, updated_at, version FROM knowledge`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list knowledge", err)
	}
	defer func() { _ = rows.Close() }()
	var entries []*types.Knowledge
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, wrapDBError("scan knowledge", err)
		}
		entries = append(entries, k)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate knowledge", err)
	}
	for _, k := range entries {
		if err := loadCitations(ctx, s.db, k); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// AddCitations appends citations to an existing knowledge entry.
func (s *SQLiteStorage) AddCitations(ctx context.Context, knowledgeID string, citations []types.Citation) error {
	if len(citations) == 0 {
		return nil
	}
	s.metrics.writes.Add(1)
	return s.withTx(ctx, func(tx dbtx) error {
		k, err := getKnowledge(ctx, tx, knowledgeID)
		if err != nil {
			return err
		}
		if k == nil {
			return taskerr.New(taskerr.KindNotFound, "knowledge %s not found", knowledgeID)
		}
		if err := insertCitations(ctx, tx, knowledgeID, citations); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE knowledge SET updated_at = ?, version = version + 1 WHERE id = ?`,
			time.Now().UTC(), knowledgeID)
		return wrapDBError("touch knowledge", err)
	})
}
