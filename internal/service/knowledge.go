package service

import (
	"context"

	"github.com/untoldecay/trellis/internal/cache"
	"github.com/untoldecay/trellis/internal/events"
	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/txn"
	"github.com/untoldecay/trellis/internal/types"
)

// KnowledgeService is the public surface for knowledge operations.
// Knowledge entries live outside the task dependency graph, so there
// is no cycle or hierarchy validation here.
type KnowledgeService struct {
	*Core
}

// NewKnowledgeService wraps the core.
func NewKnowledgeService(core *Core) *KnowledgeService { return &KnowledgeService{Core: core} }

// Create persists a knowledge entry.
func (s *KnowledgeService) Create(ctx context.Context, k *types.Knowledge) (*types.Knowledge, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	_, finish := s.begin("create_knowledge")

	err = s.coord.Execute(ctx, txn.BeginOptions{
		Isolation:    txn.IsolationImmediate,
		ConnectionID: connID(),
	}, func(tx *txn.Tx) error {
		return tx.Do(func(ctx context.Context, st storage.Transaction) error {
			return st.CreateKnowledge(ctx, k, s.opts.Actor)
		})
	})
	if err != nil {
		return nil, finish(err)
	}

	created, err := s.store.GetKnowledge(ctx, k.ID)
	if err != nil {
		return nil, finish(err)
	}
	s.publish(events.KnowledgeCreated, created.ID, "", nil)
	return created, finish(nil)
}

// Get resolves a knowledge entry by id, NOT_FOUND when missing.
func (s *KnowledgeService) Get(ctx context.Context, id string) (*types.Knowledge, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	_, finish := s.begin("get_knowledge")

	key := cache.Key("get_knowledge", id)
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return v.(*types.Knowledge).Clone(), finish(nil)
		}
	}

	k, err := s.store.GetKnowledge(ctx, id)
	if err != nil {
		return nil, finish(err)
	}
	if k == nil {
		return nil, finish(taskerr.New(taskerr.KindNotFound, "knowledge entry not found").WithPath(id))
	}
	if s.cache != nil {
		s.cache.Put(key, k, []string{k.ID})
	}
	// Callers get a copy; the cached entry stays private.
	return k.Clone(), finish(nil)
}

// Update applies a partial update to a knowledge entry.
func (s *KnowledgeService) Update(ctx context.Context, id string, updates map[string]any) (*types.Knowledge, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	_, finish := s.begin("update_knowledge")

	var updated *types.Knowledge
	err = s.coord.Execute(ctx, txn.BeginOptions{
		Isolation:    txn.IsolationImmediate,
		ConnectionID: connID(),
		Keys:         []string{id},
	}, func(tx *txn.Tx) error {
		return tx.Do(func(ctx context.Context, st storage.Transaction) error {
			var err error
			updated, err = st.UpdateKnowledge(ctx, id, updates, s.opts.Actor)
			return err
		})
	})
	if err != nil {
		return nil, finish(err)
	}
	s.publish(events.KnowledgeUpdated, id, "", nil)
	return updated, finish(nil)
}

// Delete removes a knowledge entry; missing entries are NOT_FOUND.
func (s *KnowledgeService) Delete(ctx context.Context, id string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, finish := s.begin("delete_knowledge")

	existing, err := s.store.GetKnowledge(ctx, id)
	if err != nil {
		return finish(err)
	}
	if existing == nil {
		return finish(taskerr.New(taskerr.KindNotFound, "knowledge entry not found").WithPath(id))
	}

	err = s.coord.Execute(ctx, txn.BeginOptions{
		Isolation:    txn.IsolationImmediate,
		ConnectionID: connID(),
		Keys:         []string{id},
	}, func(tx *txn.Tx) error {
		return tx.Do(func(ctx context.Context, st storage.Transaction) error {
			return st.DeleteKnowledge(ctx, id)
		})
	})
	if err != nil {
		return finish(err)
	}
	s.publish(events.KnowledgeDeleted, id, "", nil)
	return finish(nil)
}

// Query lists knowledge entries matching the filter with pagination
// applied over the filtered set.
func (s *KnowledgeService) Query(ctx context.Context, filter types.KnowledgeFilter, page types.Page) (*types.PageResult[*types.Knowledge], error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	_, finish := s.begin("query_knowledge")

	all, err := s.store.ListKnowledge(ctx, filter)
	if err != nil {
		return nil, finish(err)
	}
	page = page.Normalize()
	start := page.Offset
	if start > len(all) {
		start = len(all)
	}
	end := start + page.Limit
	if end > len(all) {
		end = len(all)
	}
	result := types.NewPageResult(all[start:end], len(all), page)
	return &result, finish(nil)
}

// AddCitations attaches citations to a knowledge entry.
func (s *KnowledgeService) AddCitations(ctx context.Context, id string, citations []types.Citation) (*types.Knowledge, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	_, finish := s.begin("add_citations")

	if err := s.store.AddCitations(ctx, id, citations); err != nil {
		return nil, finish(err)
	}
	updated, err := s.store.GetKnowledge(ctx, id)
	if err != nil {
		return nil, finish(err)
	}
	s.publish(events.KnowledgeUpdated, id, "", nil)
	return updated, finish(nil)
}
