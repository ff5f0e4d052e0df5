package search

import (
	"context"
	"fmt"
	"log"
	"time"

	"coedit/engine/internal/store"
)

// Service tries Meilisearch first and falls back to the relational search
// when the engine is down. meili may be nil when not configured.
type Service struct {
	meili *Meili
	db    searchStore
}

type searchStore interface {
	SearchKnowledge(ctx context.Context, orgID, query string, limit int) ([]store.KnowledgeItem, error)
	ListAllKnowledge(ctx context.Context) ([]store.KnowledgeItem, error)
}

func NewService(meili *Meili, db searchStore) *Service {
	s := &Service{meili: meili, db: db}
	if meili != nil {
		meili.setRecoverHook(s.reindexAfterRecovery)
	}
	return s
}

// Reindex bulk-pushes every knowledge item into Meilisearch so the index
// catches up with writes it missed. Runs at startup and after the engine
// comes back from an outage; a nil or unhealthy engine makes it a no-op.
func (s *Service) Reindex(ctx context.Context) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	items, err := s.db.ListAllKnowledge(ctx)
	if err != nil {
		return fmt.Errorf("list knowledge for reindex: %w", err)
	}
	records := make([]KnowledgeRecord, 0, len(items))
	for _, item := range items {
		records = append(records, KnowledgeRecord{
			ID:       item.ID,
			OrgID:    item.OrgID,
			FolderID: item.FolderID,
			Title:    item.Title,
			Content:  item.Content,
		})
	}
	if err := s.meili.IndexAll(records); err != nil {
		return fmt.Errorf("bulk index knowledge: %w", err)
	}
	log.Printf("search: reindexed %d knowledge items", len(records))
	return nil
}

func (s *Service) reindexAfterRecovery() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.Reindex(ctx); err != nil {
		log.Printf("search: reindex after recovery: %v", err)
	}
}

// Search queries knowledge items scoped to an organization.
func (s *Service) Search(ctx context.Context, orgID, query string, limit int) ([]Result, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(orgID, query, limit)
		if err == nil {
			return results, nil
		}
		log.Printf("search: meilisearch error, falling back to store: %v", err)
	}

	items, err := s.db.SearchKnowledge(ctx, orgID, query, limit)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(items))
	for _, item := range items {
		results = append(results, Result{
			ID:       item.ID,
			OrgID:    item.OrgID,
			FolderID: item.FolderID,
			Title:    item.Title,
			Snippet:  snippet(item.Content),
		})
	}
	return results, nil
}

// IndexItem pushes one knowledge item to Meilisearch, fire-and-forget.
func (s *Service) IndexItem(item store.KnowledgeItem) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := KnowledgeRecord{
		ID:       item.ID,
		OrgID:    item.OrgID,
		FolderID: item.FolderID,
		Title:    item.Title,
		Content:  item.Content,
	}
	go func() {
		if err := s.meili.Index(record); err != nil {
			log.Printf("search: index knowledge item %s: %v", record.ID, err)
		}
	}()
}

// DeleteItem removes one knowledge item from the index, fire-and-forget.
func (s *Service) DeleteItem(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.Delete(id); err != nil {
			log.Printf("search: delete knowledge item %s: %v", id, err)
		}
	}()
}

func snippet(content string) string {
	const max = 160
	if len(content) <= max {
		return content
	}
	return content[:max]
}
