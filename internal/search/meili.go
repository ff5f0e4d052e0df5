// Package search indexes knowledge items for full-text queries.
package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxKnowledge = "coedit_knowledge"

// KnowledgeRecord is the indexed shape of a knowledge item.
type KnowledgeRecord struct {
	ID       string `json:"id"`
	OrgID    string `json:"orgId"`
	FolderID string `json:"folderId"`
	Title    string `json:"title"`
	Content  string `json:"content"`
}

// Result is one search hit. Snippet carries the highlighted match when the
// engine provides one.
type Result struct {
	ID       string `json:"id"`
	OrgID    string `json:"orgId"`
	FolderID string `json:"folderId"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
}

// Meili wraps the Meilisearch client with a background health monitor so the
// caller can fall back when the engine is down.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}

	mu        sync.Mutex
	onRecover func() // runs after the index is reconfigured on recovery
}

func (m *Meili) setRecoverHook(fn func()) {
	m.mu.Lock()
	m.onRecover = fn
	m.mu.Unlock()
}

func (m *Meili) recoverHook() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onRecover
}

// NewMeili creates the client and configures the knowledge index. The engine
// being unreachable at startup is not fatal; the health loop retries.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}
	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxKnowledge,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxKnowledge, err)
	}

	index := m.client.Index(idxKnowledge)
	filterable := []interface{}{"orgId", "folderId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxKnowledge, err)
	}
	searchable := []string{"title", "content"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxKnowledge, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
				if hook := m.recoverHook(); hook != nil {
					go hook()
				}
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the knowledge index scoped to one organization.
func (m *Meili) Search(orgID, query string, limit int) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.Index(idxKnowledge).Search(query, &meili.SearchRequest{
		Limit:                 int64(limit),
		Filter:                []string{fmt.Sprintf("orgId = %q", orgID)},
		AttributesToHighlight: []string{"*"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, nil
}

// Index adds or updates one knowledge item.
func (m *Meili) Index(record KnowledgeRecord) error {
	_, err := m.client.Index(idxKnowledge).AddDocuments([]KnowledgeRecord{record}, nil)
	return err
}

// IndexAll bulk-indexes knowledge items, for reindex on recovery.
func (m *Meili) IndexAll(records []KnowledgeRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxKnowledge).AddDocuments(records, nil)
	return err
}

// Delete removes one knowledge item from the index.
func (m *Meili) Delete(id string) error {
	_, err := m.client.Index(idxKnowledge).DeleteDocument(id, nil)
	return err
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:       decodeString(hit, "id"),
		OrgID:    decodeString(hit, "orgId"),
		FolderID: decodeString(hit, "folderId"),
		Title:    decodeString(hit, "title"),
	}
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content"))
	if formatted := decodeFormattedString(hit, "title"); formatted != "" {
		r.Title = formatted
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
