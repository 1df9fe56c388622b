package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	meili "github.com/meilisearch/meilisearch-go"
)

const idxRows = "roster_rows"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     logr.Logger
}

// NewMeili creates a Meilisearch client and configures the row index.
// An unreachable server is reported as unhealthy and retried in the background.
func NewMeili(url, apiKey string, log logr.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log.WithName("meili"),
	}

	if _, err := client.Health(); err != nil {
		m.log.Error(err, "meilisearch unavailable", "url", url)
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
		Uid:        idxRows,
		PrimaryKey: "id",
	}); err != nil {
		m.log.V(1).Info("create index (may already exist)", "index", idxRows, "error", err.Error())
	}

	index := m.client.Index(idxRows)
	filterable := []interface{}{"workspaceId", "status"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Error(err, "update filterable attributes", "index", idxRows)
	}
	searchable := []string{"name", "email", "content"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Error(err, "update searchable attributes", "index", idxRows)
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
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
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

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	req := &meili.SearchRequest{
		IndexUID:              idxRows,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"name", "content"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.WorkspaceID != "" {
		req.Filter = []string{fmt.Sprintf("workspaceId = %q", q.WorkspaceID)}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{req},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := []Result{}
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:          decodeString(hit, "id"),
		WorkspaceID: decodeString(hit, "workspaceId"),
		Status:      decodeString(hit, "status"),
		Title:       firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"), decodeString(hit, "email")),
		Snippet:     firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content")),
	}
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

// IndexRows adds or replaces rows in the index.
func (m *Meili) IndexRows(rows []RowRecord) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRows).AddDocuments(rows, nil)
	return err
}

// DeleteRows removes rows from the index.
func (m *Meili) DeleteRows(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	index := m.client.Index(idxRows)
	for _, id := range ids {
		if _, err := index.DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete row %s: %w", id, err)
		}
	}
	return nil
}
