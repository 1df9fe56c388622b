package search

import (
	"sort"
	"strings"

	"roster/api/internal/model"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	Status      string `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text        string
	WorkspaceID string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push rows into a search index.
type Indexer interface {
	IndexRows(rows []RowRecord) error
	DeleteRows(ids []string) error
}

// RowRecord is the data we index for a workspace row.
type RowRecord struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Status      string `json:"status"`
	Content     string `json:"content"`
}

// RecordsFromSet builds index records for every confirmed row. Content holds
// the remaining cells in schema order as "column: value" lines.
func RecordsFromSet(workspaceID string, set model.Set) []RowRecord {
	columns := set.ColumnNames()
	records := make([]RowRecord, 0, len(set.Rows))
	for _, row := range set.Rows {
		if row.ID == "" || row.IsNew {
			continue
		}
		var lines []string
		seen := map[string]bool{}
		for _, column := range columns {
			seen[column] = true
			lines = appendCell(lines, column, row.Data[column])
		}
		extra := make([]string, 0)
		for key := range row.Data {
			if !seen[key] {
				extra = append(extra, key)
			}
		}
		sort.Strings(extra)
		for _, key := range extra {
			lines = appendCell(lines, key, row.Data[key])
		}
		records = append(records, RowRecord{
			ID:          row.ID,
			WorkspaceID: workspaceID,
			Name:        row.Data[model.FieldName],
			Email:       row.Data[model.FieldEmail],
			Status:      row.Data[model.FieldStatus],
			Content:     strings.Join(lines, "\n"),
		})
	}
	return records
}

func appendCell(lines []string, column, value string) []string {
	switch column {
	case model.FieldName, model.FieldEmail, model.FieldStatus, model.FieldNotified:
		return lines
	}
	if strings.TrimSpace(value) == "" {
		return lines
	}
	return append(lines, column+": "+value)
}
