package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const pgSearchQuery = `
	SELECT r.id, r.workspace_id,
		coalesce(r.data->>'Name', '') AS title,
		ts_headline('simple', r.data::text, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=20') AS snippet,
		coalesce(r.data->>'Status', '') AS status,
		count(*) OVER () AS total
	FROM workspace_rows r
	WHERE to_tsvector('simple', r.data::text) @@ plainto_tsquery('simple', $1)
		AND ($2 = '' OR r.workspace_id = $2)
	ORDER BY ts_rank(to_tsvector('simple', r.data::text), plainto_tsquery('simple', $1)) DESC, r.id
	LIMIT $3 OFFSET $4`

// Search matches the query against all cell values of the stored rows.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := p.db.QueryContext(context.Background(), pgSearchQuery, q.Text, q.WorkspaceID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pg search rows: %w", err)
	}
	defer rows.Close()

	results := []Result{}
	total := 0
	for rows.Next() {
		var result Result
		if err := rows.Scan(&result.ID, &result.WorkspaceID, &result.Title, &result.Snippet, &result.Status, &total); err != nil {
			return nil, 0, fmt.Errorf("scan search row: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search rows: %w", err)
	}
	return results, total, nil
}
