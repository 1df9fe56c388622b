package search

import (
	"context"

	"github.com/go-logr/logr"

	"roster/api/internal/workspace"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  Searcher
	indexer  Indexer
	fallback Searcher
	log      logr.Logger
	// async runs index writes; tests replace it to run inline.
	async func(func())
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log logr.Logger) *Service {
	s := &Service{log: log, async: func(fn func()) { go fn() }}
	if meili != nil {
		s.primary = meili
		s.indexer = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

// Search tries the primary index if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Error(err, "primary search failed, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.log.Error(err, "pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// OnSync re-indexes the confirmed rows of a synced workspace and removes the
// deleted ones (fire-and-forget).
func (s *Service) OnSync(_ context.Context, event workspace.SyncEvent) {
	if s.indexer == nil || (s.primary != nil && !s.primary.Healthy()) {
		return
	}
	records := RecordsFromSet(event.WorkspaceID, event.Baseline)
	deleted := append([]string(nil), event.DeletedIDs...)
	s.async(func() {
		if err := s.indexer.IndexRows(records); err != nil {
			s.log.Error(err, "index rows", "workspace", event.WorkspaceID, "rows", len(records))
		}
		if err := s.indexer.DeleteRows(deleted); err != nil {
			s.log.Error(err, "delete rows from index", "workspace", event.WorkspaceID)
		}
	})
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
