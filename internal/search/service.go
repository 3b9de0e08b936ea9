package search

import (
	"go.uber.org/zap"
)

// Service tries Meilisearch first and falls back to the in-process index.
// Both are fed on every change so the fallback is always complete.
type Service struct {
	meili  *Meili
	memory *Memory
	logger *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, memory: NewMemory(), logger: logger}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to memory index", zap.Error(err))
	}

	results, total, err := s.memory.Search(q)
	if err != nil {
		s.logger.Warn("memory search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexRecords indexes synchronously in memory and fire-and-forget in
// Meilisearch.
func (s *Service) IndexRecords(records []Record) {
	if len(records) == 0 {
		return
	}
	_ = s.memory.IndexRecords(records)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexRecords(records); err != nil {
			s.logger.Warn("index annotations", zap.Int("count", len(records)), zap.Error(err))
		}
	}()
}

// DeleteRecords removes annotations from both indexes.
func (s *Service) DeleteRecords(sessionKey string, ids []string) {
	if len(ids) == 0 {
		return
	}
	_ = s.memory.DeleteRecords(sessionKey, ids)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteRecords(sessionKey, ids); err != nil {
			s.logger.Warn("delete annotations from index", zap.Strings("ids", ids), zap.Error(err))
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
