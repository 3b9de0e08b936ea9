package mediator

import (
	"sync"

	"annosync/internal/annotation"
)

// Surface is the rendering surface's native annotation store.
type Surface interface {
	List(page int) []annotation.Record
	All() []annotation.Record
	Get(id string) (annotation.Record, bool)
	Insert(records []annotation.Record)
	// Delete removes ids and returns the records that existed.
	Delete(ids []string) []annotation.Record
	// Update replaces a stored record; false when the id is unknown.
	Update(record annotation.Record) bool
}

// MemorySurface is an in-process Surface. Records keep insertion order.
type MemorySurface struct {
	mu      sync.RWMutex
	records map[string]annotation.Record
	order   []string
}

func NewMemorySurface() *MemorySurface {
	return &MemorySurface{records: make(map[string]annotation.Record)}
}

func (s *MemorySurface) List(page int) []annotation.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]annotation.Record, 0)
	for _, id := range s.order {
		if record := s.records[id]; record.Page == page {
			out = append(out, record)
		}
	}
	return out
}

func (s *MemorySurface) All() []annotation.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]annotation.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

func (s *MemorySurface) Get(id string) (annotation.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	return record, ok
}

func (s *MemorySurface) Insert(records []annotation.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		if _, exists := s.records[record.ID]; !exists {
			s.order = append(s.order, record.ID)
		}
		s.records[record.ID] = record
	}
}

func (s *MemorySurface) Delete(ids []string) []annotation.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make([]annotation.Record, 0, len(ids))
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		record, ok := s.records[id]
		if !ok || drop[id] {
			continue
		}
		drop[id] = true
		removed = append(removed, record)
		delete(s.records, id)
	}
	if len(drop) == 0 {
		return removed
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	s.order = kept
	return removed
}

func (s *MemorySurface) Update(record annotation.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; !ok {
		return false
	}
	s.records[record.ID] = record
	return true
}
