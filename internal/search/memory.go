package search

import (
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process index. Every query term must occur in the
// contents or the author, case-insensitively.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Healthy() bool { return true }

func (m *Memory) IndexRecords(records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.DocID] = r
	}
	return nil
}

func (m *Memory) DeleteRecords(sessionKey string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.records, docID(sessionKey, id))
	}
	return nil
}

func (m *Memory) Search(q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))

	m.mu.RLock()
	matches := make([]Record, 0)
	for _, r := range m.records {
		if q.SessionKey != "" && r.SessionKey != q.SessionKey {
			continue
		}
		if q.Author != "" && r.Author != q.Author {
			continue
		}
		if !matchAll(r, terms) {
			continue
		}
		matches = append(matches, r)
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.SessionKey != b.SessionKey {
			return a.SessionKey < b.SessionKey
		}
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		if !a.created().Equal(b.created()) {
			return a.created().Before(b.created())
		}
		return a.ID < b.ID
	})

	total := len(matches)
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	results := make([]Result, 0, end-offset)
	for _, r := range matches[offset:end] {
		results = append(results, r.result(snippet(r.Contents, terms)))
	}
	return results, total, nil
}

func matchAll(r Record, terms []string) bool {
	haystack := strings.ToLower(r.Contents + " " + r.Author)
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

// snippet marks the first term found in contents the way Meilisearch
// highlights do.
func snippet(contents string, terms []string) string {
	lower := strings.ToLower(contents)
	for _, term := range terms {
		// lowering may change byte lengths outside ASCII
		if len(lower) != len(contents) {
			break
		}
		if i := strings.Index(lower, term); i >= 0 {
			return contents[:i] + "<mark>" + contents[i:i+len(term)] + "</mark>" + contents[i+len(term):]
		}
	}
	return contents
}
