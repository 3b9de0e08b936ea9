package search

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxAnnotations = "annosync_annotations"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not an error; Healthy stays false until the
// background check succeeds.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

// docID maps an annotation to a Meilisearch primary key. Annotation ids
// are opaque strings; hex keeps them inside the allowed alphabet.
func docID(sessionKey, id string) string {
	return sessionKey + "-" + hex.EncodeToString([]byte(id))
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxAnnotations,
		PrimaryKey: "docId",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.String("index", idxAnnotations), zap.Error(err))
	}

	index := m.client.Index(idxAnnotations)
	filterable := []interface{}{"sessionKey", "author", "page", "kind"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"contents", "author"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
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
				m.logger.Info("meilisearch recovered, reconfiguring index")
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
	if limit <= 0 {
		limit = defaultLimit
	}
	sr := &meili.SearchRequest{
		IndexUID:              idxAnnotations,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"contents"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	var filters []string
	if q.SessionKey != "" {
		filters = append(filters, fmt.Sprintf("sessionKey = %q", q.SessionKey))
	}
	if q.Author != "" {
		filters = append(filters, fmt.Sprintf("author = %q", q.Author))
	}
	if len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	var page int
	if raw, ok := hit["page"]; ok {
		_ = json.Unmarshal(raw, &page)
	}
	return Result{
		ID:         decodeString(hit, "id"),
		SessionKey: decodeString(hit, "sessionKey"),
		Page:       page,
		Kind:       decodeString(hit, "kind"),
		Author:     decodeString(hit, "author"),
		ReplyTo:    decodeString(hit, "replyTo"),
		Snippet:    firstNonBlank(decodeFormattedString(hit, "contents"), decodeString(hit, "contents")),
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
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexRecords adds or updates annotations in the index.
func (m *Meili) IndexRecords(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxAnnotations).AddDocuments(records, nil)
	return err
}

// DeleteRecords removes annotations from the index.
func (m *Meili) DeleteRecords(sessionKey string, ids []string) error {
	index := m.client.Index(idxAnnotations)
	for _, id := range ids {
		if _, err := index.DeleteDocument(docID(sessionKey, id), nil); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return nil
}
