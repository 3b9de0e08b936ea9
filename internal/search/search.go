// Package search indexes annotation contents so a session's comments can be
// found by text. Meilisearch serves queries when it is reachable; an
// in-process index covers the rest.
package search

import (
	"time"

	"annosync/internal/annotation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	SessionKey string `json:"sessionKey"`
	Page       int    `json:"page"`
	Kind       string `json:"kind"`
	Author     string `json:"author"`
	Snippet    string `json:"snippet"`
	ReplyTo    string `json:"replyTo,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	SessionKey string
	Author     string // empty = any author
	Limit      int
	Offset     int
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

// Indexer keeps a session's annotations in an index.
type Indexer interface {
	IndexRecords(records []Record) error
	DeleteRecords(sessionKey string, ids []string) error
}

// Record is the data we index for an annotation.
type Record struct {
	DocID      string `json:"docId"`
	ID         string `json:"id"`
	SessionKey string `json:"sessionKey"`
	Page       int    `json:"page"`
	Kind       string `json:"kind"`
	Author     string `json:"author"`
	Contents   string `json:"contents"`
	ReplyTo    string `json:"replyTo,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

const defaultLimit = 20

// FromAnnotations converts a session's annotations into index records.
// Kinds without text are indexed too so author filters find them.
func FromAnnotations(sessionKey string, records []annotation.Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		var created int64
		if r.HasTimestamp() {
			created = r.CreatedAt.UTC().Unix()
		}
		out = append(out, Record{
			DocID:      docID(sessionKey, r.ID),
			ID:         r.ID,
			SessionKey: sessionKey,
			Page:       r.Page,
			Kind:       r.Kind.String(),
			Author:     r.Author,
			Contents:   r.Contents,
			ReplyTo:    r.ReplyTo,
			CreatedAt:  created,
		})
	}
	return out
}

func (r Record) result(snippet string) Result {
	return Result{
		ID:         r.ID,
		SessionKey: r.SessionKey,
		Page:       r.Page,
		Kind:       r.Kind,
		Author:     r.Author,
		Snippet:    snippet,
		ReplyTo:    r.ReplyTo,
	}
}

func (r Record) created() time.Time {
	if r.CreatedAt == 0 {
		return time.Time{}
	}
	return time.Unix(r.CreatedAt, 0).UTC()
}
