// Package journal records every push to the remote annotation service and
// its outcome. A failed push leaves local state ahead of the service; the
// journal is where that divergence can be found later.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Ops recorded by the mediator and the app.
const (
	OpAdd    = "add"
	OpModify = "modify"
	OpDelete = "delete"
	OpUpload = "upload"
)

type Entry struct {
	ID            int64     `json:"id"`
	SessionKey    string    `json:"sessionKey"`
	Op            string    `json:"op"`
	AnnotationIDs []string  `json:"annotationIds"`
	Status        Status    `json:"status"`
	Error         string    `json:"error,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Journal is implemented by PostgresJournal and Memory.
type Journal interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, sessionKey string, onlyFailed bool, limit int) ([]Entry, error)
}

// NewEntry fills Status and Error from err.
func NewEntry(sessionKey, op, actor string, ids []string, err error) Entry {
	entry := Entry{
		SessionKey:    sessionKey,
		Op:            op,
		AnnotationIDs: ids,
		Status:        StatusOK,
		Actor:         actor,
	}
	if err != nil {
		entry.Status = StatusFailed
		entry.Error = err.Error()
	}
	return entry
}

type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

func (j *PostgresJournal) DB() *sql.DB {
	return j.db
}

func (j *PostgresJournal) Record(ctx context.Context, entry Entry) error {
	ids := entry.AnnotationIDs
	if ids == nil {
		ids = []string{}
	}
	encodedIDs, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal annotation ids: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO sync_journal (session_key, op, annotation_ids, status, error, actor)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6)
	`, entry.SessionKey, entry.Op, string(encodedIDs), string(entry.Status), entry.Error, entry.Actor)
	if err != nil {
		return fmt.Errorf("insert sync journal: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Recent(ctx context.Context, sessionKey string, onlyFailed bool, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, session_key, op, annotation_ids, status, error, actor, created_at
		FROM sync_journal
		WHERE session_key=$1 AND (status='failed' OR NOT $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, sessionKey, onlyFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync journal: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0)
	for rows.Next() {
		var item Entry
		var idsRaw []byte
		var status string
		if err := rows.Scan(
			&item.ID,
			&item.SessionKey,
			&item.Op,
			&idsRaw,
			&status,
			&item.Error,
			&item.Actor,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sync journal: %w", err)
		}
		item.Status = Status(status)
		_ = json.Unmarshal(idsRaw, &item.AnnotationIDs)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync journal: %w", err)
	}
	return items, nil
}

// Memory keeps entries in process. It backs the journal when no database is
// configured.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	entries []Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.AnnotationIDs = append([]string(nil), entry.AnnotationIDs...)
	m.entries = append(m.entries, entry)
	return nil
}

func (m *Memory) Recent(_ context.Context, sessionKey string, onlyFailed bool, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]Entry, 0)
	for i := len(m.entries) - 1; i >= 0 && len(items) < limit; i-- {
		entry := m.entries[i]
		if entry.SessionKey != sessionKey {
			continue
		}
		if onlyFailed && entry.Status != StatusFailed {
			continue
		}
		items = append(items, entry)
	}
	return items, nil
}
