// Package docstore keeps downloaded documents so a session can be reopened
// without fetching the binary again, and reads their page count.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("docstore: document not found")

// Store persists document bytes by key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Key derives the storage key for a document URL. Download URLs are often
// signed, so only a digest is kept.
func Key(documentURL string) string {
	sum := sha256.Sum256([]byte(documentURL))
	return hex.EncodeToString(sum[:]) + ".pdf"
}
