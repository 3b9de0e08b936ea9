package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random annotation identifier. The service accepts any
// opaque string; uppercase UUIDs without dashes match what viewers emit.
func NewID(prefix string) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
