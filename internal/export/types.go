// Package export renders a session's comment threads as a report, in HTML
// or, when a Chrome binary is available, PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat accepts "html" and "pdf"; empty means HTML.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	Title  string
	Format Format
	// Author filters threads to those started by one user.
	Author string
	// GeneratedAt defaults to the current time.
	GeneratedAt time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("export format unsupported")
)
