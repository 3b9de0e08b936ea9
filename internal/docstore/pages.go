package docstore

import (
	"bytes"
	"fmt"

	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/pagetree"
)

// PageCount reads the number of pages from the document's page tree.
func PageCount(data []byte) (int, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}

	n, err := pagetree.NumPages(r)
	if err != nil {
		return 0, fmt.Errorf("read page tree: %w", err)
	}
	return n, nil
}
