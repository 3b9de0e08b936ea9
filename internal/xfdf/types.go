// Package xfdf encodes and decodes the flat XML annotation exchange format
// (XFDF) spoken by the remote annotation service: full feeds, single
// annotation fragments and add/modify/delete action batches.
package xfdf

import (
	"encoding/xml"
	"fmt"

	"annosync/internal/annotation"
)

const (
	Namespace = "http://ns.adobe.com/xfdf/"

	documentOpen = `<xfdf xmlns="` + Namespace + `" xml:space="preserve">`
)

// Fragment is the XML of one or more annotation elements without the
// surrounding document.
type Fragment string

// Document is a complete XFDF document.
type Document []byte

// ParseError reports a malformed document. Nothing decoded before the error
// is returned to the caller.
type ParseError struct {
	ID  string
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	prefix := "xfdf: parse"
	if e.ID != "" {
		prefix += fmt.Sprintf(" annotation %q", e.ID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Msg)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// EncodeError reports a record that cannot be represented in XFDF.
type EncodeError struct {
	ID     string
	Reason string
}

func (e *EncodeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("xfdf: encode annotation %q: %s", e.ID, e.Reason)
}

// Anomaly is a recoverable oddity found while decoding a feed.
type Anomaly struct {
	ID     string
	Reason string
}

// Feed is a decoded annotation feed.
type Feed struct {
	// Records holds every decoded annotation that passed the page filter.
	Records map[string]annotation.Record
	// Order lists record ids in document order.
	Order []string
	// ParentToChildren maps a parent id to its replies in document order.
	ParentToChildren map[string][]string
	// ChildToParent maps every record id to its parent; roots map to "".
	ChildToParent map[string]string
	Anomalies     []Anomaly
}

// element is the on-the-wire shape shared by every annotation kind. The
// element name carries the kind.
type element struct {
	XMLName      xml.Name
	Page         string   `xml:"page,attr"`
	Rect         string   `xml:"rect,attr"`
	Name         string   `xml:"name,attr"`
	Title        string   `xml:"title,attr,omitempty"`
	CreationDate string   `xml:"creationdate,attr,omitempty"`
	Date         string   `xml:"date,attr,omitempty"`
	Color        string   `xml:"color,attr,omitempty"`
	InReplyTo    string   `xml:"inreplyto,attr,omitempty"`
	Coords       string   `xml:"coords,attr,omitempty"`
	Start        string   `xml:"start,attr,omitempty"`
	End          string   `xml:"end,attr,omitempty"`
	Contents     string   `xml:"contents,omitempty"`
	InkList      *inkList `xml:"inklist"`
}

type inkList struct {
	Gestures []string `xml:"gesture"`
}

var elementNames = map[annotation.Kind]string{
	annotation.KindNote:      "text",
	annotation.KindHighlight: "highlight",
	annotation.KindFreeText:  "freetext",
	annotation.KindStrikeOut: "strikeout",
	annotation.KindInk:       "ink",
	annotation.KindSquare:    "square",
	annotation.KindCircle:    "circle",
	annotation.KindLine:      "line",
}

func kindForElement(name string) (annotation.Kind, bool) {
	for kind, element := range elementNames {
		if element == name {
			return kind, true
		}
	}
	return 0, false
}
