// Package annotation holds the records exchanged between the viewer surface,
// the mediator and the remote annotation service.
package annotation

import (
	"fmt"
	"time"

	"seehuhn.de/go/geom/rect"
)

// Kind is the closed set of annotation kinds the engine understands.
type Kind uint8

const (
	KindNote Kind = iota + 1
	KindHighlight
	KindFreeText
	KindStrikeOut
	KindInk
	KindSquare
	KindCircle
	KindLine
)

// Kinds lists every kind in declaration order.
var Kinds = []Kind{
	KindNote,
	KindHighlight,
	KindFreeText,
	KindStrikeOut,
	KindInk,
	KindSquare,
	KindCircle,
	KindLine,
}

func (k Kind) String() string {
	switch k {
	case KindNote:
		return "note"
	case KindHighlight:
		return "highlight"
	case KindFreeText:
		return "free-text"
	case KindStrikeOut:
		return "strike-out"
	case KindInk:
		return "ink"
	case KindSquare:
		return "square"
	case KindCircle:
		return "circle"
	case KindLine:
		return "line"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= KindNote && k <= KindLine
}

// ParseKind is the inverse of Kind.String.
func ParseKind(value string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == value {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown annotation kind %q", value)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown annotation kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// HasText reports whether the kind carries a user-visible text body.
func (k Kind) HasText() bool {
	switch k {
	case KindNote, KindFreeText:
		return true
	case KindHighlight, KindStrikeOut, KindInk, KindSquare, KindCircle, KindLine:
		return false
	default:
		return false
	}
}

// HasPoints reports whether the kind carries geometry beyond its rectangle.
func (k Kind) HasPoints() bool {
	switch k {
	case KindHighlight, KindStrikeOut, KindInk, KindLine:
		return true
	case KindNote, KindFreeText, KindSquare, KindCircle:
		return false
	default:
		return false
	}
}

// Record is one visual or textual annotation on a page.
type Record struct {
	ID         string
	Kind       Kind
	Page       int
	Rect       rect.Rect
	Author     string
	CreatedAt  time.Time
	ModifiedAt time.Time
	Contents   string
	ReplyTo    string
	Color      string
	// Points is the raw coordinate list of ink and line annotations.
	Points string

	// Editable is derived from the session, never serialised.
	Editable bool

	// synthetic marks reply views the mediator hands out.
	synthetic bool
}

// IsReply reports whether the record answers another annotation.
func (r Record) IsReply() bool {
	return r.ReplyTo != ""
}

// HasTimestamp reports whether the creation date survived decoding.
func (r Record) HasTimestamp() bool {
	return !r.CreatedAt.IsZero()
}

// Synthetic reports whether the record is a reply view produced by the
// mediator rather than a fresh annotation from the surface.
func (r Record) Synthetic() bool {
	return r.synthetic
}

// AsSynthetic returns a copy of r marked as a mediator-produced reply view.
func (r Record) AsSynthetic() Record {
	r.synthetic = true
	return r
}

// Thread is the derived comment discussion anchored at RootID.
type Thread struct {
	RootID  string
	Replies []Record
}

// Permission is the session-wide access level granted by the service.
type Permission string

const (
	PermissionRead      Permission = "read"
	PermissionReadWrite Permission = "readwrite"
)

// Push describes the optional realtime channel of a session.
type Push struct {
	Host    string
	Channel string
	Token   string
}

// Metadata is the immutable session description fetched at bootstrap.
type Metadata struct {
	DocumentURL string
	FeedURL     string
	Enabled     bool
	Permission  Permission
	UserName    string
	Push        *Push
}
