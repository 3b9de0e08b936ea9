package xfdf

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"seehuhn.de/go/geom/rect"
	"seehuhn.de/go/pdf"

	"annosync/internal/annotation"
)

// Encode serialises one record to the fragment used by both the add and the
// modify sections of an action batch. Text is escaped here; callers pass
// author-supplied strings through unchanged.
func Encode(record annotation.Record) (Fragment, error) {
	el, err := toElement(record)
	if err != nil {
		return "", err
	}
	data, err := xml.Marshal(el)
	if err != nil {
		return "", &EncodeError{ID: record.ID, Reason: err.Error()}
	}
	return Fragment(data), nil
}

// EncodeAll encodes records in order and concatenates the fragments.
func EncodeAll(records []annotation.Record) ([]Fragment, error) {
	fragments := make([]Fragment, 0, len(records))
	for _, record := range records {
		fragment, err := Encode(record)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, fragment)
	}
	return fragments, nil
}

func toElement(record annotation.Record) (element, error) {
	fail := func(format string, args ...any) (element, error) {
		return element{}, &EncodeError{ID: record.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(record.ID) == "" {
		return fail("missing id")
	}
	name, ok := elementNames[record.Kind]
	if !ok {
		return fail("unsupported kind %s", record.Kind)
	}
	if record.ID != strings.TrimSpace(record.ID) {
		return fail("id %q has surrounding whitespace", record.ID)
	}
	if record.ReplyTo != strings.TrimSpace(record.ReplyTo) {
		return fail("reply reference %q has surrounding whitespace", record.ReplyTo)
	}
	if record.Page < 0 {
		return fail("negative page %d", record.Page)
	}
	if record.Points != "" && !record.Kind.HasPoints() {
		return fail("%s annotations carry no points", record.Kind)
	}
	// PDF dates stop at whole seconds
	if record.CreatedAt.Nanosecond() != 0 {
		return fail("creation date %s has sub-second precision", record.CreatedAt.Format(time.RFC3339Nano))
	}
	if record.ModifiedAt.Nanosecond() != 0 {
		return fail("modification date %s has sub-second precision", record.ModifiedAt.Format(time.RFC3339Nano))
	}
	for field, value := range map[string]string{
		"id":       record.ID,
		"author":   record.Author,
		"contents": record.Contents,
		"reply":    record.ReplyTo,
		"color":    record.Color,
		"points":   record.Points,
	} {
		if !validText(value) {
			return fail("%s contains characters that cannot appear in XML", field)
		}
	}

	el := element{
		XMLName:   xml.Name{Local: name},
		Page:      strconv.Itoa(record.Page),
		Rect:      formatRect(record.Rect),
		Name:      record.ID,
		Title:     record.Author,
		Color:     record.Color,
		InReplyTo: record.ReplyTo,
		Contents:  record.Contents,
	}
	if !record.CreatedAt.IsZero() {
		el.CreationDate = formatDate(record.CreatedAt)
	}
	if !record.ModifiedAt.IsZero() {
		el.Date = formatDate(record.ModifiedAt)
	}

	switch record.Kind {
	case annotation.KindInk:
		if record.Points != "" {
			el.InkList = &inkList{Gestures: strings.Split(record.Points, "|")}
		}
	case annotation.KindLine:
		if record.Points != "" {
			ends := strings.Split(record.Points, ";")
			if len(ends) != 2 {
				return fail("line needs exactly two end points, got %q", record.Points)
			}
			el.Start, el.End = ends[0], ends[1]
		}
	case annotation.KindHighlight, annotation.KindStrikeOut:
		el.Coords = record.Points
	case annotation.KindNote, annotation.KindFreeText, annotation.KindSquare, annotation.KindCircle:
	}
	return el, nil
}

func formatRect(r rect.Rect) string {
	parts := []float64{r.LLx, r.LLy, r.URx, r.URy}
	out := make([]string, len(parts))
	for i, v := range parts {
		out[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(out, ",")
}

func formatDate(t time.Time) string {
	return string(pdf.Date(t))
}

// validText reports whether every rune of s may appear in an XML 1.0
// document.
func validText(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		switch {
		case r == 0x09 || r == 0x0A || r == 0x0D:
		case r >= 0x20 && r <= 0xD7FF:
		case r >= 0xE000 && r <= 0xFFFD:
		case r >= 0x10000 && r <= 0x10FFFF:
		default:
			return false
		}
	}
	return true
}
