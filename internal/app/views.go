package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"seehuhn.de/go/geom/rect"

	"annosync/internal/annotation"
)

var (
	errSessionNotFound = domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Session not open", nil)
	errHistoryDisabled = domainError(http.StatusNotImplemented, "HISTORY_DISABLED", "History is not configured", nil)
)

// AnnotationView is the JSON shape of one annotation.
type AnnotationView struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Page       int        `json:"page"`
	Rect       [4]float64 `json:"rect"`
	Author     string     `json:"author"`
	Contents   string     `json:"contents,omitempty"`
	ReplyTo    string     `json:"replyTo,omitempty"`
	Color      string     `json:"color,omitempty"`
	Points     string     `json:"points,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`
	Editable   bool       `json:"editable"`
}

type ThreadView struct {
	Root    AnnotationView   `json:"root"`
	Replies []AnnotationView `json:"replies"`
}

// AnnotationInput is a client-supplied annotation. On edit, nil fields keep
// their stored value.
type AnnotationInput struct {
	ID       string      `json:"id"`
	Kind     string      `json:"kind"`
	Page     *int        `json:"page"`
	Rect     *[4]float64 `json:"rect"`
	Contents *string     `json:"contents"`
	ReplyTo  string      `json:"replyTo"`
	Color    *string     `json:"color"`
	Points   *string     `json:"points"`
}

func (in AnnotationInput) record() (annotation.Record, error) {
	kind := annotation.KindNote
	if in.Kind != "" {
		parsed, err := annotation.ParseKind(strings.ToLower(strings.TrimSpace(in.Kind)))
		if err != nil {
			return annotation.Record{}, err
		}
		kind = parsed
	}
	if in.Page == nil {
		return annotation.Record{}, errors.New("page is required")
	}
	record := annotation.Record{
		ID:      strings.TrimSpace(in.ID),
		Kind:    kind,
		ReplyTo: strings.TrimSpace(in.ReplyTo),
	}
	return in.merge(record)
}

func (in AnnotationInput) apply(existing annotation.Record) (annotation.Record, error) {
	if in.Kind != "" && !strings.EqualFold(in.Kind, existing.Kind.String()) {
		return annotation.Record{}, fmt.Errorf("kind cannot change from %s", existing.Kind)
	}
	existing.Editable = false
	return in.merge(existing)
}

func (in AnnotationInput) merge(record annotation.Record) (annotation.Record, error) {
	if in.Page != nil {
		if *in.Page < 0 {
			return annotation.Record{}, errors.New("page must not be negative")
		}
		record.Page = *in.Page
	}
	if in.Rect != nil {
		r := *in.Rect
		record.Rect = rect.Rect{LLx: r[0], LLy: r[1], URx: r[2], URy: r[3]}
	}
	if in.Contents != nil {
		record.Contents = *in.Contents
	}
	if in.Color != nil {
		record.Color = *in.Color
	}
	if in.Points != nil {
		if *in.Points != "" && !record.Kind.HasPoints() {
			return annotation.Record{}, fmt.Errorf("%s annotations carry no points", record.Kind)
		}
		record.Points = *in.Points
	}
	return record, nil
}

func toView(record annotation.Record) AnnotationView {
	view := AnnotationView{
		ID:       record.ID,
		Kind:     record.Kind.String(),
		Page:     record.Page,
		Rect:     [4]float64{record.Rect.LLx, record.Rect.LLy, record.Rect.URx, record.Rect.URy},
		Author:   record.Author,
		Contents: record.Contents,
		ReplyTo:  record.ReplyTo,
		Color:    record.Color,
		Points:   record.Points,
		Editable: record.Editable,
	}
	if !record.CreatedAt.IsZero() {
		created := record.CreatedAt
		view.CreatedAt = &created
	}
	if !record.ModifiedAt.IsZero() {
		modified := record.ModifiedAt
		view.ModifiedAt = &modified
	}
	return view
}

func views(records []annotation.Record) []AnnotationView {
	out := make([]AnnotationView, 0, len(records))
	for _, record := range records {
		out = append(out, toView(record))
	}
	return out
}
