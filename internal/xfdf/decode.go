package xfdf

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"seehuhn.de/go/geom/rect"
	"seehuhn.de/go/pdf"

	"annosync/internal/annotation"
)

type annotsSection struct {
	Items []element `xml:",any"`
}

type feedDocument struct {
	XMLName xml.Name      `xml:"xfdf"`
	Annots  annotsSection `xml:"annots"`
}

type actionsDocument struct {
	XMLName xml.Name      `xml:"xfdf"`
	Add     annotsSection `xml:"add"`
	Modify  annotsSection `xml:"modify"`
	Delete  struct {
		IDs []string `xml:"id"`
	} `xml:"delete"`
}

// DecodeOption narrows what DecodeFeed returns.
type DecodeOption func(*decodeConfig)

type decodeConfig struct {
	page    int
	hasPage bool
}

// OnlyPage restricts the decoded feed to annotations on page. References to
// records on other pages are kept as plain ids.
func OnlyPage(page int) DecodeOption {
	return func(c *decodeConfig) {
		c.page = page
		c.hasPage = true
	}
}

// DecodeFeed parses a full feed document. Any malformed element fails the
// whole decode.
func DecodeFeed(data []byte, opts ...DecodeOption) (Feed, error) {
	var cfg decodeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var doc feedDocument
	if err := unmarshal(data, &doc); err != nil {
		return Feed{}, err
	}

	feed := Feed{
		Records:          make(map[string]annotation.Record),
		ParentToChildren: make(map[string][]string),
		ChildToParent:    make(map[string]string),
	}
	for _, el := range doc.Annots.Items {
		record, anomalies, supported, err := fromElement(el)
		if err != nil {
			return Feed{}, err
		}
		if !supported {
			feed.Anomalies = append(feed.Anomalies, anomalies...)
			continue
		}
		if cfg.hasPage && record.Page != cfg.page {
			continue
		}
		feed.Anomalies = append(feed.Anomalies, anomalies...)

		previous, seen := feed.Records[record.ID]
		if seen {
			// last write wins; drop the earlier parent link
			feed.ParentToChildren[previous.ReplyTo] = removeID(feed.ParentToChildren[previous.ReplyTo], record.ID)
			if len(feed.ParentToChildren[previous.ReplyTo]) == 0 {
				delete(feed.ParentToChildren, previous.ReplyTo)
			}
		} else {
			feed.Order = append(feed.Order, record.ID)
		}
		feed.Records[record.ID] = record
		feed.ChildToParent[record.ID] = record.ReplyTo
		if record.ReplyTo != "" {
			feed.ParentToChildren[record.ReplyTo] = append(feed.ParentToChildren[record.ReplyTo], record.ID)
		}
	}
	return feed, nil
}

// DecodeFragment decodes a single annotation element.
func DecodeFragment(fragment Fragment) (annotation.Record, error) {
	var el element
	if err := unmarshal([]byte(fragment), &el); err != nil {
		return annotation.Record{}, err
	}
	record, _, supported, err := fromElement(el)
	if err != nil {
		return annotation.Record{}, err
	}
	if !supported {
		return annotation.Record{}, &ParseError{ID: el.Name, Msg: "unsupported annotation element <" + el.XMLName.Local + ">"}
	}
	return record, nil
}

// Actions is a decoded action batch.
type Actions struct {
	Add    []annotation.Record
	Modify []annotation.Record
	Delete []string
}

// DecodeActions parses a document produced by BuildActionBatch.
func DecodeActions(data []byte) (Actions, error) {
	var doc actionsDocument
	if err := unmarshal(data, &doc); err != nil {
		return Actions{}, err
	}
	var actions Actions
	for _, section := range []struct {
		items []element
		out   *[]annotation.Record
	}{
		{items: doc.Add.Items, out: &actions.Add},
		{items: doc.Modify.Items, out: &actions.Modify},
	} {
		for _, el := range section.items {
			record, _, supported, err := fromElement(el)
			if err != nil {
				return Actions{}, err
			}
			if supported {
				*section.out = append(*section.out, record)
			}
		}
	}
	for _, id := range doc.Delete.IDs {
		if id = strings.TrimSpace(id); id != "" {
			actions.Delete = append(actions.Delete, id)
		}
	}
	return actions, nil
}

func unmarshal(data []byte, target any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return &ParseError{Msg: "empty document"}
	}
	if err := xml.Unmarshal(data, target); err != nil {
		return &ParseError{Msg: "malformed XML", Err: err}
	}
	return nil
}

func fromElement(el element) (annotation.Record, []Anomaly, bool, error) {
	kind, ok := kindForElement(strings.ToLower(el.XMLName.Local))
	if !ok {
		return annotation.Record{}, []Anomaly{{ID: el.Name, Reason: "unsupported element <" + el.XMLName.Local + ">"}}, false, nil
	}
	id := strings.TrimSpace(el.Name)
	if id == "" {
		return annotation.Record{}, nil, false, &ParseError{Msg: "<" + el.XMLName.Local + "> without name"}
	}

	page, err := strconv.Atoi(strings.TrimSpace(el.Page))
	if err != nil || page < 0 {
		return annotation.Record{}, nil, false, &ParseError{ID: id, Msg: "invalid page " + strconv.Quote(el.Page), Err: err}
	}
	box, err := parseRect(el.Rect)
	if err != nil {
		return annotation.Record{}, nil, false, &ParseError{ID: id, Msg: "invalid rect " + strconv.Quote(el.Rect), Err: err}
	}

	record := annotation.Record{
		ID:       id,
		Kind:     kind,
		Page:     page,
		Rect:     box,
		Author:   el.Title,
		Contents: el.Contents,
		ReplyTo:  strings.TrimSpace(el.InReplyTo),
		Color:    el.Color,
	}

	var anomalies []Anomaly
	created, err := parseDate(el.CreationDate)
	switch {
	case err != nil:
		anomalies = append(anomalies, Anomaly{ID: id, Reason: "unparseable creation date " + strconv.Quote(el.CreationDate)})
	case created.IsZero():
		anomalies = append(anomalies, Anomaly{ID: id, Reason: "missing creation date"})
	default:
		record.CreatedAt = created
	}
	if modified, err := parseDate(el.Date); err == nil {
		record.ModifiedAt = modified
	}

	switch kind {
	case annotation.KindInk:
		if el.InkList != nil {
			record.Points = strings.Join(el.InkList.Gestures, "|")
		}
	case annotation.KindLine:
		if el.Start != "" || el.End != "" {
			record.Points = el.Start + ";" + el.End
		}
	case annotation.KindHighlight, annotation.KindStrikeOut:
		record.Points = el.Coords
	case annotation.KindNote, annotation.KindFreeText, annotation.KindSquare, annotation.KindCircle:
	}
	return record, anomalies, true, nil
}

func parseRect(value string) (rect.Rect, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return rect.Rect{}, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return rect.Rect{}, strconv.ErrSyntax
	}
	var nums [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return rect.Rect{}, err
		}
		nums[i] = v
	}
	return rect.Rect{LLx: nums[0], LLy: nums[1], URx: nums[2], URy: nums[3]}, nil
}

func parseDate(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	return pdf.String(value).AsDate()
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}
