package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"annosync/internal/annotation"
)

type fakeSource struct {
	records []annotation.Record
	threads map[string][]annotation.Record
}

func (f fakeSource) Records() []annotation.Record { return f.records }

func (f fakeSource) Thread(rootID string) (annotation.Thread, bool) {
	replies, ok := f.threads[rootID]
	if !ok {
		return annotation.Thread{}, false
	}
	return annotation.Thread{RootID: rootID, Replies: replies}, true
}

func sampleSource() fakeSource {
	at := func(h int) time.Time { return time.Date(2024, 1, 1, h, 0, 0, 0, time.UTC) }
	a := annotation.Record{ID: "A", Kind: annotation.KindNote, Page: 0, Author: "Avery", Contents: "Is <this> right?", CreatedAt: at(10)}
	b := annotation.Record{ID: "B", Kind: annotation.KindNote, Page: 0, Author: "Blake", Contents: "Yes", ReplyTo: "A", CreatedAt: at(11)}
	h := annotation.Record{ID: "H", Kind: annotation.KindHighlight, Page: 2, Author: "Blake", CreatedAt: at(9)}
	q := annotation.Record{ID: "Q", Kind: annotation.KindSquare, Page: 0, Author: "Blake"}
	return fakeSource{
		records: []annotation.Record{h, q, a, b},
		threads: map[string][]annotation.Record{"A": {b}, "B": nil, "H": nil, "Q": nil},
	}
}

func TestBuildReport(t *testing.T) {
	data := BuildReport(sampleSource(), Request{Title: "Review"})

	if data.ThreadCount != 3 || data.ReplyCount != 1 {
		t.Fatalf("unexpected counts %d/%d", data.ThreadCount, data.ReplyCount)
	}
	if len(data.Pages) != 2 || data.Pages[0].Number != 1 || data.Pages[1].Number != 3 {
		t.Fatalf("unexpected pages %+v", data.Pages)
	}
	first := data.Pages[0].Threads
	if len(first) != 2 || first[0].ID != "A" || first[1].ID != "Q" {
		t.Fatalf("expected dated A before undated Q, got %+v", first)
	}
	if len(first[0].Replies) != 1 || first[0].Replies[0].Author != "Blake" {
		t.Fatalf("unexpected replies %+v", first[0].Replies)
	}
}

func TestBuildReportAuthorFilter(t *testing.T) {
	data := BuildReport(sampleSource(), Request{Author: "Avery"})
	if data.Title != "Annotations" {
		t.Fatalf("expected default title, got %q", data.Title)
	}
	if data.ThreadCount != 1 || data.Pages[0].Threads[0].ID != "A" {
		t.Fatalf("unexpected report %+v", data)
	}
}

func TestRenderReportHTML(t *testing.T) {
	data := BuildReport(sampleSource(), Request{Title: "Review", GeneratedAt: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)})
	html, err := RenderReportHTML(data)
	if err != nil {
		t.Fatalf("RenderReportHTML() error = %v", err)
	}
	for _, want := range []string{"<title>Review</title>", "Page 1", "Page 3", "3 threads, 1 replies", "Feb 1, 2024", "annotation-A", "undated"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Contains(html, "Is <this> right?") {
		t.Error("annotation text must be escaped")
	}
	if !strings.Contains(html, "Is &lt;this&gt; right?") {
		t.Error("expected escaped annotation text")
	}
}

func TestRenderEmptyReport(t *testing.T) {
	html, err := RenderReportHTML(BuildReport(fakeSource{}, Request{}))
	if err != nil {
		t.Fatalf("RenderReportHTML() error = %v", err)
	}
	if !strings.Contains(html, "No annotations.") {
		t.Error("expected empty report notice")
	}
}

func TestExportFormats(t *testing.T) {
	s := NewService()
	s.renderPDF = func(_ context.Context, html, title string) (*Result, error) {
		return &Result{Data: []byte("%PDF"), Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
	}

	res, err := s.Export(context.Background(), sampleSource(), Request{Title: "Design Review", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export(html) error = %v", err)
	}
	if res.Filename != "Design-Review.html" || !strings.HasPrefix(res.MimeType, "text/html") {
		t.Fatalf("unexpected html result %+v", res)
	}

	res, err = s.Export(context.Background(), sampleSource(), Request{Title: "Design Review", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export(pdf) error = %v", err)
	}
	if res.Filename != "Design-Review.pdf" {
		t.Fatalf("unexpected pdf result %+v", res)
	}

	if _, err := s.Export(context.Background(), sampleSource(), Request{Format: "docx"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{"": FormatHTML, "html": FormatHTML, "pdf": FormatPDF} {
		got, err := ParseFormat(input)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseFormat("docx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestExportPDFWithChrome(t *testing.T) {
	if !ChromeAvailable() {
		t.Skip("no chrome binary on PATH")
	}
	res, err := NewService().Export(context.Background(), sampleSource(), Request{Title: "Review", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export(pdf) error = %v", err)
	}
	if !strings.HasPrefix(string(res.Data), "%PDF") {
		t.Fatal("expected PDF output")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Document v1.2", "My-Document-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "annotations"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitizeFilename(tt.input); got != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			want := "data:text/html;charset=utf-8," + tt.expected
			if got := dataURL(tt.input); got != want {
				t.Errorf("dataURL(%q) = %q, want %q", tt.input, got, want)
			}
		})
	}
}
