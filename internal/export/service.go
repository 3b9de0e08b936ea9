package export

import (
	"context"
	"fmt"
	"sort"
	"time"

	"annosync/internal/annotation"
	"annosync/internal/thread"
)

// Source is the read side of a session's mediator.
type Source interface {
	Records() []annotation.Record
	Thread(rootID string) (annotation.Thread, bool)
}

type Service struct {
	renderPDF func(ctx context.Context, html, title string) (*Result, error)
}

func NewService() *Service {
	return &Service{renderPDF: exportPDF}
}

// Export renders the threads of src in the requested format.
func (s *Service) Export(ctx context.Context, src Source, req Request) (*Result, error) {
	data := BuildReport(src, req)
	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML, "":
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(data.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.renderPDF(ctx, html, data.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// BuildReport groups thread roots by page. Pages and roots are ordered the
// way threads order replies.
func BuildReport(src Source, req Request) TemplateData {
	records := src.Records()
	replies := make(map[string]bool)
	for _, record := range records {
		if th, ok := src.Thread(record.ID); ok {
			for _, reply := range th.Replies {
				replies[reply.ID] = true
			}
		}
	}

	roots := make([]annotation.Record, 0, len(records))
	for _, record := range records {
		if replies[record.ID] {
			continue
		}
		if req.Author != "" && record.Author != req.Author {
			continue
		}
		roots = append(roots, record)
	}
	sort.SliceStable(roots, func(i, j int) bool {
		if roots[i].Page != roots[j].Page {
			return roots[i].Page < roots[j].Page
		}
		return thread.Less(roots[i], roots[j])
	})

	generated := req.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}
	data := TemplateData{
		Title:       req.Title,
		GeneratedAt: generated.UTC(),
		Pages:       []TemplatePage{},
	}
	if data.Title == "" {
		data.Title = "Annotations"
	}

	for _, root := range roots {
		if n := len(data.Pages); n == 0 || data.Pages[n-1].Number != root.Page+1 {
			data.Pages = append(data.Pages, TemplatePage{Number: root.Page + 1})
		}
		page := &data.Pages[len(data.Pages)-1]
		item := TemplateThread{
			ID:        root.ID,
			Kind:      root.Kind.String(),
			Author:    root.Author,
			Text:      root.Contents,
			CreatedAt: root.CreatedAt,
			Replies:   []TemplateReply{},
		}
		if th, ok := src.Thread(root.ID); ok {
			for _, reply := range th.Replies {
				item.Replies = append(item.Replies, TemplateReply{
					Author:    reply.Author,
					Body:      reply.Contents,
					CreatedAt: reply.CreatedAt,
				})
			}
		}
		page.Threads = append(page.Threads, item)
		data.ThreadCount++
		data.ReplyCount += len(item.Replies)
	}
	return data
}
