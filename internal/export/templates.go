package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			if t.IsZero() {
				return "undated"
			}
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

type TemplateData struct {
	Title       string
	GeneratedAt time.Time
	ThreadCount int
	ReplyCount  int
	Pages       []TemplatePage
}

type TemplatePage struct {
	// Number is one-based.
	Number  int
	Threads []TemplateThread
}

type TemplateThread struct {
	ID        string
	Kind      string
	Author    string
	Text      string
	CreatedAt time.Time
	Replies   []TemplateReply
}

type TemplateReply struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body>
  <h1>{{.Title}}</h1>
  {{range .Pages}}<h2>Page {{.Number}}</h2>
  {{range .Threads}}<div class="thread">{{.Author}}: {{.Text}}</div>{{end}}{{end}}
</body>
</html>`
