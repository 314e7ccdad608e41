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

var changelogTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time) string {
			return t.Format("2006-01-02 15:04")
		},
		"indent": func(depth int) int {
			return depth * 24
		},
		"join": func(values []string) string {
			return strings.Join(values, ", ")
		},
	}

	content, err := templateFS.ReadFile("templates/changelog.html")
	if err != nil {
		changelogTemplate = template.Must(template.New("changelog").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	changelogTemplate = template.Must(template.New("changelog").Funcs(funcMap).Parse(string(content)))
}

// RenderChangelogHTML renders the changelog template.
func RenderChangelogHTML(data Changelog) (string, error) {
	var buf bytes.Buffer
	if err := changelogTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{range .Entries}}
<div style="margin-left: {{indent .Depth}}px">
  <h2>{{if .Title}}{{.Title}}{{else}}{{.ID}}{{end}} ({{.ForkReason}})</h2>
  <p>{{formatDate .CreatedOn}}</p>
  {{if .Added}}<p>Added: {{join .Added}}</p>{{end}}
  {{if .Removed}}<p>Removed: {{join .Removed}}</p>{{end}}
  {{if .Edited}}<p>Restyled: {{join .Edited}}</p>{{end}}
</div>
{{end}}
</body>
</html>`
