package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var screenplayTemplate = template.Must(template.New("screenplay.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/screenplay.html"))

type TemplateData struct {
	Title       string
	Author      string
	ContentHTML template.HTML
	ExportedAt  time.Time
}

// RenderScreenplayHTML renders a complete standalone HTML page.
func RenderScreenplayHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := screenplayTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
