package web

import (
	"embed"
	"html/template"
	"io/fs"
)

//go:embed templates
var TemplatesFS embed.FS

// LoadTemplates parses the embedded page templates. Each page is its own
// template set layered over the shared base layout.
func LoadTemplates() (*template.Template, error) {
	baseContent, err := fs.ReadFile(TemplatesFS, "templates/layouts/base.html")
	if err != nil {
		return nil, err
	}

	tmpl := template.New("")

	entries, err := fs.ReadDir(TemplatesFS, "templates/pages")
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		pageContent, err := fs.ReadFile(TemplatesFS, "templates/pages/"+entry.Name())
		if err != nil {
			return nil, err
		}

		pageTmpl := tmpl.New(entry.Name())
		if _, err := pageTmpl.Parse(string(baseContent)); err != nil {
			return nil, err
		}
		if _, err := pageTmpl.Parse(string(pageContent)); err != nil {
			return nil, err
		}
	}

	return tmpl, nil
}
