package web

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"path"
	"strings"
)

//go:embed templates
var Templates embed.FS

// Pages parses every page under templates/ together with the shared
// layout. Each page gets its own set so their "content" blocks do not
// collide.
func Pages() (map[string]*template.Template, error) {
	layout, err := Templates.ReadFile("templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	pages := map[string]*template.Template{}
	err = fs.WalkDir(Templates, "templates", func(name string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(name, ".html") || name == "templates/layout.html" {
			return err
		}
		body, err := Templates.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read template %s: %w", name, err)
		}
		page := template.New("layout")
		if _, err := page.Parse(string(layout)); err != nil {
			return fmt.Errorf("parse layout for %s: %w", name, err)
		}
		if _, err := page.Parse(string(body)); err != nil {
			return fmt.Errorf("parse template %s: %w", name, err)
		}
		pages[strings.TrimSuffix(path.Base(name), ".html")] = page
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pages, nil
}
