// Package docs renders the shell's built-in help pages. The markdown is
// embedded and converted once; the gateway serves it under /__shell/help/.
package docs

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
)

//go:embed pages/*.md
var pagesFS embed.FS

// Page is one rendered help page.
type Page struct {
	Slug  string
	Title string
	Order int
	HTML  template.HTML
}

// Site holds every page, rendered at construction.
type Site struct {
	Pages  []Page
	BySlug map[string]*Page
}

// New renders the embedded pages, ordered by their numeric file prefix.
// "02-diagnostics.md" becomes slug "diagnostics".
func New() *Site {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.Table,
			highlighting.NewHighlighting(highlighting.WithStyle("dracula")),
		),
	)

	site := &Site{BySlug: map[string]*Page{}}

	entries, err := pagesFS.ReadDir("pages")
	if err != nil {
		return site
	}

	for i, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := pagesFS.ReadFile(path.Join("pages", e.Name()))
		if err != nil {
			continue
		}

		name := strings.TrimSuffix(e.Name(), ".md")
		slug := name
		if _, rest, ok := strings.Cut(name, "-"); ok {
			slug = rest
		}

		var buf bytes.Buffer
		if err := md.Convert(data, &buf); err != nil {
			continue
		}
		site.Pages = append(site.Pages, Page{
			Slug:  slug,
			Title: titleOf(data, slug),
			Order: i,
			HTML:  template.HTML(buf.String()),
		})
	}

	sort.Slice(site.Pages, func(i, j int) bool {
		return site.Pages[i].Order < site.Pages[j].Order
	})
	for i := range site.Pages {
		site.BySlug[site.Pages[i].Slug] = &site.Pages[i]
	}
	return site
}

// titleOf returns the first "# Heading" of a page.
func titleOf(data []byte, fallback string) string {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimPrefix(line, "# ")
		}
	}
	return fallback
}

type pageVM struct {
	Pages   []Page
	Current *Page
	Prev    *Page
	Next    *Page
}

// ServeHTTP serves "/" as the first page and "/{slug}" for the rest. Mount
// it behind http.StripPrefix; links between pages are relative.
func (s *Site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.Pages) == 0 {
		http.NotFound(w, r)
		return
	}

	slug := strings.TrimPrefix(r.URL.Path, "/")
	if slug == "" {
		slug = s.Pages[0].Slug
	}
	page, ok := s.BySlug[slug]
	if !ok {
		http.NotFound(w, r)
		return
	}

	vm := pageVM{Pages: s.Pages, Current: page}
	for i := range s.Pages {
		if s.Pages[i].Slug != slug {
			continue
		}
		if i > 0 {
			vm.Prev = &s.Pages[i-1]
		}
		if i < len(s.Pages)-1 {
			vm.Next = &s.Pages[i+1]
		}
		break
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTmpl.Execute(w, vm); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>{{.Current.Title}} · Web Shell help</title>
<style>
body{margin:0;display:flex;font-family:system-ui,-apple-system,"Segoe UI",Roboto,sans-serif;background:#1a1a2e;color:#e0e0e0;line-height:1.55}
nav{width:220px;padding:24px 16px;border-right:1px solid #2c2c4a;min-height:100vh;box-sizing:border-box}
nav a{display:block;padding:6px 10px;border-radius:8px;color:#aab;text-decoration:none}
nav a.on,nav a:hover{background:rgba(108,140,255,.18);color:#6c8cff}
main{flex:1;max-width:820px;padding:24px 40px}
a{color:#6c8cff}
code{color:#ffb86c}
pre{padding:12px 14px;border-radius:8px;overflow-x:auto}
table{border-collapse:collapse}td,th{border:1px solid #2c2c4a;padding:4px 10px;text-align:left}
.pager{display:flex;justify-content:space-between;margin-top:40px}
</style></head>
<body>
<nav>{{range .Pages}}<a href="{{.Slug}}"{{if eq .Slug $.Current.Slug}} class="on"{{end}}>{{.Title}}</a>{{end}}</nav>
<main>
{{.Current.HTML}}
<div class="pager"><span>{{with .Prev}}<a href="{{.Slug}}">&larr; {{.Title}}</a>{{end}}</span><span>{{with .Next}}<a href="{{.Slug}}">{{.Title}} &rarr;</a>{{end}}</span></div>
</main>
</body></html>`))
