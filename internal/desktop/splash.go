package desktop

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"

	"github.com/Masterminds/sprig/v3"

	"github.com/petervdpas/webshell/internal/shell"
)

//go:embed splash.html.tmpl
var splashSource string

var splashTmpl = template.Must(template.New("splash").Funcs(sprig.HtmlFuncMap()).Parse(splashSource))

type splashData struct {
	Title   string
	Target  string
	Pending bool
}

func splashFor(title string, s shell.Status) splashData {
	return splashData{
		Title:   title,
		Target:  s.Target,
		Pending: s.State != shell.Terminated && !s.GaveUp,
	}
}

// splashHandler serves the page shown while the target is being probed.
// It refreshes itself only while an attempt is still due; after the last
// failure it stays as it is.
func splashHandler(title string, status func() shell.Status) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && r.URL.Path != "/index.html" {
			http.NotFound(w, r)
			return
		}

		var buf bytes.Buffer
		if err := splashTmpl.Execute(&buf, splashFor(title, status())); err != nil {
			log.Errorw("render splash", "err", err)
			http.Error(w, "splash unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(buf.Bytes())
	})
}
