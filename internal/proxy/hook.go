package proxy

import (
	_ "embed"
	"net/http"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"
)

//go:embed hook.js
var hookRaw []byte

var hookJS []byte

func init() {
	m := minify.New()
	m.AddFunc("application/javascript", js.Minify)

	out, err := m.Bytes("application/javascript", hookRaw)
	if err != nil {
		log.Warnw("minify failed; serving original", "file", "hook.js", "err", err)
		hookJS = hookRaw
		return
	}
	hookJS = out
}

func serveHook(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(hookJS)
}
