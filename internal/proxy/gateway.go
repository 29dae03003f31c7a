// Package proxy runs the loopback gateway the window renders. It forwards
// every request to the remote application with the shell's TLS and
// credential policy applied, and serves the shell's own /__shell/ routes.
package proxy

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/webshell/internal/config"
	"github.com/petervdpas/webshell/internal/diag"
	"github.com/petervdpas/webshell/internal/docs"
	"github.com/petervdpas/webshell/internal/upstream"
	"github.com/petervdpas/webshell/internal/util"
)

var log = logging.Logger("proxy")

const (
	// ShellPrefix is reserved for the gateway's own routes.
	ShellPrefix = "/__shell/"

	sessionCookie = "webshell_session"
)

// Hooks receives input coming from the page.
type Hooks interface {
	ToggleFullscreen()
	PageEvent(name string)
}

type Options struct {
	Config config.Config
	// Auth wraps the upstream transport. Required.
	Auth *upstream.Authenticator
	Logs *diag.LogBuffer
	// Hooks may be nil until the window exists; see SetHooks.
	Hooks Hooks
	// Status reports shell state for /__shell/status.
	Status func() any
	// Addr defaults to 127.0.0.1:0.
	Addr string
}

type Gateway struct {
	cfg    config.Config
	auth   *upstream.Authenticator
	tls    *tls.Config
	logs   *diag.LogBuffer
	status func() any
	addr   string
	token  string

	hooks     Hooks
	hooksSet  chan struct{}
	hooksOnce sync.Once

	proxy *httputil.ReverseProxy
	mux   *http.ServeMux

	ln  net.Listener
	srv *http.Server
}

func New(opts Options) *Gateway {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.Logs == nil {
		opts.Logs = diag.NewLogBuffer(0)
	}

	g := &Gateway{
		cfg:      opts.Config,
		auth:     opts.Auth,
		tls:      upstream.TLSConfig(opts.Config),
		logs:     opts.Logs,
		status:   opts.Status,
		addr:     opts.Addr,
		token:    uuid.NewString(),
		hooksSet: make(chan struct{}),
	}
	if opts.Hooks != nil {
		g.SetHooks(opts.Hooks)
	}

	g.proxy = &httputil.ReverseProxy{
		Rewrite:        g.rewrite,
		Transport:      g.auth,
		ModifyResponse: g.modifyResponse,
		ErrorHandler:   g.errorHandler,
		FlushInterval:  -1,
	}

	g.mux = http.NewServeMux()
	g.mux.HandleFunc("GET /__shell/enter", g.handleEnter)
	g.mux.HandleFunc("GET /__shell/hook.js", serveHook)
	g.mux.HandleFunc("GET /__shell/status", g.handleStatus)
	g.mux.HandleFunc("GET /__shell/logs", g.logs.ServeLogsJSON)
	g.mux.HandleFunc("GET /__shell/logs/stream", g.logs.ServeLogsSSE)
	g.mux.HandleFunc("POST /__shell/fullscreen", g.handleFullscreen)
	g.mux.HandleFunc("POST /__shell/event", g.handleEvent)
	g.mux.Handle("GET /__shell/help/", http.StripPrefix("/__shell/help", docs.New()))
	g.mux.HandleFunc("/", g.forward)

	return g
}

// SetHooks installs the page hooks once the window exists. Only the first
// call has an effect.
func (g *Gateway) SetHooks(h Hooks) {
	g.hooksOnce.Do(func() {
		g.hooks = h
		close(g.hooksSet)
	})
}

func (g *Gateway) pageHooks() Hooks {
	select {
	case <-g.hooksSet:
		return g.hooks
	default:
		return nil
	}
}

// Listen binds the gateway socket. URL is valid afterwards.
func (g *Gateway) Listen() error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return err
	}
	g.ln = ln
	return nil
}

// URL is the gateway origin, e.g. http://127.0.0.1:53121/.
func (g *Gateway) URL() string {
	if g.ln == nil {
		return ""
	}
	return "http://" + g.ln.Addr().String() + "/"
}

// EntryURL is the first URL the window opens. It hands the session token
// to the webview as a cookie and redirects to /.
func (g *Gateway) EntryURL() string {
	if g.ln == nil {
		return ""
	}
	return g.URL() + "__shell/enter?token=" + url.QueryEscape(g.token)
}

// Serve runs the HTTP server until ctx is done.
func (g *Gateway) Serve(ctx context.Context) error {
	if g.ln == nil {
		if err := g.Listen(); err != nil {
			return err
		}
	}

	g.srv = &http.Server{
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	util.Go("gateway", func() { errc <- g.srv.Serve(g.ln) })
	log.Infow("gateway listening", "url", g.URL(), "target", g.cfg.TargetURL().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), util.DefaultShutdownTimeout)
	defer cancel()
	if err := g.srv.Shutdown(shutdownCtx); err != nil {
		_ = g.srv.Close()
	}
	return nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer util.Recover("gateway " + r.URL.Path)

	if r.URL.Path != "/__shell/enter" && !g.authorized(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) authorized(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(g.token)) == 1
}

func (g *Gateway) handleEnter(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(tok), []byte(g.token)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    g.token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, ShellPrefix) {
		http.NotFound(w, r)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		g.relay(w, r)
		return
	}
	g.proxy.ServeHTTP(w, r)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"target":              g.cfg.TargetURL().String(),
		"gateway":             g.URL(),
		"insecure_tls":        g.cfg.InsecureTLS,
		"challenges_answered": g.auth.Answered(),
		"faults":              util.Faults(),
	}
	if g.status != nil {
		out["shell"] = g.status()
	}
	writeJSON(w, out)
}

func (g *Gateway) handleFullscreen(w http.ResponseWriter, r *http.Request) {
	if h := g.pageHooks(); h != nil {
		h.ToggleFullscreen()
	}
	w.WriteHeader(http.StatusNoContent)
}

type pageEvent struct {
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
	URL    string `json:"url,omitempty"`
}

func (g *Gateway) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev pageEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&ev); err != nil {
		http.Error(w, "bad event", http.StatusBadRequest)
		return
	}

	switch ev.Name {
	case "dom-ready", "did-finish-load":
		if h := g.pageHooks(); h != nil {
			h.PageEvent(ev.Name)
		}
	case "error", "unhandled-rejection":
		log.Warnw("page fault", "kind", ev.Name, "detail", ev.Detail, "url", ev.URL)
	default:
		http.Error(w, "unknown event", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
