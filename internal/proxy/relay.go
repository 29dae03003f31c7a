package proxy

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/webshell/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The only client is the shell's own webview on loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsHandshakeTimeout = 10 * time.Second

// upstreamWS maps a gateway request onto the target's ws:// or wss:// URL.
func (g *Gateway) upstreamWS(r *http.Request) *url.URL {
	target := g.cfg.TargetURL()
	u := &url.URL{
		Scheme:   "ws",
		Host:     target.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	if target.Scheme == "https" {
		u.Scheme = "wss"
	}
	return u
}

// relay bridges a WebSocket from the window to the target, answering an
// auth challenge on the handshake the same way plain requests do.
func (g *Gateway) relay(w http.ResponseWriter, r *http.Request) {
	target := g.upstreamWS(r)
	dialer := websocket.Dialer{
		TLSClientConfig:  g.tls,
		HandshakeTimeout: wsHandshakeTimeout,
		Subprotocols:     websocket.Subprotocols(r),
	}

	// authReq stands in for the handshake when computing credentials.
	authReq := &http.Request{Method: http.MethodGet, URL: target, Header: http.Header{}}

	header := http.Header{}
	stripped := r.Header.Clone()
	stripCookie(stripped, sessionCookie)
	if c := stripped.Get("Cookie"); c != "" {
		header.Set("Cookie", c)
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		header.Set("User-Agent", ua)
	}
	header.Set("Origin", originOf(g.cfg.TargetURL()))
	if h := g.auth.Authorization(authReq); h != "" {
		header.Set("Authorization", h)
	}

	up, resp, err := dialer.DialContext(r.Context(), target.String(), header)
	if errors.Is(err, websocket.ErrBadHandshake) && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		authz, aerr := g.auth.Respond(authReq, resp)
		if aerr == nil {
			header.Set("Authorization", authz)
			up, resp, err = dialer.DialContext(r.Context(), target.String(), header)
		}
	}
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		log.Errorw("websocket dial failed", "url", target.String(), "status", status, "err", err)
		http.Error(w, "upstream websocket unavailable", status)
		return
	}
	defer up.Close()

	respHeader := http.Header{}
	if p := up.Subprotocol(); p != "" {
		respHeader.Set("Sec-WebSocket-Protocol", p)
	}
	down, err := wsUpgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Warnw("websocket upgrade failed", "path", r.URL.Path, "err", err)
		return
	}
	defer down.Close()

	log.Debugw("websocket relay open", "path", r.URL.Path, "subprotocol", up.Subprotocol())

	errc := make(chan error, 2)
	util.Go("ws up", func() { errc <- pump(up, down) })
	util.Go("ws down", func() { errc <- pump(down, up) })
	err = <-errc

	log.Debugw("websocket relay closed", "path", r.URL.Path, "err", err)
}

// pump copies frames from src to dst until src fails. A close frame from
// src is passed on to dst with its code and reason.
func pump(dst, src *websocket.Conn) error {
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				switch ce.Code {
				case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure:
					msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				default:
					msg = websocket.FormatCloseMessage(ce.Code, ce.Text)
				}
			}
			_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return err
		}
		if err := dst.WriteMessage(kind, data); err != nil {
			return err
		}
	}
}
