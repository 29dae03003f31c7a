package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/petervdpas/webshell/internal/upstream"
)

// maxInjectBody caps how much of an HTML document is buffered to add the
// page hook. Larger documents pass through untouched.
const maxInjectBody = 16 << 20

const hookTag = `<script src="/__shell/hook.js"></script>`

func (g *Gateway) rewrite(pr *httputil.ProxyRequest) {
	target := g.cfg.TargetURL()
	pr.SetURL(target)
	pr.Out.Host = target.Host

	// Let the transport negotiate gzip so HTML arrives decoded.
	pr.Out.Header.Del("Accept-Encoding")
	pr.Out.Header.Set("X-Request-ID", uuid.NewString())

	origin := originOf(target)
	if pr.In.Header.Get("Origin") != "" {
		pr.Out.Header.Set("Origin", origin)
	}
	if ref := pr.In.Header.Get("Referer"); ref != "" {
		pr.Out.Header.Set("Referer", rebase(ref, origin))
	}
	stripCookie(pr.Out.Header, sessionCookie)
}

func (g *Gateway) modifyResponse(resp *http.Response) error {
	target := g.cfg.TargetURL()

	if loc := resp.Header.Get("Location"); loc != "" {
		resp.Header.Set("Location", localizeLocation(loc, target))
	}
	rewriteSetCookies(resp.Header)
	resp.Header.Del("Strict-Transport-Security")

	if resp.Request != nil {
		log.Debugw("proxied",
			"method", resp.Request.Method,
			"path", resp.Request.URL.Path,
			"status", resp.StatusCode,
			"request_id", resp.Request.Header.Get("X-Request-ID"),
		)
	}

	if !injectable(resp) {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInjectBody+1))
	if err != nil {
		return err
	}
	if len(body) > maxInjectBody {
		// too big to buffer; stream the rest unchanged
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return nil
	}
	resp.Body.Close()

	out := injectHook(body)
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return nil
}

func (g *Gateway) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	code, desc := upstream.Classify(err)
	log.Errorw("proxy request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"code", code,
		"description", desc,
	)

	// bare status, no error page
	w.WriteHeader(http.StatusBadGateway)
}

func injectable(resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return false
	}
	if resp.Header.Get("Content-Encoding") != "" {
		return false
	}
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	return strings.HasPrefix(ct, "text/html")
}

// injectHook places the hook script right after <head>, falling back to
// before </body>, then to the very start.
func injectHook(body []byte) []byte {
	lower := bytes.ToLower(body)

	if i := headTag(lower); i >= 0 {
		if j := bytes.IndexByte(lower[i:], '>'); j >= 0 {
			return splice(body, i+j+1)
		}
	}
	if i := bytes.LastIndex(lower, []byte("</body>")); i >= 0 {
		return splice(body, i)
	}
	return splice(body, 0)
}

// headTag finds "<head>" or "<head ...>", skipping "<header".
func headTag(lower []byte) int {
	off := 0
	for {
		i := bytes.Index(lower[off:], []byte("<head"))
		if i < 0 {
			return -1
		}
		at := off + i
		next := at + len("<head")
		if next >= len(lower) {
			return -1
		}
		switch lower[next] {
		case '>', ' ', '\t', '\n', '\r':
			return at
		}
		off = next
	}
}

func splice(body []byte, at int) []byte {
	out := make([]byte, 0, len(body)+len(hookTag))
	out = append(out, body[:at]...)
	out = append(out, hookTag...)
	return append(out, body[at:]...)
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// rebase swaps the scheme and host of raw for origin.
func rebase(raw, origin string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	o, _ := url.Parse(origin)
	u.Scheme, u.Host = o.Scheme, o.Host
	return u.String()
}

// localizeLocation turns absolute redirects to the target into paths on
// the gateway. Redirects elsewhere are left alone.
func localizeLocation(loc string, target *url.URL) string {
	u, err := url.Parse(loc)
	if err != nil || !u.IsAbs() {
		return loc
	}
	if !strings.EqualFold(u.Host, target.Host) {
		return loc
	}
	out := u.EscapedPath()
	if out == "" {
		out = "/"
	}
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		out += "#" + u.EscapedFragment()
	}
	return out
}

// rewriteSetCookies adapts upstream cookies to the plain-http loopback
// origin: Secure and Domain are dropped and SameSite=None becomes Lax.
func rewriteSetCookies(h http.Header) {
	raw := h.Values("Set-Cookie")
	if len(raw) == 0 {
		return
	}
	h.Del("Set-Cookie")
	for _, line := range raw {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			h.Add("Set-Cookie", line)
			continue
		}
		c.Secure = false
		c.Domain = ""
		c.Partitioned = false
		if c.SameSite == http.SameSiteNoneMode {
			c.SameSite = http.SameSiteLaxMode
		}
		h.Add("Set-Cookie", c.String())
	}
}

// stripCookie removes one cookie from the Cookie header.
func stripCookie(h http.Header, name string) {
	lines := h.Values("Cookie")
	if len(lines) == 0 {
		return
	}
	h.Del("Cookie")

	var kept []string
	for _, line := range lines {
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if k, _, _ := strings.Cut(part, "="); k == name {
				continue
			}
			kept = append(kept, part)
		}
	}
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
}
