package upstream

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/icholy/digest"

	"github.com/petervdpas/webshell/internal/config"
)

// ErrNoChallenge is returned when a 401 carries no scheme we can answer.
var ErrNoChallenge = errors.New("upstream: no supported auth challenge")

type Credentials struct {
	Username string
	Password string
}

func CredentialsFrom(cfg config.Config) Credentials {
	return Credentials{Username: cfg.Username, Password: cfg.Password}
}

const (
	schemeBasic  = "basic"
	schemeDigest = "digest"
)

// Authenticator is a RoundTripper that answers HTTP auth challenges with
// static credentials instead of surfacing them to the user. After the first
// challenge the scheme is remembered and later requests carry credentials
// up front.
type Authenticator struct {
	base  http.RoundTripper
	creds Credentials

	mu     sync.Mutex
	scheme string
	chal   *digest.Challenge
	count  int

	answered atomic.Int64
}

func NewAuthenticator(base http.RoundTripper, creds Credentials) *Authenticator {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Authenticator{base: base, creds: creds}
}

// Base returns the wrapped transport.
func (a *Authenticator) Base() http.RoundTripper { return a.base }

// Answered reports how many challenges have been answered.
func (a *Authenticator) Answered() int64 { return a.answered.Load() }

func (a *Authenticator) RoundTrip(req *http.Request) (*http.Response, error) {
	req, err := rewindable(req)
	if err != nil {
		return nil, err
	}

	first := req.Clone(req.Context())
	if h := a.Authorization(first); h != "" {
		first.Header.Set("Authorization", h)
	}

	resp, err := a.base.RoundTrip(first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	authz, err := a.Respond(req, resp)
	if err != nil {
		log.Warnw("auth challenge left unanswered", "url", req.URL.String(), "err", err)
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", authz)
	return a.base.RoundTrip(retry)
}

// Respond answers the challenge in resp for req and returns the
// Authorization header value. It never blocks on user input.
func (a *Authenticator) Respond(req *http.Request, resp *http.Response) (string, error) {
	if chal, err := digest.FindChallenge(resp.Header); err == nil {
		a.mu.Lock()
		a.scheme = schemeDigest
		a.chal = chal
		a.count = 0
		a.mu.Unlock()

		h, err := a.digestHeader(req)
		if err != nil {
			return "", err
		}
		a.noteAnswered(req, schemeDigest, chal.Realm)
		return h, nil
	}

	for _, v := range resp.Header.Values("WWW-Authenticate") {
		if !strings.HasPrefix(strings.ToLower(v), "basic") {
			continue
		}
		a.mu.Lock()
		a.scheme = schemeBasic
		a.chal = nil
		a.mu.Unlock()

		a.noteAnswered(req, schemeBasic, realmOf(v))
		return a.basicHeader(), nil
	}

	return "", ErrNoChallenge
}

// Authorization returns the header to send pre-emptively for req, or ""
// before any challenge has been seen.
func (a *Authenticator) Authorization(req *http.Request) string {
	a.mu.Lock()
	scheme := a.scheme
	a.mu.Unlock()

	switch scheme {
	case schemeBasic:
		return a.basicHeader()
	case schemeDigest:
		h, err := a.digestHeader(req)
		if err != nil {
			log.Debugw("pre-emptive digest failed", "err", err)
			return ""
		}
		return h
	}
	return ""
}

func (a *Authenticator) basicHeader() string {
	raw := a.creds.Username + ":" + a.creds.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

func (a *Authenticator) digestHeader(req *http.Request) (string, error) {
	a.mu.Lock()
	a.count++
	chal, count := a.chal, a.count
	a.mu.Unlock()

	if chal == nil {
		return "", ErrNoChallenge
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method,
		URI:      req.URL.RequestURI(),
		GetBody:  req.GetBody,
		Count:    count,
		Username: a.creds.Username,
		Password: a.creds.Password,
	})
	if err != nil {
		return "", err
	}
	return cred.String(), nil
}

func (a *Authenticator) noteAnswered(req *http.Request, scheme, realm string) {
	a.answered.Add(1)
	log.Infow("answering auth challenge", "url", req.URL.String(), "scheme", scheme, "realm", realm)
}

func realmOf(header string) string {
	i := strings.Index(strings.ToLower(header), "realm=")
	if i < 0 {
		return ""
	}
	v := header[i+len("realm="):]
	if strings.HasPrefix(v, `"`) {
		v = v[1:]
		if j := strings.IndexByte(v, '"'); j >= 0 {
			return v[:j]
		}
		return v
	}
	if j := strings.IndexAny(v, ", "); j >= 0 {
		return v[:j]
	}
	return v
}

// rewindable buffers a request body so it can be sent a second time after
// a challenge.
func rewindable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}

	b, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(b))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	out.ContentLength = int64(len(b))
	return out, nil
}
