package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// Network-class failure codes. HTTP failures use the status code instead.
const (
	CodeFailed             = -2
	CodeTimedOut           = -7
	CodeConnectionReset    = -101
	CodeConnectionRefused  = -102
	CodeNameNotResolved    = -105
	CodeAddressUnreachable = -109
	CodeCertInvalid        = -207
)

// DefaultProbeTimeout bounds a single navigation attempt.
const DefaultProbeTimeout = 15 * time.Second

// LoadError describes a failed navigation.
type LoadError struct {
	URL         string
	Code        int
	Description string
	Err         error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s failed: %d %s", e.URL, e.Code, e.Description)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Prober loads the navigation target through the same client policy the
// window uses. A transport error or a 5xx response counts as a failure.
type Prober struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewProber(client *http.Client) *Prober {
	return &Prober{Client: client, Timeout: DefaultProbeTimeout}
}

func (p *Prober) Load(ctx context.Context, target string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &LoadError{URL: target, Code: CodeFailed, Description: "invalid url", Err: err}
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")

	resp, err := p.Client.Do(req)
	if err != nil {
		code, desc := Classify(err)
		return &LoadError{URL: target, Code: code, Description: desc, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= http.StatusInternalServerError {
		return &LoadError{URL: target, Code: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
	}
	return nil
}

// Classify maps a transport error to a failure code and a short description.
func Classify(err error) (int, string) {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return CodeTimedOut, "timed out"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimedOut, "timed out"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeNameNotResolved, "name not resolved"
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostErr) {
		return CodeCertInvalid, "certificate invalid"
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnectionRefused, "connection refused"
	case errors.Is(err, syscall.ECONNRESET):
		return CodeConnectionReset, "connection reset"
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return CodeAddressUnreachable, "address unreachable"
	}
	return CodeFailed, err.Error()
}
