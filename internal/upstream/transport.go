// Package upstream talks to the remote web application: TLS policy,
// credential answering and the navigation probe.
package upstream

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/webshell/internal/config"
)

var log = logging.Logger("upstream")

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	idleConnTimeout  = 90 * time.Second
)

// TLSConfig returns the client TLS settings for cfg. In insecure mode every
// server certificate is accepted; the chain is logged but never checked.
func TLSConfig(cfg config.Config) *tls.Config {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if !cfg.InsecureTLS {
		return tc
	}

	tc.InsecureSkipVerify = true
	tc.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) > 0 {
			logCertificate(cs.ServerName, cs.PeerCertificates[0])
		}
		return nil
	}
	return tc
}

func logCertificate(server string, cert *x509.Certificate) {
	log.Debugw("accepting server certificate",
		"server", server,
		"subject", cert.Subject.String(),
		"issuer", cert.Issuer.String(),
		"not_after", cert.NotAfter.Format(time.RFC3339),
	)
}

// NewTransport returns the base round tripper used for every request to
// the remote application. Proxy settings from the environment are ignored;
// the target lives on a private network.
func NewTransport(cfg config.Config) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       TLSConfig(cfg),
		TLSHandshakeTimeout:   handshakeTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   16,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: time.Second,
	}
}

// NewClient returns an http.Client that answers auth challenges with the
// configured credentials. Redirects are followed.
func NewClient(cfg config.Config) *http.Client {
	return &http.Client{
		Transport: NewAuthenticator(NewTransport(cfg), CredentialsFrom(cfg)),
	}
}
