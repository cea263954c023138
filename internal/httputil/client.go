// Package httputil provides the pooled HTTP client used for forensic asset
// fetches, session-controller callbacks and the CLI, plus bounded-read helpers.
package httputil

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Transport defaults.
const (
	DefaultMaxIdleConnsPerHost = 10
	DefaultMaxRedirects        = 5
	DefaultUserAgent           = "PodShield/1"

	dialTimeout         = 10 * time.Second
	keepAlive           = 30 * time.Second
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	maxIdleConns        = 100
)

// ErrTooManyRedirects is returned when a response chain exceeds MaxRedirects.
var ErrTooManyRedirects = errors.New("too many redirects")

// ClientConfig configures NewClient.
type ClientConfig struct {
	UserAgent string

	// Timeout bounds a whole request including redirects and body reads.
	Timeout time.Duration

	MaxIdleConnsPerHost int

	// MaxRedirects caps followed redirects. Redirects to schemes other than
	// http and https are never followed.
	MaxRedirects int

	// SkipTLSVerify disables certificate verification (CLI --skip-verify).
	SkipTLSVerify bool
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		UserAgent:           DefaultUserAgent,
		Timeout:             30 * time.Second,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		MaxRedirects:        DefaultMaxRedirects,
	}
}

// NewClient creates a pooled HTTP client. If cfg is nil, DefaultConfig() is used.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	perHost := cfg.MaxIdleConnsPerHost
	if perHost <= 0 {
		perHost = DefaultMaxIdleConnsPerHost
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: perHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.SkipTLSVerify, //nolint:gosec // opt-in CLI flag
		},
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	return &http.Client{
		Transport:     &userAgentTransport{next: transport, userAgent: ua},
		Timeout:       cfg.Timeout,
		CheckRedirect: checkRedirect(cfg.MaxRedirects),
	}
}

// NewClientWithTimeout creates a pooled client with the specified timeout.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	cfg := DefaultConfig()
	cfg.Timeout = timeout

	return NewClient(cfg)
}

func checkRedirect(limit int) func(*http.Request, []*http.Request) error {
	if limit <= 0 {
		limit = DefaultMaxRedirects
	}

	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, limit)
		}

		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return fmt.Errorf("%w: redirect to %s", ErrUnsupportedScheme, req.URL.Scheme)
		}

		return nil
	}
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}

	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)

	return t.next.RoundTrip(req)
}
