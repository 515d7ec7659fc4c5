// Package transport is the fingerprint transport (C1): outbound HTTPS whose
// ClientHello is indistinguishable from the impersonated official client.
// Rather than the spec's external helper-binary design (a workaround for a
// dynamic-language runtime lacking a TLS-fingerprinting library), this is a
// native uTLS http.RoundTripper per account — see DESIGN.md's Open Question
// decision. The fallback-to-stdlib-client, gzip transparent decode, and
// streaming-with-cancellation behaviors the spec requires are preserved.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
	"github.com/devanenWl/antigravity-gateway/internal/config"
	"github.com/devanenWl/antigravity-gateway/internal/relayerr"
)

// Manager provides per-account HTTP clients (utls-fingerprinted + optional
// proxy) and the fetch/streamFetch contract of §4.1.
type Manager struct {
	pool           *Pool
	requestTimeout time.Duration
	fallback       bool // true when USE_TLS_FINGERPRINT=false
}

// NewManager creates a new transport Manager.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		pool:           newPool(),
		requestTimeout: cfg.RequestTimeoutUnary,
		fallback:       !cfg.UseTLSFingerprint,
	}
}

// GetClient returns an http.Client with a per-account transport. When the
// fingerprint path is disabled by config, this is the platform default
// client (§4.1 "If the helper binary is missing OR an env flag disables
// it, fall back to the platform default HTTPS client").
func (m *Manager) GetClient(acct *account.Account) *http.Client {
	if m.fallback {
		return &http.Client{Timeout: m.requestTimeout}
	}
	return &http.Client{
		Transport: m.pool.Get(acct),
		Timeout:   m.requestTimeout,
	}
}

// GetHTTPTransport returns an http.Transport for proxy-aware direct use
// (token refresh calls — see account.TokenManager).
func (m *Manager) GetHTTPTransport(acct *account.Account) *http.Transport {
	if acct.Proxy == nil {
		return nil
	}
	return &http.Transport{DialTLSContext: proxyDialer(acct.Proxy)}
}

// buildTransport constructs the utls-fingerprinted http.Transport for an
// account, routing through its configured proxy when set (§4.1, §4.8).
func buildTransport(acct *account.Account) *http.Transport {
	dial := dialUTLS
	if acct.Proxy != nil {
		pd := proxyDialer(acct.Proxy)
		dial = pd
	}
	return &http.Transport{
		DialTLSContext:      dial,
		ForceAttemptHTTP2:   false, // utls negotiates ALPN itself
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Response is the buffered result of Fetch.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetch performs a unary request (§4.1 `fetch`): buffers the body, decodes
// gzip transparently, and classifies failures into the relayerr taxonomy.
func (m *Manager) Fetch(ctx context.Context, acct *account.Account, method, url string, headers http.Header, body []byte, timeout time.Duration) (*Response, error) {
	client := m.clientWithTimeout(acct, timeout)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, relayerr.Wrapf(err, "build request: %v", err)
	}
	copyOrderedHeaders(req.Header, headers)

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyDoErr(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := decodeBody(resp)
	if err != nil {
		return nil, relayerr.Wrapf(err, "read response: %v", err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

// StreamResponse exposes a cancellable byte stream (§4.1 `streamFetch`):
// resolves once headers are received; Body must be closed by the caller
// (closing it is what "kills" the connection on client abort).
type StreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// StreamFetch resolves once response headers are received. Cancelling ctx
// closes the underlying connection, which the retry orchestrator treats as
// an aborted attempt (§5 cancellation, §8 scenario 6).
func (m *Manager) StreamFetch(ctx context.Context, acct *account.Account, method, url string, headers http.Header, body []byte, timeout time.Duration) (*StreamResponse, error) {
	client := m.clientWithTimeout(acct, timeout)
	client.Timeout = 0 // streaming: bound by ctx, not a flat client timeout

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, relayerr.Wrapf(err, "build request: %v", err)
	}
	copyOrderedHeaders(req.Header, headers)

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyDoErr(ctx, err)
	}

	rc := resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err == nil {
			rc = &gzipStreamCloser{gz: gz, underlying: resp.Body}
		}
	}

	return &StreamResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: rc}, nil
}

func (m *Manager) clientWithTimeout(acct *account.Account, timeout time.Duration) *http.Client {
	c := m.GetClient(acct)
	if timeout > 0 {
		c.Timeout = timeout
	}
	return c
}

// copyOrderedHeaders adds every value of src to dst. src is an http.Header
// (a map), so the order in which header names are added is not defined.
func copyOrderedHeaders(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func decodeBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get("Content-Encoding") == "gzip" && len(raw) > 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return raw, nil
		}
		defer gz.Close()
		decoded, err := io.ReadAll(gz)
		if err != nil {
			return raw, nil
		}
		return decoded, nil
	}
	return raw, nil
}

type gzipStreamCloser struct {
	gz         *gzip.Reader
	underlying io.ReadCloser
}

func (g *gzipStreamCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipStreamCloser) Close() error {
	g.gz.Close()
	return g.underlying.Close()
}

// classifyDoErr maps net/http client.Do failures onto the relayerr
// taxonomy (§4.1 Failure, §7): deadline → Timeout, ctx canceled → Canceled,
// everything else → NetworkError.
func classifyDoErr(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return &relayerr.CanceledError{Cause: err}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return &relayerr.TimeoutError{Cause: err}
	}
	return relayerr.Wrapf(err, "network error: %v", err)
}

// RunCleanup starts the background idle-transport reaper. Blocks until ctx
// is canceled (§2 C1, mirrors the teacher's transport pool cleanup loop).
func (m *Manager) RunCleanup(ctx context.Context) {
	m.pool.RunCleanup(ctx, 1*time.Minute, 5*time.Minute)
}

// Close closes all pooled transports.
func (m *Manager) Close() {
	m.pool.Close()
}
