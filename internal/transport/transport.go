// Package transport is the single outbound HTTP abstraction shared by the
// probing engine and the proxy forwarders.
//
// Every call can carry its own outbound proxy URL; the scheme selects the
// tunneling mode (http:// and https:// use CONNECT, socks5:// uses a SOCKS5
// dialer). Underlying clients are cached per (proxy, timeout class) so
// connection pools are reused across calls.
//
// Failures are classified into a small set of kinds (timeout, cancelled,
// connect, TLS, I/O) so callers can record a short diagnostic instead of a
// raw *url.Error chain.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// Timeout classes. Probes are short-lived JSON calls; proxied calls may be
// long CLI conversations where only prolonged silence should kill the stream.
const (
	// ProbeTimeout bounds an entire probe request.
	ProbeTimeout = 30 * time.Second

	// StreamIdleTimeout aborts a proxied call after this much silence on the
	// response body.
	StreamIdleTimeout = 10 * time.Minute
)

// Request describes one outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string

	// Body is an optional JSON payload.
	Body []byte

	// ProxyURL overrides the client's default outbound proxy for this call.
	ProxyURL string

	// Stream selects the long-idle timeout class instead of the probe class.
	Stream bool
}

// Response exposes the upstream status, headers and a streamable body.
// The caller must Close the body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client is the proxy-aware outbound HTTP client.
type Client struct {
	defaultProxy string

	mu    sync.Mutex
	cache map[clientKey]*http.Client
}

type clientKey struct {
	proxyURL string
	stream   bool
}

// New creates a Client. defaultProxy may be empty; when set it applies to
// every call that does not carry its own proxy URL.
func New(defaultProxy string) *Client {
	return &Client{
		defaultProxy: defaultProxy,
		cache:        make(map[clientKey]*http.Client),
	}
}

// Do performs the request. ctx carries cancellation into connect, TLS and
// body reads; for stream requests an idle watchdog additionally cancels the
// call after StreamIdleTimeout of body silence.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	proxyURL := req.ProxyURL
	if proxyURL == "" {
		proxyURL = c.defaultProxy
	}

	hc, err := c.clientFor(proxyURL, req.Stream)
	if err != nil {
		return nil, err
	}

	var cancel context.CancelFunc = func() {}
	if !req.Stream {
		ctx, cancel = context.WithTimeout(ctx, ProbeTimeout)
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindIO, Message: "build request: " + err.Error(), cause: err}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		cancel()
		return nil, classify(err)
	}

	rc := io.ReadCloser(&cancelOnClose{rc: resp.Body, cancel: cancel})
	if req.Stream {
		// Reset-on-read watchdog: prolonged body silence cancels the call.
		streamCtx, streamCancel := context.WithCancel(ctx)
		watched := newIdleWatchdogReader(streamCtx, resp.Body, StreamIdleTimeout, streamCancel)
		rc = &cancelOnClose{rc: watched, cancel: func() { streamCancel(); cancel() }}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       rc,
	}, nil
}

// clientFor returns (building if needed) the cached *http.Client for the
// given proxy and timeout class.
func (c *Client) clientFor(proxyURL string, stream bool) (*http.Client, error) {
	key := clientKey{proxyURL: proxyURL, stream: stream}

	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.cache[key]; ok {
		return hc, nil
	}

	tr, err := buildTransport(proxyURL)
	if err != nil {
		return nil, err
	}

	hc := &http.Client{Transport: tr}
	// Probe calls get a hard deadline via context in Do; the http.Client
	// Timeout stays 0 so streaming bodies are never cut mid-read.
	c.cache[key] = hc
	return hc, nil
}

// buildTransport constructs an *http.Transport for the given proxy URL.
// Empty proxyURL dials directly.
func buildTransport(proxyURL string) (*http.Transport, error) {
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
		ExpectContinueTimeout: time.Second,
	}

	if proxyURL == "" {
		return tr, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, &Error{Kind: KindConnect, Message: "invalid proxy url: " + err.Error(), cause: err}
	}

	switch u.Scheme {
	case "http", "https":
		tr.Proxy = http.ProxyURL(u)

	case "socks5":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			return nil, &Error{Kind: KindConnect, Message: "socks5 dialer: " + err.Error(), cause: err}
		}
		tr.Proxy = nil
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}

	default:
		return nil, &Error{
			Kind:    KindConnect,
			Message: fmt.Sprintf("unsupported proxy scheme %q (want http, https or socks5)", u.Scheme),
		}
	}

	return tr, nil
}

// ── Error classification ─────────────────────────────────────────────────────

// Error kinds surfaced to callers.
const (
	KindTimeout   = "timeout"
	KindCancelled = "cancelled"
	KindConnect   = "connect-error"
	KindTLS       = "tls-error"
	KindIO        = "io-error"
)

// Error is a classified transport failure.
type Error struct {
	Kind    string
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Kind + ": " + e.Message }

func (e *Error) Unwrap() error { return e.cause }

// classify maps an outbound call error to a transport Error.
func classify(err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Message: "request cancelled", cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: "request timed out", cause: err}
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return &Error{Kind: KindTLS, Message: shortMessage(err), cause: err}
	}
	var recErr *tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return &Error{Kind: KindTLS, Message: shortMessage(err), cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: shortMessage(err), cause: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindConnect, Message: shortMessage(err), cause: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindConnect, Message: shortMessage(err), cause: err}
	}

	return &Error{Kind: KindIO, Message: shortMessage(err), cause: err}
}

// shortMessage strips the *url.Error envelope so diagnostics stay compact.
func shortMessage(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		return uerr.Err.Error()
	}
	return err.Error()
}

// ── Body wrappers ────────────────────────────────────────────────────────────

// cancelOnClose releases the request context when the body is closed so the
// cached client's connection can be reused or torn down promptly.
type cancelOnClose struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelOnClose) Close() error {
	err := c.rc.Close()
	c.once.Do(c.cancel)
	return err
}

// idleWatchdogReader cancels the request when no bytes arrive for the idle
// window. Each successful Read re-arms the timer.
type idleWatchdogReader struct {
	rc    io.ReadCloser
	timer *time.Timer
	idle  time.Duration
	ctx   context.Context
}

func newIdleWatchdogReader(ctx context.Context, rc io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleWatchdogReader {
	r := &idleWatchdogReader{rc: rc, idle: idle, ctx: ctx}
	r.timer = time.AfterFunc(idle, cancel)
	return r
}

func (r *idleWatchdogReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.timer.Reset(r.idle)
	}
	if err != nil {
		r.timer.Stop()
	}
	if err != nil && r.ctx.Err() != nil {
		// Distinguish watchdog fires from clean EOF for callers that log.
		if errors.Is(r.ctx.Err(), context.Canceled) && !errors.Is(err, io.EOF) {
			return n, &Error{Kind: KindTimeout, Message: "stream idle timeout", cause: err}
		}
	}
	return n, err
}

func (r *idleWatchdogReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}
