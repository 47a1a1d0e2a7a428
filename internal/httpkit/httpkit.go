// Package httpkit builds the HTTP clients used for every outbound call:
// model providers, web search and page fetching. Clients share one set
// of dial, TLS and idle-connection limits and identify themselves with
// the tether User-Agent.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/tether-agent/internal/buildinfo"
)

const (
	DefaultTimeout             = 30 * time.Second
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*roundTripper)

// WithTimeout sets the overall request timeout. Zero disables it, which
// leaves deadlines entirely to the request context.
func WithTimeout(d time.Duration) ClientOption {
	return func(rt *roundTripper) { rt.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(rt *roundTripper) { rt.ua = ua }
}

// WithTransport replaces the default transport.
func WithTransport(t http.RoundTripper) ClientOption {
	return func(rt *roundTripper) { rt.base = t }
}

// WithRetry retries requests that never reached the server (host or
// network unreachable, connection refused) up to count more times.
// Requests with a body are only retried when the body can be rewound.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(rt *roundTripper) { rt.retries, rt.delay = count, delay }
}

// WithLogger logs every completed round trip at debug level.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(rt *roundTripper) { rt.logger = logger }
}

// NewTransport creates a transport with the shared connection limits.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client from the options.
func NewClient(opts ...ClientOption) *http.Client {
	rt := &roundTripper{timeout: DefaultTimeout, ua: buildinfo.UserAgent()}
	for _, o := range opts {
		o(rt)
	}
	if rt.base == nil {
		rt.base = NewTransport()
	}
	return &http.Client{Timeout: rt.timeout, Transport: rt}
}

type roundTripper struct {
	base    http.RoundTripper
	timeout time.Duration
	ua      string
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", rt.ua)
	}

	start := time.Now()
	resp, err := rt.base.RoundTrip(req)
	attempt := 0
	for err != nil && isConnectError(err) && attempt < rt.retries && rewindable(req) {
		attempt++
		if rt.logger != nil {
			rt.logger.Debug("retrying request", "method", req.Method, "host", req.URL.Host, "attempt", attempt, "error", err)
		}
		if werr := wait(req, rt.delay); werr != nil {
			return nil, werr
		}
		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", berr)
			}
			retry.Body = body
		}
		resp, err = rt.base.RoundTrip(retry)
	}

	if rt.logger != nil {
		attrs := []any{"method", req.Method, "host", req.URL.Host, "path", req.URL.Path, "elapsed", time.Since(start).Round(time.Millisecond)}
		if err != nil {
			rt.logger.Debug("http request failed", append(attrs, "error", err)...)
		} else {
			rt.logger.Debug("http request", append(attrs, "status", resp.StatusCode)...)
		}
	}
	return resp, err
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func wait(req *http.Request, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-timer.C:
		return nil
	}
}

// isConnectError reports failures that happen before any request bytes
// reach the server.
func isConnectError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes of an error response body for
// inclusion in an error message, then drains and closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
