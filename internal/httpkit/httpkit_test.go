package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != DefaultTimeout {
		t.Errorf("default timeout = %v, want %v", c.Timeout, DefaultTimeout)
	}
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("zero timeout = %v, want 0", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		opts   []ClientOption
		header string
		want   string
	}{
		{name: "default", want: "tether/"},
		{name: "override", opts: []ClientOption{WithUserAgent("probe/1.0")}, want: "probe/1.0"},
		{name: "request header wins", header: "custom/2.0", want: "custom/2.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			resp, err := NewClient(tt.opts...).Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !strings.HasPrefix(string(body), tt.want) {
				t.Errorf("User-Agent = %q, want prefix %q", body, tt.want)
			}
		})
	}
}

type flakyTransport struct {
	failures int
	calls    int
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		retries   int
		body      io.Reader
		wantErr   bool
		wantCalls int
	}{
		{name: "recovers", failures: 2, retries: 3, wantCalls: 3},
		{name: "gives up", failures: 10, retries: 2, wantErr: true, wantCalls: 3},
		{name: "disabled", failures: 1, retries: 0, wantErr: true, wantCalls: 1},
		{name: "rewindable body", failures: 1, retries: 1, body: strings.NewReader("{}"), wantCalls: 2},
		{name: "one-shot body", failures: 1, retries: 3, body: io.MultiReader(strings.NewReader("{}")), wantErr: true, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &flakyTransport{failures: tt.failures}
			var logs strings.Builder
			c := NewClient(
				WithTransport(base),
				WithRetry(tt.retries, time.Millisecond),
				WithLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
			)

			req, _ := http.NewRequest(http.MethodPost, "http://model.invalid/api/chat", tt.body)
			resp, err := c.Do(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Do() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				resp.Body.Close()
			}
			if base.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", base.calls, tt.wantCalls)
			}
			if !strings.Contains(logs.String(), "host=model.invalid") {
				t.Errorf("round trip not logged:\n%s", logs.String())
			}
		})
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	base := &flakyTransport{failures: 10}
	c := NewClient(WithTransport(base), WithRetry(5, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://model.invalid", nil)
	if _, err := c.Do(req); !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

func TestIsConnectError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{syscall.ECONNREFUSED, true},
		{fmt.Errorf("wrapped: %w", syscall.EHOSTUNREACH), true},
		{&net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ENETUNREACH)}, true},
		{syscall.ECONNRESET, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := isConnectError(tt.err); got != tt.want {
			t.Errorf("isConnectError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestReadErrorBody(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(strings.NewReader("quota exceeded, try later")), 5)
	if got != "quota" {
		t.Errorf("ReadErrorBody = %q, want %q", got, "quota")
	}
	if ReadErrorBody(nil, 10) != "" {
		t.Error("ReadErrorBody(nil) should be empty")
	}
}
