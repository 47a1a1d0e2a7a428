// Package api exposes the agent over HTTP: a synchronous message
// endpoint, a websocket event stream, and read-only introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/tether-agent/internal/buildinfo"
	"github.com/nugget/tether-agent/internal/connwatch"
	"github.com/nugget/tether-agent/internal/events"
	"github.com/nugget/tether-agent/internal/plugins"
	"github.com/nugget/tether-agent/internal/session"
	"github.com/nugget/tether-agent/internal/usage"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here usually mean the client went away mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Inbound handles one chat message; *chat.Handler satisfies it.
type Inbound interface {
	Handle(ctx context.Context, userID, text string) error
}

// Sessions reports per-user loop progress.
type Sessions interface {
	Stats(userID string) (session.Stats, bool)
	Count() int
}

// Plugins lists registered plugins.
type Plugins interface {
	List() []*plugins.Descriptor
}

// Services reports the reachability of external dependencies.
type Services interface {
	Status() []connwatch.Status
}

// Usage aggregates the persistent request log.
type Usage interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByTool(ctx context.Context, start, end time.Time) (map[string]*usage.ToolSummary, error)
}

// Deps are the server's collaborators. Events may be nil, which
// disables /v1/events; Services and Usage may be nil.
type Deps struct {
	Inbound  Inbound
	Outbox   *Outbox
	Sessions Sessions
	Plugins  Plugins
	Services Services
	Usage    Usage
	Events   *events.Bus
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	inbound  Inbound
	outbox   *Outbox
	sessions Sessions
	plugins  Plugins
	services Services
	usage    Usage
	bus      *events.Bus
	logger   *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a server. It does not listen until Start.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		inbound:  deps.Inbound,
		outbox:   deps.Outbox,
		sessions: deps.Sessions,
		plugins:  deps.Plugins,
		services: deps.Services,
		usage:    deps.Usage,
		bus:      deps.Events,
		logger:   logger.With("component", "api"),
	}
}

// Handler returns the routed handler. Start uses it; tests can mount it
// on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/messages", s.handleMessage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/sessions/{user}", s.handleSession)
	mux.HandleFunc("GET /v1/plugins", s.handlePlugins)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves until ctx is cancelled or the listener fails. A clean
// shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.address, fmt.Sprint(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Agent runs can take minutes; WriteTimeout would also kill
		// websocket streams, so it stays unset.
		IdleTimeout: 2 * time.Minute,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		addr := s.address
		if addr == "" {
			addr = "0.0.0.0"
		}
		s.logger.Info("starting API server", "address", addr, "port", s.port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		s.logger.Info("API server stopped")
		return nil
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "tether",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthResponse is the body of GET /v1/health. Status is "degraded"
// when any watched service is unreachable.
type HealthResponse struct {
	Status         string             `json:"status"`
	Uptime         string             `json:"uptime"`
	ActiveSessions int                `json:"active_sessions"`
	Plugins        int                `json:"plugins"`
	Subscribers    int                `json:"event_subscribers"`
	Services       []connwatch.Status `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		Uptime:      buildinfo.Uptime().String(),
		Subscribers: s.bus.SubscriberCount(),
	}
	if s.sessions != nil {
		resp.ActiveSessions = s.sessions.Count()
	}
	if s.plugins != nil {
		resp.Plugins = len(s.plugins.List())
	}
	if s.services != nil {
		resp.Services = s.services.Status()
		for _, svc := range resp.Services {
			if !svc.Ready {
				resp.Status = "degraded"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// MessageRequest is the body of POST /v1/messages.
type MessageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// MessageResponse lists what the agent sent back, in order.
type MessageResponse struct {
	UserID   string   `json:"user_id"`
	Messages []string `json:"messages"`
}

// handleMessage runs one message through the chat handler and returns
// every message sent to the user while it ran.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	stop := s.outbox.collect(req.UserID)
	err := s.inbound.Handle(r.Context(), req.UserID, req.Text)
	sent := stop()
	if err != nil {
		s.logger.Error("message handling failed", "user", req.UserID, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "reply delivery failed")
		return
	}

	if sent == nil {
		sent = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, MessageResponse{UserID: req.UserID, Messages: sent}, s.logger)
}

// SessionResponse is the body of GET /v1/sessions/{user}.
type SessionResponse struct {
	UserID string         `json:"user_id"`
	Active bool           `json:"active"`
	Stats  *session.Stats `json:"stats,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	resp := SessionResponse{UserID: user}
	if st, ok := s.sessions.Stats(user); ok {
		resp.Active = true
		resp.Stats = &st
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// PluginInfo describes one plugin in GET /v1/plugins.
type PluginInfo struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	Priority    int      `json:"priority"`
	Functions   []string `json:"functions"`
	Source      string   `json:"source,omitempty"`
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	descs := s.plugins.List()
	out := make([]PluginInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, PluginInfo{
			Name:        d.Name,
			DisplayName: d.Label(),
			Description: d.Description,
			Priority:    d.Priority,
			Functions:   d.FunctionNames(),
			Source:      d.Source,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"plugins": out}, s.logger)
}

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	Window  string                        `json:"window"`
	Summary *usage.Summary                `json:"summary"`
	Tools   map[string]*usage.ToolSummary `json:"tools"`
}

// handleUsage aggregates the request log over ?window= (a Go duration,
// default 24h) ending now.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage log not configured")
		return
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "window must be a positive duration such as 1h or 168h")
			return
		}
		window = d
	}

	end := time.Now()
	start := end.Add(-window)
	sum, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	tools, err := s.usage.SummaryByTool(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage by tool failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, UsageResponse{Window: window.String(), Summary: sum, Tools: tools}, s.logger)
}
