// Package api implements the operator HTTP API: per-agent server
// status, capability listings, manual tool invocation, server
// recycling, a live event stream and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/calllog"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
	"github.com/nugget/toolhost/internal/tools"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// maxBodyBytes bounds request bodies on POST endpoints.
const maxBodyBytes = 1 << 20

// Server is the operator HTTP API server.
type Server struct {
	address string
	port    int
	logger  *slog.Logger
	server  *http.Server

	mu      sync.RWMutex
	agents  map[string]*mcp.Manager
	order   []string
	metrics http.Handler
	calls   *calllog.Store
	bus     *events.Bus
}

// NewServer creates a new API server.
func NewServer(address string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		logger:  logger,
		agents:  make(map[string]*mcp.Manager),
	}
}

// AddAgent exposes an agent instance. A later agent with the same name
// replaces the earlier one.
func (s *Server) AddAgent(m *mcp.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[m.Agent()]; !exists {
		s.order = append(s.order, m.Agent())
	}
	s.agents[m.Agent()] = m
}

// SetMetrics configures the handler served at /metrics.
func (s *Server) SetMetrics(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = h
}

// SetCallLog configures the store behind /v1/calls.
func (s *Server) SetCallLog(store *calllog.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = store
}

// SetEvents configures the bus streamed by /v1/events.
func (s *Server) SetEvents(bus *events.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
}

func (s *Server) agent(name string) (*mcp.Manager, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.agents[name]
	return m, ok
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Get("/calls", s.handleCalls)
		r.Get("/calls/summary", s.handleCallSummary)
		r.Get("/events", s.handleEvents)
		r.Get("/agents", s.handleAgents)
		r.Route("/agents/{agent}", func(r chi.Router) {
			r.Get("/servers", s.handleServers)
			r.Post("/servers/{server}/recycle", s.handleRecycle)
			r.Get("/capabilities", s.handleCapabilities)
			r.Post("/call", s.handleCall)
		})
	})
	return r
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // manual tool calls can be slow
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
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

func (s *Server) okJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v, s.logger)
}

// HealthResponse reports overall readiness.
type HealthResponse struct {
	Status       string `json:"status"`
	Agents       int    `json:"agents"`
	ServersReady int    `json:"servers_ready"`
	ServersTotal int    `json:"servers_total"`
}

// handleHealth always answers 200 while the process is serving; a
// failed server degrades the status but the agent keeps running.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	managers := make([]*mcp.Manager, 0, len(s.order))
	for _, name := range s.order {
		managers = append(managers, s.agents[name])
	}
	s.mu.RUnlock()

	resp := HealthResponse{Status: "healthy", Agents: len(managers)}
	for _, m := range managers {
		for _, st := range m.Status() {
			resp.ServersTotal++
			if st.State == mcp.StateReady.String() {
				resp.ServersReady++
			}
		}
	}
	if resp.ServersReady < resp.ServersTotal {
		resp.Status = "degraded"
	}
	s.okJSON(w, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.okJSON(w, buildinfo.RuntimeInfo())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := s.metrics
	s.mu.RUnlock()
	if h == nil {
		s.errorResponse(w, http.StatusNotFound, "metrics not enabled")
		return
	}
	h.ServeHTTP(w, r)
}

// AgentSummary is one entry of GET /v1/agents.
type AgentSummary struct {
	Name         string `json:"name"`
	Instance     string `json:"instance"`
	Phase        string `json:"phase"`
	Servers      int    `json:"servers"`
	Capabilities int    `json:"capabilities"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := make([]AgentSummary, 0, len(s.order))
	for _, name := range s.order {
		m := s.agents[name]
		out = append(out, AgentSummary{
			Name:         name,
			Instance:     m.ID(),
			Phase:        m.Phase().String(),
			Servers:      len(m.Status()),
			Capabilities: m.Capabilities().Len(),
		})
	}
	s.mu.RUnlock()
	s.okJSON(w, out)
}

// withAgent resolves the {agent} path parameter or answers 404.
func (s *Server) withAgent(w http.ResponseWriter, r *http.Request) (*mcp.Manager, bool) {
	name := chi.URLParam(r, "agent")
	m, ok := s.agent(name)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown agent %q", name))
	}
	return m, ok
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	m, ok := s.withAgent(w, r)
	if !ok {
		return
	}
	s.okJSON(w, m.Status())
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	m, ok := s.withAgent(w, r)
	if !ok {
		return
	}
	// format=functions renders the set the way a reasoning loop
	// consumes it: function definitions with JSON Schema parameters.
	if r.URL.Query().Get("format") == "functions" {
		defs := m.Capabilities().List()
		if defs == nil {
			defs = []map[string]any{}
		}
		s.okJSON(w, defs)
		return
	}
	s.okJSON(w, m.Capabilities().Tools())
}

// CallRequest is the body of POST /v1/agents/{agent}/call. At most one
// of Arguments and ArgumentsJSON may be set; Positional combines with
// Arguments.
type CallRequest struct {
	Name          string         `json:"name"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	ArgumentsJSON string         `json:"arguments_json,omitempty"`
	Positional    []any          `json:"positional,omitempty"`
}

// handleCall invokes a capability. Tool failures are part of the
// result, so any call that reached the registry answers 200.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	m, ok := s.withAgent(w, r)
	if !ok {
		return
	}

	var req CallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	if req.ArgumentsJSON != "" && (req.Arguments != nil || len(req.Positional) > 0) {
		s.errorResponse(w, http.StatusBadRequest, "arguments_json cannot be combined with arguments or positional")
		return
	}

	var res *tools.Result
	switch {
	case req.ArgumentsJSON != "":
		res = m.Capabilities().Execute(r.Context(), req.Name, req.ArgumentsJSON)
	case len(req.Positional) > 0:
		res = m.Capabilities().Invoke(r.Context(), req.Name, req.Positional, req.Arguments)
	default:
		res = m.Invoke(r.Context(), req.Name, req.Arguments)
	}
	s.okJSON(w, res)
}

func (s *Server) handleRecycle(w http.ResponseWriter, r *http.Request) {
	m, ok := s.withAgent(w, r)
	if !ok {
		return
	}
	server := chi.URLParam(r, "server")

	err := m.Recycle(r.Context(), server)
	switch {
	case errors.Is(err, mcp.ErrServerNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Warn("manual recycle failed", "agent", m.Agent(), "mcp_server", server, "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}

	for _, st := range m.Status() {
		if st.Name == server {
			s.okJSON(w, st)
			return
		}
	}
	s.okJSON(w, map[string]string{"status": "recycled"})
}

// handleCalls lists recent invocations from the call log.
// Query parameters: agent, server, failed=true, limit.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	store := s.calls
	s.mu.RUnlock()
	if store == nil {
		s.errorResponse(w, http.StatusNotFound, "call log not enabled")
		return
	}

	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := store.Recent(r.Context(), calllog.Filter{
		Agent:      q.Get("agent"),
		Server:     q.Get("server"),
		FailedOnly: q.Get("failed") == "true",
	}, limit)
	if err != nil {
		s.logger.Error("query call log failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "call log query failed")
		return
	}
	if recs == nil {
		recs = []calllog.Record{}
	}
	s.okJSON(w, recs)
}

// SummaryResponse is the body of GET /v1/calls/summary.
type SummaryResponse struct {
	Window  string                      `json:"window"`
	GroupBy string                      `json:"group_by,omitempty"`
	Total   *calllog.Summary            `json:"total"`
	Groups  map[string]*calllog.Summary `json:"groups,omitempty"`
}

// handleCallSummary aggregates the call log over a trailing window
// (default 24h), optionally grouped by server, tool or error_kind.
func (s *Server) handleCallSummary(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	store := s.calls
	s.mu.RUnlock()
	if store == nil {
		s.errorResponse(w, http.StatusNotFound, "call log not enabled")
		return
	}

	q := r.URL.Query()
	window := 24 * time.Hour
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}

	var group func(ctx context.Context, start, end time.Time) (map[string]*calllog.Summary, error)
	switch q.Get("group") {
	case "":
	case "server":
		group = store.SummaryByServer
	case "tool":
		group = store.SummaryByTool
	case "error_kind":
		group = store.SummaryByErrorKind
	default:
		s.errorResponse(w, http.StatusBadRequest, "group must be server, tool or error_kind")
		return
	}

	end := time.Now()
	start := end.Add(-window)
	resp := SummaryResponse{Window: window.String(), GroupBy: q.Get("group")}

	var err error
	if resp.Total, err = store.Summary(r.Context(), start, end); err == nil && group != nil {
		resp.Groups, err = group(r.Context(), start, end)
	}
	if err != nil {
		s.logger.Error("summarize call log failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "call log query failed")
		return
	}
	s.okJSON(w, resp)
}
