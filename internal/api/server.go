// Package api implements the HTTP API of toolbridge serve: a JSON chat
// endpoint backed by one session, catalog and usage introspection, a
// websocket that streams conversation turns, and an Ollama-compatible
// chat endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/toolbridge/internal/agent"
	"github.com/nugget/toolbridge/internal/buildinfo"
	"github.com/nugget/toolbridge/internal/connwatch"
	"github.com/nugget/toolbridge/internal/llm"
	"github.com/nugget/toolbridge/internal/tools"
	"github.com/nugget/toolbridge/internal/usage"
)

// Backend is the session the API serves. *session.Session implements it.
type Backend interface {
	AskFunc(ctx context.Context, query string, onTurn func(agent.Turn)) (*agent.Result, error)
	Reset()
	Conversation() *agent.Conversation
	Select(servers ...string) error
	Servers() []tools.ServerStatus
	Tools() []*tools.Descriptor
	Warnings() []tools.Warning
	Model() string
	Ping(ctx context.Context) error
	Closed() bool
}

// Config is the listen address and reply rendering.
type Config struct {
	Address string
	Port    int

	// KeepThinking leaves <think> blocks in replies.
	KeepThinking bool
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	backend Backend
	models  llm.ModelLister
	usage   *usage.Store
	deps    func() map[string]connwatch.Status
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config, backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
	}
}

// SetModelLister enables the backend model list on GET /v1/models.
func (s *Server) SetModelLister(m llm.ModelLister) {
	s.models = m
}

// SetUsageStore enables GET /v1/usage.
func (s *Server) SetUsageStore(u *usage.Store) {
	s.usage = u
}

// SetDependencies adds the watched services to GET /v1/health.
func (s *Server) SetDependencies(status func() map[string]connwatch.Status) {
	s.deps = status
}

// Handler returns the routed API with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/chat", s.handleHistory)
	mux.HandleFunc("DELETE /v1/chat", s.handleReset)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)

	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("PUT /v1/servers", s.handleSelectServers)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	s.registerOllamaRoutes(mux)

	return s.withLogging(mux)
}

// Start serves until ctx is cancelled or the listener fails. On
// cancellation in-flight requests get a few seconds to finish.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Address, fmt.Sprint(s.cfg.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long: a chat request lasts as long as its tool calls.
		WriteTimeout: 10 * time.Minute,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", "address", addr)
		errc <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
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
	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    buildinfo.Name,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status       string                      `json:"status"` // healthy, degraded or unhealthy
	Model        string                      `json:"model"`
	Servers      []tools.ServerStatus        `json:"servers"`
	Dependencies map[string]connwatch.Status `json:"dependencies,omitempty"`
	Error        string                      `json:"error,omitempty"`
}

// handleHealth is 503 when the tool servers cannot take queries. A
// model backend that is down only degrades: queries fail with 502 until
// it is back.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Model:   s.backend.Model(),
		Servers: s.backend.Servers(),
	}
	if s.deps != nil {
		resp.Dependencies = s.deps()
		for _, d := range resp.Dependencies {
			if !d.Ready {
				resp.Status = "degraded"
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	var err error
	if s.backend.Closed() {
		err = errors.New("session closed")
	} else {
		err = s.backend.Ping(ctx)
	}
	if err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Debug("failed to write health response", "error", err)
		}
		return
	}
	writeJSON(w, resp, s.logger)
}

// ToolInfo is one entry of GET /v1/tools.
type ToolInfo struct {
	Name        string          `json:"name"`
	RemoteName  string          `json:"remote_name"`
	Server      string          `json:"server"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Validates   bool            `json:"validates"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	descs := s.backend.Tools()
	out := make([]ToolInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, ToolInfo{
			Name:        d.Name,
			RemoteName:  d.RemoteName,
			Server:      d.Server,
			Description: d.Description,
			InputSchema: d.InputSchema,
			Validates:   d.Validates(),
		})
	}

	var warnings []string
	for _, warn := range s.backend.Warnings() {
		warnings = append(warnings, warn.String())
	}
	writeJSON(w, map[string]any{"tools": out, "warnings": warnings}, s.logger)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"servers": s.backend.Servers()}, s.logger)
}

// SelectRequest is the body of PUT /v1/servers. An empty list selects
// every server.
type SelectRequest struct {
	Servers []string `json:"servers"`
}

func (s *Server) handleSelectServers(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.backend.Select(req.Servers...); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("server selection changed", "servers", req.Servers)
	writeJSON(w, map[string]any{"servers": s.backend.Servers()}, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"default": s.backend.Model()}
	if s.models != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		models, err := s.models.ListModels(ctx)
		if err != nil {
			s.logger.Warn("model listing failed", "error", err)
			s.errorResponse(w, http.StatusBadGateway, "list models: "+err.Error())
			return
		}
		resp["available"] = models
	}
	writeJSON(w, resp, s.logger)
}

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	Since   time.Time                 `json:"since"`
	Until   time.Time                 `json:"until"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
}

// handleUsage reports ledger totals. ?since= takes a duration (24h,
// default) or an RFC 3339 time.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured (set data_dir)")
		return
	}

	until := time.Now()
	since, err := usage.ParseSince(r.URL.Query().Get("since"), until)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	total, err := s.usage.Summary(r.Context(), since, until.Add(time.Second))
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), since, until.Add(time.Second))
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	writeJSON(w, UsageResponse{Since: since, Until: until, Total: total, ByModel: byModel}, s.logger)
}
