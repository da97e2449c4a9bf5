// Package daemon serves the engine over HTTP.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/config"
	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/engine"
	"github.com/felixgeelhaar/polyglot/internal/queue"
)

// Version is reported by the status endpoint
const Version = "0.1.0"

const maxBodyBytes = 1 << 20

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// ResultPublisher enqueues session results for asynchronous ingestion
type ResultPublisher interface {
	PublishSessionResult(ctx context.Context, job *queue.SessionResultJob) error
}

// Server represents the Polyglot daemon HTTP server
type Server struct {
	cfg       *config.Config
	engineCfg *config.EngineConfig
	server    *http.Server
	router    *http.ServeMux
	startedAt time.Time

	// Services
	engine    engine.Service
	store     Pinger
	publisher ResultPublisher
}

// ServerConfig holds configuration for creating a new server
type ServerConfig struct {
	Config       *config.Config
	EngineConfig *config.EngineConfig
	Engine       engine.Service
	Store        Pinger
	Publisher    ResultPublisher // nil disables ?async=true
}

// NewServer creates a new daemon server
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Config == nil || cfg.EngineConfig == nil {
		return nil, errors.New("daemon: config and engine config are required")
	}
	if cfg.Engine == nil || cfg.Store == nil {
		return nil, errors.New("daemon: engine and store are required")
	}

	s := &Server{
		cfg:       cfg.Config,
		engineCfg: cfg.EngineConfig,
		router:    http.NewServeMux(),
		startedAt: time.Now(),
		engine:    cfg.Engine,
		store:     cfg.Store,
		publisher: cfg.Publisher,
	}

	s.setupRoutes()

	handler := correlationIDMiddleware(recoveryMiddleware(loggingMiddleware(timeoutMiddleware(30*time.Second, s.router))))
	s.server = &http.Server{
		Addr:         cfg.Config.Addr(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health & status
	s.router.HandleFunc("GET /v1/health", s.handleHealth)
	s.router.HandleFunc("GET /v1/status", s.handleStatus)

	// Config
	s.router.HandleFunc("GET /v1/config", s.handleGetConfig)

	// Generation flow
	s.router.HandleFunc("POST /v1/owners/{owner}/tiers/{tier}/plan", s.handlePlan)
	s.router.HandleFunc("POST /v1/owners/{owner}/tiers/{tier}/candidates", s.handleSubmitCandidates)
	s.router.HandleFunc("POST /v1/owners/{owner}/tiers/{tier}/duplicates", s.handleCheckDuplicate)

	// Progression
	s.router.HandleFunc("POST /v1/owners/{owner}/tiers/{tier}/sessions/{session}/result", s.handleSessionResult)
	s.router.HandleFunc("GET /v1/owners/{owner}/tiers/{tier}/gating", s.handleGating)
	s.router.HandleFunc("GET /v1/owners/{owner}/tiers/{tier}/mastery", s.handleMastery)
	s.router.HandleFunc("GET /v1/owners/{owner}/progression", s.handleProgression)

	// History maintenance
	s.router.HandleFunc("DELETE /v1/owners/{owner}/history", s.handleClearHistory)
	s.router.HandleFunc("DELETE /v1/owners/{owner}/tiers/{tier}/fingerprints/{hash}", s.handleRemoveFingerprint)
	s.router.HandleFunc("POST /v1/owners/{owner}/tiers/{tier}/exercises/remove", s.handleRemoveExercise)

	// Admin
	s.router.HandleFunc("POST /v1/admin/sweep", s.handleSweep)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting polyglot daemon",
		"addr", s.server.Addr,
		"database", s.cfg.DatabaseDriver,
		"tiers", len(s.engineCfg.Tiers),
		"async_results", s.publisher != nil,
	)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down daemon...")
	return s.server.Shutdown(ctx)
}

// Handler implementations

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.jsonError(w, http.StatusServiceUnavailable, "database unreachable", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":        "running",
		"version":       Version,
		"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
		"database":      s.cfg.DatabaseDriver,
		"tiers":         len(s.engineCfg.Tiers),
		"async_results": s.publisher != nil,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	// Connection strings carry credentials and are left out
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"daemon": map[string]any{
			"bind":           s.cfg.Bind,
			"port":           s.cfg.Port,
			"log_level":      s.cfg.LogLevel,
			"database":       s.cfg.DatabaseDriver,
			"sweep_interval": s.cfg.SweepInterval.String(),
		},
		"engine": s.engineCfg,
	})
}

// Response helpers

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]any{
		"error":  message,
		"status": status,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.jsonResponse(w, status, response)
}

// engineError maps an engine error to its HTTP status
func (s *Server) engineError(w http.ResponseWriter, message string, err error) {
	if ve, ok := domain.AsValidation(err); ok {
		s.jsonResponse(w, http.StatusBadRequest, map[string]any{
			"error":   message,
			"status":  http.StatusBadRequest,
			"code":    ve.Code,
			"field":   ve.Field,
			"details": ve.Message,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrUnknownTier):
		s.jsonError(w, http.StatusNotFound, message, err)
	case errors.Is(err, domain.ErrConcurrencyConflict):
		s.jsonError(w, http.StatusConflict, message, err)
	case errors.Is(err, context.DeadlineExceeded):
		s.jsonError(w, http.StatusGatewayTimeout, message, err)
	default:
		s.jsonError(w, http.StatusInternalServerError, message, err)
	}
}

// tierParam parses the {tier} path segment
func (s *Server) tierParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	tier, err := strconv.Atoi(r.PathValue("tier"))
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid tier", fmt.Errorf("tier must be an integer: %q", r.PathValue("tier")))
		return 0, false
	}
	return tier, true
}

// decodeBody decodes a bounded JSON request body into v
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}
