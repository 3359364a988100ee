// Package server implements the rollout HTTP server: the /v1 plan and pod
// API, token auth, and SSE real-time events.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/rollout/comms"
	"github.com/GoCodeAlone/rollout/config"
	"github.com/GoCodeAlone/rollout/internal/logging"
	"github.com/GoCodeAlone/rollout/server/api"
	"github.com/GoCodeAlone/rollout/server/ws"
)

// Server is the rollout HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	plans     api.PlanRunner
	pods      api.PodQuerier
	uninstall api.Uninstaller
	bus       comms.Bus
	handlers  *api.Handlers

	hub    *ws.Hub
	detach func()

	routesOnce sync.Once

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	version string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	logger = logging.OrDiscard(logger)
	return &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		logger:  logger,
		hub:     ws.NewHub(logger),
		version: ver,
	}
}

// SetPlanRunner attaches the plan scheduler to the server.
func (s *Server) SetPlanRunner(plans api.PlanRunner) {
	s.plans = plans
}

// SetPodQuerier attaches the task reconciler to the server.
func (s *Server) SetPodQuerier(pods api.PodQuerier) {
	s.pods = pods
}

// SetUninstaller attaches the uninstall controller to the server.
func (s *Server) SetUninstaller(u api.Uninstaller) {
	s.uninstall = u
}

// SetBus attaches a comms bus to the server. Every bus event is streamed
// to SSE clients.
func (s *Server) SetBus(bus comms.Bus) {
	if s.detach != nil {
		s.detach()
	}
	s.bus = bus
	s.detach = s.hub.Attach(bus)
}

// Handler registers routes on first use and returns the root handler.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr), slog.Bool("auth", s.cfg.Auth.Enabled))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Plans:     s.plans,
		Pods:      s.pods,
		Uninstall: s.uninstall,
		Bus:       s.bus,
		Logger:    s.logger,
		Version:   s.version,
	}
	s.handlers = h

	// Public routes (no auth required)
	s.mux.HandleFunc("GET /v1/health", h.HealthHandler())
	s.mux.HandleFunc("POST /v1/auth/login", s.handleLogin)

	// SSE: auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /v1/events", s.handleSSE)

	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	if !s.cfg.Auth.Enabled {
		s.mux.Handle("/v1/", apiMux)
		return
	}
	apiMux.HandleFunc("GET /v1/auth/me", s.handleMe)
	s.mux.Handle("/v1/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleSSE streams bus events. With auth enabled the token travels in
// the "token" query parameter.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth.Enabled {
		if _, err := s.verifyToken(r.URL.Query().Get("token")); err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
	}
	s.hub.ServeSSE(w, r)
}
