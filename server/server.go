// Package server implements the Capstan HTTP surface: a read-only REST
// API over the queue, JWT auth, and an SSE stream of lifecycle events.
// Mutation never enters here; that stays behind the tool protocol.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/capstanhq/capstan/comms"
	"github.com/capstanhq/capstan/config"
	"github.com/capstanhq/capstan/server/api"
	"github.com/capstanhq/capstan/server/ws"
	"github.com/capstanhq/capstan/task"
)

// Server is the Capstan HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	store   task.Store
	bus     comms.Bus
	workers api.WorkerDirectory
	hub     *ws.Hub
	unsub   func()

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       ws.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// SetStore attaches the task store the API reads from.
func (s *Server) SetStore(store task.Store) {
	s.store = store
}

// SetBus attaches the event bus. Its events feed the SSE stream and
// the /api/events history.
func (s *Server) SetBus(bus comms.Bus) {
	s.bus = bus
}

// SetWorkers attaches the worker pool listed by /api/workers.
func (s *Server) SetWorkers(dir api.WorkerDirectory) {
	s.workers = dir
}

// Start registers routes, begins forwarding bus events to the SSE
// hub, and listens.
func (s *Server) Start() error {
	s.registerRoutes()

	if s.bus != nil {
		s.unsub = s.bus.Subscribe("", func(_ context.Context, ev *comms.Event) error {
			s.hub.Broadcast(ws.Event{Type: string(ev.Type), Payload: ev})
			return nil
		})
	}

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("http api listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Store:   s.store,
		Workers: s.workers,
		Bus:     s.bus,
		Logger:  s.logger,
		Version: s.version,
		StartAt: s.startTime.Unix(),
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())

	// SSE; auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
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

// handleSSE streams queue events. A token query parameter is verified
// when present.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("token"); token != "" {
		if _, err := verifyJWT(s.jwtSecret(), token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.hub.ServeSSE(w, r)
}
