// Package api exposes file operations and remote sessions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/franksops/fileops/engine"
	"github.com/franksops/fileops/jobs"
	"github.com/franksops/fileops/logging"
	"github.com/franksops/fileops/metrics"
	"github.com/franksops/fileops/session"
	"github.com/franksops/fileops/store"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

// Sessions is the part of the session registry the API serves.
type Sessions interface {
	Create(ctx context.Context, p session.Params) (*session.Descriptor, error)
	Get(sid string) (*session.Descriptor, bool)
	List() []session.Descriptor
	Close(sid string) bool
}

// Config tunes the HTTP surface.
type Config struct {
	// PollInterval is how often progress streams look for changes.
	PollInterval time.Duration
	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	cfg      Config
	svc      *engine.Service
	jobs     *jobs.Manager
	sessions Sessions
	history  store.Store
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// New creates a Server. history may be nil.
func New(cfg Config, svc *engine.Service, m *jobs.Manager, sessions Sessions, history store.Store, log *zap.Logger) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 300 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		svc:      svc,
		jobs:     m,
		sessions: sessions,
		history:  history,
		log:      log.Named("api"),
		// The zero Upgrader only accepts same-host origins; clients that
		// send no Origin header, like the CLI, are accepted too.
		upgrader: websocket.Upgrader{},
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(logging.Middleware(s.log))
	r.Use(metrics.Middleware)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/fileops", func(api chi.Router) {
		api.Post("/jobs", s.handleSubmit)
		api.Get("/jobs", s.handleListJobs)
		api.Get("/jobs/{id}", s.handleGetJob)
		api.Post("/jobs/{id}/cancel", s.handleCancel)
		api.Get("/jobs/{id}/events", s.handleEvents)
		api.Get("/ws", s.handleWebSocket)
		api.Get("/history", s.handleHistory)
		api.Get("/workers", s.handleGetWorkers)
		api.Put("/workers", s.handleSetWorkers)
	})

	r.Route("/api/remotefs/sessions", func(api chi.Router) {
		api.Post("/", s.handleCreateSession)
		api.Get("/", s.handleListSessions)
		api.Get("/{sid}", s.handleGetSession)
		api.Delete("/{sid}", s.handleCloseSession)
	})
	return r
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
