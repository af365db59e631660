package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/metrics"
	"github.com/lazypower/recall/internal/store"
)

// Options configure optional server collaborators.
type Options struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is the recall HTTP API server.
type Server struct {
	engine  *engine.Engine
	db      *store.DB
	metrics *metrics.Metrics
	logger  *slog.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server over the engine. db backs health and stats.
func New(eng *engine.Engine, db *store.DB, version string, opts Options) *Server {
	s := &Server{
		engine:  eng,
		db:      db,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		version: version,
		started: time.Now(),
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.logger = s.logger.With("component", "server")
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Post("/sessions/init", s.handleSessionInit)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Post("/turns", s.handleRecordTurn)
			r.Get("/turns", s.handleListTurns)
			r.Get("/context", s.handleGetContext)
			r.Post("/close", s.handleCloseSession)
			r.Post("/compress", s.handleCompressSession)
		})

		r.Get("/turns/{turnID}", s.handleGetTurn)
		r.Post("/turns/{turnID}/resurface", s.handleResurface)
	})

	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.db.Stats()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	idx := s.engine.IndexStats()
	tiers := make(map[string]int, len(st.TurnsByTier))
	for tier, n := range st.TurnsByTier {
		tiers[string(tier)] = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":        st.Sessions,
		"active_sessions": st.ActiveSessions,
		"turns_by_tier":   tiers,
		"summaries":       st.Summaries,
		"failures":        st.Failures,
		"index_docs":      idx.TotalDocs,
		"index_avg_len":   idx.AverageLength,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto status codes: validation is 400,
// unknown IDs 404, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var ve *engine.ValidationError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	default:
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
