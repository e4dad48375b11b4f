// Package api exposes the HTTP status interface for the crawler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/polldata/crawlerd/internal/config"
	"github.com/polldata/crawlerd/internal/crawler"
	"github.com/polldata/crawlerd/internal/metrics"
)

// Service is the crawler surface the API consumes.
type Service interface {
	Status() crawler.Status
	RunBatch(ctx context.Context, urls []string) (crawler.BatchResult, error)
}

// Server wires HTTP handlers to the crawler lifecycle controller.
type Server struct {
	router  chi.Router
	service Service
	logger  *zap.Logger
	cfg     config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(service Service, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service: service,
		logger:  logger,
		cfg:     cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Post("/fetch", s.postFetch)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	st := s.service.Status()
	if st.Config.Enabled && !st.Running {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	// Status snapshots never block, so this handler cannot hang the router.
	s.writeJSON(w, http.StatusOK, s.service.Status())
}

type fetchRequest struct {
	URLs []string `json:"urls"`
}

type outcomeView struct {
	URL        string `json:"url"`
	Kind       string `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Value      any    `json:"value,omitempty"`
}

func (s *Server) postFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one URL required")
		return
	}

	batch, err := s.service.RunBatch(r.Context(), req.URLs)
	if errors.Is(err, crawler.ErrNotRunning) {
		s.writeError(w, http.StatusConflict, "crawler is not running")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]outcomeView, len(batch))
	for i, o := range batch {
		views[i] = outcomeView{
			URL:        o.URL,
			Kind:       string(o.Kind),
			StatusCode: o.StatusCode,
			Content:    string(o.Content),
			Error:      o.ErrorText(),
			DurationMs: o.Duration.Milliseconds(),
			Value:      o.Value,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"outcomes":  views,
		"succeeded": batch.Succeeded(),
		"failed":    batch.Failed(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
