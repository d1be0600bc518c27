package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/barnowl/internal/config"
)

// Pinger reports whether the backing store is reachable. The state service
// satisfies it once Init has configured a connection pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the operational endpoints: liveness, readiness, and
// Prometheus metrics. The component protocol itself is served over the
// Unix domain socket by the gRPC server; this listener is optional and
// only started when an ops address is configured.
type Server struct {
	Router *chi.Mux
	logger *slog.Logger
	store  Pinger
}

// NewServer creates the ops HTTP server with health and metrics endpoints.
func NewServer(cfg *config.Config, logger *slog.Logger, store Pinger, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router: chi.NewRouter(),
		logger: logger,
		store:  store,
	}

	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.Recoverer)

	// Liveness: the process is up.
	s.Router.Get("/healthz", s.handleHealthz)

	// Readiness: the component has been initialized and the database
	// answers. Until the sidecar calls Init this reports unavailable.
	s.Router.Get("/readyz", s.handleReadyz)

	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("readiness check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}
