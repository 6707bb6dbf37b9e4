package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/opscart/k8s-capacity-forecaster/pkg/config"
	"github.com/opscart/k8s-capacity-forecaster/pkg/datasource"
	"github.com/opscart/k8s-capacity-forecaster/pkg/forecast"
)

// Server exposes the engine's predict and capacity operations over
// HTTP. Both operations are read-only and idempotent for a fixed time
// bucket.
type Server struct {
	engine  *forecast.Engine
	metrics datasource.MetricsSource
	cfg     *config.Config
	log     *logrus.Logger
	http    *http.Server
}

func New(engine *forecast.Engine, metrics datasource.MetricsSource, cfg *config.Config, log *logrus.Logger) *Server {
	s := &Server{
		engine:  engine,
		metrics: metrics,
		cfg:     cfg,
		log:     log,
	}

	router := mux.NewRouter()
	router.Use(s.requestLogging)
	router.HandleFunc("/api/v1/predict", s.handlePredict).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/capacity", s.handleCapacity).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.ListenAddr).Info("Starting capacity forecaster API")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.engine.Close()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.log, w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports degraded (503) when the configured metrics
// source is unreachable: predictions cannot be served without it.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if !s.metrics.IsAvailable(ctx) {
		writeJSON(s.log, w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"reason": "metrics source " + s.metrics.Name() + " unavailable",
		})
		return
	}
	writeJSON(s.log, w, http.StatusOK, map[string]string{"status": "ready"})
}
