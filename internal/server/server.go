package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/starwalkn/edge"
	"github.com/starwalkn/edge/internal/deploy"
	"github.com/starwalkn/edge/internal/metric"
	"github.com/starwalkn/edge/internal/telemetry"
)

const maxInvalidateBody = 64 << 10

type Server struct {
	http     *http.Server
	router   *edge.Router
	admin    edge.AdminConfig
	log      *zap.Logger
	shutdown telemetry.ShutdownFunc
}

func New(ctx context.Context, cfg edge.Config, log *zap.Logger) (*Server, error) {
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.Server.Tracing.Enabled,
		ServiceName:    cfg.Name,
		ServiceVersion: cfg.Version,
		Endpoint:       cfg.Server.Tracing.Endpoint,
		Insecure:       cfg.Server.Tracing.Insecure,
		SampleRate:     cfg.Server.Tracing.SampleRate,
	}, log.Named("telemetry"))
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()

	metrics := metric.NewNop()
	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Provider == "prometheus" {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		metrics = metric.NewPrometheus(registry)
	}

	router, err := edge.NewRouter(ctx, cfg, nil, metrics, log.Named("router"))
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("build router: %w", err)
	}

	s := &Server{
		router:   router,
		admin:    cfg.Server.Admin,
		log:      log,
		shutdown: shutdown,
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.routes(cfg.Server, registry),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	return s, nil
}

func (s *Server) routes(cfg edge.ServerConfig, registry *prometheus.Registry) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", s.handleHealth)

	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	if cfg.Admin.Enabled {
		mux.Post("/admin/invalidate", s.handleInvalidate)
	}

	mux.Handle("/*", s.router)

	return mux
}

func (s *Server) Start() error {
	s.log.Info("listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	return errors.Join(err, s.router.Close(), s.shutdown(ctx))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "private, no-store")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		edge.WriteError(w, edge.ClientErrUnauthorized, http.StatusUnauthorized)
		return
	}

	var req deploy.InvalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInvalidateBody)).Decode(&req); err != nil {
		edge.WriteError(w, edge.ClientErrBadRequest, http.StatusBadRequest)
		return
	}

	if err := deploy.ValidatePatterns(req.Patterns); err != nil {
		edge.WriteError(w, edge.ClientErrBadRequest, http.StatusBadRequest)
		return
	}

	removed, err := s.router.Cache().Invalidate(r.Context(), req.Patterns)
	if err != nil {
		s.log.Error("invalidation failed", zap.Strings("patterns", req.Patterns), zap.Error(err))
		edge.WriteError(w, edge.ClientErrInternal, http.StatusInternalServerError)
		return
	}

	resp := deploy.InvalidateResponse{ID: uuid.NewString(), Removed: removed}

	s.log.Info("invalidation accepted",
		zap.String("id", resp.ID),
		zap.Strings("patterns", req.Patterns),
		zap.Int("removed", removed),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "private, no-store")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(s.admin.Token)) == 1
}
