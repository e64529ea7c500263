// Package api exposes the pipeline over HTTP: health and status endpoints,
// run management, catalog summaries and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/medvision/pillpipe/internal/catalog"
	"github.com/medvision/pillpipe/internal/config"
	"github.com/medvision/pillpipe/internal/log"
	"github.com/medvision/pillpipe/internal/metrics"
	"github.com/medvision/pillpipe/internal/pipeline"
	"github.com/medvision/pillpipe/internal/store"
)

// Server wires the HTTP surface around a pipeline runner.
type Server struct {
	cfg     *config.AppConfig
	runner  *pipeline.Runner
	store   *store.Store
	catalog *catalog.Catalog
	logger  zerolog.Logger

	running atomic.Bool
	started time.Time

	http *http.Server
}

// New builds the server. store and catalog may be nil; the corresponding
// endpoints then report 503.
func New(cfg *config.AppConfig, runner *pipeline.Runner, st *store.Store, cat *catalog.Catalog) *Server {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		store:   st,
		catalog: cat,
		logger:  log.WithComponent("api"),
		started: time.Now(),
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.APIRequestsPerMinute, time.Minute))
		r.Get("/status", s.handleStatus)
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/catalog/summary", s.handleCatalogSummary)
	})
	return r
}

// ListenAndServe blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("event", "api.listen").Str("addr", s.http.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info().Str("event", "api.shutdown").Msg("shutting down http server")
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// route pattern, not raw path, keeps the metric label set bounded
		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		metrics.APIRequest(r.Method, pattern, ww.Status())

		lg := log.WithContext(r.Context(), s.logger)
		lg.Info().
			Str("event", "api.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request handled")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Profile   string `json:"profile"`
	Running   bool   `json:"running"`
	UptimeSec int64  `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Service:   s.cfg.LogService,
		Version:   s.cfg.Version,
		Profile:   s.cfg.Profile,
		Running:   s.running.Load(),
		UptimeSec: int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if !s.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "a pipeline run is already in progress")
		return
	}

	// detach from the request context so the run survives the response
	ctx := log.ContextWithRequestID(context.Background(), log.RequestIDFromContext(r.Context()))
	go func() {
		defer s.running.Store(false)
		if _, err := s.runner.Run(ctx); err != nil {
			s.logger.Error().Str("event", "api.run_failed").Err(err).Msg("triggered run failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	runs, err := s.store.List(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	run, err := s.store.Get(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCatalogSummary(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	summary, err := s.catalog.Summarize(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to summarize catalog")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
