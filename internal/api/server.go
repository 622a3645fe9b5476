package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/catalog"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/history"
	"github.com/driftline/driftline/internal/metrics"
)

// Server wires HTTP handlers to the registrar, the target store and the
// history engine.
type Server struct {
	router  chi.Router
	targets crawl.TargetStore
	service *catalog.Service
	history *history.Engine
	ready   func(ctx context.Context) error
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The ready
// check backs /readyz and may be nil; metrics may be nil, which drops the
// /metrics endpoint and request instrumentation.
func NewServer(
	cfg config.Config,
	targets crawl.TargetStore,
	service *catalog.Service,
	hist *history.Engine,
	m *metrics.Metrics,
	ready func(ctx context.Context) error,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		targets: targets,
		service: service,
		history: hist,
		ready:   ready,
		logger:  logger,
	}

	timeout := time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(timeout))
	if m != nil {
		r.Use(m.Middleware)
	}
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/targets/import", s.importTargets)
		r.Route("/stages", func(r chi.Router) {
			r.Post("/", s.registerStage)
			r.Get("/{stage_id}", s.getStage)
		})
		r.Route("/series", func(r chi.Router) {
			r.Post("/", s.registerSeries)
			r.Get("/", s.listSeries)
			r.Route("/{series_id}", func(r chi.Router) {
				r.Get("/", s.getSeries)
				r.Post("/start", s.startSeries)
				r.Post("/cancel", s.cancelSeries)
			})
		})
		r.Get("/history", s.getHistory)
		r.Get("/history/version", s.getHistoryVersion)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps the service error taxonomy onto HTTP statuses: definition
// errors are the caller's to fix, lifecycle and immutability violations are
// conflicts, unknown records are 404s.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, crawl.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawl.ErrStageImmutable),
		errors.Is(err, crawl.ErrSeriesNotRunnable),
		errors.Is(err, crawl.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
