// Package server exposes the live and archive views over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/lyger/matsuri-monitor/internal/constants"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Snapshots provides the cached JSON documents. *supervisor.Supervisor satisfies it.
type Snapshots interface {
	LiveJSON() ([]byte, error)
	ArchiveJSON() ([]byte, error)
	ActiveCount() int
	ArchivedCount() int
}

type Config struct {
	Port            int
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

// NewRouter builds the HTTP handler. alerts may be nil, in which case /_monitor/ws is not served.
func NewRouter(cfg Config, snaps Snapshots, alerts http.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(accessLog(logger))
	r.Use(chimiddleware.Recoverer)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/_monitor", func(r chi.Router) {
		r.Get("/live.json", jsonHandler(snaps.LiveJSON, logger))
		r.Get("/archive.json", jsonHandler(snaps.ArchiveJSON, logger))
		if alerts != nil {
			r.Handle("/ws", alerts)
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "ok",
			"active_monitors":  snaps.ActiveCount(),
			"archived_reports": snaps.ArchivedCount(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func jsonHandler(source func() ([]byte, error), logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := source()
		if err != nil {
			logger.Error("Failed to build snapshot",
				zap.String("path", r.URL.Path),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot unavailable"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}

// Service runs an http.Server under the supervision tree.
type Service struct {
	server          *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

func NewService(cfg Config, handler http.Handler, logger *zap.Logger) *Service {
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = constants.ServerConfig.ShutdownTimeout
	}
	return &Service{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: constants.ServerConfig.ReadHeaderTimeout,
		},
		shutdownTimeout: shutdown,
		logger:          logger,
	}
}

func (s *Service) String() string {
	return "http-server"
}

func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		s.logger.Info("HTTP server stopped")
		return ctx.Err()
	}
}
