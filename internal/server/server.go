// Package server exposes liveness and metrics over HTTP for process supervisors.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// HealthFunc reports whether the bot is connected to its gateway.
type HealthFunc func() bool

// Status serves GET /healthz and GET /metrics.
type Status struct {
	addr   string
	srv    *http.Server
	logger *slog.Logger
}

type StatusConfig struct {
	Addr    string
	Health  HealthFunc
	Metrics http.Handler
	Logger  *slog.Logger
}

func NewStatus(cfg StatusConfig) *Status {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Status{
		addr: cfg.Addr,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           Router(cfg.Health, cfg.Metrics),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: cfg.Logger.With("component", "status"),
	}
}

// Router builds the status routes.
func Router(health HealthFunc, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status, code := "ok", http.StatusOK
		if health != nil && !health() {
			status, code = "disconnected", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Status) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status listen %s: %w", s.addr, err)
	}
	s.logger.Info("status server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status shutdown: %w", err)
	}
	return nil
}
