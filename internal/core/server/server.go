// Package server exposes beacon intake, the critical-images debug endpoint,
// health probes and metrics over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/critical-images/internal/core/health"
	middleware "github.com/mohammed-shakir/critical-images/internal/core/middleware"
	"github.com/mohammed-shakir/critical-images/internal/finder"
)

type Deps struct {
	Finder finder.Finder
	// Beacons records beacons in-process. Used when Publisher is nil.
	Beacons   Recorder
	Publisher Publisher
	// Ready defaults to health.AlwaysReady.
	Ready health.ReadinessReporter

	// Metrics defaults to promhttp.Handler on MetricsPath ("/metrics").
	Metrics     http.Handler
	MetricsPath string

	Clock func() time.Time
}

func NewRouter(logger *slog.Logger, deps Deps) http.Handler {
	if deps.Ready == nil {
		deps.Ready = health.AlwaysReady{}
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(deps.Ready))
	r.Method(http.MethodGet, deps.MetricsPath, deps.Metrics)

	if deps.Beacons != nil || deps.Publisher != nil {
		r.Method(http.MethodPost, "/beacon", &beaconHandler{
			log: logger,
			rec: deps.Beacons,
			pub: deps.Publisher,
			now: deps.Clock,
		})
	}
	if deps.Finder != nil {
		r.Get("/critical-images", criticalImages(logger, deps.Finder))
	}
	return r
}

// sets up http and serves until ctx is done
func Run(ctx context.Context, addr string, logger *slog.Logger, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
