// Command modkitd hosts a modkit module graph as a long-running daemon.
// It discovers manifests on the search path, loads and starts every
// engine, and serves health and metrics endpoints until interrupted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modkit/modkit"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "HTTP listen address")
		paths     = flag.String("paths", "./modules", "comma-separated manifest search paths")
		interval  = flag.Duration("health-interval", modkit.DefaultHealthInterval, "periodic health check interval")
		watch     = flag.Bool("watch", true, "watch search paths for manifest changes")
		logLevel  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		stopGrace = flag.Duration("stop-grace", 15*time.Second, "shutdown grace period")
	)
	flag.Parse()

	logger := modkit.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	})))

	if err := run(logger, *addr, strings.Split(*paths, ","), *interval, *watch, *stopGrace); err != nil {
		logger.Error("Daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger modkit.Logger, addr string, paths []string, interval time.Duration, watch bool, grace time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := modkit.NewEventBus(&modkit.EventBusConfig{Logger: logger, Source: "modkitd"})
	registry := prometheus.NewRegistry()
	bus.EnableMetrics(registry)

	loader := modkit.NewLoader(modkit.LoaderConfig{
		SearchPaths:    paths,
		Logger:         logger,
		Bus:            bus,
		HealthInterval: interval,
	})

	if err := loader.LoadAll(ctx); err != nil {
		return fmt.Errorf("load failed: %w", err)
	}
	if watch {
		if err := loader.Watch(ctx); err != nil {
			logger.Warn("Manifest watching unavailable", "error", err)
		}
	}
	if err := loader.StartAll(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		loader.StopAll(shutdownCtx)
		return fmt.Errorf("start failed: %w", err)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           newRouter(loader, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	loader.StopAll(shutdownCtx)
	logger.Info("Daemon stopped")
	return nil
}

func newRouter(loader *modkit.Loader, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		overall := modkit.StatusHealthy
		report := make(map[string]modkit.EngineHealth)
		for _, e := range loader.Engines() {
			h := e.Health(req.Context())
			report[e.ID()] = h
			overall = modkit.Worse(overall, h.Overall)
		}
		code := http.StatusOK
		if overall == modkit.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": overall, "engines": report})
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		for _, e := range loader.Engines() {
			if e.State() != modkit.StateRunning {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "engine": e.ID(), "state": e.State()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	r.Get("/engines", func(w http.ResponseWriter, _ *http.Request) {
		stats := make([]modkit.EngineStats, 0)
		for _, e := range loader.Engines() {
			stats = append(stats, e.Stats())
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Get("/modules", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, loader.Registry().All())
	})

	r.Get("/system", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, loader.System())
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
