package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ddevcap/hls-proxy/api"
	"github.com/ddevcap/hls-proxy/cache"
	"github.com/ddevcap/hls-proxy/config"
	"github.com/ddevcap/hls-proxy/metrics"
	"github.com/ddevcap/hls-proxy/policy"
	"github.com/ddevcap/hls-proxy/resolver"
	"github.com/ddevcap/hls-proxy/throttle"
	"github.com/ddevcap/hls-proxy/upstream"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	templates, err := cfg.HeaderTemplates()
	if err != nil {
		slog.Error("failed to parse HOST_HEADERS", "error", err)
		os.Exit(1)
	}
	pol := policy.New(cfg.AllowedHosts, templates)

	playlists := cache.NewPlaylists(cfg.PlaylistCacheTTL, cfg.PlaylistCacheSize)
	segments := cache.NewSegments(cfg.SegmentCacheEnabled, cfg.SegmentCacheTTL, cfg.SegmentCacheSize)
	limiter := throttle.New(cfg.RateLimitWindow, cfg.RateLimitMax, cfg.RateLimitSweep)
	recorder := metrics.NewRecorder()
	hub := metrics.NewEventHub()
	client := upstream.New(cfg.UpstreamTimeout, cfg.ProbeTimeout, cfg.UserAgent)
	res := resolver.New(pol, client)

	h := api.NewRouter(cfg, pol, playlists, segments, client, limiter, recorder, hub, res)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	// Start server in a goroutine so we can listen for shutdown signals.
	go func() {
		slog.Info("hls proxy listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt or SIGTERM (e.g. from container orchestration).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	hub.Shutdown()
	limiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	playlists.Stop()
	segments.Stop()
	slog.Info("server stopped")
}
