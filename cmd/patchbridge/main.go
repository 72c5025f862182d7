/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main runs the patchbridge daemon: a long-running loop bridging a
// patch tracker and a code-hosting service, keeping one pull request open
// per observed patch series and mirroring CI results back to the tracker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"

	"chainguard.dev/patchbridge/config"
	"chainguard.dev/patchbridge/daemon"
)

type env struct {
	// ConfigPath points at the version 3 JSON configuration.
	ConfigPath string `env:"PATCHBRIDGE_CONFIG,required"`
	// LabelsPath optionally points at a YAML label→color table.
	LabelsPath string `env:"PATCHBRIDGE_LABELS"`
	// MetricsPort serves the Prometheus /metrics endpoint.
	MetricsPort int `env:"METRICS_PORT,default=2112"`
	// LoopDelaySeconds overrides the delay between sync cycles.
	LoopDelaySeconds int `env:"PATCHBRIDGE_LOOP_DELAY"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var e env
	if err := envconfig.Process(ctx, &e); err != nil {
		clog.FatalContextf(ctx, "processing environment: %v", err)
	}

	cfg, err := config.Load(e.ConfigPath)
	if err != nil {
		clog.FatalContextf(ctx, "loading config: %v", err)
	}
	labels, err := config.LoadLabels(e.LabelsPath)
	if err != nil {
		clog.FatalContextf(ctx, "loading labels: %v", err)
	}

	go serveMetrics(ctx, e.MetricsPort)

	opts := []daemon.Option{
		daemon.WithMetricsLogger(logMetrics(ctx)),
	}
	if e.LoopDelaySeconds > 0 {
		opts = append(opts, daemon.WithLoopDelay(time.Duration(e.LoopDelaySeconds)*time.Second))
	}

	worker := daemon.NewWorker(cfg, labels, opts...)
	clog.InfoContextf(ctx, "Starting patchbridge for project %s", cfg.Patchwork.Project)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		clog.FatalContextf(ctx, "daemon stopped: %v", err)
	}
	clog.InfoContext(ctx, "Shut down cleanly")
}

func serveMetrics(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		clog.ErrorContextf(ctx, "metrics server: %v", err)
	}
}

// logMetrics is the default metrics sink: the per-cycle snapshot lands in
// the structured log alongside the Prometheus gauges.
func logMetrics(ctx context.Context) daemon.MetricsLogger {
	return func(project string, snapshot map[string]float64) {
		clog.FromContext(ctx).With("project", project).With("stats", snapshot).Info("Cycle metrics")
	}
}
