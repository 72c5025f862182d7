/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package daemon is the supervisor loop: it rebuilds the sync component on
// every iteration, runs one cycle, submits metrics, and sleeps. Per-cycle
// failures never abort the loop; only context cancellation stops it.
package daemon

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/patchbridge/config"
	"chainguard.dev/patchbridge/githubsync"
	"chainguard.dev/patchbridge/stats"
)

// DefaultLoopDelay is the pause between synchronization cycles.
const DefaultLoopDelay = 120 * time.Second

// Syncer is one cycle's worth of sync machinery. A fresh Syncer is built
// each iteration so transport state never outlives a cycle.
type Syncer interface {
	SyncPatches(ctx context.Context) error
	Stats() *stats.Store
	Project() string
}

// MetricsLogger receives the counter snapshot after every cycle.
type MetricsLogger func(project string, snapshot map[string]float64)

// Option customizes the Worker.
type Option func(*Worker)

// WithLoopDelay overrides the inter-cycle delay.
func WithLoopDelay(d time.Duration) Option {
	return func(w *Worker) { w.loopDelay = d }
}

// WithMetricsLogger installs an external metrics sink.
func WithMetricsLogger(logger MetricsLogger) Option {
	return func(w *Worker) { w.metricsLogger = logger }
}

// WithSyncFactory overrides how the per-cycle Syncer is built (tests).
func WithSyncFactory(factory func(ctx context.Context) (Syncer, error)) Option {
	return func(w *Worker) { w.newSync = factory }
}

// Worker runs the supervisor loop for one configured project.
type Worker struct {
	project       string
	loopDelay     time.Duration
	metricsLogger MetricsLogger
	newSync       func(ctx context.Context) (Syncer, error)

	sync Syncer
}

// NewWorker builds the supervisor for a configuration.
func NewWorker(cfg *config.Config, labels map[string]string, opts ...Option) *Worker {
	w := &Worker{
		project:   cfg.Patchwork.Project,
		loopDelay: DefaultLoopDelay,
		newSync: func(ctx context.Context) (Syncer, error) {
			return githubsync.New(ctx, cfg, labels)
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// resetGithubSync replaces the sync component with a freshly constructed
// one, reporting whether the cycle can proceed.
func (w *Worker) resetGithubSync(ctx context.Context) bool {
	sync, err := w.newSync(ctx)
	if err != nil {
		clog.FromContext(ctx).Errorf("Failed to create sync component: %v", err)
		return false
	}
	w.sync = sync
	return true
}

// submitMetrics hands the cycle's counter snapshot to the configured sink
// and the process-wide gauge.
func (w *Worker) submitMetrics(ctx context.Context) {
	log := clog.FromContext(ctx)
	snapshot := w.sync.Stats().Snapshot()
	stats.Publish(w.sync.Project(), snapshot)
	if w.metricsLogger == nil {
		log.Warn("Not submitting run metrics because metrics logger is not configured")
		return
	}
	w.metricsLogger(w.sync.Project(), snapshot)
	log.Info("Submitted run metrics into metrics logger")
}

// errorKind names the innermost error's type for the unhandled_<kind>
// counter.
func errorKind(err error) string {
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}
	t := reflect.TypeOf(err)
	if t == nil {
		return "Unknown"
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" || name == "errorString" {
		return "Error"
	}
	return name
}

// Run loops until ctx is canceled. Each iteration reinitializes the sync
// component; an initialization failure skips the cycle without submitting
// metrics and advances to the next sleep.
func (w *Worker) Run(ctx context.Context) error {
	log := clog.FromContext(ctx)
	for {
		if w.resetGithubSync(ctx) {
			if err := w.sync.SyncPatches(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.sync.Stats().IncrementCreate("runs_failed")
				w.sync.Stats().IncrementCreate("unhandled_" + errorKind(err))
				log.Errorf("Unhandled error in sync cycle: %v", err)
			} else {
				w.sync.Stats().IncrementCreate("runs_successful")
			}
			w.submitMetrics(ctx)
		} else {
			log.Error("Most likely something went wrong connecting to GitHub or the tracker. Skipping this iteration without submitting metrics.")
		}

		log.Infof("Waiting for %s before next run...", w.loopDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.loopDelay):
		}
	}
}
