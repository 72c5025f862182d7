/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package stats is the per-cycle named counter store plus the process-wide
// Prometheus instruments shared by the sync components.
package stats

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Global instruments with consistent dimensions.
	TotalTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "patchbridge_cycle_duration_seconds",
		Help: "Duration of one full synchronization cycle",
		// Cycles run for minutes, not milliseconds.
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	PatchworkFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "patchbridge_patchwork_fetch_duration_seconds",
		Help: "Duration of the patch tracker fetch phase",
	})

	ProcessedPRs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchbridge_pull_requests_total",
		Help: "Relevant pull requests observed per cycle",
	})

	GitCloneCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchbridge_git_clone_total",
		Help: "Full clones performed",
	}, []string{"worker"})

	GitFetchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchbridge_git_fetch_total",
		Help: "Incremental fetches performed",
	}, []string{"worker"})

	GithubRatelimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "patchbridge_github_ratelimit_remaining",
		Help: "Remaining core API quota sampled at end of cycle",
	}, []string{"user"})

	cycleStat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "patchbridge_cycle_stat",
		Help: "Per-cycle counter snapshot",
	}, []string{"project", "name"})
)

// Store is a named counter set scoped to one sync cycle. Counter names must
// be declared up front; incrementing an undeclared name is a programming
// error unless the caller opts into creation. The store is mutated by a
// single goroutine per cycle and needs no locking.
type Store struct {
	counters map[string]float64
	declared map[string]bool
}

// NewStore declares the given counter names, all starting at zero.
func NewStore(names ...string) *Store {
	s := &Store{
		counters: make(map[string]float64, len(names)),
		declared: make(map[string]bool, len(names)),
	}
	for _, name := range names {
		s.declared[name] = true
		s.counters[name] = 0
	}
	return s
}

// Drop resets every declared counter to zero and removes ad-hoc ones.
func (s *Store) Drop() {
	s.counters = make(map[string]float64, len(s.declared))
	for name := range s.declared {
		s.counters[name] = 0
	}
}

// Increment adds one to a declared counter.
func (s *Store) Increment(name string) error {
	if !s.declared[name] {
		if _, ok := s.counters[name]; !ok {
			return fmt.Errorf("incrementing undeclared counter %q", name)
		}
	}
	s.counters[name]++
	return nil
}

// IncrementCreate adds one to a counter, declaring it on the fly when absent.
// Used for open-ended names such as unhandled error kinds.
func (s *Store) IncrementCreate(name string) {
	s.counters[name]++
}

// Set overwrites a counter value.
func (s *Store) Set(name string, value float64) {
	s.counters[name] = value
}

// Snapshot returns a copy of the current counter values.
func (s *Store) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(s.counters))
	for name, value := range s.counters {
		out[name] = value
	}
	return out
}

// Publish exports a snapshot to the cycle-stat gauge, labeled by project.
func Publish(project string, snapshot map[string]float64) {
	for name, value := range snapshot {
		cycleStat.WithLabelValues(project, name).Set(value)
	}
}
