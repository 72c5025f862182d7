/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package stats

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStoreDeclaredCounters(t *testing.T) {
	s := NewStore("runs_successful", "runs_failed")

	if err := s.Increment("runs_successful"); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if err := s.Increment("runs_successful"); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	want := map[string]float64{"runs_successful": 2, "runs_failed": 0}
	if diff := cmp.Diff(want, s.Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreUndeclaredCounter(t *testing.T) {
	s := NewStore("known")
	if err := s.Increment("unknown"); err == nil {
		t.Fatal("Increment(unknown) succeeded, want error")
	}

	s.IncrementCreate("unhandled_TestError")
	if got := s.Snapshot()["unhandled_TestError"]; got != 1 {
		t.Errorf("unhandled_TestError = %v, want 1", got)
	}
	// Once created, plain Increment works.
	if err := s.Increment("unhandled_TestError"); err != nil {
		t.Fatalf("Increment after create: %v", err)
	}
}

func TestStoreDropResets(t *testing.T) {
	s := NewStore("a")
	s.Set("a", 42)
	s.IncrementCreate("adhoc")
	s.Drop()

	want := map[string]float64{"a": 0}
	if diff := cmp.Diff(want, s.Snapshot()); diff != "" {
		t.Errorf("Snapshot after Drop mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreSetOverwrites(t *testing.T) {
	s := NewStore("d")
	s.Set("d", 1.5)
	s.Set("d", 3.25)
	if got := s.Snapshot()["d"]; got != 3.25 {
		t.Errorf("d = %v, want 3.25", got)
	}
}
