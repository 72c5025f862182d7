/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package patchwork

import (
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestStripTags(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"[PATCH bpf-next] fix the thing", "fix the thing"},
		{"[PATCH v2 1/3] [RFC] nested tags", "nested tags"},
		{"no tags at all", "no tags at all"},
		{"  [tag] leading whitespace", "leading whitespace"},
		{"", ""},
		{"[only tags]", ""},
	}
	for _, tc := range cases {
		if got := stripTags(tc.in); got != tc.want {
			t.Errorf("stripTags(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseTags(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"[PATCH bpf-next] foo", []string{"PATCH", "bpf-next"}},
		{"[PATCH,v2] foo", []string{"PATCH", "v2"}},
		{"[PATCH bpf-next 2/5] foo", []string{"PATCH", "bpf-next"}},
		{"[RFC] [bpf] foo", []string{"RFC", "bpf"}},
		{"plain subject", nil},
	}
	for _, tc := range cases {
		if diff := cmp.Diff(tc.want, parseTags(tc.in)); diff != "" {
			t.Errorf("parseTags(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestSeriesAllTags(t *testing.T) {
	series := &Series{
		Name:      "[bpf-next] my series",
		Version:   2,
		CoverName: "[RFC] cover",
		Patches: []Patch{
			{Name: "[bpf-next 1/2] first"},
			{Name: "[bpf-next,extra 2/2] second"},
		},
	}
	got := series.AllTags()
	for _, want := range []string{"bpf-next", "RFC", "extra", "V2"} {
		if !got[want] {
			t.Errorf("AllTags missing %q: %v", want, got)
		}
	}
	if got["1/2"] || got["2/2"] {
		t.Errorf("AllTags contains patch counters: %v", got)
	}
}

func TestSeriesExpired(t *testing.T) {
	cases := []struct {
		name    string
		patches []Patch
		want    bool
	}{
		{
			name:    "active patch keeps series alive",
			patches: []Patch{{State: "superseded"}, {State: "new"}},
			want:    false,
		},
		{
			name:    "all superseded",
			patches: []Patch{{State: "superseded"}, {State: "accepted"}},
			want:    true,
		},
		{
			name:    "archived relevant state still expires",
			patches: []Patch{{State: "new", Archived: true}},
			want:    true,
		},
		{
			name:    "no patches is not expired",
			patches: nil,
			want:    false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			series := &Series{Patches: tc.patches}
			if got := series.Expired(); got != tc.want {
				t.Errorf("Expired() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSortSeries(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2026, 7, d, 0, 0, 0, 0, time.UTC) }
	series := []*Series{
		{ID: 9, Version: 2, Date: day(3)},
		{ID: 6, Version: 1, Date: day(1)},
		{ID: 8, Version: 2, Date: day(2)},
		{ID: 7, Version: 2, Date: day(2)},
	}
	sortSeries(series)

	var ids []int
	for _, s := range series {
		ids = append(ids, s.ID)
	}
	// v1 first; same version ordered by date then id.
	want := []int{6, 7, 8, 9}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("sortSeries order mismatch (-want +got):\n%s", diff)
	}

	subject := &Subject{series: series}
	latest, err := subject.LatestSeries(t.Context())
	if err != nil {
		t.Fatalf("LatestSeries: %v", err)
	}
	if latest.ID != 9 {
		t.Errorf("LatestSeries id = %d, want 9", latest.ID)
	}
	first, err := subject.FirstSeries(t.Context())
	if err != nil {
		t.Fatalf("FirstSeries: %v", err)
	}
	if first.ID != 6 {
		t.Errorf("FirstSeries id = %d, want 6", first.ID)
	}
	if !sort.SliceIsSorted(series, func(i, j int) bool { return series[i].ID < series[j].ID }) {
		t.Errorf("expected fully sorted ids, got %v", ids)
	}
}
