/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package patchwork

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Patch states that keep a series in play. Anything else (superseded,
// accepted, rejected, deferred, not-applicable) counts toward expiration.
var relevantStates = map[string]bool{
	"new":               true,
	"under-review":      true,
	"rfc":               true,
	"changes-requested": true,
	"queued":            true,
	"awaiting-upstream": true,
	"needs-review-ack":  true,
}

// leadingTags matches the bracket groups prefixed to a patch or series name,
// e.g. "[PATCH bpf-next,v2 1/3] fix the thing".
var leadingTags = regexp.MustCompile(`^(\s*\[[^\]]*\]\s*)+`)

// patchCounter matches "1/3"-style position markers inside a bracket group.
var patchCounter = regexp.MustCompile(`^[0-9]+/[0-9]+$`)

// bracketGroup captures the content of one bracket group.
var bracketGroup = regexp.MustCompile(`\[([^\]]*)\]`)

// Patch is one member of a series.
type Patch struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	MsgID    string `json:"msgid"`
	State    string `json:"state"`
	Archived bool   `json:"archived"`
}

// Series is an immutable snapshot of one tracker series: a versioned bundle
// of patches sharing a cover letter.
type Series struct {
	ID        int
	Name      string
	Date      time.Time
	Version   int
	URL       string
	WebURL    string
	MboxURL   string
	Submitter string
	CoverName string
	Patches   []Patch
}

// StripTags removes every leading bracket group from a name, yielding the
// bare summary used for subject normalization and commit matching.
func StripTags(name string) string {
	return strings.TrimSpace(leadingTags.ReplaceAllString(name, ""))
}

func stripTags(name string) string { return StripTags(name) }

// parseTags extracts the individual tag tokens from the leading bracket
// groups of a name. Position markers like "2/5" are not tags.
func parseTags(name string) []string {
	prefix := leadingTags.FindString(name)
	if prefix == "" {
		return nil
	}
	var tags []string
	for _, group := range bracketGroup.FindAllStringSubmatch(prefix, -1) {
		for _, token := range strings.FieldsFunc(group[1], func(r rune) bool {
			return r == ' ' || r == ','
		}) {
			if token == "" || patchCounter.MatchString(token) {
				continue
			}
			tags = append(tags, token)
		}
	}
	return tags
}

// NormalizedSubject is the series name with all bracket tags stripped; it is
// the identity key grouping versions of the same submission.
func (s *Series) NormalizedSubject() string {
	return stripTags(s.Name)
}

// AllTags is the union of tags found on the series name, the cover letter,
// and every patch, plus a synthetic version tag.
func (s *Series) AllTags() map[string]bool {
	tags := map[string]bool{}
	for _, t := range parseTags(s.Name) {
		tags[t] = true
	}
	if s.CoverName != "" {
		for _, t := range parseTags(s.CoverName) {
			tags[t] = true
		}
	}
	for _, patch := range s.Patches {
		for _, t := range parseTags(patch.Name) {
			tags[t] = true
		}
	}
	tags[fmt.Sprintf("V%d", s.Version)] = true
	return tags
}

// Expired reports whether a series with at least one patch has no patch that
// is both unarchived and in a relevant state, meaning the tracker no longer
// considers it actionable. A series with no patches is not expired.
func (s *Series) Expired() bool {
	for _, patch := range s.Patches {
		if relevantStates[patch.State] && !patch.Archived {
			return false
		}
	}
	return len(s.Patches) > 0
}

// Subject is the equivalence class of series sharing a normalized title.
type Subject struct {
	Subject string

	client *Client
	series []*Series
}

// NewSubject builds a Subject preloaded with known series versions, bypassing
// the tracker lookup. Useful when the caller already holds the series.
func NewSubject(subject string, series ...*Series) *Subject {
	sorted := append([]*Series{}, series...)
	sortSeries(sorted)
	return &Subject{Subject: subject, series: sorted}
}

// sortSeries orders series ascending by version, date, then id, so the last
// element is the latest.
func sortSeries(series []*Series) {
	sort.SliceStable(series, func(i, j int) bool {
		a, b := series[i], series[j]
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.ID < b.ID
	})
}

// RelevantSeries returns every known series of this subject, oldest first.
// The list is fetched from the tracker on first use and cached.
func (s *Subject) RelevantSeries(ctx context.Context) ([]*Series, error) {
	if s.series != nil {
		return s.series, nil
	}
	series, err := s.client.searchSeriesBySubject(ctx, s.Subject)
	if err != nil {
		return nil, err
	}
	sortSeries(series)
	s.series = series
	return s.series, nil
}

// LatestSeries returns the newest series of the subject, or nil when the
// tracker knows none.
func (s *Subject) LatestSeries(ctx context.Context) (*Series, error) {
	series, err := s.RelevantSeries(ctx)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, nil
	}
	return series[len(series)-1], nil
}

// FirstSeries returns the oldest known series of the subject. Its id anchors
// the branch name so respins keep landing on the same branch.
func (s *Subject) FirstSeries(ctx context.Context) (*Series, error) {
	series, err := s.RelevantSeries(ctx)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, nil
	}
	return series[0], nil
}

// AllTags unions the tags of every known series version.
func (s *Subject) AllTags(ctx context.Context) (map[string]bool, error) {
	series, err := s.RelevantSeries(ctx)
	if err != nil {
		return nil, err
	}
	tags := map[string]bool{}
	for _, one := range series {
		for tag := range one.AllTags() {
			tags[tag] = true
		}
	}
	return tags, nil
}
