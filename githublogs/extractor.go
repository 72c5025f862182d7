/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githublogs extracts the interesting portion of CI logs for
// inclusion in notification emails. Log layouts differ per patch tracker
// project, so the extractor is chosen by project name.
package githublogs

import (
	"strings"
)

// Extractor reduces a raw CI log to the excerpt worth inlining in an email.
type Extractor interface {
	Extract(raw string) string
}

// ForProject returns the extractor suited to the given tracker project.
func ForProject(project string) Extractor {
	if project == "bpf" {
		return BpfExtractor{}
	}
	return DefaultExtractor{}
}

// defaultTailLines bounds the excerpt produced by DefaultExtractor.
const defaultTailLines = 100

// DefaultExtractor returns the tail of the log unmodified.
type DefaultExtractor struct{}

func (DefaultExtractor) Extract(raw string) string {
	lines := strings.Split(raw, "\n")
	if len(lines) > defaultTailLines {
		lines = lines[len(lines)-defaultTailLines:]
	}
	return strings.Join(lines, "\n")
}

// BpfExtractor understands the per-test section markers emitted by the BPF
// CI and keeps only the failing sections.
type BpfExtractor struct{}

// Section delimiters as printed by the BPF selftest runner.
const (
	bpfSectionStart = "#"
	bpfFailMarker   = ":FAIL"
	bpfErrorMarker  = "Error:"
)

func (BpfExtractor) Extract(raw string) string {
	var (
		sections []string
		current  []string
		failing  bool
	)
	flush := func() {
		if failing && len(current) > 0 {
			sections = append(sections, strings.Join(current, "\n"))
		}
		current = nil
		failing = false
	}
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, bpfSectionStart) {
			flush()
		}
		current = append(current, line)
		if strings.Contains(line, bpfFailMarker) || strings.Contains(line, bpfErrorMarker) {
			failing = true
		}
	}
	flush()
	if len(sections) == 0 {
		return DefaultExtractor{}.Extract(raw)
	}
	return strings.Join(sections, "\n\n")
}
