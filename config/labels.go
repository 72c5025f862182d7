/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultLabels is the label→color table applied when no labels file is
// configured. Colors are hex RGB without the leading '#'.
var DefaultLabels = map[string]string{
	"changes-requested": "2a76af",
	"merge-conflict":    "e85506",
	"RFC":               "f2e318",
	"new":               "c2e0c6",
}

// LoadLabels reads a YAML label→color mapping. An empty path returns
// DefaultLabels.
func LoadLabels(path string) (map[string]string, error) {
	if path == "" {
		return DefaultLabels, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading labels file %s: %w", path, err)
	}
	labels := map[string]string{}
	if err := yaml.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("decoding labels file %s: %w", path, err)
	}
	return labels, nil
}
