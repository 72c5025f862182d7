/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package branchworker

import (
	"context"
	"strings"
)

// CreateColorLabels reconciles the repository's label definitions with the
// configured label→color table. Names are compared case-insensitively and
// normalized to lowercase; a label whose name casing and color already match
// is left alone, so running this twice performs no further edits.
func CreateColorLabels(ctx context.Context, labels map[string]string, gh GitHub) error {
	existing, err := gh.ListLabels(ctx)
	if err != nil {
		return err
	}

	for name, color := range labels {
		name = strings.ToLower(name)
		found := false
		for _, label := range existing {
			if strings.ToLower(label.GetName()) != name {
				continue
			}
			found = true
			if label.GetName() != name || label.GetColor() != color {
				if err := gh.EditLabel(ctx, label.GetName(), name, color); err != nil {
					return err
				}
			}
			break
		}
		if !found {
			if err := gh.CreateLabel(ctx, name, color); err != nil {
				return err
			}
		}
	}
	return nil
}
