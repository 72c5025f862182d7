/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package branchworker

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// UpdateE2ETestBranchAndUpdatePR rebuilds the worker's PR base branch: the
// target branch tip with the CI repo's files overlaid on top. Every PR
// opened against the base therefore exercises the end-to-end workflows. The
// overlay is committed only when it changes something and is force-pushed;
// open PRs pick up the moved base on the code host side.
func (w *Worker) UpdateE2ETestBranchAndUpdatePR(ctx context.Context, branch string) error {
	log := clog.FromContext(ctx)

	target, err := w.targetHash()
	if err != nil {
		return err
	}
	if err := w.resetBranchTo(w.prBaseBranch, target); err != nil {
		return err
	}

	if err := copyWorktreeFiles(w.ciRepoDir, w.repoDir); err != nil {
		return fmt.Errorf("overlaying CI files: %w", err)
	}

	worktree, err := w.repoLocal.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	wtStatus, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("reading worktree status: %w", err)
	}
	if !wtStatus.IsClean() {
		if _, err := worktree.Add("."); err != nil {
			return fmt.Errorf("staging CI overlay: %w", err)
		}
		message := fmt.Sprintf("Merge %s into %s", w.ciBranch, w.prBaseBranch)
		if _, err := worktree.Commit(message, &gogit.CommitOptions{
			Author: &object.Signature{
				Name:  w.userLogin,
				Email: w.userLogin + "@users.noreply.github.com",
				When:  time.Now(),
			},
		}); err != nil {
			return fmt.Errorf("committing CI overlay: %w", err)
		}
	}

	if err := w.pushHead(ctx, w.prBaseBranch, w.prBaseBranch); err != nil {
		return err
	}

	log.Infof("Updated %s for %s", w.prBaseBranch, branch)
	return nil
}

// copyWorktreeFiles copies every tracked-worthy file from src into dst,
// skipping the .git directory.
func copyWorktreeFiles(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
			return nil
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
