/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package branchworker

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"chainguard.dev/patchbridge/patchwork"
)

// testRepo wraps a scratch repository for exercising the git helpers.
type testRepo struct {
	t    *testing.T
	dir  string
	repo *gogit.Repository
	seq  int
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	return &testRepo{t: t, dir: dir, repo: repo}
}

func (r *testRepo) write(name, content string) {
	r.t.Helper()
	if err := os.WriteFile(filepath.Join(r.dir, name), []byte(content), 0o644); err != nil {
		r.t.Fatalf("WriteFile: %v", err)
	}
}

func (r *testRepo) append(name, content string) {
	r.t.Helper()
	f, err := os.OpenFile(filepath.Join(r.dir, name), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		r.t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		r.t.Fatalf("WriteString: %v", err)
	}
	f.Close()
}

// commit stages everything and commits with a deterministic, strictly
// increasing timestamp so repeated contents still produce distinct hashes.
func (r *testRepo) commit(message string) plumbing.Hash {
	r.t.Helper()
	wt, err := r.repo.Worktree()
	if err != nil {
		r.t.Fatalf("Worktree: %v", err)
	}
	if _, err := wt.Add("."); err != nil {
		r.t.Fatalf("Add: %v", err)
	}
	r.seq++
	hash, err := wt.Commit(message, &gogit.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "test",
			Email: "test@test.com",
			When:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(r.seq) * time.Second),
		},
	})
	if err != nil {
		r.t.Fatalf("Commit: %v", err)
	}
	return hash
}

func (r *testRepo) branch(name string, from plumbing.Hash) {
	r.t.Helper()
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), from)
	if err := r.repo.Storer.SetReference(ref); err != nil {
		r.t.Fatalf("SetReference: %v", err)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		r.t.Fatalf("Worktree: %v", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name), Force: true}); err != nil {
		r.t.Fatalf("Checkout %s: %v", name, err)
	}
}

func (r *testRepo) head() plumbing.Hash {
	r.t.Helper()
	ref, err := r.repo.Head()
	if err != nil {
		r.t.Fatalf("Head: %v", err)
	}
	return ref.Hash()
}

func TestSeriesAlreadyApplied(t *testing.T) {
	r := newTestRepo(t)
	r.write("file.txt", "Hello, world!")
	for i := 1; i <= 2*AlreadyMergedLookback; i++ {
		r.commit(fmt.Sprintf("Commit %d\n\nThis commit body should never match", i))
	}
	head := r.head()

	series := func(summaries ...string) *patchwork.Series {
		s := &patchwork.Series{ID: 42, Name: "[a/b] my series", Version: 4}
		for i, summary := range summaries {
			s.Patches = append(s.Patches, patchwork.Patch{ID: i, Name: summary})
		}
		return s
	}

	inWindow := func(offset int) int { return AlreadyMergedLookback + offset }

	t.Run("all matched", func(t *testing.T) {
		matched, err := seriesAlreadyApplied(r.repo, head, series(
			fmt.Sprintf("Commit %d", inWindow(33)),
			fmt.Sprintf("[tag] Commit %d", inWindow(34)),
		))
		if err != nil {
			t.Fatalf("seriesAlreadyApplied: %v", err)
		}
		if matched == nil {
			t.Error("expected already-applied detection")
		}
	})

	t.Run("none matched, summaries too new", func(t *testing.T) {
		matched, err := seriesAlreadyApplied(r.repo, head, series(
			fmt.Sprintf("[some tags]Commit %d", 2*AlreadyMergedLookback+2),
			fmt.Sprintf("[tag] Commit %d", 2*AlreadyMergedLookback+3),
		))
		if err != nil {
			t.Fatalf("seriesAlreadyApplied: %v", err)
		}
		if matched != nil {
			t.Errorf("unexpected match: %v", matched)
		}
	})

	t.Run("none matched, summaries beyond lookback", func(t *testing.T) {
		// Commits 33 and 34 are older than the scanned window.
		matched, err := seriesAlreadyApplied(r.repo, head, series("[some tags]Commit 33", "[tag] Commit 34"))
		if err != nil {
			t.Fatalf("seriesAlreadyApplied: %v", err)
		}
		if matched != nil {
			t.Errorf("unexpected match: %v", matched)
		}
	})

	t.Run("partial match is not applied", func(t *testing.T) {
		matched, err := seriesAlreadyApplied(r.repo, head, series(
			fmt.Sprintf("Commit %d", inWindow(55)),
			fmt.Sprintf("Commit %d", 3*AlreadyMergedLookback),
		))
		if err != nil {
			t.Fatalf("seriesAlreadyApplied: %v", err)
		}
		if matched != nil {
			t.Errorf("unexpected match: %v", matched)
		}
	})

	t.Run("case insensitive", func(t *testing.T) {
		matched, err := seriesAlreadyApplied(r.repo, head, series(
			fmt.Sprintf("commit %d", inWindow(33)),
			fmt.Sprintf("[tag] COMMIT %d", inWindow(34)),
		))
		if err != nil {
			t.Fatalf("seriesAlreadyApplied: %v", err)
		}
		if matched == nil {
			t.Error("expected case-insensitive match")
		}
	})
}

func TestIsBranchChanged(t *testing.T) {
	const singleCommitMessage = "single commit change\n"

	r := newTestRepo(t)
	r.write("file.txt", "Hello, world!\n")
	master := r.commit("Initial commit\n")

	r.branch("single_commit_change", master)
	r.append("file.txt", "line 1\nline 2\n")
	r.commit(singleCommitMessage)

	r.branch("different_single_commit_change", master)
	r.append("file.txt", "built different\n")
	r.commit("different single commit change\n")

	// Same change and message, different SHA (as if amended).
	r.branch("single_commit_change_clone", master)
	r.append("file.txt", "line 1\nline 2\n")
	r.commit(singleCommitMessage)

	r.branch("two_commit_change", master)
	for i := 1; i <= 2; i++ {
		r.append("file.txt", fmt.Sprintf("line %d\n", i))
		r.commit(fmt.Sprintf("split change, part %d\n", i))
	}

	r.branch("two_commit_change_with_same_msg", master)
	for i := 1; i <= 2; i++ {
		r.append("file.txt", fmt.Sprintf("line %d\n", i))
		r.commit(singleCommitMessage)
	}

	check := func(a, b string, want bool) {
		t.Helper()
		got, err := isBranchChanged(r.repo, "master", a, b)
		if err != nil {
			t.Fatalf("isBranchChanged(%s, %s): %v", a, b, err)
		}
		if got != want {
			t.Errorf("isBranchChanged(%s, %s) = %v, want %v", a, b, got, want)
		}
	}

	t.Run("different change", func(t *testing.T) {
		check("single_commit_change", "different_single_commit_change", true)
	})

	t.Run("duplicate change", func(t *testing.T) {
		check("single_commit_change", "single_commit_change", false)
		check("two_commit_change", "two_commit_change", false)
		check("two_commit_change_with_same_msg", "two_commit_change_with_same_msg", false)
		check("single_commit_change_clone", "single_commit_change_clone", false)
		// Equal content and message under different SHAs is not a change.
		check("single_commit_change", "single_commit_change_clone", false)
	})

	t.Run("split change", func(t *testing.T) {
		// The net diff is identical, but the commit count differs.
		check("single_commit_change", "two_commit_change", true)
	})

	t.Run("split change with duplicated message", func(t *testing.T) {
		check("single_commit_change", "two_commit_change_with_same_msg", true)
	})
}

func TestTemporaryPatchFile(t *testing.T) {
	content := []byte("test content")
	path, cleanup, err := temporaryPatchFile(content)
	if err != nil {
		t.Fatalf("temporaryPatchFile: %v", err)
	}
	defer cleanup()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content = %q, want %q", got, content)
	}
	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("cleanup left the file behind: %v", err)
	}
}

func TestNormalizeSummary(t *testing.T) {
	cases := []struct{ in, want string }{
		{"[PATCH bpf v2] Fix Foo", "fix foo"},
		{"fix foo", "fix foo"},
		{"[a][b] MIXED Case", "mixed case"},
	}
	for _, tc := range cases {
		if got := normalizeSummary(tc.in); got != tc.want {
			t.Errorf("normalizeSummary(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
