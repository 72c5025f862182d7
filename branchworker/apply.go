/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package branchworker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"
	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-github/v84/github"

	"chainguard.dev/patchbridge/patchwork"
	"chainguard.dev/patchbridge/status"
)

// AlreadyMergedLookback bounds how many target-branch commit summaries the
// already-applied detection scans.
const AlreadyMergedLookback = 100

// GitCommandError wraps a failing git subprocess invocation.
type GitCommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GitCommandError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *GitCommandError) Unwrap() error { return e.Err }

// runGit executes a git command in dir. go-git covers clone/fetch/push, but
// mailbox application has no library equivalent, so `git am` runs as a
// subprocess.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), &GitCommandError{Args: args, Output: string(out), Err: err}
	}
	return string(out), nil
}

// temporaryPatchFile writes mbox content to a temp file and returns its path
// with a cleanup func.
func temporaryPatchFile(content []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "patchbridge-*.mbox")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp patch file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("writing temp patch file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// ConflictInfo describes a failed mailbox application.
type ConflictInfo struct {
	Output string
}

// AppliedInfo describes a series detected as already present upstream.
type AppliedInfo struct {
	Summaries []string
}

// ApplyResult is the protocol outcome of one application attempt. A conflict
// or already-applied detection is not an error: it drives routing.
type ApplyResult struct {
	Applied        bool
	Conflict       *ConflictInfo
	AlreadyApplied *AppliedInfo
}

// TryApplyMailboxSeries applies the series mbox on a fresh working branch
// rooted at the target branch tip. On failure the attempt is aborted and the
// working tree reset before returning. A series whose every patch summary
// already appears in the recent target history is reported as already
// applied rather than applied.
func (w *Worker) TryApplyMailboxSeries(ctx context.Context, prBranch string, series *patchwork.Series) (ApplyResult, error) {
	log := clog.FromContext(ctx)

	mbox, err := w.pw.FetchMbox(ctx, series)
	if err != nil {
		return ApplyResult{}, err
	}

	target, err := w.targetHash()
	if err != nil {
		return ApplyResult{}, err
	}
	if err := w.resetBranchTo(prBranch, target); err != nil {
		return ApplyResult{}, err
	}

	patchPath, cleanup, err := temporaryPatchFile(mbox)
	if err != nil {
		return ApplyResult{}, err
	}
	defer cleanup()

	if out, err := runGit(ctx, w.repoDir, "am", "--3way", patchPath); err != nil {
		log.Infof("Series %d failed to apply on %s", series.ID, w.repoBranch)
		if _, abortErr := runGit(ctx, w.repoDir, "am", "--abort"); abortErr != nil {
			log.Warnf("git am --abort failed: %v", abortErr)
		}
		if err := w.resetBranchTo(prBranch, target); err != nil {
			return ApplyResult{}, err
		}
		return ApplyResult{Conflict: &ConflictInfo{Output: out}}, nil
	}

	matched, err := w.seriesAlreadyApplied(series)
	if err != nil {
		return ApplyResult{}, err
	}
	if matched != nil {
		log.Infof("Series %d already applied on %s", series.ID, w.repoBranch)
		if err := w.resetBranchTo(prBranch, target); err != nil {
			return ApplyResult{}, err
		}
		return ApplyResult{AlreadyApplied: &AppliedInfo{Summaries: matched}}, nil
	}

	return ApplyResult{Applied: true}, nil
}

// normalizeSummary lowercases a summary and drops any bracket tag prefixes
// so "[PATCH bpf v2] Fix foo" and "fix foo" compare equal.
func normalizeSummary(s string) string {
	return strings.ToLower(patchwork.StripTags(s))
}

// seriesAlreadyApplied scans the last AlreadyMergedLookback commit summaries
// on the target branch and reports the matches when every patch of the
// series is covered, nil otherwise.
func (w *Worker) seriesAlreadyApplied(series *patchwork.Series) ([]string, error) {
	target, err := w.targetHash()
	if err != nil {
		return nil, err
	}
	return seriesAlreadyApplied(w.repoLocal, target, series)
}

func seriesAlreadyApplied(repo *gogit.Repository, target plumbing.Hash, series *patchwork.Series) ([]string, error) {
	iter, err := repo.Log(&gogit.LogOptions{From: target})
	if err != nil {
		return nil, fmt.Errorf("walking target history: %w", err)
	}
	defer iter.Close()

	summaries := map[string]bool{}
	for range AlreadyMergedLookback {
		commit, err := iter.Next()
		if err != nil {
			break
		}
		summary, _, _ := strings.Cut(commit.Message, "\n")
		summaries[normalizeSummary(summary)] = true
	}

	var matched []string
	for _, patch := range series.Patches {
		summary := normalizeSummary(patch.Name)
		if !summaries[summary] {
			return nil, nil
		}
		matched = append(matched, summary)
	}
	return matched, nil
}

// commitsRelativeTo collects the commits reachable from rev but not from
// base, following first parents, newest first.
func commitsRelativeTo(repo *gogit.Repository, rev, base string) ([]*object.Commit, error) {
	revHash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", rev, err)
	}
	baseHash, err := repo.ResolveRevision(plumbing.Revision(base))
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", base, err)
	}

	head, err := repo.CommitObject(*revHash)
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", revHash, err)
	}
	baseCommit, err := repo.CommitObject(*baseHash)
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", baseHash, err)
	}

	stops := map[plumbing.Hash]bool{baseCommit.Hash: true}
	if merges, err := head.MergeBase(baseCommit); err == nil {
		for _, m := range merges {
			stops[m.Hash] = true
		}
	}

	var commits []*object.Commit
	for current := head; current != nil && !stops[current.Hash]; {
		commits = append(commits, current)
		if current.NumParents() == 0 {
			break
		}
		parent, err := current.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("reading parent of %s: %w", current.Hash, err)
		}
		current = parent
	}
	return commits, nil
}

// commitSignature renders a commit as its message plus textual diff against
// its first parent.
func commitSignature(commit *object.Commit) (string, error) {
	if commit.NumParents() == 0 {
		return commit.Message, nil
	}
	parent, err := commit.Parent(0)
	if err != nil {
		return "", fmt.Errorf("reading parent of %s: %w", commit.Hash, err)
	}
	patch, err := parent.Patch(commit)
	if err != nil {
		return "", fmt.Errorf("diffing %s: %w", commit.Hash, err)
	}
	return commit.Message + "\x00" + patch.String(), nil
}

// isBranchChanged reports whether branches a and b differ relative to base.
// The comparison is deliberately stricter than net-diff equality: commit
// count and each commit's message+diff must match, because downstream
// consumers see the commit structure.
func isBranchChanged(repo *gogit.Repository, base, a, b string) (bool, error) {
	commitsA, err := commitsRelativeTo(repo, a, base)
	if err != nil {
		return true, err
	}
	commitsB, err := commitsRelativeTo(repo, b, base)
	if err != nil {
		return true, err
	}
	if len(commitsA) != len(commitsB) {
		return true, nil
	}

	signatures := func(commits []*object.Commit) ([]string, error) {
		sigs := make([]string, 0, len(commits))
		for _, commit := range commits {
			sig, err := commitSignature(commit)
			if err != nil {
				return nil, err
			}
			sigs = append(sigs, sig)
		}
		sort.Strings(sigs)
		return sigs, nil
	}
	sigsA, err := signatures(commitsA)
	if err != nil {
		return true, err
	}
	sigsB, err := signatures(commitsB)
	if err != nil {
		return true, err
	}
	return !slices.Equal(sigsA, sigsB), nil
}

// NewPRWithNoChangeError reports a series whose application produces an
// empty diff against the PR base, so the code host refuses the PR.
type NewPRWithNoChangeError struct {
	BaseBranch   string
	TargetBranch string
}

func (e *NewPRWithNoChangeError) Error() string {
	return fmt.Sprintf("no changes between %s and %s", e.BaseBranch, e.TargetBranch)
}

// fetchRemoteHead makes origin/<branch> available locally for comparison.
func (w *Worker) fetchRemoteHead(ctx context.Context, branch string) error {
	auth, err := w.gitAuth()
	if err != nil {
		return err
	}
	err = w.repoLocal.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: "origin",
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)),
		},
		Auth:  auth,
		Force: true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching origin/%s: %w", branch, err)
	}
	return nil
}

// pushHead force-pushes the local working branch to the remote head ref.
func (w *Worker) pushHead(ctx context.Context, prBranch, headRef string) error {
	auth, err := w.gitAuth()
	if err != nil {
		return err
	}
	refSpec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", prBranch, headRef))
	clog.FromContext(ctx).Infof("Force pushing %s", refSpec)
	err = w.repoLocal.PushContext(ctx, &gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s: %w", refSpec, err)
	}
	return nil
}

// furnishPRDescription renders the PR body linking back to the tracker.
func (w *Worker) furnishPRDescription(series *patchwork.Series) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Pull request for series with\nsubject: %s\nversion: %d\nurl: %s\n",
		series.NormalizedSubject(), series.Version, series.WebURL)
	return sb.String()
}

// CheckoutAndPatch materializes the series on the worker's branch and
// creates or updates its pull request. When the freshly computed tree is
// identical to the existing remote branch, nothing is pushed and the
// existing PR (possibly nil when it is closed) is returned. A conflicting
// series still produces a PR on this target, flagged with the
// merge-conflict label.
func (w *Worker) CheckoutAndPatch(ctx context.Context, prBranch string, series *patchwork.Series) (*github.PullRequest, error) {
	log := clog.FromContext(ctx)
	headRef := w.headRefFor(prBranch)

	result, err := w.TryApplyMailboxSeries(ctx, prBranch, series)
	if err != nil {
		return nil, err
	}

	if slices.Contains(w.branches, headRef) {
		if err := w.fetchRemoteHead(ctx, headRef); err != nil {
			log.Warnf("Could not fetch %s for comparison: %v", headRef, err)
		} else {
			changed, err := isBranchChanged(w.repoLocal, w.repoBranch, prBranch, "origin/"+headRef)
			if err != nil {
				log.Warnf("Branch comparison for %s failed: %v", headRef, err)
			} else if !changed {
				pr, err := w.GuessPR(ctx, series, headRef)
				if err != nil {
					return nil, err
				}
				if pr != nil && pr.GetState() == "open" {
					return pr, nil
				}
				return nil, nil
			}
		}
	}

	if err := w.pushHead(ctx, prBranch, headRef); err != nil {
		return nil, err
	}

	pr, err := w.GuessPR(ctx, series, headRef)
	if err != nil {
		return nil, err
	}
	if pr == nil || pr.GetState() != "open" {
		title := series.NormalizedSubject()
		pr, err = w.gh.CreatePull(ctx, title, w.furnishPRDescription(series), headRef, w.prBaseBranch)
		if err != nil {
			return nil, err
		}
		log.Infof("Created PR #%d (%s) for series %d", pr.GetNumber(), headRef, series.ID)
		w.prs[title] = pr
		w.AddPR(pr)
	}

	if err := w.syncPRLabels(ctx, pr, series, result); err != nil {
		log.Warnf("Label sync for #%d failed: %v", pr.GetNumber(), err)
	}

	if result.Conflict != nil && w.emailCfg != nil {
		if err := w.notifyConflict(ctx, series, pr); err != nil {
			log.Warnf("Conflict notification for series %d failed: %v", series.ID, err)
		}
	}

	return pr, nil
}

// syncPRLabels applies tag-derived labels and reconciles the merge-conflict
// flag with the apply outcome.
func (w *Worker) syncPRLabels(ctx context.Context, pr *github.PullRequest, series *patchwork.Series, result ApplyResult) error {
	var wanted []string
	tags := series.AllTags()
	for name := range w.labelsCfg {
		if tags[name] {
			wanted = append(wanted, strings.ToLower(name))
		}
	}
	if result.Conflict != nil {
		wanted = append(wanted, MergeConflictLabel)
	}
	sort.Strings(wanted)

	have := map[string]bool{}
	for _, label := range pr.Labels {
		have[label.GetName()] = true
	}

	var missing []string
	for _, name := range wanted {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		if err := w.gh.AddLabels(ctx, pr.GetNumber(), missing); err != nil {
			return err
		}
	}

	if result.Applied && have[MergeConflictLabel] {
		if err := w.gh.RemoveLabel(ctx, pr.GetNumber(), MergeConflictLabel); err != nil {
			return err
		}
	}
	return nil
}

// PRHasLabel reports whether the PR carries the named label.
func PRHasLabel(pr *github.PullRequest, name string) bool {
	for _, label := range pr.Labels {
		if label.GetName() == name {
			return true
		}
	}
	return false
}

// SyncChecks aggregates the head commit's check runs and posts the result to
// the tracker for each patch of the series, with context "<target>-PR". A
// terminal state transition optionally triggers the submitter notification.
func (w *Worker) SyncChecks(ctx context.Context, pr *github.PullRequest, series *patchwork.Series) error {
	runs, err := w.gh.ListCheckRuns(ctx, pr.GetHead().GetSHA())
	if err != nil {
		return err
	}

	states := make([]status.Status, 0, len(runs))
	for _, run := range runs {
		if run.GetStatus() != "completed" {
			states = append(states, status.Pending)
			continue
		}
		states = append(states, status.FromConclusion(run.GetConclusion()))
	}
	agg := status.Aggregate(states)

	check := patchwork.Check{
		State:       agg.PatchworkState(),
		TargetURL:   pr.GetHTMLURL(),
		Context:     fmt.Sprintf("%s-PR", w.repoBranch),
		Description: "PR summary",
	}
	posted := false
	for _, patch := range series.Patches {
		didPost, err := w.pw.PostCheck(ctx, patch.ID, check)
		if err != nil {
			return fmt.Errorf("posting check for patch %d: %w", patch.ID, err)
		}
		posted = posted || didPost
	}

	if posted && agg.Terminal() && w.emailCfg != nil {
		if err := w.notifyCIResult(ctx, series, pr, agg, runs); err != nil {
			clog.FromContext(ctx).Warnf("CI notification for series %d failed: %v", series.ID, err)
		}
	}
	return nil
}
