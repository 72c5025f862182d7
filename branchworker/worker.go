/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package branchworker owns one (downstream repo, target branch) pair: the
// local clone, upstream mirroring, series application, pushes, and the
// lifecycle of that target's pull requests.
package branchworker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"

	"chainguard.dev/patchbridge/config"
	"chainguard.dev/patchbridge/githublogs"
	"chainguard.dev/patchbridge/patchwork"
	"chainguard.dev/patchbridge/stats"
)

const (
	// UpstreamRemoteName is the remote tracking the authoritative source.
	UpstreamRemoteName = "upstream"

	// MergeConflictLabel marks PRs whose series failed to apply anywhere.
	MergeConflictLabel = "merge-conflict"

	// BranchTTL bounds how long a remote branch survives after its PR
	// closed, and how long a PR survives its subject's disappearance.
	BranchTTL = 30 * 24 * time.Hour

	// closedPRLookback bounds the closed-PR cache used to resolve stale
	// branch references.
	closedPRLookback = 2 * BranchTTL

	// prBaseSuffix derives the PR base branch from the target branch. The
	// base carries the target tip plus the CI overlay so every PR runs the
	// end-to-end workflows.
	prBaseSuffix = "_base"
)

// Options configures a Worker. GitHub, TokenSource, and Now are injectable
// for tests; production construction derives them from the branch config.
type Options struct {
	Patchwork     *patchwork.Client
	Labels        map[string]string
	RepoBranch    string
	Branch        config.BranchConfig
	Email         *config.EmailConfig
	LogExtractor  githublogs.Extractor
	BaseDirectory string

	GitHub      GitHub
	TokenSource oauth2.TokenSource
	Now         func() time.Time
}

// Worker drives one downstream repository and target branch.
type Worker struct {
	pw           *patchwork.Client
	gh           GitHub
	tokenSource  oauth2.TokenSource
	labelsCfg    map[string]string
	emailCfg     *config.EmailConfig
	logExtractor githublogs.Extractor

	repoBranch     string
	prBaseBranch   string
	repoURL        string
	upstreamURL    string
	upstreamBranch string
	ciRepoURL      string
	ciBranch       string
	repoDir        string
	ciRepoDir      string

	userLogin string

	repoLocal *gogit.Repository
	ciLocal   *gogit.Repository

	// prs maps subject title to the open relevant PR on this target.
	prs map[string]*github.PullRequest
	// allPRs maps head ref to target branch to open PRs, merged across all
	// workers by the orchestrator after every worker refreshed its pulls.
	allPRs map[string]map[string][]*github.PullRequest
	// branches is the remote branch listing of the downstream repo.
	branches []string

	closedPRs       []*github.PullRequest
	closedPRsLoaded bool

	now func() time.Time
}

// New builds a Worker rooted under <base_directory>. The bot login is
// resolved eagerly so relevance filtering works from the first cycle.
func New(ctx context.Context, opts Options) (*Worker, error) {
	gh := opts.GitHub
	tokenSource := opts.TokenSource
	if gh == nil {
		var err error
		gh, tokenSource, err = newGitHubClient(opts.Branch)
		if err != nil {
			return nil, fmt.Errorf("building github client for %s: %w", opts.RepoBranch, err)
		}
	}

	login, err := gh.BotLogin(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving bot login for %s: %w", opts.RepoBranch, err)
	}

	if err := CreateColorLabels(ctx, opts.Labels, gh); err != nil {
		return nil, fmt.Errorf("bootstrapping labels for %s: %w", opts.RepoBranch, err)
	}

	_, repoName, err := splitRepoURL(opts.Branch.Repo)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	extractor := opts.LogExtractor
	if extractor == nil {
		extractor = githublogs.DefaultExtractor{}
	}

	workerID := fmt.Sprintf("%s-%s", repoName, opts.RepoBranch)
	return &Worker{
		pw:             opts.Patchwork,
		gh:             gh,
		tokenSource:    tokenSource,
		labelsCfg:      opts.Labels,
		emailCfg:       opts.Email,
		logExtractor:   extractor,
		repoBranch:     opts.RepoBranch,
		prBaseBranch:   opts.RepoBranch + prBaseSuffix,
		repoURL:        opts.Branch.Repo,
		upstreamURL:    opts.Branch.UpstreamRepo,
		upstreamBranch: opts.Branch.UpstreamBranch,
		ciRepoURL:      opts.Branch.CIRepo,
		ciBranch:       opts.Branch.CIBranch,
		repoDir:        filepath.Join(opts.BaseDirectory, workerID),
		ciRepoDir:      filepath.Join(opts.BaseDirectory, workerID+"-ci"),
		userLogin:      login,
		prs:            map[string]*github.PullRequest{},
		allPRs:         map[string]map[string][]*github.PullRequest{},
		now:            now,
	}, nil
}

// RepoBranch returns the target branch this worker owns.
func (w *Worker) RepoBranch() string { return w.repoBranch }

// PRBaseBranch returns the branch PRs are opened against.
func (w *Worker) PRBaseBranch() string { return w.prBaseBranch }

// UserLogin returns the bot account login.
func (w *Worker) UserLogin() string { return w.userLogin }

// RepoDir returns the local checkout path of the downstream repo.
func (w *Worker) RepoDir() string { return w.repoDir }

// CIRepoDir returns the local checkout path of the CI repo.
func (w *Worker) CIRepoDir() string { return w.ciRepoDir }

// PRs exposes the subject-title keyed open PR cache. The reconciler removes
// entries when it closes duplicates.
func (w *Worker) PRs() map[string]*github.PullRequest { return w.prs }

// AllPRs returns this worker's contribution to the cross-worker PR view.
func (w *Worker) AllPRs() map[string]map[string][]*github.PullRequest { return w.allPRs }

// SetAllPRs installs the merged cross-worker PR view.
func (w *Worker) SetAllPRs(all map[string]map[string][]*github.PullRequest) { w.allPRs = all }

// Branches returns the cached remote branch names.
func (w *Worker) Branches() []string { return w.branches }

// CanDoSync reports whether the worker is prepared: credentials resolved and
// the base directory reachable.
func (w *Worker) CanDoSync() bool {
	if w.userLogin == "" {
		return false
	}
	parent := filepath.Dir(w.repoDir)
	if _, err := os.Stat(parent); err != nil {
		return os.IsNotExist(err) && os.MkdirAll(parent, 0o755) == nil
	}
	return true
}

// gitAuth resolves the https auth used for clones, fetches, and pushes.
func (w *Worker) gitAuth() (*githttp.BasicAuth, error) {
	if w.tokenSource == nil {
		return nil, nil
	}
	token, err := w.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}
	return &githttp.BasicAuth{
		Username: "unused-when-using-access-tokens",
		Password: token.AccessToken,
	}, nil
}

// fullSync wipes the local path and clones the branch from scratch.
func (w *Worker) fullSync(ctx context.Context, path, url, branch string) (*gogit.Repository, error) {
	log := clog.FromContext(ctx)
	log.Infof("Cloning %s (%s) into %s", url, branch, path)

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("removing %s: %w", path, err)
	}
	auth, err := w.gitAuth()
	if err != nil {
		return nil, err
	}
	repo, err := gogit.PlainCloneContext(ctx, path, false, &gogit.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", url, err)
	}
	stats.GitCloneCounter.WithLabelValues(w.repoBranch).Inc()
	return repo, nil
}

// fetchRepo opens and fetches an existing checkout, falling back to a full
// re-clone when the path is missing or any git step fails.
func (w *Worker) fetchRepo(ctx context.Context, path, url, branch string) (*gogit.Repository, error) {
	if _, err := os.Stat(path); err != nil {
		return w.fullSync(ctx, path, url, branch)
	}

	repo, err := gogit.PlainOpen(path)
	if err != nil {
		clog.FromContext(ctx).Warnf("Re-cloning %s, open failed: %v", path, err)
		return w.fullSync(ctx, path, url, branch)
	}

	auth, err := w.gitAuth()
	if err != nil {
		return nil, err
	}
	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: "origin",
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)),
		},
		Auth:  auth,
		Force: true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		clog.FromContext(ctx).Warnf("Re-cloning %s, fetch failed: %v", path, err)
		return w.fullSync(ctx, path, url, branch)
	}
	stats.GitFetchCounter.WithLabelValues(w.repoBranch).Inc()
	return repo, nil
}

// FetchRepoBranch clones or fetches the downstream repo at its target branch
// and the CI repo at its CI branch, checking out the CI branch.
func (w *Worker) FetchRepoBranch(ctx context.Context) error {
	repo, err := w.fetchRepo(ctx, w.repoDir, w.repoURL, w.repoBranch)
	if err != nil {
		return err
	}
	w.repoLocal = repo

	ciRepo, err := w.fetchRepo(ctx, w.ciRepoDir, w.ciRepoURL, w.ciBranch)
	if err != nil {
		return err
	}
	w.ciLocal = ciRepo

	ref, err := ciRepo.Reference(plumbing.NewRemoteReferenceName("origin", w.ciBranch), true)
	if err != nil {
		return fmt.Errorf("resolving origin/%s in CI repo: %w", w.ciBranch, err)
	}
	worktree, err := ciRepo.Worktree()
	if err != nil {
		return fmt.Errorf("getting CI worktree: %w", err)
	}
	if err := worktree.Checkout(&gogit.CheckoutOptions{Hash: ref.Hash(), Force: true}); err != nil {
		return fmt.Errorf("checking out origin/%s in CI repo: %w", w.ciBranch, err)
	}
	return nil
}

// DoSync mirrors the upstream repository into the downstream target branch:
// the upstream remote is created (or recreated when its URL drifted), the
// working tree is reset to the upstream tip, and the resolved remote ref is
// force-pushed to refs/heads/<target>.
func (w *Worker) DoSync(ctx context.Context) error {
	log := clog.FromContext(ctx)

	remote, err := w.repoLocal.Remote(UpstreamRemoteName)
	switch {
	case err == nil:
		urls := remote.Config().URLs
		if len(urls) == 0 || urls[0] != w.upstreamURL {
			log.Infof("Recreating remote %s: tracked %v, want %s", UpstreamRemoteName, urls, w.upstreamURL)
			if err := w.repoLocal.DeleteRemote(UpstreamRemoteName); err != nil {
				return fmt.Errorf("deleting remote %s: %w", UpstreamRemoteName, err)
			}
			if _, err := w.repoLocal.CreateRemote(&gitconfig.RemoteConfig{
				Name: UpstreamRemoteName, URLs: []string{w.upstreamURL},
			}); err != nil {
				return fmt.Errorf("recreating remote %s: %w", UpstreamRemoteName, err)
			}
		}
	case errors.Is(err, gogit.ErrRemoteNotFound):
		if _, err := w.repoLocal.CreateRemote(&gitconfig.RemoteConfig{
			Name: UpstreamRemoteName, URLs: []string{w.upstreamURL},
		}); err != nil {
			return fmt.Errorf("creating remote %s: %w", UpstreamRemoteName, err)
		}
	default:
		return fmt.Errorf("looking up remote %s: %w", UpstreamRemoteName, err)
	}

	upstreamRef := plumbing.NewRemoteReferenceName(UpstreamRemoteName, w.upstreamBranch)
	err = w.repoLocal.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: UpstreamRemoteName,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:%s", w.upstreamBranch, upstreamRef)),
		},
		Force: true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching %s: %w", UpstreamRemoteName, err)
	}

	ref, err := w.repoLocal.Reference(upstreamRef, true)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", upstreamRef, err)
	}

	if err := w.resetBranchTo(w.repoBranch, ref.Hash()); err != nil {
		return err
	}

	auth, err := w.gitAuth()
	if err != nil {
		return err
	}
	refSpec := gitconfig.RefSpec(fmt.Sprintf("+%s:refs/heads/%s", upstreamRef, w.repoBranch))
	log.Infof("Force pushing %s", refSpec)
	err = w.repoLocal.PushContext(ctx, &gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing mirror to %s: %w", w.repoBranch, err)
	}
	return nil
}

// resetBranchTo force-moves a local branch to hash and checks it out with a
// clean working tree.
func (w *Worker) resetBranchTo(branch string, hash plumbing.Hash) error {
	refName := plumbing.NewBranchReferenceName(branch)
	if err := w.repoLocal.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		return fmt.Errorf("setting %s: %w", refName, err)
	}
	worktree, err := w.repoLocal.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := worktree.Checkout(&gogit.CheckoutOptions{Branch: refName, Force: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", refName, err)
	}
	if err := worktree.Reset(&gogit.ResetOptions{Mode: gogit.HardReset, Commit: hash}); err != nil {
		return fmt.Errorf("resetting %s: %w", refName, err)
	}
	if err := worktree.Clean(&gogit.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}
	return nil
}

// targetHash resolves the local target branch tip.
func (w *Worker) targetHash() (plumbing.Hash, error) {
	ref, err := w.repoLocal.Reference(plumbing.NewBranchReferenceName(w.repoBranch), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving local %s: %w", w.repoBranch, err)
	}
	return ref.Hash(), nil
}

// IsRelevantPR reports whether the worker owns this PR: author, head owner,
// and base owner are all the bot account, the base is the worker's PR base
// branch, and the PR is open.
func (w *Worker) IsRelevantPR(pr *github.PullRequest) bool {
	return pr.GetUser().GetLogin() == w.userLogin &&
		pr.GetHead().GetUser().GetLogin() == w.userLogin &&
		pr.GetBase().GetUser().GetLogin() == w.userLogin &&
		pr.GetBase().GetRef() == w.prBaseBranch &&
		pr.GetState() == "open"
}

// AddPR indexes an open PR into the head-ref keyed view.
func (w *Worker) AddPR(pr *github.PullRequest) {
	ref := pr.GetHead().GetRef()
	byTarget, ok := w.allPRs[ref]
	if !ok {
		byTarget = map[string][]*github.PullRequest{}
		w.allPRs[ref] = byTarget
	}
	byTarget[w.repoBranch] = append(byTarget[w.repoBranch], pr)
}

// GetPulls refreshes the open PR caches from the code host.
func (w *Worker) GetPulls(ctx context.Context) error {
	pulls, err := w.gh.ListPulls(ctx, "open", w.prBaseBranch)
	if err != nil {
		return err
	}
	w.prs = map[string]*github.PullRequest{}
	w.allPRs = map[string]map[string][]*github.PullRequest{}
	for _, pr := range pulls {
		if w.IsRelevantPR(pr) {
			w.prs[pr.GetTitle()] = pr
		}
		if pr.GetState() == "open" {
			w.AddPR(pr)
		}
	}
	return nil
}

// RefreshBranches re-reads the remote branch listing.
func (w *Worker) RefreshBranches(ctx context.Context) error {
	branches, err := w.gh.ListBranches(ctx)
	if err != nil {
		return err
	}
	w.branches = branches
	return nil
}

// SetBranches overrides the branch cache; used by tests.
func (w *Worker) SetBranches(branches []string) { w.branches = branches }

// DropClosedPRCache invalidates the lazily computed closed-PR list.
func (w *Worker) DropClosedPRCache() {
	w.closedPRs = nil
	w.closedPRsLoaded = false
}

// closedPulls returns the closed relevant PRs within the lookback window,
// fetching them on first use per cycle.
func (w *Worker) closedPulls(ctx context.Context) ([]*github.PullRequest, error) {
	if w.closedPRsLoaded {
		return w.closedPRs, nil
	}
	pulls, err := w.gh.ListPulls(ctx, "closed", w.prBaseBranch)
	if err != nil {
		return nil, err
	}
	cutoff := w.now().Add(-closedPRLookback)
	var kept []*github.PullRequest
	for _, pr := range pulls {
		if pr.GetUpdatedAt().Time.Before(cutoff) {
			continue
		}
		if pr.GetUser().GetLogin() != w.userLogin ||
			pr.GetHead().GetUser().GetLogin() != w.userLogin ||
			pr.GetBase().GetUser().GetLogin() != w.userLogin {
			continue
		}
		kept = append(kept, pr)
	}
	w.closedPRs = kept
	w.closedPRsLoaded = true
	return kept, nil
}

// FilterClosedPR returns the most recently updated closed PR whose head ref
// equals branch, or nil.
func (w *Worker) FilterClosedPR(ctx context.Context, branch string) (*github.PullRequest, error) {
	closed, err := w.closedPulls(ctx)
	if err != nil {
		return nil, err
	}
	var newest *github.PullRequest
	for _, pr := range closed {
		if pr.GetHead().GetRef() != branch {
			continue
		}
		if newest == nil || pr.GetUpdatedAt().Time.After(newest.GetUpdatedAt().Time) {
			newest = pr
		}
	}
	return newest, nil
}

// DeleteBranch removes refs/heads/<branch> on the code host.
func (w *Worker) DeleteBranch(ctx context.Context, branch string) error {
	clog.FromContext(ctx).Infof("Deleting branch %s", branch)
	return w.gh.DeleteBranchRef(ctx, branch)
}

// ExpireBranches deletes remote branches of the owned shape whose PRs are
// all closed and older than BranchTTL. Branches referenced by any open PR,
// branches of unknown shape, and the target branch itself are never touched.
func (w *Worker) ExpireBranches(ctx context.Context) error {
	log := clog.FromContext(ctx)
	for _, branch := range w.branches {
		if branch == w.repoBranch || branch == w.prBaseBranch {
			continue
		}
		if _, ok := w.allPRs[branch]; ok {
			continue
		}
		if !ParsePRRef(branch).OK() {
			continue
		}
		pr, err := w.FilterClosedPR(ctx, branch)
		if err != nil {
			return err
		}
		if pr == nil {
			continue
		}
		if w.now().Sub(pr.GetUpdatedAt().Time) > BranchTTL {
			if err := w.DeleteBranch(ctx, branch); err != nil {
				log.Warnf("Failed to delete expired branch %s: %v", branch, err)
			}
		}
	}
	return nil
}

// ExpireUserPRs closes relevant open PRs whose series the tracker no longer
// considers actionable and which have been idle past BranchTTL.
func (w *Worker) ExpireUserPRs(ctx context.Context) error {
	log := clog.FromContext(ctx)
	for title, pr := range w.prs {
		parsed := ParsePRRef(pr.GetHead().GetRef())
		if !parsed.HasSeriesID {
			continue
		}
		if w.now().Sub(pr.GetUpdatedAt().Time) <= BranchTTL {
			continue
		}
		series, err := w.pw.GetSeriesByID(ctx, parsed.SeriesID)
		if err != nil {
			log.Warnf("Failed to fetch series %d for PR #%d: %v", parsed.SeriesID, pr.GetNumber(), err)
			continue
		}
		if !series.Expired() {
			continue
		}
		log.Infof("Closing expired PR #%d (%s)", pr.GetNumber(), title)
		if _, err := w.gh.EditPull(ctx, pr.GetNumber(), &github.PullRequest{State: github.Ptr("closed")}); err != nil {
			log.Warnf("Failed to close expired PR #%d: %v", pr.GetNumber(), err)
			continue
		}
		delete(w.prs, title)
	}
	return nil
}

// SubjectToBranch maps a subject to its stable branch prefix,
// "series/<first-known-series-id>". Callers append the target suffix.
func (w *Worker) SubjectToBranch(ctx context.Context, subject *patchwork.Subject) (string, error) {
	first, err := subject.FirstSeries(ctx)
	if err != nil {
		return "", err
	}
	if first == nil {
		return "", fmt.Errorf("subject %q has no known series", subject.Subject)
	}
	return fmt.Sprintf("series%s%d", config.SeriesIDSeparator, first.ID), nil
}

// headRefFor appends this worker's target suffix to a branch prefix.
func (w *Worker) headRefFor(prBranch string) string {
	return prBranch + config.SeriesTargetSeparator + w.repoBranch
}

// GuessPR resolves the PR responsible for a series: the active cache first,
// then the cross-worker view, then the most recent closed PR with the same
// head, which covers respins whose previous PR was closed.
func (w *Worker) GuessPR(ctx context.Context, series *patchwork.Series, headRef string) (*github.PullRequest, error) {
	if pr, ok := w.prs[series.NormalizedSubject()]; ok {
		return pr, nil
	}
	if byTarget, ok := w.allPRs[headRef]; ok {
		if list := byTarget[w.repoBranch]; len(list) > 0 {
			return list[0], nil
		}
	}
	return w.FilterClosedPR(ctx, headRef)
}

// ClosePull edits a pull request to the closed state.
func (w *Worker) ClosePull(ctx context.Context, pr *github.PullRequest) error {
	_, err := w.gh.EditPull(ctx, pr.GetNumber(), &github.PullRequest{State: github.Ptr("closed")})
	return err
}

// RenamePull retitles a pull request, typically after a cover letter edit
// changed the subject of an existing series.
func (w *Worker) RenamePull(ctx context.Context, pr *github.PullRequest, title string) error {
	_, err := w.gh.EditPull(ctx, pr.GetNumber(), &github.PullRequest{Title: github.Ptr(title)})
	if err == nil {
		pr.Title = github.Ptr(title)
	}
	return err
}

// RateLimitRemaining samples the code host's remaining quota.
func (w *Worker) RateLimitRemaining(ctx context.Context) (int, error) {
	return w.gh.RateLimitRemaining(ctx)
}
