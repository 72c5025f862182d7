/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package branchworker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"

	"chainguard.dev/patchbridge/config"
)

// GitHub is the slice of the code-host API a worker consumes. It exists so
// tests can substitute a fake; the production implementation wraps
// go-github behind a rate-limit-aware transport.
type GitHub interface {
	// BotLogin returns the authenticated account's login.
	BotLogin(ctx context.Context) (string, error)
	// ListPulls returns pull requests filtered by state and base branch.
	ListPulls(ctx context.Context, state, base string) ([]*github.PullRequest, error)
	// CreatePull opens a pull request.
	CreatePull(ctx context.Context, title, body, head, base string) (*github.PullRequest, error)
	// EditPull patches mutable PR fields (state, title, base).
	EditPull(ctx context.Context, number int, patch *github.PullRequest) (*github.PullRequest, error)
	// AddLabels attaches labels to a pull request.
	AddLabels(ctx context.Context, number int, labels []string) error
	// RemoveLabel detaches one label; absent labels are not an error.
	RemoveLabel(ctx context.Context, number int, label string) error
	// ListLabels enumerates the repository's label definitions.
	ListLabels(ctx context.Context) ([]*github.Label, error)
	// CreateLabel defines a new repository label.
	CreateLabel(ctx context.Context, name, color string) error
	// EditLabel renames and recolors an existing label.
	EditLabel(ctx context.Context, name, newName, color string) error
	// ListBranches returns the repository's branch names.
	ListBranches(ctx context.Context) ([]string, error)
	// DeleteBranchRef deletes refs/heads/<branch>.
	DeleteBranchRef(ctx context.Context, branch string) error
	// ListCheckRuns returns the check runs for a commit ref.
	ListCheckRuns(ctx context.Context, ref string) ([]*github.CheckRun, error)
	// RateLimitRemaining samples the remaining core API quota.
	RateLimitRemaining(ctx context.Context) (int, error)
}

// ghRepo implements GitHub against one repository.
type ghRepo struct {
	client *github.Client
	owner  string
	repo   string

	login string
}

// installationTokenSource adapts a ghinstallation transport into an
// oauth2.TokenSource usable for git-over-https pushes.
type installationTokenSource struct {
	transport *ghinstallation.Transport
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.transport.Token(context.Background())
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token}, nil
}

// splitRepoURL extracts owner and repository name from a git remote URL,
// tolerating embedded credentials and a trailing .git suffix.
func splitRepoURL(raw string) (owner, repo string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parsing repo url %q: %w", raw, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("repo url %q lacks owner/name path", raw)
	}
	return parts[len(parts)-2], strings.TrimSuffix(parts[len(parts)-1], ".git"), nil
}

// newGitHubClient builds the GitHub port and the token source used for git
// pushes from a branch's auth configuration. OAuth token and App
// installation auth are both supported; App auth wins when both are set.
func newGitHubClient(branch config.BranchConfig) (GitHub, oauth2.TokenSource, error) {
	owner, repo, err := splitRepoURL(branch.Repo)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case branch.GithubAppAuth != nil:
		itr, err := ghinstallation.New(http.DefaultTransport,
			branch.GithubAppAuth.AppID, branch.GithubAppAuth.InstallationID, branch.GithubAppAuth.PrivateKey)
		if err != nil {
			return nil, nil, fmt.Errorf("building app installation transport: %w", err)
		}
		client := github.NewClient(github_ratelimit.NewClient(itr))
		return &ghRepo{client: client, owner: owner, repo: repo},
			&installationTokenSource{transport: itr}, nil

	case branch.GithubOauthToken != "":
		client := github.NewClient(github_ratelimit.NewClient(nil)).WithAuthToken(branch.GithubOauthToken)
		return &ghRepo{client: client, owner: owner, repo: repo},
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: branch.GithubOauthToken}), nil

	default:
		return nil, nil, fmt.Errorf("branch %s/%s has neither github_oauth_token nor github_app_auth", owner, repo)
	}
}

func (g *ghRepo) BotLogin(ctx context.Context) (string, error) {
	if g.login != "" {
		return g.login, nil
	}
	user, _, err := g.client.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("fetching authenticated user: %w", err)
	}
	g.login = user.GetLogin()
	return g.login, nil
}

func (g *ghRepo) ListPulls(ctx context.Context, state, base string) ([]*github.PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       state,
		Base:        base,
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var all []*github.PullRequest
	for {
		page, resp, err := g.client.PullRequests.List(ctx, g.owner, g.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing %s pulls on %s: %w", state, base, err)
		}
		all = append(all, page...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

func (g *ghRepo) CreatePull(ctx context.Context, title, body, head, base string) (*github.PullRequest, error) {
	pr, _, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
	})
	if err != nil {
		if isNoCommitsBetween(err) {
			return nil, &NewPRWithNoChangeError{BaseBranch: base, TargetBranch: head}
		}
		return nil, fmt.Errorf("creating pull %s -> %s: %w", head, base, err)
	}
	return pr, nil
}

// isNoCommitsBetween recognizes the validation error GitHub returns when the
// head and base have an empty diff.
func isNoCommitsBetween(err error) bool {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) {
		return false
	}
	for _, e := range ghErr.Errors {
		if strings.Contains(e.Message, "No commits between") {
			return true
		}
	}
	return false
}

func (g *ghRepo) EditPull(ctx context.Context, number int, patch *github.PullRequest) (*github.PullRequest, error) {
	pr, _, err := g.client.PullRequests.Edit(ctx, g.owner, g.repo, number, patch)
	if err != nil {
		return nil, fmt.Errorf("editing pull #%d: %w", number, err)
	}
	return pr, nil
}

func (g *ghRepo) AddLabels(ctx context.Context, number int, labels []string) error {
	_, _, err := g.client.Issues.AddLabelsToIssue(ctx, g.owner, g.repo, number, labels)
	if err != nil {
		return fmt.Errorf("adding labels to #%d: %w", number, err)
	}
	return nil
}

func (g *ghRepo) RemoveLabel(ctx context.Context, number int, label string) error {
	_, err := g.client.Issues.RemoveLabelForIssue(ctx, g.owner, g.repo, number, label)
	if err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("removing label %q from #%d: %w", label, number, err)
	}
	return nil
}

func (g *ghRepo) ListLabels(ctx context.Context) ([]*github.Label, error) {
	var all []*github.Label
	opts := &github.ListOptions{PerPage: 100}
	for {
		page, resp, err := g.client.Issues.ListLabels(ctx, g.owner, g.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing labels: %w", err)
		}
		all = append(all, page...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

func (g *ghRepo) CreateLabel(ctx context.Context, name, color string) error {
	_, _, err := g.client.Issues.CreateLabel(ctx, g.owner, g.repo, &github.Label{
		Name:  github.Ptr(name),
		Color: github.Ptr(color),
	})
	if err != nil {
		return fmt.Errorf("creating label %q: %w", name, err)
	}
	return nil
}

func (g *ghRepo) EditLabel(ctx context.Context, name, newName, color string) error {
	_, _, err := g.client.Issues.EditLabel(ctx, g.owner, g.repo, name, &github.Label{
		Name:  github.Ptr(newName),
		Color: github.Ptr(color),
	})
	if err != nil {
		return fmt.Errorf("editing label %q: %w", name, err)
	}
	return nil
}

func (g *ghRepo) ListBranches(ctx context.Context) ([]string, error) {
	var names []string
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		page, resp, err := g.client.Repositories.ListBranches(ctx, g.owner, g.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing branches: %w", err)
		}
		for _, b := range page {
			names = append(names, b.GetName())
		}
		if resp.NextPage == 0 {
			return names, nil
		}
		opts.Page = resp.NextPage
	}
}

func (g *ghRepo) DeleteBranchRef(ctx context.Context, branch string) error {
	if _, err := g.client.Git.DeleteRef(ctx, g.owner, g.repo, "heads/"+branch); err != nil {
		return fmt.Errorf("deleting branch ref %q: %w", branch, err)
	}
	return nil
}

func (g *ghRepo) ListCheckRuns(ctx context.Context, ref string) ([]*github.CheckRun, error) {
	var all []*github.CheckRun
	opts := &github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		result, resp, err := g.client.Checks.ListCheckRunsForRef(ctx, g.owner, g.repo, ref, opts)
		if err != nil {
			return nil, fmt.Errorf("listing check runs for %s: %w", ref, err)
		}
		all = append(all, result.CheckRuns...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

func (g *ghRepo) RateLimitRemaining(ctx context.Context) (int, error) {
	limits, _, err := g.client.RateLimit.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading rate limit: %w", err)
	}
	return limits.GetCore().Remaining, nil
}
