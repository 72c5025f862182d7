/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package branchworker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v84/github"
)

// fakeGitHub implements the GitHub port in memory and records mutations.
type fakeGitHub struct {
	login       string
	openPulls   []*github.PullRequest
	closedPulls []*github.PullRequest
	labels      []*github.Label
	branches    []string
	checkRuns   map[string][]*github.CheckRun
	ratelimit   int

	createdPulls  []*github.PullRequest
	editedPulls   map[int][]*github.PullRequest
	addedLabels   map[int][][]string
	removedLabels map[int][]string
	createdLabels map[string]string
	editedLabels  map[string][2]string
	deletedRefs   []string

	createPullErr error
	nextPRNumber  int
}

func newFakeGitHub(login string) *fakeGitHub {
	return &fakeGitHub{
		login:         login,
		checkRuns:     map[string][]*github.CheckRun{},
		editedPulls:   map[int][]*github.PullRequest{},
		addedLabels:   map[int][][]string{},
		removedLabels: map[int][]string{},
		createdLabels: map[string]string{},
		editedLabels:  map[string][2]string{},
		nextPRNumber:  100,
	}
}

func (f *fakeGitHub) BotLogin(context.Context) (string, error) { return f.login, nil }

func (f *fakeGitHub) ListPulls(_ context.Context, state, base string) ([]*github.PullRequest, error) {
	var source []*github.PullRequest
	if state == "open" {
		source = f.openPulls
	} else {
		source = f.closedPulls
	}
	var out []*github.PullRequest
	for _, pr := range source {
		if base == "" || pr.GetBase().GetRef() == base {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (f *fakeGitHub) CreatePull(_ context.Context, title, body, head, base string) (*github.PullRequest, error) {
	if f.createPullErr != nil {
		return nil, f.createPullErr
	}
	f.nextPRNumber++
	pr := makePR(prSpec{
		number: f.nextPRNumber,
		title:  title,
		head:   head,
		base:   base,
		user:   f.login,
		state:  "open",
	})
	pr.Body = github.Ptr(body)
	pr.HTMLURL = github.Ptr(fmt.Sprintf("https://github.test/org/repo/pull/%d", f.nextPRNumber))
	f.createdPulls = append(f.createdPulls, pr)
	f.openPulls = append(f.openPulls, pr)
	return pr, nil
}

func (f *fakeGitHub) EditPull(_ context.Context, number int, patch *github.PullRequest) (*github.PullRequest, error) {
	f.editedPulls[number] = append(f.editedPulls[number], patch)
	return patch, nil
}

func (f *fakeGitHub) AddLabels(_ context.Context, number int, labels []string) error {
	f.addedLabels[number] = append(f.addedLabels[number], labels)
	return nil
}

func (f *fakeGitHub) RemoveLabel(_ context.Context, number int, label string) error {
	f.removedLabels[number] = append(f.removedLabels[number], label)
	return nil
}

func (f *fakeGitHub) ListLabels(context.Context) ([]*github.Label, error) { return f.labels, nil }

func (f *fakeGitHub) CreateLabel(_ context.Context, name, color string) error {
	f.createdLabels[name] = color
	return nil
}

func (f *fakeGitHub) EditLabel(_ context.Context, name, newName, color string) error {
	f.editedLabels[name] = [2]string{newName, color}
	return nil
}

func (f *fakeGitHub) ListBranches(context.Context) ([]string, error) { return f.branches, nil }

func (f *fakeGitHub) DeleteBranchRef(_ context.Context, branch string) error {
	f.deletedRefs = append(f.deletedRefs, branch)
	return nil
}

func (f *fakeGitHub) ListCheckRuns(_ context.Context, ref string) ([]*github.CheckRun, error) {
	return f.checkRuns[ref], nil
}

func (f *fakeGitHub) RateLimitRemaining(context.Context) (int, error) { return f.ratelimit, nil }

// prSpec builds test pull requests tersely.
type prSpec struct {
	number   int
	title    string
	head     string
	base     string
	user     string
	headUser string
	baseUser string
	state    string
	updated  string // RFC3339, optional
	labels   []string
}

func makePR(spec prSpec) *github.PullRequest {
	headUser := spec.headUser
	if headUser == "" {
		headUser = spec.user
	}
	baseUser := spec.baseUser
	if baseUser == "" {
		baseUser = spec.user
	}
	pr := &github.PullRequest{
		Number: github.Ptr(spec.number),
		Title:  github.Ptr(spec.title),
		State:  github.Ptr(spec.state),
		User:   &github.User{Login: github.Ptr(spec.user)},
		Head: &github.PullRequestBranch{
			Ref:  github.Ptr(spec.head),
			User: &github.User{Login: github.Ptr(headUser)},
			SHA:  github.Ptr("headsha-" + spec.head),
		},
		Base: &github.PullRequestBranch{
			Ref:  github.Ptr(spec.base),
			User: &github.User{Login: github.Ptr(baseUser)},
		},
	}
	if spec.updated != "" {
		ts, err := time.Parse(time.RFC3339, spec.updated)
		if err != nil {
			panic(err)
		}
		pr.UpdatedAt = &github.Timestamp{Time: ts}
	}
	for _, name := range spec.labels {
		pr.Labels = append(pr.Labels, &github.Label{Name: github.Ptr(name)})
	}
	return pr
}
