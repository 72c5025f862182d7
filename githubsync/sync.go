/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubsync drives one synchronization cycle end to end: mirror the
// upstream repos, enumerate recent series from the tracker, route each
// subject to candidate target branches, apply and reconcile pull requests,
// and report check state back to the tracker.
package githubsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"

	"chainguard.dev/patchbridge/branchworker"
	"chainguard.dev/patchbridge/config"
	"chainguard.dev/patchbridge/githublogs"
	"chainguard.dev/patchbridge/patchwork"
	"chainguard.dev/patchbridge/stats"
)

// Worker is the slice of branchworker.Worker the orchestrator drives. The
// indirection keeps the cycle logic testable without git or a code host.
type Worker interface {
	CanDoSync() bool
	FetchRepoBranch(ctx context.Context) error
	GetPulls(ctx context.Context) error
	DoSync(ctx context.Context) error
	DropClosedPRCache()
	RefreshBranches(ctx context.Context) error
	UpdateE2ETestBranchAndUpdatePR(ctx context.Context, branch string) error

	SubjectToBranch(ctx context.Context, subject *patchwork.Subject) (string, error)
	TryApplyMailboxSeries(ctx context.Context, prBranch string, series *patchwork.Series) (branchworker.ApplyResult, error)
	CheckoutAndPatch(ctx context.Context, prBranch string, series *patchwork.Series) (*github.PullRequest, error)
	SyncChecks(ctx context.Context, pr *github.PullRequest, series *patchwork.Series) error

	ExpireBranches(ctx context.Context) error
	ExpireUserPRs(ctx context.Context) error

	PRs() map[string]*github.PullRequest
	AllPRs() map[string]map[string][]*github.PullRequest
	SetAllPRs(map[string]map[string][]*github.PullRequest)
	IsRelevantPR(pr *github.PullRequest) bool
	ClosePull(ctx context.Context, pr *github.PullRequest) error
	RenamePull(ctx context.Context, pr *github.PullRequest, title string) error
	RepoBranch() string
	UserLogin() string
	RateLimitRemaining(ctx context.Context) (int, error)
}

// Tracker is the slice of the patchwork client the orchestrator consumes.
type Tracker interface {
	GetRelevantSubjects(ctx context.Context) ([]*patchwork.Subject, error)
	GetSeriesByID(ctx context.Context, id int) (*patchwork.Series, error)
	GetSubjectBySeries(series *patchwork.Series) *patchwork.Subject
	AdvanceSince(t time.Time)
}

// Sync owns the per-cycle state: fresh tracker and code-host clients, worker
// caches, and the counter store. A new Sync is built every supervisor
// iteration so transient transport faults cannot poison the daemon.
type Sync struct {
	pw          Tracker
	project     string
	workers     map[string]Worker
	workerOrder []string
	tagToBranch config.TagToBranchMapping
	stats       *stats.Store

	now func() time.Time
}

// New wires a Sync from the daemon configuration: one tracker client and one
// branch worker per configured target branch.
func New(ctx context.Context, cfg *config.Config, labels map[string]string) (*Sync, error) {
	pw := patchwork.New(patchwork.ClientConfig{
		Server:         cfg.Patchwork.Server,
		Project:        cfg.Patchwork.Project,
		SearchPatterns: cfg.Patchwork.SearchPatterns,
		LookbackDays:   cfg.Patchwork.LookbackDays,
		AuthToken:      cfg.Patchwork.APIToken,
	})

	order := cfg.BranchOrder
	if len(order) == 0 {
		for name := range cfg.Branches {
			order = append(order, name)
		}
	}

	workers := make(map[string]Worker, len(cfg.Branches))
	for _, branch := range order {
		worker, err := branchworker.New(ctx, branchworker.Options{
			Patchwork:     pw,
			Labels:        labels,
			RepoBranch:    branch,
			Branch:        cfg.Branches[branch],
			Email:         cfg.Email,
			LogExtractor:  githublogs.ForProject(cfg.Patchwork.Project),
			BaseDirectory: cfg.BaseDirectory,
		})
		if err != nil {
			return nil, fmt.Errorf("building worker for %s: %w", branch, err)
		}
		workers[branch] = worker
	}

	return NewWithClients(pw, cfg.Patchwork.Project, workers, order, cfg.TagToBranchMapping), nil
}

// NewWithClients assembles a Sync from prebuilt collaborators.
func NewWithClients(pw Tracker, project string, workers map[string]Worker, order []string, mapping config.TagToBranchMapping) *Sync {
	return &Sync{
		pw:          pw,
		project:     project,
		workers:     workers,
		workerOrder: order,
		tagToBranch: mapping,
		now:         time.Now,
		stats: stats.NewStore(
			"full_cycle_duration",
			"mirror_duration",
			"pw_fetch_duration",
			"patch_and_update_duration",
			"prs_total",
			"empty_pr",
			"all_known_subjects",
			"runs_successful",
			"runs_failed",
		),
	}
}

// Stats exposes the per-cycle counter store.
func (s *Sync) Stats() *stats.Store { return s.stats }

// Project returns the tracker project this sync serves.
func (s *Sync) Project() string { return s.project }

// orderedWorkers returns the sync-capable workers in configuration order.
func (s *Sync) orderedWorkers() []Worker {
	out := make([]Worker, 0, len(s.workerOrder))
	for _, branch := range s.workerOrder {
		if worker, ok := s.workers[branch]; ok && worker.CanDoSync() {
			out = append(out, worker)
		}
	}
	return out
}

// GetMappedBranches routes a series through the tag→branch table: the first
// table entry whose tag appears in the series' tag set wins; otherwise the
// __DEFAULT__ entry, possibly empty, applies.
func (s *Sync) GetMappedBranches(ctx context.Context, series *patchwork.Series) []string {
	log := clog.FromContext(ctx)
	tags := series.AllTags()
	for _, entry := range s.tagToBranch {
		if entry.Tag == config.DefaultBranchKey {
			continue
		}
		if tags[entry.Tag] {
			log.Infof("Tag %q mapped to branch order %v", entry.Tag, entry.Branches)
			return entry.Branches
		}
	}
	mapped := s.tagToBranch.Default()
	log.Infof("Mapped to default branch order: %v", mapped)
	return mapped
}

// SelectTargetBranchesForSubject narrows the mapped branch list to a sticky
// target: when exactly one mapped branch already carries an open,
// non-conflicting PR for this subject, the subject stays there. Otherwise
// the full mapped list is tried in order.
func (s *Sync) SelectTargetBranchesForSubject(ctx context.Context, subject *patchwork.Subject, mapped []string) ([]string, error) {
	if len(mapped) == 1 {
		return mapped, nil
	}

	var withPR []string
	for _, branch := range mapped {
		worker, ok := s.workers[branch]
		if !ok {
			continue
		}
		prefix, err := worker.SubjectToBranch(ctx, subject)
		if err != nil {
			return nil, err
		}
		headRef := prefix + config.SeriesTargetSeparator + branch
		for _, pr := range worker.PRs() {
			if pr.GetHead().GetRef() == headRef && !branchworker.PRHasLabel(pr, branchworker.MergeConflictLabel) {
				withPR = append(withPR, branch)
			}
		}
	}
	if len(withPR) == 1 {
		return withPR, nil
	}
	return mapped, nil
}

// CloseExistingPRsForSeries closes every open PR that belongs to the same
// series as the winning PR but targets a different branch, and evicts them
// from the worker caches. At cycle end each series has at most one open PR.
func (s *Sync) CloseExistingPRsForSeries(ctx context.Context, workers []Worker, winner *github.PullRequest) {
	log := clog.FromContext(ctx)

	type duplicate struct {
		worker Worker
		pr     *github.PullRequest
	}
	var duplicates []duplicate
	for _, worker := range workers {
		for _, pr := range worker.PRs() {
			if branchworker.SameSeriesDifferentTarget(winner.GetHead().GetRef(), pr.GetHead().GetRef()) {
				duplicates = append(duplicates, duplicate{worker: worker, pr: pr})
			}
		}
	}

	for _, dup := range duplicates {
		log.Infof("Closing PR #%d (%s), replaced with #%d (%s)",
			dup.pr.GetNumber(), dup.pr.GetHead().GetRef(), winner.GetNumber(), winner.GetHead().GetRef())
		if err := dup.worker.ClosePull(ctx, dup.pr); err != nil {
			log.Warnf("Failed to close duplicate PR #%d: %v", dup.pr.GetNumber(), err)
			continue
		}
		for _, worker := range workers {
			if worker.PRs()[dup.pr.GetTitle()] == dup.pr {
				delete(worker.PRs(), dup.pr.GetTitle())
			}
		}
	}
}

// CheckoutAndPatchSafe wraps CheckoutAndPatch, absorbing the empty-diff
// outcome into the empty_pr counter.
func (s *Sync) CheckoutAndPatchSafe(ctx context.Context, worker Worker, branchName string, series *patchwork.Series) (*github.PullRequest, error) {
	log := clog.FromContext(ctx)
	if err := s.stats.Increment("all_known_subjects"); err != nil {
		log.Warnf("%v", err)
	}

	pr, err := worker.CheckoutAndPatch(ctx, branchName, series)
	if err != nil {
		var noChange *branchworker.NewPRWithNoChangeError
		if errors.As(err, &noChange) {
			if err := s.stats.Increment("empty_pr"); err != nil {
				log.Warnf("%v", err)
			}
			log.Infof("Series %d would produce an empty PR merging %s into %s, skipping",
				series.ID, noChange.TargetBranch, noChange.BaseBranch)
			return nil, nil
		}
		return nil, err
	}
	if pr == nil {
		log.Infof("PR associated with branch %s for series %d is closed, ignoring", branchName, series.ID)
	}
	return pr, nil
}

// SyncRelevantSubject runs the per-subject algorithm: walk the candidate
// target branches, commit to the first where the series applies (or to the
// last even when it conflicts), then sync checks and close duplicates.
func (s *Sync) SyncRelevantSubject(ctx context.Context, subject *patchwork.Subject) error {
	log := clog.FromContext(ctx)

	series, err := subject.LatestSeries(ctx)
	if err != nil {
		return err
	}
	if series == nil {
		return fmt.Errorf("subject %q has no series", subject.Subject)
	}
	log.Infof("Processing %d: %s", series.ID, subject.Subject)

	mapped := s.GetMappedBranches(ctx, series)
	if len(mapped) == 0 {
		log.Infof("Skipping %d: %s, no mapped branches", series.ID, subject.Subject)
		return nil
	}

	targets, err := s.SelectTargetBranchesForSubject(ctx, subject, mapped)
	if err != nil {
		return err
	}
	last := targets[len(targets)-1]
	for _, branch := range targets {
		worker, ok := s.workers[branch]
		if !ok {
			return fmt.Errorf("no worker for mapped branch %q", branch)
		}
		// The PR branch name anchors on the first known series id.
		prBranch, err := worker.SubjectToBranch(ctx, subject)
		if err != nil {
			return err
		}
		result, err := worker.TryApplyMailboxSeries(ctx, prBranch, series)
		if err != nil {
			return err
		}
		if !result.Applied {
			if branch != last {
				log.Infof("Failed to apply series %d to %s, moving to next", series.ID, branch)
				continue
			}
			log.Infof("Failed to apply series %d to %s, no more next, staying", series.ID, branch)
		}

		log.Infof("Choosing branch %s to create/update PR", branch)
		pr, err := s.CheckoutAndPatchSafe(ctx, worker, prBranch, series)
		if err != nil {
			return err
		}
		if pr == nil {
			continue
		}

		log.Infof("Created/updated #%d (%s): %s for series %d",
			pr.GetNumber(), pr.GetHead().GetRef(), pr.GetHTMLURL(), series.ID)
		if err := worker.SyncChecks(ctx, pr, series); err != nil {
			log.Warnf("Check sync for series %d failed: %v", series.ID, err)
		}
		s.CloseExistingPRsForSeries(ctx, s.allWorkers(), pr)
		break
	}
	return nil
}

func (s *Sync) allWorkers() []Worker {
	out := make([]Worker, 0, len(s.workerOrder))
	for _, branch := range s.workerOrder {
		if worker, ok := s.workers[branch]; ok {
			out = append(out, worker)
		}
	}
	return out
}
