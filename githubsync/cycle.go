/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubsync

import (
	"context"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"golang.org/x/sync/errgroup"

	"chainguard.dev/patchbridge/branchworker"
	"chainguard.dev/patchbridge/stats"
)

// SyncPatches runs one full synchronization cycle: mirror, fetch subjects,
// per-subject reconciliation, orphaned-PR sweep, expiry, and metrics. A
// failure on one series never aborts the cycle; a failure in the mirror
// phase does, since every later step depends on fresh repository state.
func (s *Sync) SyncPatches(ctx context.Context) error {
	log := clog.FromContext(ctx)

	workers := s.orderedWorkers()
	if len(workers) == 0 {
		log.Warn("No branch workers that can sync, skipping cycle")
		return nil
	}

	s.stats.Drop()
	syncStart := s.now()

	// Mirror phase: workers own disjoint state, so they refresh in parallel.
	group, groupCtx := errgroup.WithContext(ctx)
	for _, worker := range workers {
		group.Go(func() error {
			log.Infof("Refreshing repo info for %s", worker.RepoBranch())
			if err := worker.FetchRepoBranch(groupCtx); err != nil {
				return err
			}
			if err := worker.GetPulls(groupCtx); err != nil {
				return err
			}
			if err := worker.DoSync(groupCtx); err != nil {
				return err
			}
			worker.DropClosedPRCache()
			return worker.RefreshBranches(groupCtx)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	s.mergeAllPRs(workers)

	mirrorDone := s.now()

	for _, worker := range workers {
		if err := worker.UpdateE2ETestBranchAndUpdatePR(ctx, worker.RepoBranch()); err != nil {
			return err
		}
	}

	subjects, err := s.pw.GetRelevantSubjects(ctx)
	if err != nil {
		return err
	}

	pwDone := s.now()
	stats.PatchworkFetchDuration.Observe(pwDone.Sub(mirrorDone).Seconds())

	for _, subject := range subjects {
		if err := s.SyncRelevantSubject(ctx, subject); err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.Warnf("Subject %q failed this cycle: %v", subject.Subject, err)
		}
	}

	subjectNames := make(map[string]bool, len(subjects))
	for _, subject := range subjects {
		subjectNames[subject.Subject] = true
	}
	for _, worker := range workers {
		s.sweepOrphanedPRs(ctx, worker, subjectNames)

		if err := worker.ExpireBranches(ctx); err != nil {
			log.Warnf("Branch expiry on %s failed: %v", worker.RepoBranch(), err)
		}
		if err := worker.ExpireUserPRs(ctx); err != nil {
			log.Warnf("PR expiry on %s failed: %v", worker.RepoBranch(), err)
		}

		remaining, err := worker.RateLimitRemaining(ctx)
		if err != nil {
			log.Warnf("Rate limit read on %s failed: %v", worker.RepoBranch(), err)
		} else {
			stats.GithubRatelimitRemaining.WithLabelValues(worker.UserLogin()).Set(float64(remaining))
		}
	}

	patchesDone := s.now()
	s.stats.Set("full_cycle_duration", patchesDone.Sub(syncStart).Seconds())
	stats.TotalTime.Observe(patchesDone.Sub(syncStart).Seconds())
	s.stats.Set("mirror_duration", mirrorDone.Sub(syncStart).Seconds())
	s.stats.Set("pw_fetch_duration", pwDone.Sub(mirrorDone).Seconds())
	s.stats.Set("patch_and_update_duration", patchesDone.Sub(pwDone).Seconds())

	for _, worker := range workers {
		for _, pr := range worker.PRs() {
			if worker.IsRelevantPR(pr) {
				if err := s.stats.Increment("prs_total"); err != nil {
					log.Warnf("%v", err)
				}
				stats.ProcessedPRs.Inc()
			}
		}
	}

	// Advance this tracker client's watermark to the cycle start. The
	// supervisor builds a fresh Sync, and with it a fresh tracker client,
	// every iteration, so the next cycle searches the full lookback window
	// again.
	s.pw.AdvanceSince(syncStart)
	return nil
}

// mergeAllPRs unions every worker's head-ref keyed PR view and installs the
// merged view on each of them, so stale cross-target references resolve.
func (s *Sync) mergeAllPRs(workers []Worker) {
	merged := map[string]map[string][]*github.PullRequest{}
	for _, worker := range workers {
		for ref, byTarget := range worker.AllPRs() {
			dst, ok := merged[ref]
			if !ok {
				dst = map[string][]*github.PullRequest{}
				merged[ref] = dst
			}
			for target, prs := range byTarget {
				dst[target] = append(dst[target], prs...)
			}
		}
	}
	for _, worker := range workers {
		worker.SetAllPRs(merged)
	}
}

// sweepOrphanedPRs revisits open PRs whose subject was not in the fresh
// search window: renames PRs whose series subject changed (cover letter
// edits), reapplies the latest series, and refreshes checks.
func (s *Sync) sweepOrphanedPRs(ctx context.Context, worker Worker, subjectNames map[string]bool) {
	log := clog.FromContext(ctx)

	type entry struct {
		title string
		pr    *github.PullRequest
	}
	var entries []entry
	for title, pr := range worker.PRs() {
		entries = append(entries, entry{title: title, pr: pr})
	}

	for _, e := range entries {
		if subjectNames[e.title] {
			continue
		}
		if !worker.IsRelevantPR(e.pr) {
			continue
		}
		parsed := branchworker.ParsePRRef(e.pr.GetHead().GetRef())
		if !parsed.OK() {
			log.Warnf("Unexpected format of the branch name: %s", e.pr.GetHead().GetRef())
			continue
		}

		series, err := s.pw.GetSeriesByID(ctx, parsed.SeriesID)
		if err != nil {
			log.Warnf("Fetching series %d failed: %v", parsed.SeriesID, err)
			continue
		}
		subject := s.pw.GetSubjectBySeries(series)
		if e.title != subject.Subject {
			log.Warnf("Renaming #%d from %q to %q according to series %d",
				e.pr.GetNumber(), e.title, subject.Subject, series.ID)
			if err := worker.RenamePull(ctx, e.pr, subject.Subject); err != nil {
				log.Warnf("Renaming #%d failed: %v", e.pr.GetNumber(), err)
				continue
			}
		}

		branchName, err := worker.SubjectToBranch(ctx, subject)
		if err != nil {
			log.Warnf("Resolving branch for %q failed: %v", subject.Subject, err)
			continue
		}
		latest, err := subject.LatestSeries(ctx)
		if err != nil || latest == nil {
			latest = series
		}
		pr, err := s.CheckoutAndPatchSafe(ctx, worker, branchName, latest)
		if err != nil {
			log.Warnf("Refreshing orphaned PR #%d failed: %v", e.pr.GetNumber(), err)
			continue
		}
		if pr == nil {
			continue
		}
		if err := worker.SyncChecks(ctx, pr, latest); err != nil {
			log.Warnf("Check sync for series %d failed: %v", latest.ID, err)
		}
	}
}
