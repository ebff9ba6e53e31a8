// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"

	"github.com/jontk/slurm-orchestrator/api"
	"github.com/jontk/slurm-orchestrator/pkg/orcherrors"
)

// Reconcile implements spec.md §4.6's restart recovery step and §8
// scenario 6: for every non-terminal package already in the store, it
// asks the adapter whether the scheduler still knows about its
// external_id. A live array job is re-queried directly so the
// package's state reflects what actually happened while the
// supervisor was down. An external_id the scheduler no longer
// recognizes is treated as a synthetic failure and run back through
// the normal retry-or-terminal decision maxRetries enforces, exactly
// as a live task failure would be (spec.md §4.6 "Unknown external_ids
// ... are treated as FAILED with a synthetic exit code and subject to
// normal retry policy").
//
// Reconcile does not resubmit anything itself; it only brings the
// store's view in line with scheduler reality so the next poll round
// (for live jobs) or retry round (for RETRYABLE packages) proceeds
// correctly.
func (s *Supervisor) Reconcile(ctx context.Context, jobNames []string, maxRetries int) error {
	for _, jobName := range jobNames {
		if err := s.reconcileJob(ctx, jobName, maxRetries); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) reconcileJob(ctx context.Context, jobName string, maxRetries int) error {
	pkgs := s.store.Snapshot(jobName)
	if len(pkgs) == 0 {
		return nil
	}

	liveIDs, err := s.adapter.ListActive(ctx, s.account, jobName)
	if err != nil {
		// Transient query failure: leave the store untouched: the
		// next explicit reconciliation attempt (or the CLI retrying
		// the restart) tries again (spec.md §7).
		s.logger.Warn("reconcile: list_active failed", "job", jobName, "error", err.Error())
		return nil
	}
	live := make(map[string]bool, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = true
	}

	queried := make(map[string][]api.TaskState)
	for _, wp := range pkgs {
		if wp.State.IsTerminal() || wp.State == api.StatePending {
			continue
		}
		if wp.External.ArrayJobID == "" {
			continue
		}

		if !live[wp.External.ArrayJobID] {
			s.reconcileForgotten(wp, maxRetries)
			if err := s.persist(wp); err != nil {
				return orcherrors.Wrap(orcherrors.ErrorCodeStoreWrite, "persist reconciled package", err).ForJob(jobName)
			}
			continue
		}

		states, ok := queried[wp.External.ArrayJobID]
		if !ok {
			states, err = s.adapter.Query(ctx, wp.External.ArrayJobID)
			if err != nil {
				// Transient: leave as-is, the next poll round retries.
				continue
			}
			queried[wp.External.ArrayJobID] = states
		}

		for _, ts := range states {
			if ts.TaskID != wp.External.TaskID {
				continue
			}
			if ts.State == wp.State {
				break
			}
			wp.State = ts.State
			if ts.State == api.StateFailed {
				wp.LastError = &api.LastError{ExitCode: ts.ExitCode}
			}
			if err := s.persist(wp); err != nil {
				return orcherrors.Wrap(orcherrors.ErrorCodeStoreWrite, "persist reconciled package", err).ForJob(jobName)
			}
			break
		}
	}
	return nil
}

// reconcileForgotten applies the synthetic-failure / retry-policy
// decision to a package whose external_id the scheduler no longer
// recognizes.
func (s *Supervisor) reconcileForgotten(wp *api.WorkPackage, maxRetries int) {
	wp.LastError = &api.LastError{ExitCode: -1, StderrTail: "reconcile: scheduler has no record of this array job"}
	if wp.Attempt <= maxRetries {
		wp.State = api.StateRetryable
	} else {
		wp.State = api.StateFailed
	}
}
