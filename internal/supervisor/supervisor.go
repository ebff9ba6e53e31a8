// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package supervisor implements the control loop spec.md §4.6 and §5
// describe: a long-running driver that advances a pipeline job by job,
// fanning each one out into resource buckets, submitting them as array
// jobs, polling the scheduler adapter for task transitions, retrying
// failed tasks with exponential backoff, and persisting every state
// change through a single serialized writer so the whole run survives
// its own restart. Unlike the teacher's versioned client factory, the
// supervisor is constructed directly: store, adapter, and notifier are
// passed in rather than resolved from package-level state (spec.md §9's
// "re-architect as an explicitly constructed supervisor instance").
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/jontk/slurm-orchestrator/api"
	"github.com/jontk/slurm-orchestrator/internal/bucket"
	"github.com/jontk/slurm-orchestrator/internal/expander"
	"github.com/jontk/slurm-orchestrator/internal/notifier"
	"github.com/jontk/slurm-orchestrator/internal/store"
	"github.com/jontk/slurm-orchestrator/pkg/logging"
	"github.com/jontk/slurm-orchestrator/pkg/orcherrors"
	"github.com/jontk/slurm-orchestrator/pkg/pipelineconfig"
	"github.com/jontk/slurm-orchestrator/pkg/retry"
	"github.com/jontk/slurm-orchestrator/pkg/scheduler"
	"github.com/jontk/slurm-orchestrator/pkg/watch"
)

// JobSummary reports the terminal-state counts for one job's run.
type JobSummary struct {
	JobName         string
	Total           int
	Succeeded       int
	Failed          int
	Cancelled       int
	ExpansionFailed bool
}

// RunSummary is what Supervisor.Run returns once the pipeline has
// settled (or been aborted).
type RunSummary struct {
	RunID   string
	Jobs    []JobSummary
	Aborted bool
}

// AnyFailed reports whether any job reported a FAILED package, the
// condition the CLI's exit-code contract (spec.md §6) inspects without
// treating it as fatal.
func (r RunSummary) AnyFailed() bool {
	for _, j := range r.Jobs {
		if j.Failed > 0 || j.ExpansionFailed {
			return true
		}
	}
	return false
}

// mutation is one Store.Upsert request routed through the supervisor's
// single writer goroutine, so every state transition -- regardless of
// which bucket's poll goroutine observed it -- passes through one
// serialized region (spec.md §5).
type mutation struct {
	pkg   *api.WorkPackage
	reply chan error
}

// Supervisor drives one pipeline run. It holds the store and scheduler
// adapter as explicit dependencies rather than globals.
type Supervisor struct {
	store    store.Store
	adapter  scheduler.Adapter
	notif    notifier.Notifier
	logger   logging.Logger
	runID    string
	account  string

	mutations chan mutation
	stop      chan struct{}
	stopOnce  sync.Once

	mu       sync.Mutex
	cancelFn context.CancelFunc

	onChange func(pkg api.WorkPackage)
}

// OnChange registers fn to be called, from the writer goroutine, after
// every successful persist -- the hook pkg/statusserver uses to push
// live updates to its websocket clients. It is not safe to call once
// Run has started; set it right after New.
func (s *Supervisor) OnChange(fn func(pkg api.WorkPackage)) {
	s.onChange = fn
}

// New builds a Supervisor for one pipeline run. runID names this run
// for log correlation and notifier events; account is the Slurm
// account used for ListActive reconciliation.
func New(st store.Store, adapter scheduler.Adapter, notif notifier.Notifier, logger logging.Logger, runID, account string) *Supervisor {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if notif == nil {
		notif = notifier.NewLoggingNotifier(logger)
	}
	s := &Supervisor{
		store:     st,
		adapter:   adapter,
		notif:     notif,
		logger:    logger,
		runID:     runID,
		account:   account,
		mutations: make(chan mutation, 256),
		stop:      make(chan struct{}),
	}
	go s.writerLoop()
	return s
}

// writerLoop is the store's single writer: every package mutation from
// every bucket's poll goroutine is funneled here and applied in
// arrival order.
func (s *Supervisor) writerLoop() {
	for {
		select {
		case <-s.stop:
			return
		case m, ok := <-s.mutations:
			if !ok {
				return
			}
			err := s.store.Upsert(context.Background(), m.pkg)
			if err == nil && s.onChange != nil {
				s.onChange(*m.pkg)
			}
			m.reply <- err
		}
	}
}

// persist routes pkg through the single-writer region. A non-nil error
// is a store-write failure, fatal per spec.md §7: the caller must abort
// the run rather than continue with an unpersisted transition.
func (s *Supervisor) persist(pkg *api.WorkPackage) error {
	pkg.UpdatedAt = time.Now()
	reply := make(chan error, 1)
	s.mutations <- mutation{pkg: pkg, reply: reply}
	return <-reply
}

// Close stops the writer goroutine. Call once the Supervisor is no
// longer needed; Run does not call it automatically so a caller can
// inspect the store immediately after a run completes.
func (s *Supervisor) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Abort cancels the run in progress, if any: every outstanding bucket's
// array job is cancelled via the adapter, affected packages are marked
// CANCELLED, and Run returns. Safe to call from a signal handler.
func (s *Supervisor) Abort() {
	s.mu.Lock()
	cancel := s.cancelFn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives spec job by job in declared order, never advancing to the
// next job until every bucket of the current one has settled (spec.md
// §4.6 step 4). A job's expansion error is job-scoped: it is reported
// and the job's summary records no packages, but the pipeline
// continues to the next job (spec.md §7). A store-write error is
// fatal and aborts the whole run immediately.
//
// Before the first job runs, Run reconciles every job already present
// in the store against live scheduler state (spec.md §4.6 restart
// recovery, §8 scenario 6): a fresh store has nothing to reconcile, a
// store replayed from a prior run brings its non-terminal packages in
// line with what actually happened while the supervisor was down, so
// runJob never resubmits work that is already settled or still live.
func (s *Supervisor) Run(ctx context.Context, spec *pipelineconfig.PipelineSpec) (*RunSummary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelFn = cancel
	s.mu.Unlock()
	defer cancel()

	s.notif.PipelineStarted(runCtx, s.runID, len(spec.Jobs))

	summary := &RunSummary{RunID: s.runID}
	advanceOnFailure := spec.Properties.AdvanceOnFailureOrDefault()

	// Special-case bucket packages are stored under
	// "<job>.<special_case>", so those names are reconciled too.
	jobNames := make([]string, 0, len(spec.Jobs))
	for _, job := range spec.Jobs {
		jobNames = append(jobNames, job.Name)
		for _, sc := range job.SpecialCases {
			jobNames = append(jobNames, job.Name+"."+sc.Name)
		}
	}
	if err := s.Reconcile(runCtx, jobNames, spec.Properties.MaxRetries); err != nil {
		s.notif.Error(runCtx, s.runID, err)
		return summary, err
	}

	for _, job := range spec.Jobs {
		js, err := s.runJob(runCtx, &job, spec.Properties)
		if err != nil {
			s.notif.Error(runCtx, s.runID, err)
			return summary, err
		}
		summary.Jobs = append(summary.Jobs, js)

		if runCtx.Err() != nil {
			summary.Aborted = true
			s.notif.PipelineCompleted(ctx, s.runID, false)
			return summary, runCtx.Err()
		}

		if js.Failed > 0 && !advanceOnFailure {
			break
		}
	}

	s.notif.PipelineCompleted(ctx, s.runID, !summary.AnyFailed())
	return summary, nil
}

// runJob implements one iteration of the per-job algorithm (spec.md
// §4.6 steps 1-3): expand, partition, materialize, submit, and poll
// every bucket to settlement. Buckets run concurrently; their outcomes
// do not order each other (spec.md §5).
func (s *Supervisor) runJob(ctx context.Context, job *pipelineconfig.JobSpec, props pipelineconfig.Properties) (JobSummary, error) {
	seeds, err := expander.Expand(job)
	if err != nil {
		wrapped := orcherrors.Wrap(orcherrors.ErrorCodeExpansion, "expand parameters", err).ForJob(job.Name)
		s.notif.Error(ctx, s.runID, wrapped)
		s.logger.Warn("job expansion failed; skipping", "job", job.Name, "error", err.Error())
		return JobSummary{JobName: job.Name, ExpansionFailed: true}, nil
	}

	buckets, warnings := bucket.Partition(job, seeds)
	for _, w := range warnings {
		s.logger.Warn("special-case predicate inconclusive", "job", w.JobName, "special_case", w.SpecialCase, "reason", w.Message)
	}

	total := 0
	for _, b := range buckets {
		total += len(b.Packages)
	}
	s.notif.JobStarted(ctx, s.runID, job.Name, total)

	// A package already present in the store (restart against an
	// existing run) keeps its recorded state instead of being
	// overwritten back to PENDING: Reconcile has already brought that
	// state in line with scheduler reality, and runBucket below relies
	// on it to decide what still needs submitting.
	for _, b := range buckets {
		for _, wp := range b.Packages {
			if existing, ok := s.store.Get(wp.JobName, wp.Index); ok {
				wp.State = existing.State
				wp.Attempt = existing.Attempt
				wp.External = existing.External
				wp.LastError = existing.LastError
				wp.LogPaths = existing.LogPaths
				wp.UpdatedAt = existing.UpdatedAt
				continue
			}
			if err := s.persist(wp); err != nil {
				return JobSummary{}, orcherrors.Wrap(orcherrors.ErrorCodeStoreWrite, "persist pending package", err).ForJob(job.Name)
			}
		}
	}

	backoff := retry.NewWorkPackageBackoff(props.PollInterval(), props.ExpBackoffFactor)

	var wg sync.WaitGroup
	errs := make([]error, len(buckets))
	for i, b := range buckets {
		wg.Add(1)
		go func(i int, b *api.Bucket) {
			defer wg.Done()
			errs[i] = s.runBucket(ctx, b, job.Name, props.MaxRetries, backoff)
		}(i, b)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return JobSummary{}, err
		}
	}

	summary := JobSummary{JobName: job.Name, Total: total}
	for _, b := range buckets {
		for _, wp := range b.Packages {
			switch wp.State {
			case api.StateSucceeded:
				summary.Succeeded++
			case api.StateFailed:
				summary.Failed++
			case api.StateCancelled:
				summary.Cancelled++
			}
		}
	}

	s.notif.JobCompleted(ctx, s.runID, job.Name, summary.Succeeded, summary.Failed, summary.Cancelled)
	return summary, nil
}

// runBucket submits bucket and polls it to settlement, resubmitting
// failed-and-retryable packages as fresh array jobs until every
// package is terminal or the run is aborted (spec.md §4.6 steps 2-3).
// The original bucket.Packages slice is mutated in place across retry
// rounds, so the caller can read final per-package state directly from
// it once runBucket returns.
//
// A package restored from the store by runJob (spec.md §4.6 restart
// recovery) is handled without resubmitting: a terminal package is
// skipped entirely, and one still SUBMITTED or RUNNING under a live
// external_id is resumed by polling its existing array job directly,
// exactly as spec.md §8 scenario 6 requires ("no resubmission; poll
// loop resumes"). Only PENDING and RETRYABLE packages enter the
// ordinary submit loop.
func (s *Supervisor) runBucket(ctx context.Context, b *api.Bucket, jobName string, maxRetries int, backoff retry.WorkPackageBackoff) error {
	var round []*api.WorkPackage
	liveGroups := make(map[string][]*api.WorkPackage)

	for _, wp := range b.Packages {
		switch {
		case wp.State.IsTerminal():
			continue
		case wp.State == api.StateSubmitted || wp.State == api.StateRunning:
			liveGroups[wp.External.ArrayJobID] = append(liveGroups[wp.External.ArrayJobID], wp)
		default:
			round = append(round, wp)
		}
	}

	for arrayID, pkgs := range liveGroups {
		byTask := make(map[int]*api.WorkPackage, len(pkgs))
		for _, wp := range pkgs {
			byTask[wp.External.TaskID] = wp
		}
		retryable, aborted, err := s.pollBucket(ctx, arrayID, byTask, maxRetries, backoff.PollInterval)
		if err != nil {
			return err
		}
		if aborted {
			return s.cancelBucket(arrayID, pkgs, jobName)
		}
		round = append(round, retryable...)
	}

	for len(round) > 0 {
		current := &api.Bucket{Name: b.Name, JobName: b.JobName, Resources: b.Resources, Packages: round}

		arrayID, err := s.adapter.SubmitArray(ctx, current)
		if err != nil {
			wrapped := orcherrors.Wrap(orcherrors.ErrorCodeSubmission, "submit bucket "+current.Name, err).ForJob(jobName)
			s.notif.Error(ctx, s.runID, wrapped)
			for _, wp := range round {
				wp.State = api.StateFailed
				wp.LastError = &api.LastError{ExitCode: -1, StderrTail: err.Error()}
				if perr := s.persist(wp); perr != nil {
					return orcherrors.Wrap(orcherrors.ErrorCodeStoreWrite, "persist submission failure", perr).ForJob(jobName)
				}
			}
			return nil
		}

		b.ArrayJobID = arrayID
		byTask := make(map[int]*api.WorkPackage, len(round))
		for i, wp := range round {
			// Task IDs are positional within this submission (spec.md
			// §4.4's work file: "task i receives record i"), not the
			// package's stable job-level Index -- a retry round
			// resubmits a subset and the scheduler assigns it fresh
			// 0..n-1 task IDs.
			wp.State = api.StateSubmitted
			wp.Attempt++
			wp.External = api.ExternalID{ArrayJobID: arrayID, TaskID: i}
			if err := s.persist(wp); err != nil {
				return orcherrors.Wrap(orcherrors.ErrorCodeStoreWrite, "persist submitted package", err).ForJob(jobName)
			}
			byTask[i] = wp
		}

		retryable, aborted, err := s.pollBucket(ctx, arrayID, byTask, maxRetries, backoff.PollInterval)
		if err != nil {
			return err
		}
		if aborted {
			return s.cancelBucket(arrayID, round, jobName)
		}
		if len(retryable) == 0 {
			return nil
		}

		delay := backoff.Delay(retryable[0].Attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return s.cancelBucket(arrayID, retryable, jobName)
		}
		round = retryable
	}
	return nil
}

// pollBucket watches one array job until every task is terminal,
// returning the subset that failed and is still within its retry
// budget. A query_error is treated as "no information" and never
// mutates state (spec.md §5, §7).
func (s *Supervisor) pollBucket(ctx context.Context, arrayID string, byTask map[int]*api.WorkPackage, maxRetries int, pollInterval time.Duration) (retryable []*api.WorkPackage, aborted bool, err error) {
	poller := watch.NewBucketPoller(func(ctx context.Context) ([]api.TaskState, error) {
		return s.adapter.Query(ctx, arrayID)
	}).WithPollInterval(pollInterval)

	for ev := range poller.Watch(ctx) {
		if ev.Type == watch.EventQueryError {
			continue
		}
		wp, ok := byTask[ev.TaskID]
		if !ok {
			continue
		}

		switch ev.NewState {
		case api.StateRunning:
			wp.State = api.StateRunning
			if perr := s.persist(wp); perr != nil {
				return nil, false, orcherrors.Wrap(orcherrors.ErrorCodeStoreWrite, "persist running package", perr)
			}
		case api.StateSucceeded:
			wp.State = api.StateSucceeded
			if perr := s.persist(wp); perr != nil {
				return nil, false, orcherrors.Wrap(orcherrors.ErrorCodeStoreWrite, "persist succeeded package", perr)
			}
		case api.StateFailed:
			wp.LastError = &api.LastError{ExitCode: ev.ExitCode}
			if wp.Attempt <= maxRetries {
				wp.State = api.StateRetryable
				if perr := s.persist(wp); perr != nil {
					return nil, false, orcherrors.Wrap(orcherrors.ErrorCodeStoreWrite, "persist retryable package", perr)
				}
				retryable = append(retryable, wp)
			} else {
				wp.State = api.StateFailed
				if perr := s.persist(wp); perr != nil {
					return nil, false, orcherrors.Wrap(orcherrors.ErrorCodeStoreWrite, "persist failed package", perr)
				}
			}
		}
	}

	if ctx.Err() != nil {
		return nil, true, nil
	}
	return retryable, false, nil
}

// cancelBucket implements the abort path for one bucket (spec.md
// §4.6 "Abort"): request cancellation from the adapter, then mark
// every package still non-terminal as CANCELLED. It uses a detached
// context so persistence completes even though the run's own context
// is already done.
func (s *Supervisor) cancelBucket(arrayID string, pkgs []*api.WorkPackage, jobName string) error {
	if err := s.adapter.Cancel(context.Background(), arrayID, nil); err != nil {
		s.logger.Warn("cancel request failed", "array_job_id", arrayID, "error", err.Error())
	}
	for _, wp := range pkgs {
		if wp.State.IsTerminal() {
			continue
		}
		wp.State = api.StateCancelled
		if err := s.persist(wp); err != nil {
			return orcherrors.Wrap(orcherrors.ErrorCodeStoreWrite, "persist cancelled package", err).ForJob(jobName)
		}
	}
	return nil
}
