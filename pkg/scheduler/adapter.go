// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package scheduler defines the contract the supervisor needs from any
// workload manager (spec.md §4.4): submit a bucket as an array job,
// query per-task state, cancel a bucket, and list active array jobs
// for restart reconciliation.
package scheduler

import (
	"context"

	"github.com/jontk/slurm-orchestrator/api"
)

// Adapter is the minimal contract the supervisor requires from an
// external workload manager.
type Adapter interface {
	// SubmitArray writes the bucket's work file, dispatches the
	// submission, and returns the scheduler-assigned array job ID.
	SubmitArray(ctx context.Context, bucket *api.Bucket) (string, error)

	// Query returns the current state of every task in the given
	// array job.
	Query(ctx context.Context, arrayJobID string) ([]api.TaskState, error)

	// Cancel requests best-effort termination of the given tasks (or
	// the whole array job when taskIDs is empty).
	Cancel(ctx context.Context, arrayJobID string, taskIDs []int) error

	// ListActive returns array job IDs matching account and
	// namePrefix, for restart-time reconciliation.
	ListActive(ctx context.Context, account, namePrefix string) ([]string, error)
}
