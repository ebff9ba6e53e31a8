// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package store provides the durable, crash-tolerant record of every
// work package's lifecycle (spec.md §4.5): an append-only JSONL log
// per job, fsync'd at the two moments a restart needs to trust --
// submission and terminal-state transitions -- and replayed into an
// in-memory index on open.
package store

import (
	"context"

	"github.com/jontk/slurm-orchestrator/api"
)

// Store is the durable record the supervisor consults and mutates.
// All implementations must be safe for concurrent Get/ByExternal/
// Snapshot reads, but Upsert is expected to be called from a single
// writer goroutine per spec.md §5.
type Store interface {
	// Upsert persists pkg's current state, fsyncing when pkg.State is
	// StateSubmitted or terminal.
	Upsert(ctx context.Context, pkg *api.WorkPackage) error

	// Get returns the work package for (jobName, index), or false if
	// absent.
	Get(jobName string, index int) (*api.WorkPackage, bool)

	// ByExternal looks up the work package currently submitted under
	// (arrayJobID, taskID), used by restart reconciliation to map a
	// scheduler-reported task back to its package.
	ByExternal(arrayJobID string, taskID int) (*api.WorkPackage, bool)

	// Snapshot returns every known work package for jobName, in index
	// order, for the status surface and CLI-equivalent reads.
	Snapshot(jobName string) []*api.WorkPackage

	// JobNames returns every job name the store has at least one
	// record for, for the status surface's top-level listing.
	JobNames() []string

	// Close releases any open file handles.
	Close() error
}
