// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/jontk/slurm-orchestrator/api"
)

// MemoryAdapter is a deterministic in-memory Adapter for tests,
// analogous to the teacher's generated mocks (the supervisor's unit
// tests use their own scripted adapter instead).
// Callers drive task outcomes directly via SetTaskState; nothing
// touches a real scheduler.
type MemoryAdapter struct {
	mu      sync.Mutex
	nextID  int
	jobs    map[string]*memoryJob
	account string
}

type memoryJob struct {
	namePrefix string
	tasks      map[int]api.TaskState
	cancelled  bool
}

// NewMemoryAdapter creates an empty in-memory adapter for account.
func NewMemoryAdapter(account string) *MemoryAdapter {
	return &MemoryAdapter{
		jobs:    make(map[string]*memoryJob),
		account: account,
	}
}

func (m *MemoryAdapter) SubmitArray(ctx context.Context, bucket *api.Bucket) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := fmt.Sprintf("mem-%d", m.nextID)
	tasks := make(map[int]api.TaskState, len(bucket.Packages))
	for i := range bucket.Packages {
		// Task IDs are positional within this submission, matching a
		// real array job's indexing: a retry round resubmits a subset
		// of a bucket's packages and gets fresh 0..n-1 task IDs, not
		// the packages' original stable Index.
		tasks[i] = api.TaskState{TaskID: i, State: api.StatePending}
	}
	m.jobs[id] = &memoryJob{namePrefix: bucket.JobName, tasks: tasks}
	return id, nil
}

func (m *MemoryAdapter) Query(ctx context.Context, arrayJobID string) ([]api.TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[arrayJobID]
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown array job %q", arrayJobID)
	}
	out := make([]api.TaskState, 0, len(job.tasks))
	for _, ts := range job.tasks {
		out = append(out, ts)
	}
	return out, nil
}

func (m *MemoryAdapter) Cancel(ctx context.Context, arrayJobID string, taskIDs []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[arrayJobID]
	if !ok {
		return fmt.Errorf("scheduler: unknown array job %q", arrayJobID)
	}
	job.cancelled = true
	if len(taskIDs) == 0 {
		for id, ts := range job.tasks {
			ts.State = api.StateCancelled
			job.tasks[id] = ts
		}
		return nil
	}
	for _, id := range taskIDs {
		if ts, ok := job.tasks[id]; ok {
			ts.State = api.StateCancelled
			job.tasks[id] = ts
		}
	}
	return nil
}

func (m *MemoryAdapter) ListActive(ctx context.Context, account, namePrefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if account != m.account {
		return nil, nil
	}
	var ids []string
	for id, job := range m.jobs {
		if job.cancelled {
			continue
		}
		if namePrefix != "" && job.namePrefix != namePrefix {
			continue
		}
		for _, ts := range job.tasks {
			if !ts.State.IsTerminal() {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

// SetTaskState lets a test drive a task directly to a given state,
// simulating what Query would observe after a real poll.
func (m *MemoryAdapter) SetTaskState(arrayJobID string, taskID int, state api.State, exitCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[arrayJobID]
	if !ok {
		return
	}
	job.tasks[taskID] = api.TaskState{TaskID: taskID, State: state, ExitCode: exitCode}
}
