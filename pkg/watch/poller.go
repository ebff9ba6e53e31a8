// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package watch drives the supervisor's poll loop for one bucket (spec.md
// §4.6): tick on an interval, query the scheduler for current task states,
// diff against the previously observed states, and emit one Event per
// transition. Adapted from the teacher's JobPoller/NodePoller/
// PartitionPoller trio -- generalized into a single BucketPoller since
// every resource kind drove the exact same ticker/diff/emit shape.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/jontk/slurm-orchestrator/api"
)

// DefaultPollInterval is used when a caller does not override it via
// WithPollInterval.
const DefaultPollInterval = 5 * time.Second

// EventType identifies what kind of transition an Event reports.
type EventType string

const (
	// EventTaskNew reports a task observed for the first time.
	EventTaskNew EventType = "task_new"
	// EventTaskStateChange reports a task moving between non-terminal
	// or into a terminal state.
	EventTaskStateChange EventType = "task_state_change"
	// EventQueryError reports a failed Query call; the previous state
	// map is left untouched so the next tick retries cleanly.
	EventQueryError EventType = "query_error"
)

// Event is one observed task transition.
type Event struct {
	Type          EventType
	TaskID        int
	PreviousState api.State
	NewState      api.State
	ExitCode      int
	EventTime     time.Time
	Err           error
}

// QueryFunc fetches the current state of every task tracked under one
// array job. Typically bound to a scheduler.Adapter's Query method for
// a specific arrayJobID.
type QueryFunc func(ctx context.Context) ([]api.TaskState, error)

// BucketPoller watches one bucket's array job until every task reaches
// a terminal state or the context is cancelled.
type BucketPoller struct {
	queryFunc    QueryFunc
	pollInterval time.Duration
	bufferSize   int

	mu     sync.RWMutex
	states map[int]api.State
}

// NewBucketPoller creates a poller driven by queryFunc, defaulting to
// DefaultPollInterval and a buffer of 100 events.
func NewBucketPoller(queryFunc QueryFunc) *BucketPoller {
	return &BucketPoller{
		queryFunc:    queryFunc,
		pollInterval: DefaultPollInterval,
		bufferSize:   100,
		states:       make(map[int]api.State),
	}
}

// WithPollInterval overrides the poll interval (spec.md §4.1's
// properties.poll_interval).
func (p *BucketPoller) WithPollInterval(interval time.Duration) *BucketPoller {
	p.pollInterval = interval
	return p
}

// WithBufferSize overrides the event channel's buffer size.
func (p *BucketPoller) WithBufferSize(size int) *BucketPoller {
	p.bufferSize = size
	return p
}

// Watch starts the poll loop in its own goroutine and returns the
// channel transitions are published on. The channel is closed once
// every known task is terminal or ctx is done.
func (p *BucketPoller) Watch(ctx context.Context) <-chan Event {
	eventChan := make(chan Event, p.bufferSize)
	go p.pollLoop(ctx, eventChan)
	return eventChan
}

func (p *BucketPoller) pollLoop(ctx context.Context, eventChan chan<- Event) {
	defer close(eventChan)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	if p.performPoll(ctx, eventChan) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.performPoll(ctx, eventChan) {
				return
			}
		}
	}
}

// performPoll runs one query/diff/emit cycle. It returns true when
// every task it knows about has reached a terminal state, signalling
// the poll loop to stop.
func (p *BucketPoller) performPoll(ctx context.Context, eventChan chan<- Event) bool {
	tasks, err := p.queryFunc(ctx)
	if err != nil {
		select {
		case eventChan <- Event{Type: EventQueryError, EventTime: time.Now(), Err: err}:
		case <-ctx.Done():
		}
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	allTerminal := len(tasks) > 0
	for _, task := range tasks {
		previous, known := p.states[task.TaskID]
		p.states[task.TaskID] = task.State

		if !known {
			select {
			case eventChan <- Event{
				Type:      EventTaskNew,
				TaskID:    task.TaskID,
				NewState:  task.State,
				ExitCode:  task.ExitCode,
				EventTime: time.Now(),
			}:
			case <-ctx.Done():
				return false
			}
		} else if previous != task.State {
			select {
			case eventChan <- Event{
				Type:          EventTaskStateChange,
				TaskID:        task.TaskID,
				PreviousState: previous,
				NewState:      task.State,
				ExitCode:      task.ExitCode,
				EventTime:     time.Now(),
			}:
			case <-ctx.Done():
				return false
			}
		}

		if !task.State.IsTerminal() {
			allTerminal = false
		}
	}

	return allTerminal
}

// Snapshot returns the most recently observed state for every task,
// keyed by task ID.
func (p *BucketPoller) Snapshot() map[int]api.State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[int]api.State, len(p.states))
	for k, v := range p.states {
		out[k] = v
	}
	return out
}
