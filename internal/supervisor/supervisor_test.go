// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-orchestrator/api"
	"github.com/jontk/slurm-orchestrator/internal/notifier"
	"github.com/jontk/slurm-orchestrator/internal/store"
	"github.com/jontk/slurm-orchestrator/pkg/pipelineconfig"
)

func writeRecordList(t *testing.T, dir, name string, records []map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestSupervisor(t *testing.T, adapter *scriptedAdapter) (*Supervisor, store.Store) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sup := New(st, adapter, notifier.NewLoggingNotifier(nil), nil, "test-run", "acct")
	t.Cleanup(sup.Close)
	return sup, st
}

// scriptedAdapter is a deterministic Adapter whose Query response
// depends only on how many times the bucket has been submitted, so
// tests never race against wall-clock scheduler behavior.
type scriptedAdapter struct {
	mu             sync.Mutex
	submitCount    map[string]int // bucket name -> submissions so far
	roundOf        map[string]int // array job ID -> round number it was submitted as
	failUntil      int            // rounds 1..failUntil fail; after that, succeed
	running        bool           // if true, tasks report RUNNING forever (for abort tests)
	fixedTaskCount int            // number of tasks Query reports for any array job
	cancelled      map[string]bool
	submitErr      error
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{
		submitCount: map[string]int{},
		roundOf:     map[string]int{},
		cancelled:   map[string]bool{},
	}
}

func (a *scriptedAdapter) SubmitArray(ctx context.Context, b *api.Bucket) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.submitErr != nil {
		return "", a.submitErr
	}
	a.submitCount[b.Name]++
	round := a.submitCount[b.Name]
	id := fmt.Sprintf("%s-round-%d", b.Name, round)
	a.roundOf[id] = round
	return id, nil
}

func (a *scriptedAdapter) Query(ctx context.Context, arrayJobID string) ([]api.TaskState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	round := a.roundOf[arrayJobID]
	n := a.fixedTaskCount
	if n == 0 {
		n = 1
	}
	states := make([]api.TaskState, n)
	for i := 0; i < n; i++ {
		switch {
		case a.running:
			states[i] = api.TaskState{TaskID: i, State: api.StateRunning}
		case round <= a.failUntil:
			states[i] = api.TaskState{TaskID: i, State: api.StateFailed, ExitCode: 1}
		default:
			states[i] = api.TaskState{TaskID: i, State: api.StateSucceeded}
		}
	}
	return states, nil
}

func (a *scriptedAdapter) Cancel(ctx context.Context, arrayJobID string, taskIDs []int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled[arrayJobID] = true
	return nil
}

func (a *scriptedAdapter) ListActive(ctx context.Context, account, namePrefix string) ([]string, error) {
	return nil, nil
}

func TestSupervisor_MinimalPipeline(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "run.py")
	require.NoError(t, os.WriteFile(script, []byte("#!/usr/bin/env python\n"), 0o755))
	paramFile := writeRecordList(t, dir, "params.json", []map[string]any{{"x": 1}, {"x": 2}})

	job := pipelineconfig.JobSpec{
		Name:       "sweep",
		Script:     script,
		ParamFiles: []string{paramFile},
		Resources:  pipelineconfig.Resources{CPUs: 1, Time: "00:10:00"},
	}
	spec := &pipelineconfig.PipelineSpec{
		Jobs: []pipelineconfig.JobSpec{job},
		Properties: pipelineconfig.Properties{
			MaxRetries:       0,
			PollIntervalSec:  1,
			ExpBackoffFactor: 1,
		},
	}

	adapter := newScriptedAdapter()
	adapter.fixedTaskCount = 2
	sup, st := newTestSupervisor(t, adapter)

	summary, err := sup.Run(context.Background(), spec)
	require.NoError(t, err)
	require.Len(t, summary.Jobs, 1)
	assert.Equal(t, 2, summary.Jobs[0].Total)
	assert.Equal(t, 2, summary.Jobs[0].Succeeded)
	assert.Equal(t, 0, summary.Jobs[0].Failed)
	assert.False(t, summary.AnyFailed())

	pkgs := st.Snapshot("sweep")
	require.Len(t, pkgs, 2)
	for _, wp := range pkgs {
		assert.Equal(t, api.StateSucceeded, wp.State)
		assert.Equal(t, 1, wp.Attempt)
	}
}

func TestSupervisor_RetryWithBackoff(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "run.py")
	require.NoError(t, os.WriteFile(script, []byte("#!/usr/bin/env python\n"), 0o755))
	paramFile := writeRecordList(t, dir, "params.json", []map[string]any{{"x": 1}})

	job := pipelineconfig.JobSpec{
		Name:       "flaky",
		Script:     script,
		ParamFiles: []string{paramFile},
		Resources:  pipelineconfig.Resources{CPUs: 1, Time: "00:05:00"},
	}
	spec := &pipelineconfig.PipelineSpec{
		Jobs: []pipelineconfig.JobSpec{job},
		Properties: pipelineconfig.Properties{
			MaxRetries:       2,
			PollIntervalSec:  1,
			ExpBackoffFactor: 2,
		},
	}

	adapter := newScriptedAdapter()
	adapter.fixedTaskCount = 1
	adapter.failUntil = 2 // rounds 1 and 2 fail, round 3 succeeds
	sup, st := newTestSupervisor(t, adapter)

	start := time.Now()
	summary, err := sup.Run(context.Background(), spec)
	elapsed := time.Since(start)
	require.NoError(t, err)

	require.Len(t, summary.Jobs, 1)
	assert.Equal(t, 1, summary.Jobs[0].Succeeded)
	assert.Equal(t, 0, summary.Jobs[0].Failed)

	pkgs := st.Snapshot("flaky")
	require.Len(t, pkgs, 1)
	assert.Equal(t, api.StateSucceeded, pkgs[0].State)
	assert.Equal(t, 3, pkgs[0].Attempt)

	// Two backoff waits: poll_interval*2^0=1s, poll_interval*2^1=2s.
	assert.GreaterOrEqual(t, elapsed, 3*time.Second)
}

func TestSupervisor_AbortCancelsRunningPackages(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "run.py")
	require.NoError(t, os.WriteFile(script, []byte("#!/usr/bin/env python\n"), 0o755))
	paramFile := writeRecordList(t, dir, "params.json", []map[string]any{{"x": 1}, {"x": 2}, {"x": 3}})

	job := pipelineconfig.JobSpec{
		Name:       "longrun",
		Script:     script,
		ParamFiles: []string{paramFile},
		Resources:  pipelineconfig.Resources{CPUs: 1, Time: "01:00:00"},
	}
	spec := &pipelineconfig.PipelineSpec{
		Jobs: []pipelineconfig.JobSpec{job},
		Properties: pipelineconfig.Properties{
			MaxRetries:       0,
			PollIntervalSec:  1,
			ExpBackoffFactor: 1,
		},
	}

	adapter := newScriptedAdapter()
	adapter.fixedTaskCount = 3
	adapter.running = true
	sup, st := newTestSupervisor(t, adapter)

	done := make(chan error, 1)
	go func() {
		_, err := sup.Run(context.Background(), spec)
		done <- err
	}()

	require.Eventually(t, func() bool {
		pkgs := st.Snapshot("longrun")
		if len(pkgs) != 3 {
			return false
		}
		for _, wp := range pkgs {
			if wp.State != api.StateRunning {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)

	sup.Abort()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Abort")
	}

	pkgs := st.Snapshot("longrun")
	require.Len(t, pkgs, 3)
	for _, wp := range pkgs {
		assert.Equal(t, api.StateCancelled, wp.State)
	}
	assert.True(t, adapter.cancelled["longrun-round-1"])
}
