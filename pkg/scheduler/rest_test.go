// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-orchestrator/api"
	"github.com/jontk/slurm-orchestrator/pkg/auth"
	"github.com/jontk/slurm-orchestrator/pkg/config"
	"github.com/jontk/slurm-orchestrator/pkg/logging"
	"github.com/jontk/slurm-orchestrator/pkg/paramvalue"
	"github.com/jontk/slurm-orchestrator/pkg/pipelineconfig"
)

func newTestBucket() *api.Bucket {
	return &api.Bucket{
		Name:    "sweep#0",
		JobName: "sweep",
		Resources: pipelineconfig.Resources{
			CPUs: 2,
			Time: "01:00:00",
		},
		Packages: []*api.WorkPackage{
			{JobName: "sweep", Index: 0, Params: paramvalue.Map(map[string]paramvalue.Value{"x": paramvalue.Number(1)})},
			{JobName: "sweep", Index: 1, Params: paramvalue.Map(map[string]paramvalue.Value{"x": paramvalue.Number(2)})},
		},
	}
}

func TestRESTAdapter_SubmitArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/slurm/v0.0.39/job/submit", req.URL.Path)
		assert.Equal(t, "token-123", req.Header.Get("X-SLURM-USER-TOKEN"))

		var body submitRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "sweep#0", body.Name)
		assert.Equal(t, 2, body.ArraySize)
		assert.Equal(t, 2, body.CPUsPerTask)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(submitResponse{JobID: 42})
	}))
	defer srv.Close()

	cfg := &config.Config{BaseURL: srv.URL, UserAgent: "test"}
	dir := t.TempDir()
	adapter := NewRESTAdapter(cfg, auth.NewTokenAuth("token-123"), dir, "acct", logging.NoOpLogger{})

	id, err := adapter.SubmitArray(context.Background(), newTestBucket())
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestRESTAdapter_SubmitArrayRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(submitResponse{Errors: []string{"invalid account"}})
	}))
	defer srv.Close()

	cfg := &config.Config{BaseURL: srv.URL, UserAgent: "test"}
	adapter := NewRESTAdapter(cfg, auth.NewNoAuth(), t.TempDir(), "acct", nil)

	_, err := adapter.SubmitArray(context.Background(), newTestBucket())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid account")
}

func TestRESTAdapter_Query(t *testing.T) {
	taskID := 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/slurm/v0.0.39/job/42", req.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(queryResponse{
			Jobs: []struct {
				ArrayTaskID *int   `json:"array_task_id"`
				JobState    string `json:"job_state"`
				ExitCode    int    `json:"exit_code"`
			}{{ArrayTaskID: &taskID, JobState: "COMPLETED", ExitCode: 0}},
		})
	}))
	defer srv.Close()

	cfg := &config.Config{BaseURL: srv.URL, UserAgent: "test"}
	adapter := NewRESTAdapter(cfg, auth.NewNoAuth(), t.TempDir(), "acct", nil)

	states, err := adapter.Query(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 1, states[0].TaskID)
	assert.Equal(t, api.StateSucceeded, states[0].State)
}

func TestMapSlurmState(t *testing.T) {
	cases := map[string]api.State{
		"PENDING":   api.StatePending,
		"RUNNING":   api.StateRunning,
		"COMPLETED": api.StateSucceeded,
		"FAILED":    api.StateFailed,
		"TIMEOUT":   api.StateFailed,
		"CANCELLED": api.StateCancelled,
		"SUSPENDED": api.StateRunning,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapSlurmState(in), in)
	}
}

func TestRESTAdapter_Cancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodDelete, req.Method)
		assert.Equal(t, "array_task_ids=0,1", req.URL.RawQuery)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &config.Config{BaseURL: srv.URL, UserAgent: "test"}
	adapter := NewRESTAdapter(cfg, auth.NewNoAuth(), t.TempDir(), "acct", nil)

	err := adapter.Cancel(context.Background(), "42", []int{0, 1})
	require.NoError(t, err)
}

func TestRESTAdapter_ListActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(listResponse{
			Jobs: []struct {
				JobID   int    `json:"job_id"`
				Name    string `json:"name"`
				Account string `json:"account"`
			}{
				{JobID: 1, Name: "sweep#0", Account: "acct"},
				{JobID: 2, Name: "other#0", Account: "other-acct"},
			},
		})
	}))
	defer srv.Close()

	cfg := &config.Config{BaseURL: srv.URL, UserAgent: "test"}
	adapter := NewRESTAdapter(cfg, auth.NewNoAuth(), t.TempDir(), "acct", nil)

	ids, err := adapter.ListActive(context.Background(), "acct", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids)
}
