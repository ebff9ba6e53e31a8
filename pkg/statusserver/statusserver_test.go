// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-orchestrator/api"
	"github.com/jontk/slurm-orchestrator/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestServer_StatusAndWork(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Upsert(context.Background(),&api.WorkPackage{JobName: "sweep", Index: 0, State: api.StateSucceeded}))
	require.NoError(t, st.Upsert(context.Background(),&api.WorkPackage{JobName: "sweep", Index: 1, State: api.StateFailed}))

	srv := New(st, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var statuses []JobStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	require.Equal(t, "sweep", statuses[0].JobName)
	require.Equal(t, 2, statuses[0].Total)
	require.Equal(t, 1, statuses[0].Counts["SUCCEEDED"])
	require.Equal(t, 1, statuses[0].Counts["FAILED"])

	resp2, err := http.Get(ts.URL + "/work/sweep")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var pkgs []api.WorkPackage
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&pkgs))
	require.Len(t, pkgs, 2)
}

func TestServer_WorkUnknownJob(t *testing.T) {
	srv := New(newTestStore(t), nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/work/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
