// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"time"

	"github.com/jontk/slurm-orchestrator/api"
	"github.com/jontk/slurm-orchestrator/pkg/auth"
	"github.com/jontk/slurm-orchestrator/pkg/config"
	"github.com/jontk/slurm-orchestrator/pkg/logging"
	"github.com/jontk/slurm-orchestrator/pkg/pool"
	"github.com/jontk/slurm-orchestrator/pkg/retry"
)

// submissionMaxRetries and submissionDelay implement spec.md §7's submission-retry rule:
// retried up to 3 times with a fixed 5s delay between attempts.
const submissionMaxRetries = 3

var submissionDelay = 5 * time.Second

// RESTAdapter submits buckets against a real Slurm cluster through
// slurmrestd's job-array endpoints. It writes the bucket's work file
// to disk, materializes the embedded launcher script alongside it, and
// dispatches the submission as an HTTP request, retried with a
// constant backoff. Grounded on the teacher's makeRequest pattern: a
// pooled HTTP client, an auth.Provider applied to every request, and
// retry.Retry over a retry.ConstantBackoff wrapping the submit call.
type RESTAdapter struct {
	cfg        *config.Config
	authP      auth.Provider
	httpClient *http.Client
	logger     logging.Logger
	workDir    string
	account    string
}

// NewRESTAdapter builds a RESTAdapter talking to cfg.BaseURL,
// authenticating via authP, writing work files and launcher copies
// under workDir. Submission errors are retried per spec.md §7: up to
// 3 retries (4 attempts in all) with a fixed 5s delay.
func NewRESTAdapter(cfg *config.Config, authP auth.Provider, workDir, account string, logger logging.Logger) *RESTAdapter {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	clientPool := pool.NewHTTPClientPool(pool.DefaultPoolConfig(), logger)
	return &RESTAdapter{
		cfg:        cfg,
		authP:      authP,
		httpClient: clientPool.GetClient(cfg.BaseURL),
		logger:     logger,
		workDir:    workDir,
		account:    account,
	}
}

type submitRequest struct {
	Script      string            `json:"script"`
	Environment map[string]string `json:"environment"`
	Name        string            `json:"name"`
	ArraySize   int               `json:"array"`
	CPUsPerTask int               `json:"cpus_per_task"`
	TimeLimit   string            `json:"time_limit"`
	Memory      string            `json:"memory_per_node,omitempty"`
	StdOut      string            `json:"standard_output"`
	StdErr      string            `json:"standard_error"`
}

type submitResponse struct {
	JobID  int      `json:"job_id"`
	Errors []string `json:"errors"`
}

// SubmitArray writes bucket.Packages as a JSON work file, embeds the
// launcher script into workDir, and POSTs a job-array submission to
// slurmrestd.
func (r *RESTAdapter) SubmitArray(ctx context.Context, bucket *api.Bucket) (string, error) {
	workFile := filepath.Join(r.workDir, bucket.Name+".work.json")
	if err := r.writeWorkFile(workFile, bucket); err != nil {
		return "", fmt.Errorf("scheduler: write work file: %w", err)
	}

	launcherPath := filepath.Join(r.workDir, "launcher.sh")
	if err := os.WriteFile(launcherPath, []byte(launcherScript), 0o755); err != nil {
		return "", fmt.Errorf("scheduler: write launcher: %w", err)
	}

	reqBody := submitRequest{
		Script: launcherPath,
		Environment: map[string]string{
			"ARRAY_TASK_ID": "",
		},
		Name:        bucket.Name,
		ArraySize:   len(bucket.Packages),
		CPUsPerTask: bucket.Resources.CPUs,
		TimeLimit:   bucket.Resources.Time,
		Memory:      bucket.Resources.Memory,
		StdOut:      filepath.Join(r.workDir, "%A_%a.stdout"),
		StdErr:      filepath.Join(r.workDir, "%A_%a.stderr"),
	}

	var resp submitResponse
	backoff := retry.NewConstantBackoff(submissionDelay, submissionMaxRetries)
	err := retry.Retry(ctx, backoff, func() error {
		return r.makeRequest(ctx, http.MethodPost, "/slurm/v0.0.39/job/submit", reqBody, &resp)
	})
	if err != nil {
		return "", fmt.Errorf("scheduler: submit %s: %w", bucket.Name, err)
	}
	if len(resp.Errors) > 0 {
		return "", fmt.Errorf("scheduler: submit %s rejected: %v", bucket.Name, resp.Errors)
	}

	r.logger.Info("submitted array job", "bucket", bucket.Name, "array_job_id", resp.JobID, "size", len(bucket.Packages))
	return strconv.Itoa(resp.JobID), nil
}

type queryResponse struct {
	Jobs []struct {
		ArrayTaskID *int   `json:"array_task_id"`
		JobState    string `json:"job_state"`
		ExitCode    int    `json:"exit_code"`
	} `json:"jobs"`
}

// Query fetches the current state of every task in arrayJobID.
func (r *RESTAdapter) Query(ctx context.Context, arrayJobID string) ([]api.TaskState, error) {
	var resp queryResponse
	path := fmt.Sprintf("/slurm/v0.0.39/job/%s", arrayJobID)
	if err := r.makeRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("scheduler: query %s: %w", arrayJobID, err)
	}

	states := make([]api.TaskState, 0, len(resp.Jobs))
	for _, j := range resp.Jobs {
		if j.ArrayTaskID == nil {
			continue
		}
		states = append(states, api.TaskState{
			TaskID:   *j.ArrayTaskID,
			State:    mapSlurmState(j.JobState),
			ExitCode: j.ExitCode,
		})
	}
	return states, nil
}

func mapSlurmState(s string) api.State {
	switch s {
	case "PENDING":
		return api.StatePending
	case "RUNNING":
		return api.StateRunning
	case "COMPLETED":
		return api.StateSucceeded
	case "FAILED", "TIMEOUT", "NODE_FAIL":
		return api.StateFailed
	case "CANCELLED":
		return api.StateCancelled
	default:
		return api.StateRunning
	}
}

// Cancel requests termination of arrayJobID, optionally scoped to
// taskIDs.
func (r *RESTAdapter) Cancel(ctx context.Context, arrayJobID string, taskIDs []int) error {
	path := fmt.Sprintf("/slurm/v0.0.39/job/%s", arrayJobID)
	if len(taskIDs) > 0 {
		ids := make([]string, len(taskIDs))
		for i, v := range taskIDs {
			ids[i] = strconv.Itoa(v)
		}
		path += "?array_task_ids=" + strings.Join(ids, ",")
	}
	if err := r.makeRequest(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("scheduler: cancel %s: %w", arrayJobID, err)
	}
	return nil
}

type listResponse struct {
	Jobs []struct {
		JobID   int    `json:"job_id"`
		Name    string `json:"name"`
		Account string `json:"account"`
	} `json:"jobs"`
}

// ListActive lists array job IDs owned by account matching namePrefix.
func (r *RESTAdapter) ListActive(ctx context.Context, account, namePrefix string) ([]string, error) {
	var resp listResponse
	if err := r.makeRequest(ctx, http.MethodGet, "/slurm/v0.0.39/jobs", nil, &resp); err != nil {
		return nil, fmt.Errorf("scheduler: list active: %w", err)
	}

	var ids []string
	for _, j := range resp.Jobs {
		if j.Account != account {
			continue
		}
		if namePrefix != "" && !strings.HasPrefix(j.Name, namePrefix) {
			continue
		}
		ids = append(ids, strconv.Itoa(j.JobID))
	}
	return ids, nil
}

func (r *RESTAdapter) writeWorkFile(path string, bucket *api.Bucket) error {
	records := make([]interface{}, len(bucket.Packages))
	for i, wp := range bucket.Packages {
		records[i] = wp.Params.ToInterface()
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// makeRequest issues one HTTP request against the configured base URL,
// applying auth and decoding a JSON response body when out is non-nil.
func (r *RESTAdapter) makeRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	if err := r.authP.Authenticate(ctx, req); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slurmrestd %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
