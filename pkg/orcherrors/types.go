// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package orcherrors implements the error taxonomy described in spec.md
// §7: config errors, expansion errors, submission errors, task
// failures, transient query failures, store write errors, and notifier
// errors. Each carries enough structure for the supervisor to dispatch
// on category instead of matching error strings.
package orcherrors

import (
	"fmt"
	"time"
)

// ErrorCode identifies one of the taxonomy classes from spec.md §7.
type ErrorCode string

const (
	// ErrorCodeConfig: schema or path validation failure. Fatal before
	// any submission (spec.md §4.1, §7).
	ErrorCodeConfig ErrorCode = "CONFIG"

	// ErrorCodeExpansion: malformed parameter file. Fatal for that job
	// only; other jobs in the pipeline still run (spec.md §7).
	ErrorCodeExpansion ErrorCode = "EXPANSION"

	// ErrorCodeSubmission: the scheduler adapter rejected a submit.
	// Retried a fixed number of times with a fixed delay, then the
	// bucket's packages become FAILED (spec.md §7).
	ErrorCodeSubmission ErrorCode = "SUBMISSION"

	// ErrorCodeTaskFailure: nonzero exit observed via query. Subject to
	// per-package retry with exponential backoff (spec.md §7).
	ErrorCodeTaskFailure ErrorCode = "TASK_FAILURE"

	// ErrorCodeTransientQuery: network/timeout against the scheduler.
	// Silently tolerated as "no change" (spec.md §7).
	ErrorCodeTransientQuery ErrorCode = "TRANSIENT_QUERY"

	// ErrorCodeStoreWrite: fatal; the supervisor aborts to avoid
	// split-brain rather than continue with an unpersisted state
	// transition (spec.md §7).
	ErrorCodeStoreWrite ErrorCode = "STORE_WRITE"

	// ErrorCodeNotifier: swallowed; logged and dropped (spec.md §4.7,
	// §7).
	ErrorCodeNotifier ErrorCode = "NOTIFIER"
)

// ErrorCategory groups codes for coarse-grained handling.
type ErrorCategory string

const (
	CategoryFatal     ErrorCategory = "FATAL"     // aborts the run
	CategoryJobScoped ErrorCategory = "JOB"       // fails one job, pipeline continues
	CategoryRetryable ErrorCategory = "RETRYABLE" // subject to the retry policy
	CategoryTransient ErrorCategory = "TRANSIENT"  // no state change
	CategorySwallowed ErrorCategory = "SWALLOWED"  // logged and dropped
)

// OrchestratorError is the structured error type returned by every
// orchestrator subsystem.
type OrchestratorError struct {
	Code      ErrorCode
	Category  ErrorCategory
	Message   string
	JobName   string
	Timestamp time.Time
	Cause     error
}

func (e *OrchestratorError) Error() string {
	if e.JobName != "" {
		return fmt.Sprintf("[%s] job=%s: %s", e.Code, e.JobName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OrchestratorError) Unwrap() error { return e.Cause }

func (e *OrchestratorError) Is(target error) bool {
	if t, ok := target.(*OrchestratorError); ok {
		return e.Code == t.Code
	}
	return false
}

// IsRetryable reports whether the supervisor's retry policy should
// apply (task failures and submission errors up to their own limits).
func (e *OrchestratorError) IsRetryable() bool {
	return e.Category == CategoryRetryable
}

// IsFatal reports whether the whole run must abort.
func (e *OrchestratorError) IsFatal() bool {
	return e.Category == CategoryFatal
}

func categoryFor(code ErrorCode) ErrorCategory {
	switch code {
	case ErrorCodeConfig, ErrorCodeStoreWrite:
		return CategoryFatal
	case ErrorCodeExpansion:
		return CategoryJobScoped
	case ErrorCodeSubmission, ErrorCodeTaskFailure:
		return CategoryRetryable
	case ErrorCodeTransientQuery:
		return CategoryTransient
	case ErrorCodeNotifier:
		return CategorySwallowed
	default:
		return CategoryFatal
	}
}

// New creates a new OrchestratorError of the given code.
func New(code ErrorCode, message string) *OrchestratorError {
	return &OrchestratorError{
		Code:      code,
		Category:  categoryFor(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap creates a new OrchestratorError of the given code with an
// underlying cause.
func Wrap(code ErrorCode, message string, cause error) *OrchestratorError {
	e := New(code, message)
	e.Cause = cause
	return e
}

// ForJob attaches a job name, for expansion/submission errors scoped to
// a single job (spec.md §7).
func (e *OrchestratorError) ForJob(jobName string) *OrchestratorError {
	e.JobName = jobName
	return e
}
