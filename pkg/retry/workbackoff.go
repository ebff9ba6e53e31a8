// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"math"
	"time"
)

// WorkPackageBackoff computes the retry delay for a single work package
// per spec.md §4.6: poll_interval * exp_backoff_factor^(attempt-1). The
// supervisor's runBucket computes it directly rather than through a
// Retry() call, and waits it out in a select on time.After and the run's
// context before resubmitting the retry round.
type WorkPackageBackoff struct {
	PollInterval     time.Duration
	ExpBackoffFactor float64
}

// NewWorkPackageBackoff builds a backoff calculator from a job's
// configured poll_interval and exp_backoff_factor.
func NewWorkPackageBackoff(pollInterval time.Duration, expBackoffFactor float64) WorkPackageBackoff {
	return WorkPackageBackoff{
		PollInterval:     pollInterval,
		ExpBackoffFactor: expBackoffFactor,
	}
}

// Delay returns how long the supervisor must wait before resubmitting a
// work package on its Nth retry attempt. attempt is 1-indexed: the
// first retry (attempt=1) waits exactly PollInterval.
func (w WorkPackageBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(w.ExpBackoffFactor, float64(attempt-1))
	return time.Duration(float64(w.PollInterval) * factor)
}

// ReadyAt returns the wall-clock time at which a work package that
// failed at failedAt becomes eligible for resubmission.
func (w WorkPackageBackoff) ReadyAt(failedAt time.Time, attempt int) time.Time {
	return failedAt.Add(w.Delay(attempt))
}
