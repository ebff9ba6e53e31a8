// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package notifier

import (
	"context"

	"github.com/jontk/slurm-orchestrator/pkg/logging"
)

// LoggingNotifier is the default Notifier: it simply logs every event
// through pkg/logging, the teacher's structured-logging library.
type LoggingNotifier struct {
	logger logging.Logger
}

// NewLoggingNotifier builds a LoggingNotifier. If logger is nil,
// logging.DefaultLogger is used.
func NewLoggingNotifier(logger logging.Logger) *LoggingNotifier {
	if logger == nil {
		logger = logging.DefaultLogger
	}
	return &LoggingNotifier{logger: logger}
}

func (n *LoggingNotifier) PipelineStarted(ctx context.Context, runID string, jobCount int) {
	n.logger.Info("pipeline started", "run_id", runID, "jobs", jobCount)
}

func (n *LoggingNotifier) JobStarted(ctx context.Context, runID, jobName string, packageCount int) {
	n.logger.Info("job started", "run_id", runID, "job", jobName, "packages", packageCount)
}

func (n *LoggingNotifier) JobCompleted(ctx context.Context, runID, jobName string, succeeded, failed, cancelled int) {
	n.logger.Info("job completed", "run_id", runID, "job", jobName,
		"succeeded", succeeded, "failed", failed, "cancelled", cancelled)
}

func (n *LoggingNotifier) PipelineCompleted(ctx context.Context, runID string, succeeded bool) {
	n.logger.Info("pipeline completed", "run_id", runID, "succeeded", succeeded)
}

func (n *LoggingNotifier) Error(ctx context.Context, runID string, err error) {
	n.logger.Error("pipeline error", "run_id", runID, "error", err.Error())
}

var _ Notifier = (*LoggingNotifier)(nil)
