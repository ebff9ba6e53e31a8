// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package notifier

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-orchestrator/pkg/logging"
)

func TestLoggingNotifier_EmitsWithoutError(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log-*.json")
	require.NoError(t, err)
	defer f.Close()

	cfg := logging.DefaultConfig()
	cfg.Format = logging.FormatJSON
	cfg.Output = f
	logger := logging.NewLogger(cfg)

	n := NewLoggingNotifier(logger)
	n.PipelineStarted(context.Background(), "run-1", 3)
	n.JobStarted(context.Background(), "run-1", "sweep", 4)
	n.JobCompleted(context.Background(), "run-1", "sweep", 2, 1, 0)
	n.PipelineCompleted(context.Background(), "run-1", true)

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestLoggingNotifier_NilLoggerUsesDefault(t *testing.T) {
	n := NewLoggingNotifier(nil)
	n.Error(context.Background(), "run-1", assert.AnError)
}

var _ Notifier = (*LoggingNotifier)(nil)
