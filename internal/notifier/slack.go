// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jontk/slurm-orchestrator/pkg/logging"
	"github.com/jontk/slurm-orchestrator/pkg/pipelineconfig"
)

// SlackWebhookNotifier posts pipeline lifecycle events to a Slack
// incoming webhook. It is a self-contained poster, not the teacher's
// general-purpose Slack bot (spec.md §1 keeps that collaborator
// external); it exists solely to turn Notifier calls into webhook
// POSTs.
type SlackWebhookNotifier struct {
	webhookURL string
	channel    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewSlackWebhookNotifier builds a notifier posting to slack.Token (the
// full incoming-webhook URL) with slack.Channel as the target channel
// override. httpClient should be a pooled client, e.g. one obtained
// from pkg/pool.HTTPClientPool as scheduler.RESTAdapter does.
func NewSlackWebhookNotifier(slack pipelineconfig.Slack, httpClient *http.Client, logger logging.Logger) *SlackWebhookNotifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &SlackWebhookNotifier{
		webhookURL: slack.Token,
		channel:    slack.Channel,
		httpClient: httpClient,
		logger:     logger,
	}
}

type slackPayload struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

func (n *SlackWebhookNotifier) post(ctx context.Context, text string) {
	if n.webhookURL == "" {
		return
	}
	data, err := json.Marshal(slackPayload{Channel: n.channel, Text: text})
	if err != nil {
		n.logger.Error("notifier: marshal slack payload", "error", err.Error())
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(data))
	if err != nil {
		n.logger.Error("notifier: build slack request", "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warn("notifier: slack post failed", "error", err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("notifier: slack post rejected", "status", resp.StatusCode)
	}
}

func (n *SlackWebhookNotifier) PipelineStarted(ctx context.Context, runID string, jobCount int) {
	n.post(ctx, fmt.Sprintf("pipeline %s started: %d jobs", runID, jobCount))
}

func (n *SlackWebhookNotifier) JobStarted(ctx context.Context, runID, jobName string, packageCount int) {
	n.post(ctx, fmt.Sprintf("pipeline %s: job %q started (%d packages)", runID, jobName, packageCount))
}

func (n *SlackWebhookNotifier) JobCompleted(ctx context.Context, runID, jobName string, succeeded, failed, cancelled int) {
	n.post(ctx, fmt.Sprintf("pipeline %s: job %q completed (succeeded=%d failed=%d cancelled=%d)",
		runID, jobName, succeeded, failed, cancelled))
}

func (n *SlackWebhookNotifier) PipelineCompleted(ctx context.Context, runID string, succeeded bool) {
	n.post(ctx, fmt.Sprintf("pipeline %s completed (succeeded=%t)", runID, succeeded))
}

func (n *SlackWebhookNotifier) Error(ctx context.Context, runID string, err error) {
	n.post(ctx, fmt.Sprintf("pipeline %s error: %s", runID, err.Error()))
}

var _ Notifier = (*SlackWebhookNotifier)(nil)
