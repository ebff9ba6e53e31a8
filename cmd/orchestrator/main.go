// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command orchestrator is the thin bootstrap that wires the
// pipeline-config loader, durable store, scheduler adapter, notifier,
// and supervisor into a runnable process. It is not the CLI front end
// spec.md §1 keeps out of scope (abort/status/work/stdout/stderr/retry
// live elsewhere); it implements only the `start` launch signature.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jontk/slurm-orchestrator/internal/notifier"
	"github.com/jontk/slurm-orchestrator/internal/store"
	"github.com/jontk/slurm-orchestrator/internal/supervisor"
	"github.com/jontk/slurm-orchestrator/pkg/auth"
	"github.com/jontk/slurm-orchestrator/pkg/config"
	"github.com/jontk/slurm-orchestrator/pkg/logging"
	"github.com/jontk/slurm-orchestrator/pkg/pipelineconfig"
	"github.com/jontk/slurm-orchestrator/pkg/scheduler"
	"github.com/jontk/slurm-orchestrator/pkg/statusserver"
)

var (
	account    string
	logDir     string
	condaEnv   string
	statusBind string
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	rootCmd := &cobra.Command{
		Use:          "orchestrator CONFIG",
		Short:        "Launch the Slurm batch-job supervisor for a pipeline document",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), args[0])
		},
	}
	rootCmd.Flags().StringVarP(&account, "account", "a", "", "Slurm account to submit and reconcile under")
	rootCmd.Flags().StringVarP(&logDir, "log-dir", "l", "./orchestrator-run", "directory for the durable store and per-package logs")
	rootCmd.Flags().StringVarP(&condaEnv, "env", "e", "", "environment name passed to the worker launcher, overriding properties.conda_env")
	rootCmd.Flags().StringVar(&statusBind, "status-addr", "", "if set, serve GET /status, GET /work/{job} and /events on this address")
	rootCmd.SetArgs(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	aborted := false
	go func() {
		<-ctx.Done()
		aborted = true
	}()

	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		if aborted {
			return 130
		}
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		return 1
	}
	if aborted {
		return 130
	}
	return 0
}

func runPipeline(ctx context.Context, configPath string) error {
	logger := logging.NewLogger(logging.DefaultConfig())

	spec, err := pipelineconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load pipeline: %w", err)
	}
	if condaEnv != "" {
		spec.Properties.CondaEnv = condaEnv
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("validate pipeline: %w", err)
	}

	if account == "" {
		account = spec.Properties.Account
	}

	runDir, runID, err := resolveRunDir(logDir, logger)
	if err != nil {
		return fmt.Errorf("resolve run directory: %w", err)
	}

	st, err := store.NewFileStore(runDir, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	restCfg := config.NewDefault()
	restCfg.Load()
	authProvider := resolveAuth()

	adapter := scheduler.NewRESTAdapter(restCfg, authProvider, runDir, account, logger)

	var notif notifier.Notifier
	if spec.Properties.Slack.Token != "" {
		notif = notifier.NewSlackWebhookNotifier(spec.Properties.Slack, http.DefaultClient, logger)
	} else {
		notif = notifier.NewLoggingNotifier(logger)
	}

	sup := supervisor.New(st, adapter, notif, logger, runID, account)
	defer sup.Close()

	var statusSrv *http.Server
	if statusBind != "" {
		ss := statusserver.New(st, logger)
		sup.OnChange(ss.Broadcast)
		statusSrv = &http.Server{Addr: statusBind, Handler: ss.Router()}
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status server stopped", "error", err.Error())
			}
		}()
		defer statusSrv.Close()
	}

	go func() {
		<-ctx.Done()
		sup.Abort()
	}()

	summary, err := sup.Run(ctx, spec)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("run pipeline: %w", err)
	}
	if summary != nil && summary.AnyFailed() {
		logger.Warn("pipeline completed with failures", "run_id", summary.RunID)
	}
	return nil
}

// latestRunPointer names the file directly under log_dir that records
// the most recent run's ID, so a later invocation can tell a crashed,
// still-resumable run apart from one that already settled.
const latestRunPointer = "LATEST_RUN"

// resolveRunDir implements spec.md §3's persisted-state lifecycle:
// the store lives under log_dir/<run_id>/, and a `start` invocation
// either resumes the previous run_id directory -- if it still holds a
// non-terminal package, matching §4.6 and §8 scenario 6's restart
// recovery -- or purges it and mints a fresh run_id.
func resolveRunDir(logDir string, logger logging.Logger) (runDir, runID string, err error) {
	pointerPath := filepath.Join(logDir, latestRunPointer)

	if prev, rerr := os.ReadFile(pointerPath); rerr == nil {
		prevID := strings.TrimSpace(string(prev))
		prevDir := filepath.Join(logDir, prevID)
		if prevID != "" && runIsResumable(prevDir, logger) {
			return prevDir, prevID, nil
		}
		if rmErr := os.RemoveAll(prevDir); rmErr != nil {
			return "", "", fmt.Errorf("purge prior run %s: %w", prevID, rmErr)
		}
	}

	runID = uuid.NewString()
	runDir = filepath.Join(logDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create run directory %s: %w", runDir, err)
	}
	if err := os.WriteFile(pointerPath, []byte(runID), 0o644); err != nil {
		return "", "", fmt.Errorf("write run pointer: %w", err)
	}
	return runDir, runID, nil
}

// runIsResumable reports whether runDir's store still holds a
// non-terminal package -- the supervisor was killed mid-run rather
// than completing -- by briefly opening it read-only-in-effect and
// closing it again before the real store open.
func runIsResumable(runDir string, logger logging.Logger) bool {
	st, err := store.NewFileStore(runDir, logger)
	if err != nil {
		return false
	}
	defer st.Close()

	for _, jobName := range st.JobNames() {
		for _, wp := range st.Snapshot(jobName) {
			if !wp.State.IsTerminal() {
				return true
			}
		}
	}
	return false
}

func resolveAuth() auth.Provider {
	if token := os.Getenv("SLURM_JWT"); token != "" {
		return auth.NewTokenAuth(token)
	}
	if user, pass := os.Getenv("SLURM_USERNAME"), os.Getenv("SLURM_PASSWORD"); user != "" && pass != "" {
		return auth.NewBasicAuth(user, pass)
	}
	return auth.NewNoAuth()
}
