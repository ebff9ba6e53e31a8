// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package pipelineconfig loads and validates the declarative pipeline
// document: an ordered list of jobs plus process-wide properties.
package pipelineconfig

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineSpec is the top-level document: an ordered sequence of jobs
// plus process-wide properties.
type PipelineSpec struct {
	Jobs       []JobSpec  `yaml:"jobs"`
	Properties Properties `yaml:"properties"`
}

// Properties holds process-wide settings shared by every job in the
// pipeline.
type Properties struct {
	CondaEnv         string `yaml:"conda_env"`
	Account          string `yaml:"account"`
	LogLevel         string `yaml:"log_level"`
	MaxRetries       int    `yaml:"max_retries"`
	PollIntervalSec  int    `yaml:"poll_interval"`
	ExpBackoffFactor float64 `yaml:"exp_backoff_factor"`
	Slack            Slack  `yaml:"slack"`

	// AdvanceOnFailure controls whether a job with FAILED packages
	// blocks the pipeline from moving to the next job. Defaults to
	// true: a FAILED package is recorded and reported, but the
	// pipeline still advances (spec's Open Question #1).
	AdvanceOnFailure *bool `yaml:"advance_on_failure"`
}

// Slack carries the webhook channel/token the notifier posts to.
type Slack struct {
	Channel string `yaml:"channel"`
	Token   string `yaml:"token"`
}

// PollInterval returns Properties.PollIntervalSec as a Duration.
func (p Properties) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSec) * time.Second
}

// AdvanceOnFailureOrDefault resolves the tri-state pointer to its
// effective boolean, defaulting to true per spec's Open Question #1.
func (p Properties) AdvanceOnFailureOrDefault() bool {
	if p.AdvanceOnFailure == nil {
		return true
	}
	return *p.AdvanceOnFailure
}

// JobSpec describes one batch job: its script, parameter sources,
// resource request, and optional special-case overrides.
type JobSpec struct {
	Name         string         `yaml:"name"`
	Script       string         `yaml:"script"`
	ParamFiles   []string       `yaml:"param_files"`
	LogDir       string         `yaml:"log_dir"`
	Resources    Resources      `yaml:"resources"`
	SpecialCases []SpecialCase  `yaml:"special_cases"`
}

// Resources is a resource request: CPU count, wall time, and optional
// memory.
type Resources struct {
	CPUs   int    `yaml:"cpus"`
	Time   string `yaml:"time"`
	Memory string `yaml:"memory,omitempty"`
}

// SpecialCase bundles a file-existence/size predicate with an
// alternative resource request.
type SpecialCase struct {
	Name      string           `yaml:"name"`
	Files     []FileConstraint `yaml:"files"`
	Resources Resources        `yaml:"resources"`
}

// FileConstraint names a file, relative to a record's data directory,
// that must exist and optionally satisfy size bounds.
type FileConstraint struct {
	Path    string `yaml:"path"`
	SizeMax int64  `yaml:"size_max,omitempty"`
	SizeMin int64  `yaml:"size_min,omitempty"`
}

var timePattern = regexp.MustCompile(`^\d{1,}:\d{2}:\d{2}$`)

// Load reads and parses a pipeline document from path. It does not
// validate; call Validate separately so callers can distinguish parse
// errors from schema violations.
func Load(path string) (*PipelineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipelineconfig: read %s: %w", path, err)
	}

	var spec PipelineSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("pipelineconfig: parse %s: %w", path, err)
	}
	return &spec, nil
}

// Validate checks the schema invariants spec.md §4.1 requires: unique
// job names, existing script paths, parseable param_files, HH:MM:SS
// time format, cpus >= 1, max_retries >= 0, poll_interval >= 1s,
// exp_backoff_factor >= 1, and that every special case names at least
// one file constraint.
func (s *PipelineSpec) Validate() error {
	if s.Properties.MaxRetries < 0 {
		return fmt.Errorf("pipelineconfig: properties.max_retries must be >= 0")
	}
	if s.Properties.PollIntervalSec < 1 {
		return fmt.Errorf("pipelineconfig: properties.poll_interval must be >= 1s")
	}
	if s.Properties.ExpBackoffFactor < 1 {
		return fmt.Errorf("pipelineconfig: properties.exp_backoff_factor must be >= 1")
	}

	seen := make(map[string]bool, len(s.Jobs))
	for i := range s.Jobs {
		job := &s.Jobs[i]
		if job.Name == "" {
			return fmt.Errorf("pipelineconfig: job[%d] missing name", i)
		}
		if seen[job.Name] {
			return fmt.Errorf("pipelineconfig: duplicate job name %q", job.Name)
		}
		seen[job.Name] = true

		if _, err := os.Stat(job.Script); err != nil {
			return fmt.Errorf("pipelineconfig: job %q script %q: %w", job.Name, job.Script, err)
		}
		if len(job.ParamFiles) == 0 {
			return fmt.Errorf("pipelineconfig: job %q has no param_files", job.Name)
		}
		for _, pf := range job.ParamFiles {
			data, err := os.ReadFile(pf)
			if err == nil && strings.EqualFold(filepath.Ext(pf), ".csv") {
				_, err = csv.NewReader(bytes.NewReader(data)).ReadAll()
			} else if err == nil {
				var doc interface{}
				err = yaml.Unmarshal(data, &doc)
			}
			if err != nil {
				return fmt.Errorf("pipelineconfig: job %q param_file %q: %w", job.Name, pf, err)
			}
		}
		if err := job.Resources.validate(); err != nil {
			return fmt.Errorf("pipelineconfig: job %q resources: %w", job.Name, err)
		}
		for _, sc := range job.SpecialCases {
			if sc.Name == "" {
				return fmt.Errorf("pipelineconfig: job %q has a special case with no name", job.Name)
			}
			if len(sc.Files) == 0 {
				return fmt.Errorf("pipelineconfig: job %q special case %q declares no files", job.Name, sc.Name)
			}
			if err := sc.Resources.validate(); err != nil {
				return fmt.Errorf("pipelineconfig: job %q special case %q resources: %w", job.Name, sc.Name, err)
			}
		}
	}
	return nil
}

func (r Resources) validate() error {
	if r.CPUs < 1 {
		return fmt.Errorf("cpus must be >= 1")
	}
	if !timePattern.MatchString(r.Time) {
		return fmt.Errorf("time %q does not match HH:MM:SS", r.Time)
	}
	return nil
}
