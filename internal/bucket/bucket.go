// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package bucket partitions a job's expanded work packages into
// resource buckets per its special-case predicates (spec.md §4.3).
package bucket

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jontk/slurm-orchestrator/api"
	"github.com/jontk/slurm-orchestrator/internal/expander"
	"github.com/jontk/slurm-orchestrator/pkg/pipelineconfig"
)

// Warning describes a predicate evaluation that could not be
// conclusively resolved (missing or unreadable file), which is treated
// as a non-match.
type Warning struct {
	JobName     string
	SpecialCase string
	Message     string
}

// dataDirField is the parameter record field special-case file
// constraints are resolved relative to.
const dataDirField = "data_dir"

// Partition assigns each seed to a bucket: the first special case
// whose predicate matches claims it; otherwise it falls to the
// job's default bucket. Array index within a bucket follows the
// order packages appear in seeds, not their original position.
func Partition(job *pipelineconfig.JobSpec, seeds []expander.Seed) ([]*api.Bucket, []Warning) {
	buckets := map[string]*api.Bucket{}
	order := []string{}
	var warnings []Warning

	defaultName := job.Name
	buckets[defaultName] = &api.Bucket{Name: defaultName, JobName: job.Name, Resources: job.Resources}
	order = append(order, defaultName)

	for _, sc := range job.SpecialCases {
		name := job.Name + "." + sc.Name
		buckets[name] = &api.Bucket{Name: name, JobName: job.Name, Resources: sc.Resources}
		order = append(order, name)
	}

	for _, seed := range seeds {
		target := defaultName
		for _, sc := range job.SpecialCases {
			matched, warn := matches(job.Name, seed, sc)
			if warn != nil {
				warnings = append(warnings, *warn)
			}
			if matched {
				target = job.Name + "." + sc.Name
				break
			}
		}

		wp := &api.WorkPackage{
			JobName:   target,
			Index:     len(buckets[target].Packages),
			Params:    seed.Params,
			Resources: buckets[target].Resources,
			State:     api.StatePending,
		}
		buckets[target].Packages = append(buckets[target].Packages, wp)
	}

	result := make([]*api.Bucket, 0, len(order))
	for _, name := range order {
		b := buckets[name]
		if len(b.Packages) > 0 || name == defaultName {
			result = append(result, b)
		}
	}
	return result, warnings
}

// matches evaluates one special case's predicate against a seed: every
// listed file must exist relative to the record's data directory and
// satisfy its size bounds. A missing/unreadable file is conservatively
// a non-match, with a Warning explaining why.
func matches(jobName string, seed expander.Seed, sc pipelineconfig.SpecialCase) (bool, *Warning) {
	dataDir, ok := recordDataDir(seed)
	if !ok {
		return false, &Warning{
			JobName:     jobName,
			SpecialCase: sc.Name,
			Message:     fmt.Sprintf("record has no %q field to resolve special-case files against", dataDirField),
		}
	}

	for _, fc := range sc.Files {
		path := filepath.Join(dataDir, fc.Path)
		info, err := os.Stat(path)
		if err != nil {
			return false, &Warning{
				JobName:     jobName,
				SpecialCase: sc.Name,
				Message:     fmt.Sprintf("stat %s: %v", path, err),
			}
		}
		size := info.Size()
		if fc.SizeMax > 0 && size > fc.SizeMax {
			return false, nil
		}
		if fc.SizeMin > 0 && size < fc.SizeMin {
			return false, nil
		}
	}
	return true, nil
}

func recordDataDir(seed expander.Seed) (string, bool) {
	field, ok := seed.Params.Field(dataDirField)
	if !ok {
		return "", false
	}
	dir, ok := field.String()
	if !ok || dir == "" {
		return "", false
	}
	return dir, true
}
