// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package expander turns a job's param_files into a flat, deterministic
// sequence of parameter records (spec.md §4.2). It recognizes three
// source shapes: a record list, a Cartesian generator, and a tabular
// (CSV) row stream, concatenated across files in declared order.
package expander

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jontk/slurm-orchestrator/pkg/paramvalue"
	"github.com/jontk/slurm-orchestrator/pkg/pipelineconfig"
)

// Seed is one expanded parameter record paired with the file it came
// from, for error attribution.
type Seed struct {
	Params paramvalue.Value
	Origin string
}

// Expand reads every param_files entry of job and concatenates their
// emitted records in declared order.
func Expand(job *pipelineconfig.JobSpec) ([]Seed, error) {
	var seeds []Seed
	for _, path := range job.ParamFiles {
		fileSeeds, err := expandFile(path)
		if err != nil {
			return nil, fmt.Errorf("expander: job %q: %w", job.Name, err)
		}
		seeds = append(seeds, fileSeeds...)
	}
	return seeds, nil
}

func expandFile(path string) ([]Seed, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return expandTabular(path)
	default:
		return expandJSONOrYAMLShape(path)
	}
}

// expandJSONOrYAMLShape decides, from the decoded top-level shape,
// whether the file is a record list or a Cartesian generator: a list
// at the top level is a record list; a mapping whose values are lists
// is a generator.
func expandJSONOrYAMLShape(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	switch t := raw.(type) {
	case []interface{}:
		return recordList(t, path), nil
	case map[string]interface{}:
		return generator(t, path)
	default:
		return nil, fmt.Errorf("%s: unsupported top-level shape %T", path, raw)
	}
}

// recordList emits one Seed per element, in file order.
func recordList(items []interface{}, origin string) []Seed {
	seeds := make([]Seed, len(items))
	for i, item := range items {
		seeds[i] = Seed{Params: paramvalue.FromInterface(item), Origin: origin}
	}
	return seeds
}

// generator emits the Cartesian product of a mapping whose values are
// lists, walked in lexicographic key order with the last key as the
// innermost loop. A value that is itself a single-element list of a
// list is a literal list value, not something to expand further.
func generator(m map[string]interface{}, origin string) ([]Seed, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	axes := make([][]interface{}, len(keys))
	for i, k := range keys {
		list, ok := m[k].([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: generator key %q is not a list", origin, k)
		}
		if isLiteralListValue(list) {
			axes[i] = []interface{}{list[0]}
		} else {
			axes[i] = list
			if len(list) == 0 {
				return nil, fmt.Errorf("%s: generator key %q is an empty list; zeroes the product", origin, k)
			}
		}
	}

	var seeds []Seed
	indices := make([]int, len(axes))
	for {
		record := make(map[string]interface{}, len(keys))
		for i, k := range keys {
			record[k] = axes[i][indices[i]]
		}
		seeds = append(seeds, Seed{Params: paramvalue.FromInterface(record), Origin: origin})

		pos := len(axes) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < len(axes[pos]) {
				break
			}
			indices[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}
	return seeds, nil
}

// isLiteralListValue reports whether list is the spec's "[[a,b]]"
// shape: a single-element list whose lone element is itself a list.
func isLiteralListValue(list []interface{}) bool {
	if len(list) != 1 {
		return false
	}
	_, ok := list[0].([]interface{})
	return ok
}

// expandTabular emits one record per CSV row; column headers become
// parameter names and empty cells become null.
func expandTabular(path string) ([]Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}

	var seeds []Seed
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: read row: %w", path, err)
		}
		record := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i >= len(row) || row[i] == "" {
				record[col] = nil
				continue
			}
			record[col] = row[i]
		}
		seeds = append(seeds, Seed{Params: paramvalue.FromInterface(record), Origin: path})
	}
	return seeds, nil
}
