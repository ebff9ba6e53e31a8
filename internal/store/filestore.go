// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jontk/slurm-orchestrator/api"
	"github.com/jontk/slurm-orchestrator/pkg/logging"
)

// FileStore is an append-only-JSONL-per-job Store. Each record is one
// complete api.WorkPackage, one per line, under
// <baseDir>/<job_name>.jsonl. Opening a FileStore replays every
// existing log to rebuild its in-memory index before serving reads.
type FileStore struct {
	baseDir string
	logger  logging.Logger

	mu            sync.Mutex
	files         map[string]*os.File
	index         map[string]*api.WorkPackage // "job#index" -> pkg
	externalIndex map[string]*api.WorkPackage // "arrayJobID#taskID" -> pkg
}

// NewFileStore opens (creating if needed) baseDir and replays any
// existing *.jsonl logs it contains.
func NewFileStore(baseDir string, logger logging.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", baseDir, err)
	}

	fs := &FileStore{
		baseDir:       baseDir,
		logger:        logger,
		files:         make(map[string]*os.File),
		index:         make(map[string]*api.WorkPackage),
		externalIndex: make(map[string]*api.WorkPackage),
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", baseDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		jobName := strings.TrimSuffix(entry.Name(), ".jsonl")
		if err := fs.replay(jobName); err != nil {
			return nil, fmt.Errorf("store: replay %s: %w", jobName, err)
		}
	}

	return fs, nil
}

func (fs *FileStore) path(jobName string) string {
	return filepath.Join(fs.baseDir, jobName+".jsonl")
}

// replay reads every record for jobName, keeping only the latest
// per-index record (later lines in an append-only log supersede
// earlier ones for the same key), and rebuilds the in-memory indexes.
func (fs *FileStore) replay(jobName string) error {
	f, err := os.Open(fs.path(jobName))
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var pkg api.WorkPackage
		if err := json.Unmarshal(line, &pkg); err != nil {
			// A truncated final line means the process died mid-append;
			// spec.md §4.5 guarantees at most one ambiguous record, and
			// it is the one being written, so it is safe to drop.
			fs.logger.Warn("store: dropping unreadable trailing record", "job", jobName, "error", err.Error())
			continue
		}
		fs.indexLocked(&pkg)
	}
	return scanner.Err()
}

func (fs *FileStore) indexLocked(pkg *api.WorkPackage) {
	fs.index[pkg.Key()] = pkg
	if pkg.External.ArrayJobID != "" {
		fs.externalIndex[externalKey(pkg.External.ArrayJobID, pkg.External.TaskID)] = pkg
	}
}

func externalKey(arrayJobID string, taskID int) string {
	return fmt.Sprintf("%s#%d", arrayJobID, taskID)
}

func workKey(jobName string, index int) string {
	return jobName + "#" + strconv.Itoa(index)
}

func (fs *FileStore) openFile(jobName string) (*os.File, error) {
	if f, ok := fs.files[jobName]; ok {
		return f, nil
	}
	f, err := os.OpenFile(fs.path(jobName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	fs.files[jobName] = f
	return f, nil
}

// Upsert appends pkg's current state as one JSON line, fsyncing on
// submission and terminal transitions per spec.md §4.5.
func (fs *FileStore) Upsert(ctx context.Context, pkg *api.WorkPackage) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := fs.openFile(pkg.JobName)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", pkg.JobName, err)
	}

	data, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", pkg.Key(), err)
	}
	data = append(data, '\n')

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("store: write %s: %w", pkg.Key(), err)
	}

	if pkg.State == api.StateSubmitted || pkg.State.IsTerminal() {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("store: fsync %s: %w", pkg.Key(), err)
		}
	}

	clone := *pkg
	fs.indexLocked(&clone)
	return nil
}

// Get returns the work package for (jobName, index).
func (fs *FileStore) Get(jobName string, index int) (*api.WorkPackage, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	pkg, ok := fs.index[workKey(jobName, index)]
	return pkg, ok
}

// ByExternal looks up the work package submitted under
// (arrayJobID, taskID).
func (fs *FileStore) ByExternal(arrayJobID string, taskID int) (*api.WorkPackage, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	pkg, ok := fs.externalIndex[externalKey(arrayJobID, taskID)]
	return pkg, ok
}

// Snapshot returns every known work package for jobName, sorted by
// index.
func (fs *FileStore) Snapshot(jobName string) []*api.WorkPackage {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var out []*api.WorkPackage
	for _, pkg := range fs.index {
		if pkg.JobName == jobName {
			out = append(out, pkg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// JobNames returns every job name with at least one known record,
// sorted alphabetically.
func (fs *FileStore) JobNames() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	seen := make(map[string]bool)
	for _, pkg := range fs.index {
		seen[pkg.JobName] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close closes every open per-job log file.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var firstErr error
	for name, f := range fs.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("store: close %s: %w", name, err)
		}
	}
	return firstErr
}

var _ Store = (*FileStore)(nil)
