// Copyright 2023 Upbound Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracker persists the set of already-processed package
// identifiers across restarts. The backing file is the source of truth;
// writes go through a temp file and an atomic rename.
package tracker

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	errLoadState  = "cannot load tracker state"
	errParseState = "cannot parse tracker state"
	errSaveState  = "cannot save tracker state"
)

// A Record describes one processed package.
type Record struct {
	RemoteID    string    `json:"file_id"`
	Name        string    `json:"file_name,omitempty"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
	Status      string    `json:"status,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// state is the on-disk layout. Unknown fields in an existing file are
// ignored on read and therefore dropped on the next write; the format is
// forward-compatible in the read direction only.
type state struct {
	ProcessedFiles []Record  `json:"processed_files"`
	LastCheckTime  time.Time `json:"last_check_time"`
	TotalProcessed int       `json:"total_processed"`
}

// A Tracker is a persistent set of processed remote ids. It is safe for
// concurrent use.
type Tracker struct {
	fs   afero.Fs
	path string

	mu      sync.Mutex
	records map[string]Record
	lastChk time.Time
	total   int
}

// Option modifies a Tracker.
type Option func(*Tracker)

// WithFs specifies the afero.Fs used to persist state.
func WithFs(fs afero.Fs) Option {
	return func(t *Tracker) {
		t.fs = fs
	}
}

// Load reads tracker state from path, creating an empty tracker if the
// file does not exist. Records older than retain are pruned; a zero
// retain disables pruning.
func Load(path string, retain time.Duration, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		fs:      afero.NewOsFs(),
		path:    path,
		records: map[string]Record{},
	}
	for _, o := range opts {
		o(t)
	}

	exists, err := afero.Exists(t.fs, path)
	if err != nil {
		return nil, errors.Wrap(err, errLoadState)
	}
	if !exists {
		return t, nil
	}

	b, err := afero.ReadFile(t.fs, path)
	if err != nil {
		return nil, errors.Wrap(err, errLoadState)
	}
	var s state
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, errParseState)
	}

	cutoff := time.Time{}
	if retain > 0 {
		cutoff = time.Now().Add(-retain)
	}
	for _, r := range s.ProcessedFiles {
		if r.RemoteID == "" {
			continue
		}
		if !cutoff.IsZero() && r.ProcessedAt.Before(cutoff) {
			continue
		}
		t.records[r.RemoteID] = r
	}
	t.lastChk = s.LastCheckTime
	t.total = s.TotalProcessed
	return t, nil
}

// Seen reports whether the given remote id has already been processed.
func (t *Tracker) Seen(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[id]
	return ok
}

// Mark records a package as processed and persists the updated state.
// Marking an id twice replaces the earlier record.
func (t *Tracker) Mark(r Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = time.Now()
	}
	if _, ok := t.records[r.RemoteID]; !ok {
		t.total++
	}
	t.records[r.RemoteID] = r
	return t.persist()
}

// Touch updates the last poll time and persists it.
func (t *Tracker) Touch(at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastChk = at
	return t.persist()
}

// Snapshot returns all records ordered by processing time.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProcessedAt.Before(out[j].ProcessedAt)
	})
	return out
}

// TotalProcessed returns the lifetime count of marked packages,
// including records that have since been pruned.
func (t *Tracker) TotalProcessed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// persist writes state to a temp file in the target directory and
// renames it over the tracker file. Callers must hold t.mu.
func (t *Tracker) persist() error {
	s := state{
		ProcessedFiles: make([]Record, 0, len(t.records)),
		LastCheckTime:  t.lastChk,
		TotalProcessed: t.total,
	}
	for _, r := range t.records {
		s.ProcessedFiles = append(s.ProcessedFiles, r)
	}
	sort.Slice(s.ProcessedFiles, func(i, j int) bool {
		return s.ProcessedFiles[i].ProcessedAt.Before(s.ProcessedFiles[j].ProcessedAt)
	})

	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, errSaveState)
	}

	dir := filepath.Dir(t.path)
	if err := t.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errSaveState)
	}
	tmp, err := afero.TempFile(t.fs, dir, ".tracker-*")
	if err != nil {
		return errors.Wrap(err, errSaveState)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = t.fs.Remove(tmpName)
		return errors.Wrap(err, errSaveState)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = t.fs.Remove(tmpName)
		return errors.Wrap(err, errSaveState)
	}
	if err := tmp.Close(); err != nil {
		_ = t.fs.Remove(tmpName)
		return errors.Wrap(err, errSaveState)
	}
	if err := t.fs.Rename(tmpName, t.path); err != nil {
		_ = t.fs.Remove(tmpName)
		return errors.Wrap(err, errSaveState)
	}
	return nil
}
