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

// Package monitor polls the remote source and yields descriptors for
// packages the tracker has not seen.
package monitor

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upbound/metacam/internal/remote"
)

// A Seener answers whether a remote id was already processed.
type Seener interface {
	Seen(id string) bool
}

// Config configures a Monitor.
type Config struct {
	Interval          time.Duration
	AllowedExtensions []string
	MaxFileBytes      int64
}

// Defaults fills unset fields.
func (c Config) Defaults() Config {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if len(c.AllowedExtensions) == 0 {
		c.AllowedExtensions = []string{".zip", ".rar", ".7z", ".tar", ".tgz", ".gz"}
	}
	return c
}

// A Monitor polls a Source and emits new descriptors. Each remote id is
// emitted at most once per process lifetime.
type Monitor struct {
	source  remote.Source
	tracker Seener
	cfg     Config
	log     *zap.Logger

	emitted map[string]bool
}

// New returns a Monitor.
func New(source remote.Source, tracker Seener, cfg Config, log *zap.Logger) *Monitor {
	return &Monitor{
		source:  source,
		tracker: tracker,
		cfg:     cfg.Defaults(),
		log:     log,
		emitted: map[string]bool{},
	}
}

// Run polls until ctx is done, sending new descriptors to out. Source
// errors back off and polling continues. Run owns out and closes it on
// return.
func (m *Monitor) Run(ctx context.Context, out chan<- remote.Descriptor) {
	defer close(out)

	backoff := m.cfg.Interval
	for {
		sent, err := m.poll(ctx, out)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Source errors stretch the wait up to 8 polling intervals.
			if backoff < 8*m.cfg.Interval {
				backoff *= 2
			}
			m.log.Warn("poll failed, backing off",
				zap.Duration("backoff", backoff), zap.Error(err))
		} else {
			backoff = m.cfg.Interval
			if sent > 0 {
				m.log.Info("poll found new packages", zap.Int("count", sent))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// PollOnce runs a single poll, returning the new descriptors instead of
// streaming them. Used by the single-pass CLI mode.
func (m *Monitor) PollOnce(ctx context.Context) ([]remote.Descriptor, error) {
	descs, err := m.source.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []remote.Descriptor
	for _, d := range descs {
		if m.admit(d) {
			m.emitted[d.RemoteID] = true
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Monitor) poll(ctx context.Context, out chan<- remote.Descriptor) (int, error) {
	descs, err := m.source.List(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, d := range descs {
		if !m.admit(d) {
			continue
		}
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case out <- d:
			m.emitted[d.RemoteID] = true
			sent++
		}
	}
	return sent, nil
}

// admit applies the extension whitelist, the size cap and both layers
// of dedup.
func (m *Monitor) admit(d remote.Descriptor) bool {
	if m.emitted[d.RemoteID] || m.tracker.Seen(d.RemoteID) {
		return false
	}
	if m.cfg.MaxFileBytes > 0 && d.SizeBytes > m.cfg.MaxFileBytes {
		m.log.Warn("skipping oversized upload",
			zap.String("name", d.Name), zap.Int64("bytes", d.SizeBytes))
		return false
	}
	ext := strings.ToLower(filepath.Ext(d.Name))
	for _, allowed := range m.cfg.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
