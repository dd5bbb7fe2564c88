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

// Package local binds the remote.Source contract to a watched inbox
// directory on the local machine. Useful for airgapped deployments and
// end-to-end testing without any cloud credentials.
package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/radovskyb/watcher"

	"github.com/upbound/metacam/internal/remote"
)

const (
	errWatch = "cannot watch inbox directory"
	errStat  = "cannot stat inbox file"
	errOpen  = "cannot open inbox file"
)

// A Source serves packages dropped into a local inbox directory. A
// polling watcher keeps the directory snapshot current.
type Source struct {
	dir string
	w   *watcher.Watcher
}

// New returns a local inbox source polling dir at the given interval.
func New(dir string, interval time.Duration) (*Source, error) {
	w := watcher.New()
	w.FilterOps(watcher.Create, watcher.Write, watcher.Remove, watcher.Rename)
	if err := w.Add(dir); err != nil {
		return nil, errors.Wrap(err, errWatch)
	}
	go func() {
		// The event stream must be drained even though List reads the
		// watcher's file table directly.
		for {
			select {
			case <-w.Event:
			case <-w.Error:
			case <-w.Closed:
				return
			}
		}
	}()
	go func() {
		_ = w.Start(interval)
	}()
	return &Source{dir: dir, w: w}, nil
}

// Close stops the watcher.
func (s *Source) Close() {
	s.w.Close()
}

// List implements remote.Source from the watcher's current file table.
func (s *Source) List(_ context.Context) ([]remote.Descriptor, error) {
	files := s.w.WatchedFiles()
	out := make([]remote.Descriptor, 0, len(files))
	for path, fi := range files {
		if fi.IsDir() {
			continue
		}
		out = append(out, toDescriptor(path, fi))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.Before(out[j].ModTime) })
	return out, nil
}

// Stat implements remote.Source.
func (s *Source) Stat(_ context.Context, id string) (remote.Descriptor, error) {
	fi, err := os.Stat(id)
	if err != nil {
		return remote.Descriptor{}, errors.Wrap(err, errStat)
	}
	return toDescriptor(id, fi), nil
}

// Open implements remote.Source.
func (s *Source) Open(_ context.Context, id string, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(id) // nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, errOpen)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, errOpen)
		}
	}
	return f, nil
}

// Probe implements remote.Prober.
func (s *Source) Probe(_ context.Context) error {
	_, err := os.Stat(s.dir)
	return errors.Wrap(err, errWatch)
}

func toDescriptor(path string, fi os.FileInfo) remote.Descriptor {
	return remote.Descriptor{
		RemoteID:  path,
		Name:      filepath.Base(path),
		SizeBytes: fi.Size(),
		ModTime:   fi.ModTime(),
	}
}
