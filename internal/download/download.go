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

// Package download fetches remote packages in resumable chunks.
package download

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/upbound/metacam/internal/remote"
)

const (
	errOpenDest    = "cannot open download destination"
	errOpenRemote  = "cannot open remote artifact"
	errSizeChanged = "remote artifact changed during download"
	errShortRead   = "download ended short of the remote size"
)

// Config configures a Downloader.
type Config struct {
	ChunkBytes int64
	Retries    int
	Timeout    time.Duration
}

// Defaults fills unset fields.
func (c Config) Defaults() Config {
	if c.ChunkBytes == 0 {
		c.ChunkBytes = 32 * 1024 * 1024
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Timeout == 0 {
		c.Timeout = 300 * time.Second
	}
	return c
}

// A Progress event reports download advancement.
type Progress struct {
	BytesDone   int64
	BytesTotal  int64
	BytesPerSec float64
	ETASeconds  float64
}

// A Downloader fetches artifacts from a Source with chunked reads,
// resume and retry.
type Downloader struct {
	source remote.Source
	fs     afero.Fs
	cfg    Config
	log    *zap.Logger
}

// Option modifies a Downloader.
type Option func(*Downloader)

// WithFs specifies where downloads land.
func WithFs(fs afero.Fs) Option {
	return func(d *Downloader) {
		d.fs = fs
	}
}

// New returns a Downloader.
func New(source remote.Source, cfg Config, log *zap.Logger, opts ...Option) *Downloader {
	d := &Downloader{
		source: source,
		fs:     afero.NewOsFs(),
		cfg:    cfg.Defaults(),
		log:    log,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Download fetches desc into destPath. A partial file at destPath is
// resumed when the remote size and mtime are unchanged. onProgress may
// be nil.
func (d *Downloader) Download(ctx context.Context, desc remote.Descriptor, destPath string, onProgress func(Progress)) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	offset, err := d.resumeOffset(ctx, desc, destPath)
	if err != nil {
		return err
	}
	if offset == desc.SizeBytes && desc.SizeBytes > 0 {
		d.log.Info("download already complete", zap.String("name", desc.Name))
		return nil
	}

	if err := d.fs.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return errors.Wrap(err, errOpenDest)
	}
	f, err := d.fs.OpenFile(destPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, errOpenDest)
	}
	defer f.Close() // nolint:errcheck
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrap(err, errOpenDest)
	}

	start := time.Now()
	backoff := wait.Backoff{Duration: time.Second, Factor: 2, Steps: d.cfg.Retries + 1}
	attempt := 0
	err = wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		cerr := d.copyChunks(ctx, desc, f, &offset, start, onProgress)
		if cerr == nil {
			return true, nil
		}
		if ctx.Err() != nil || attempt > d.cfg.Retries {
			return false, cerr
		}
		d.log.Warn("download attempt failed, retrying",
			zap.String("name", desc.Name), zap.Int64("offset", offset),
			zap.Int("attempt", attempt), zap.Error(cerr))
		return false, nil
	})
	if err != nil {
		return err
	}

	if offset != desc.SizeBytes {
		return errors.Errorf("%s: got %d of %d bytes", errShortRead, offset, desc.SizeBytes)
	}
	return f.Sync()
}

// resumeOffset decides where to start: zero without a partial file or
// when the partial is larger than the remote, the partial's size
// otherwise. A remote whose size or mtime differs from desc is an error.
func (d *Downloader) resumeOffset(ctx context.Context, desc remote.Descriptor, destPath string) (int64, error) {
	fi, err := d.fs.Stat(destPath)
	if err != nil {
		return 0, nil // no partial file
	}
	current, err := d.source.Stat(ctx, desc.RemoteID)
	if err != nil {
		return 0, errors.Wrap(err, errOpenRemote)
	}
	if current.SizeBytes != desc.SizeBytes || !current.ModTime.Equal(desc.ModTime) {
		return 0, errors.New(errSizeChanged)
	}
	if fi.Size() > desc.SizeBytes {
		// A stale partial larger than the remote cannot be trusted.
		return 0, d.fs.Remove(destPath)
	}
	if fi.Size() > 0 {
		d.log.Info("resuming partial download",
			zap.String("name", desc.Name), zap.Int64("offset", fi.Size()))
	}
	return fi.Size(), nil
}

// copyChunks streams from the remote at *offset until EOF, advancing
// *offset as chunks land so retries resume where the failure happened.
func (d *Downloader) copyChunks(ctx context.Context, desc remote.Descriptor, f afero.File, offset *int64, start time.Time, onProgress func(Progress)) error {
	r, err := d.source.Open(ctx, desc.RemoteID, *offset)
	if err != nil {
		return errors.Wrap(err, errOpenRemote)
	}
	defer r.Close() // nolint:errcheck

	buf := make([]byte, d.cfg.ChunkBytes)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, werr := f.WriteAt(buf[:n], *offset); werr != nil {
				return werr
			}
			*offset += int64(n)
			if onProgress != nil {
				onProgress(d.progress(desc, *offset, start))
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (d *Downloader) progress(desc remote.Descriptor, done int64, start time.Time) Progress {
	elapsed := time.Since(start).Seconds()
	p := Progress{BytesDone: done, BytesTotal: desc.SizeBytes}
	if elapsed > 0 {
		p.BytesPerSec = float64(done) / elapsed
	}
	if p.BytesPerSec > 0 && desc.SizeBytes > done {
		p.ETASeconds = float64(desc.SizeBytes-done) / p.BytesPerSec
	}
	return p
}
