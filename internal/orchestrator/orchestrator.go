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

// Package orchestrator glues the pipeline together: monitor, download,
// extract, validate, process, record. One worker owns one in-flight
// package end to end; a failing package never takes the process down.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/upbound/metacam/internal/archive"
	"github.com/upbound/metacam/internal/download"
	"github.com/upbound/metacam/internal/process"
	"github.com/upbound/metacam/internal/remote"
	"github.com/upbound/metacam/internal/sheets"
	"github.com/upbound/metacam/internal/tracker"
	"github.com/upbound/metacam/internal/validate"
)

// Stage names of the per-package state machine.
const (
	StageNew         = "NEW"
	StageDownloading = "DOWNLOADING"
	StageExtracting  = "EXTRACTING"
	StageValidating  = "VALIDATING"
	StageProcessing  = "PROCESSING"
	StageRecording   = "RECORDING"
	StageDone        = "DONE"
	StageFailed      = "FAILED"
)

// Collaborator seams. The concrete implementations live in their own
// packages; the orchestrator needs only this much.
type (
	// An Inspector extracts archives.
	Inspector interface {
		Inspect(ctx context.Context, path string) (*archive.ExtractedPackage, error)
	}

	// A Fetcher downloads remote artifacts.
	Fetcher interface {
		Download(ctx context.Context, desc remote.Descriptor, destPath string, onProgress func(download.Progress)) error
	}

	// A Checker validates extracted packages.
	Checker interface {
		Validate(ctx context.Context, root string, level validate.Level, formatHint string) (validate.Result, error)
	}

	// A Processor drives the reconstruction binaries.
	Processor interface {
		Process(ctx context.Context, root, pkgName string, scene process.Scene) (process.Outcome, error)
	}

	// A Recorder lands result rows.
	Recorder interface {
		Enqueue(ctx context.Context, r sheets.Row) error
		Flush(ctx context.Context) error
	}

	// A Marker persists processed ids.
	Marker interface {
		Mark(r tracker.Record) error
	}

	// A Notifier reports failures.
	Notifier interface {
		NotifyFailure(pkgName, stage, reason string) error
	}
)

// Config configures the orchestrator.
type Config struct {
	MaxConcurrent    int
	DownloadPath     string
	ValidationLevel  validate.Level
	ValidationWait   time.Duration
	SceneHint        string
	FormatHint       string
	KeepOriginalData bool
	AutoProcess      bool
	DrainTimeout     time.Duration
}

// Defaults fills unset fields.
func (c Config) Defaults() Config {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 3
	}
	if c.ValidationLevel == "" {
		c.ValidationLevel = validate.LevelStandard
	}
	if c.ValidationWait == 0 {
		c.ValidationWait = 1800 * time.Second
	}
	if c.FormatHint == "" {
		c.FormatHint = validate.FormatMetaCam
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 10 * time.Minute
	}
	return c
}

// An Orchestrator runs the per-package pipeline.
type Orchestrator struct {
	cfg       Config
	fs        afero.Fs
	log       *zap.Logger
	fetcher   Fetcher
	inspector Inspector
	checker   Checker
	processor Processor
	recorder  Recorder
	marker    Marker
	notifier  Notifier

	// slots bounds how many packages run the download-to-validation
	// stages at once. A slot is released before the long subprocess
	// wait of the processing stage, so a package mid-reconstruction
	// never starves new downloads.
	slots chan struct{}
}

// Option modifies an Orchestrator.
type Option func(*Orchestrator)

// WithFs specifies the afero.Fs used for scratch cleanup.
func WithFs(fs afero.Fs) Option {
	return func(o *Orchestrator) {
		o.fs = fs
	}
}

// WithProcessor wires the reconstruction driver. Without one, packages
// stop after validation.
func WithProcessor(p Processor) Option {
	return func(o *Orchestrator) {
		o.processor = p
	}
}

// WithNotifier wires failure notifications.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// New returns an Orchestrator.
func New(cfg Config, fetcher Fetcher, inspector Inspector, checker Checker, recorder Recorder, marker Marker, log *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg.Defaults(),
		fs:        afero.NewOsFs(),
		log:       log,
		fetcher:   fetcher,
		inspector: inspector,
		checker:   checker,
		recorder:  recorder,
		marker:    marker,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.slots = make(chan struct{}, o.cfg.MaxConcurrent)
	return o
}

// acquireSlot blocks until a download slot is free. The returned
// release is idempotent.
func (o *Orchestrator) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o.slots <- struct{}{}:
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-o.slots })
	}, nil
}

// Run consumes descriptors until in closes or ctx is canceled, then
// drains in-flight packages up to the drain timeout. Worker failures
// are contained per package; Run only returns a context error.
//
// Workers are not capped directly: the download slots inside Handle
// bound how many packages occupy the expensive early stages, while a
// package blocked on a reconstruction subprocess holds no slot.
func (o *Orchestrator) Run(ctx context.Context, in <-chan remote.Descriptor) error {
	g := &errgroup.Group{}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case desc, ok := <-in:
			if !ok {
				break loop
			}
			d := desc
			g.Go(func() error {
				// Workers get a drain budget past cancellation so an
				// in-flight package can reach a terminal state.
				wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.DrainTimeout)
				defer cancel()
				o.Handle(wctx, d)
				return nil
			})
		}
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.DrainTimeout):
		o.log.Warn("drain timeout expired with packages in flight")
	}
	return ctx.Err()
}

// Handle walks one package through the state machine. Every terminal
// state writes a sheet row and marks the tracker.
func (o *Orchestrator) Handle(ctx context.Context, desc remote.Descriptor) {
	log := o.log.With(zap.String("package", desc.Name), zap.String("id", desc.RemoteID))
	rep := &report{desc: desc, stage: StageNew, started: time.Now()}
	defer o.finish(ctx, rep, log)

	release, err := o.acquireSlot(ctx)
	if err != nil {
		rep.fail(StageNew, err)
		return
	}
	defer release()

	// DOWNLOADING
	rep.stage = StageDownloading
	archivePath := filepath.Join(o.cfg.DownloadPath, desc.Name)
	log.Info("downloading", zap.Int64("bytes", desc.SizeBytes))
	if err := o.fetcher.Download(ctx, desc, archivePath, nil); err != nil {
		rep.fail(StageDownloading, err)
		return
	}
	rep.archivePath = archivePath

	// EXTRACTING
	rep.stage = StageExtracting
	pkg, err := o.inspector.Inspect(ctx, archivePath)
	if err != nil {
		rep.fail(StageExtracting, err)
		return
	}
	rep.pkg = pkg

	// VALIDATING
	rep.stage = StageValidating
	vctx, vcancel := context.WithTimeout(ctx, o.cfg.ValidationWait)
	res, err := o.checker.Validate(vctx, pkg.RootPath, o.cfg.ValidationLevel, o.cfg.FormatHint)
	vcancel()
	if err != nil {
		rep.fail(StageValidating, err)
		return
	}
	rep.result = &res
	if !res.IsValid {
		// A failed validation is a terminal verdict on the data, not an
		// orchestrator failure; the row records why.
		rep.stage = StageDone
		rep.reason = "validation failed"
		return
	}

	// PROCESSING. The slot goes back first: the subprocess wait is
	// long and consumes neither a download connection nor scratch IO.
	release()
	if o.processor != nil && o.cfg.AutoProcess {
		rep.stage = StageProcessing
		scene := process.Scene{Hint: o.cfg.SceneHint}
		if ps := metaNode(res.Metadata, "pcd_scale"); ps != nil {
			scene.PCDWidthM, _ = ps["width_m"].(float64)
			scene.PCDHeightM, _ = ps["height_m"].(float64)
		}
		outcome, err := o.processor.Process(ctx, pkg.RootPath, packageName(desc.Name), scene)
		rep.outcome = &outcome
		if err != nil {
			rep.fail(StageProcessing, err)
			return
		}
	}

	rep.stage = StageDone
}

// finish is the RECORDING transition: one row, one tracker mark, one
// cleanup, regardless of how the package ended.
func (o *Orchestrator) finish(ctx context.Context, rep *report, log *zap.Logger) {
	if r := recover(); r != nil {
		rep.fail(rep.stage, fmt.Errorf("panic: %v", r))
		log.Error("worker panicked", zap.Any("panic", r))
	}
	rep.elapsed = time.Since(rep.started)

	status := StageDone
	if rep.failedStage != "" {
		status = fmt.Sprintf("%s(%s)", StageFailed, rep.failedStage)
		log.Warn("package failed",
			zap.String("stage", rep.failedStage), zap.String("reason", rep.reason))
		if o.notifier != nil {
			if err := o.notifier.NotifyFailure(rep.desc.Name, rep.failedStage, rep.reason); err != nil {
				log.Warn("failure notification not delivered", zap.Error(err))
			}
		}
	} else {
		log.Info("package done", zap.Duration("elapsed", rep.elapsed))
	}

	if err := o.recorder.Enqueue(ctx, BuildRow(rep)); err != nil {
		log.Error("sheet row not recorded", zap.Error(err))
	}
	if err := o.recorder.Flush(ctx); err != nil {
		log.Warn("sheet flush failed", zap.Error(err))
	}

	if err := o.marker.Mark(tracker.Record{
		RemoteID:  rep.desc.RemoteID,
		Name:      rep.desc.Name,
		SizeBytes: rep.desc.SizeBytes,
		Status:    status,
	}); err != nil {
		log.Error("tracker mark failed", zap.Error(err))
	}

	o.cleanup(rep, log)
}

func (o *Orchestrator) cleanup(rep *report, log *zap.Logger) {
	if o.cfg.KeepOriginalData {
		return
	}
	if rep.pkg != nil {
		if err := o.fs.RemoveAll(rep.pkg.RootPath); err != nil {
			log.Warn("scratch cleanup failed", zap.Error(err))
		}
	}
	if rep.archivePath != "" {
		if err := o.fs.Remove(rep.archivePath); err != nil {
			log.Warn("archive cleanup failed", zap.Error(err))
		}
	}
}

// packageName strips the archive extension from an upload name.
func packageName(name string) string {
	base := name
	for _, ext := range []string{".tar.gz", ".zip", ".rar", ".7z", ".tar", ".tgz", ".gz"} {
		if strings.HasSuffix(strings.ToLower(base), ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return base
}
