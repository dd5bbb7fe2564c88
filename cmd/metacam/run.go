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

package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/upbound/metacam/internal/config"
	"github.com/upbound/metacam/internal/download"
	"github.com/upbound/metacam/internal/monitor"
	"github.com/upbound/metacam/internal/orchestrator"
	"github.com/upbound/metacam/internal/remote"
	"github.com/upbound/metacam/internal/tracker"
	"github.com/upbound/metacam/internal/validate"
)

// runCmd is the long-running service loop.
type runCmd struct {
	Once bool `help:"Run a single poll pass and exit."`
}

// Run implements the run command.
func (r *runCmd) Run(cfg *config.Config, log *zap.Logger, p pterm.TextPrinter) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	defer log.Sync() // nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := newSource(ctx, cfg)
	if err != nil {
		return err
	}
	trk, err := tracker.Load(cfg.TrackerPath, cfg.TrackerRetain)
	if err != nil {
		return err
	}
	recorder, err := newRecorder(ctx, cfg, log, p)
	if err != nil {
		return err
	}

	fetcher := download.New(source, download.Config{
		ChunkBytes: cfg.DownloadChunkBytes(),
		Retries:    cfg.DownloadRetries,
		Timeout:    cfg.DownloadTimeout,
	}, log.Named("download"))

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrent:    cfg.MaxConcurrent,
		DownloadPath:     cfg.DownloadPath,
		ValidationLevel:  validate.ParseLevel(cfg.ValidationLevel),
		ValidationWait:   cfg.ValidationTimeout,
		SceneHint:        sceneHint(cfg.ScenePreset),
		KeepOriginalData: cfg.KeepOriginalData,
		AutoProcess:      cfg.AutoStartProcessing,
	},
		fetcher,
		newInspector(cfg, log),
		newManager(cfg, log),
		recorder,
		trk,
		log.Named("orchestrator"),
		orchestrator.WithNotifier(newNotifier(cfg, log)),
		driverOption(cfg, log),
	)

	mon := monitor.New(source, trk, monitor.Config{
		Interval:          cfg.CheckInterval,
		AllowedExtensions: cfg.AllowedExtensions,
		MaxFileBytes:      cfg.MaxFileBytes(),
	}, log.Named("monitor"))

	if r.Once {
		descs, err := mon.PollOnce(ctx)
		if err != nil {
			return err
		}
		p.Printfln("found %d new package(s)", len(descs))
		for _, d := range descs {
			orch.Handle(ctx, d)
		}
		_ = trk.Touch(time.Now())
		return nil
	}

	p.Printfln("watching %s source every %s", cfg.Source, cfg.CheckInterval)
	ch := make(chan remote.Descriptor)
	go mon.Run(ctx, ch)
	err = orch.Run(ctx, ch)
	if ctx.Err() != nil {
		log.Info("shutdown complete")
		return nil
	}
	return err
}

func driverOption(cfg *config.Config, log *zap.Logger) orchestrator.Option {
	d := newDriver(cfg, log)
	if d == nil {
		return func(*orchestrator.Orchestrator) {}
	}
	return orchestrator.WithProcessor(d)
}

// sceneHint maps the threshold preset onto the driver's scene hint.
// The default preset gives the driver no hint at all.
func sceneHint(preset string) string {
	if preset == "indoor" || preset == "outdoor" {
		return preset
	}
	return ""
}
