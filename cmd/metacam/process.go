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
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/upbound/metacam/internal/config"
	"github.com/upbound/metacam/internal/download"
	"github.com/upbound/metacam/internal/orchestrator"
	"github.com/upbound/metacam/internal/remote"
	"github.com/upbound/metacam/internal/tracker"
	"github.com/upbound/metacam/internal/validate"
)

// processCmd runs one local archive through extraction, validation and
// processing without touching the remote source.
type processCmd struct {
	File string `arg:"" type:"existingfile" help:"Local archive to process."`
}

// localFetcher satisfies the orchestrator's download stage for a file
// that is already on disk.
type localFetcher struct{}

func (localFetcher) Download(_ context.Context, _ remote.Descriptor, _ string, _ func(download.Progress)) error {
	return nil
}

// Run implements the process command.
func (c *processCmd) Run(cfg *config.Config, log *zap.Logger, p pterm.TextPrinter) error {
	defer log.Sync() // nolint:errcheck

	ctx := context.Background()
	fi, err := os.Stat(c.File)
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

	orch := orchestrator.New(orchestrator.Config{
		// Downloading is a no-op: pointing the download path at the
		// file's own directory makes the later stages read it in place.
		DownloadPath:     filepath.Dir(c.File),
		ValidationLevel:  validate.ParseLevel(cfg.ValidationLevel),
		ValidationWait:   cfg.ValidationTimeout,
		SceneHint:        sceneHint(cfg.ScenePreset),
		KeepOriginalData: true,
		AutoProcess:      cfg.AutoStartProcessing,
	},
		localFetcher{},
		newInspector(cfg, log),
		newManager(cfg, log),
		recorder,
		trk,
		log.Named("orchestrator"),
		orchestrator.WithNotifier(newNotifier(cfg, log)),
		driverOption(cfg, log),
	)

	orch.Handle(ctx, remote.Descriptor{
		RemoteID:  c.File,
		Name:      fi.Name(),
		SizeBytes: fi.Size(),
		ModTime:   fi.ModTime(),
	})
	return nil
}
