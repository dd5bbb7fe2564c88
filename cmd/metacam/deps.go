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
	"strings"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/upbound/metacam/internal/archive"
	"github.com/upbound/metacam/internal/config"
	"github.com/upbound/metacam/internal/notify"
	"github.com/upbound/metacam/internal/process"
	"github.com/upbound/metacam/internal/remote"
	"github.com/upbound/metacam/internal/remote/gcs"
	"github.com/upbound/metacam/internal/remote/gdrive"
	"github.com/upbound/metacam/internal/remote/local"
	"github.com/upbound/metacam/internal/sheets"
	"github.com/upbound/metacam/internal/validate"
	"github.com/upbound/metacam/internal/vision"
)

const errUnknownSource = "unknown source kind"

// newSource builds the configured remote source.
func newSource(ctx context.Context, cfg *config.Config) (remote.Source, error) {
	switch cfg.Source {
	case config.SourceGDrive:
		return gdrive.New(ctx, cfg.DriveFolderID, cfg.ServiceAccountFile)
	case config.SourceGCS:
		return gcs.New(ctx, cfg.GCSBucket, cfg.GCSPrefix, cfg.ServiceAccountFile)
	case config.SourceLocal:
		return local.New(cfg.LocalInboxDir, cfg.CheckInterval)
	}
	return nil, errors.Errorf("%s %q", errUnknownSource, cfg.Source)
}

// newInspector builds the archive inspector.
func newInspector(cfg *config.Config, log *zap.Logger) *archive.Inspector {
	return archive.NewInspector(cfg.TempDir, log.Named("archive"),
		archive.WithPasswords(cfg.DefaultPasswords),
		archive.WithMaxArchiveBytes(cfg.MaxFileBytes()),
	)
}

// newManager registers the MetaCam validator and, when a model helper
// is configured, the transient validator.
func newManager(cfg *config.Config, log *zap.Logger) *validate.Manager {
	m := validate.NewManager(log.Named("validate"))
	m.Register(validate.NewMetaCamValidator(log.Named("metacam")))

	if cfg.DetectorHelper != "" {
		provider := func(ctx context.Context) (*vision.Detector, error) {
			backend := vision.NewExecBackend(cfg.DetectorHelper, cfg.DetectorDevice)
			return vision.NewDetector(ctx, backend, vision.DetectorConfig{
				Model:         cfg.DetectorModel,
				ConfThreshold: cfg.DetectorConf,
				Device:        cfg.DetectorDevice,
				DetectBatch:   cfg.DetectBatchSize,
				SegmentBatch:  cfg.SegmentBatchSize,
			}, log.Named("detector"))
		}
		m.Register(validate.NewTransientValidator(provider, log.Named("transient"),
			validate.WithScenePreset(cfg.ScenePreset)))
	}
	return m
}

// newDriver builds the processing driver, nil when processing is off.
func newDriver(cfg *config.Config, log *zap.Logger) *process.Driver {
	if !cfg.AutoStartProcessing {
		return nil
	}
	return process.NewDriver(process.Config{
		GeneratorExe:          cfg.GeneratorExePath,
		CLIExe:                cfg.MetaCamCLIPath,
		OutputDir:             cfg.ProcessingOutputPath,
		GeneratorTimeout:      cfg.ProcessingTimeout,
		CLITimeout:            cfg.MetaCamCLITimeout,
		Color:                 cfg.MetaCamCLIColor,
		Mode:                  cfg.MetaCamCLIMode,
		RetryAttempts:         cfg.ProcessingRetryAttempts,
		IndoorScaleThresholdM: cfg.IndoorScaleThresholdM,
	}, log.Named("driver"))
}

// newRecorder builds the sheet writer. Without a spreadsheet id, rows
// go to the console.
func newRecorder(ctx context.Context, cfg *config.Config, log *zap.Logger, p pterm.TextPrinter) (*sheets.Writer, error) {
	var api sheets.Appender
	if cfg.SpreadsheetID != "" {
		g, err := sheets.NewGoogleAppender(ctx, cfg.SpreadsheetID, cfg.SheetName, cfg.ServiceAccountFile)
		if err != nil {
			return nil, err
		}
		if err := g.EnsureHeader(ctx); err != nil {
			log.Warn("header bootstrap failed", zap.Error(err))
		}
		api = g
	} else {
		api = consoleAppender{p: p}
	}
	return sheets.NewWriter(api, sheets.Config{
		BatchSize:      cfg.BatchWriteSize,
		DeadLetterPath: cfg.TrackerPath + ".deadletter",
	}, log.Named("sheets")), nil
}

// consoleAppender renders rows to the terminal when no spreadsheet is
// configured.
type consoleAppender struct {
	p pterm.TextPrinter
}

func (c consoleAppender) Append(_ context.Context, rows []sheets.Row) error {
	for _, r := range rows {
		values := make([]string, 0, len(r.Cells))
		for i, cell := range r.Cells {
			if cell.Value == sheets.NA {
				continue
			}
			values = append(values, sheets.Header[i]+"="+cell.Value)
		}
		c.p.Println(strings.Join(values, "  "))
	}
	return nil
}

// newNotifier builds the failure notifier.
func newNotifier(cfg *config.Config, log *zap.Logger) notify.Notifier {
	if !cfg.EnableEmailNotifications {
		return notify.Nop{}
	}
	return notify.NewSMTP(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		To:       cfg.SMTPTo,
	}, log.Named("notify"))
}
