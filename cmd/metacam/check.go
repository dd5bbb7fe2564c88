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
	"time"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/upbound/metacam/internal/config"
	"github.com/upbound/metacam/internal/remote"
	"github.com/upbound/metacam/internal/sheets"
)

const (
	errSourceUnreachable = "remote source unreachable"
	errSheetUnreachable  = "tracking sheet unreachable"
)

// checkCmd verifies the external collaborators are reachable.
type checkCmd struct {
	Timeout time.Duration `default:"30s" help:"Overall connectivity check timeout."`
}

// Run implements the check command.
func (c *checkCmd) Run(cfg *config.Config, log *zap.Logger, p pterm.TextPrinter) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	defer log.Sync() // nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	source, err := newSource(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, errSourceUnreachable)
	}
	if prober, ok := source.(remote.Prober); ok {
		if err := prober.Probe(ctx); err != nil {
			return errors.Wrap(err, errSourceUnreachable)
		}
	}
	p.Printfln("source %s: ok", cfg.Source)

	if cfg.SpreadsheetID != "" {
		g, err := sheets.NewGoogleAppender(ctx, cfg.SpreadsheetID, cfg.SheetName, cfg.ServiceAccountFile)
		if err != nil {
			return errors.Wrap(err, errSheetUnreachable)
		}
		if err := g.Probe(ctx); err != nil {
			return errors.Wrap(err, errSheetUnreachable)
		}
		p.Printfln("spreadsheet %s: ok", cfg.SpreadsheetID)
	}
	return nil
}
