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
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/pterm/pterm"
	"github.com/willabides/kongplete"

	"github.com/upbound/metacam/internal/config"
	"github.com/upbound/metacam/internal/logging"
)

type cli struct {
	Config config.Config `embed:""`

	Quiet bool `short:"q" name:"quiet" help:"Suppress console output."`

	Run     runCmd     `cmd:"" help:"Watch the remote folder and process new packages."`
	Process processCmd `cmd:"" help:"Process a single local archive, skipping the monitor."`
	Check   checkCmd   `cmd:"" name:"check" aliases:"test-connection" help:"Verify drive and sheet reachability, exit 0/1."`

	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions"`
}

// AfterApply binds the shared dependencies for subcommand Run methods.
// Full configuration validation happens per command: the local process
// command does not need a remote source configured.
func (c *cli) AfterApply(ctx *kong.Context) error {
	if c.Quiet {
		pterm.DisableOutput()
	}
	log, err := logging.New(c.Config.LogLevel, c.Config.LogFile)
	if err != nil {
		return err
	}
	ctx.Bind(&c.Config)
	ctx.Bind(log)
	ctx.BindTo(pterm.DefaultBasicText.WithWriter(ctx.Stdout), (*pterm.TextPrinter)(nil))
	return nil
}

func main() {
	c := cli{}

	parser := kong.Must(&c,
		kong.Name("metacam"),
		kong.Description("MetaCam package ingest and processing service"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}))

	kongplete.Complete(parser)

	ctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx.FatalIfErrorf(ctx.Run())
}
