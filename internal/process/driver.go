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

// Package process drives the two native reconstruction binaries over a
// standardized package layout and assembles the final deliverable.
package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	errGeneratorMissing = "generator binary not found"
	errCLIMissing       = "cli binary not found"
	errStandardize      = "cannot standardize package layout"
	errOutputsMissing   = "reconstruction outputs not found"
	errAssemble         = "cannot assemble final package"
)

// Scene types passed to the reconstruction CLI.
const (
	SceneBalance = 0
	SceneOpen    = 1
	SceneNarrow  = 2
)

// Stage names used in durations and exit code maps.
const (
	StageGenerator   = "generator"
	StageCLI         = "cli"
	StagePostprocess = "postprocess"
)

// Output files both binaries must produce between them.
const (
	outputLas        = "colorized.las"
	outputTransforms = "transforms.json"
)

// Config configures the driver.
type Config struct {
	GeneratorExe          string
	CLIExe                string
	OutputDir             string
	GeneratorTimeout      time.Duration
	CLITimeout            time.Duration
	Color                 int
	Mode                  int
	RetryAttempts         int
	IndoorScaleThresholdM float64
}

// Defaults fills unset fields.
func (c Config) Defaults() Config {
	if c.GeneratorTimeout == 0 {
		c.GeneratorTimeout = 600 * time.Second
	}
	if c.CLITimeout == 0 {
		c.CLITimeout = 3600 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 2
	}
	if c.IndoorScaleThresholdM == 0 {
		c.IndoorScaleThresholdM = 30
	}
	return c
}

// An Outcome reports one processing run.
type Outcome struct {
	Success          bool
	SceneType        int
	StageDurations   map[string]time.Duration
	FinalArchivePath string
	MissingOutputs   []string
	ExitCodes        map[string]int
	LogTail          string
}

// Scene describes what validation learned about the capture, as far as
// scene selection cares.
type Scene struct {
	Hint       string // "indoor" | "outdoor" | ""
	PCDWidthM  float64
	PCDHeightM float64
}

// A Driver runs the generator and CLI binaries for one package at a
// time.
type Driver struct {
	fs  afero.Fs
	log *zap.Logger
	cfg Config
}

// DriverOption modifies a Driver.
type DriverOption func(*Driver)

// WithDriverFs specifies the afero.Fs used for layout moves and final
// assembly. Subprocesses always see the OS filesystem.
func WithDriverFs(fs afero.Fs) DriverOption {
	return func(d *Driver) {
		d.fs = fs
	}
}

// NewDriver returns a Driver.
func NewDriver(cfg Config, log *zap.Logger, opts ...DriverOption) *Driver {
	d := &Driver{fs: afero.NewOsFs(), log: log, cfg: cfg.Defaults()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// fatalError marks failures that are environmental and worth retrying.
type fatalError struct{ error }

func fatal(err error) error {
	return &fatalError{err}
}

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Process runs the full driver pipeline for the package rooted at root.
// Fatal failures (missing binaries, layout standardization, output
// search) are retried with exponential backoff; timeouts and non-zero
// exits are reported, never retried.
func (d *Driver) Process(ctx context.Context, root, pkgName string, scene Scene) (Outcome, error) {
	var out Outcome
	backoff := wait.Backoff{
		Duration: 5 * time.Second,
		Factor:   2,
		Steps:    d.cfg.RetryAttempts + 1,
	}

	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		var perr error
		out, perr = d.processOnce(ctx, root, pkgName, scene)
		if perr == nil {
			return true, nil
		}
		if isFatal(perr) && attempt <= d.cfg.RetryAttempts {
			d.log.Warn("processing attempt failed, will retry",
				zap.Int("attempt", attempt), zap.Error(perr))
			return false, nil
		}
		return false, perr
	})
	return out, err
}

func (d *Driver) processOnce(ctx context.Context, root, pkgName string, scene Scene) (Outcome, error) {
	out := Outcome{
		StageDurations: map[string]time.Duration{},
		ExitCodes:      map[string]int{},
	}

	if _, err := os.Stat(d.cfg.GeneratorExe); err != nil {
		return out, fatal(errors.Wrap(err, errGeneratorMissing))
	}
	if _, err := os.Stat(d.cfg.CLIExe); err != nil {
		return out, fatal(errors.Wrap(err, errCLIMissing))
	}

	root, err := d.standardize(root)
	if err != nil {
		return out, fatal(errors.Wrap(err, errStandardize))
	}

	out.SceneType = d.selectScene(scene)
	d.log.Info("processing package",
		zap.String("package", pkgName),
		zap.String("root", root),
		zap.Int("scene", out.SceneType))

	// Stage 1: generator. A non-zero exit or timeout is recorded and the
	// pipeline continues; outputs may exist regardless.
	gen, err := runCommand(ctx, d.log.Named(StageGenerator),
		[]string{d.cfg.GeneratorExe, root}, d.cfg.GeneratorTimeout)
	out.StageDurations[StageGenerator] = gen.Duration
	out.ExitCodes[StageGenerator] = gen.ExitCode
	out.LogTail = gen.LogTail
	if err != nil {
		return out, fatal(err)
	}
	if gen.TimedOut {
		d.log.Warn("generator timed out", zap.Duration("after", gen.Duration))
	}

	// Stage 2: reconstruction CLI.
	argv := []string{
		d.cfg.CLIExe,
		"-i", root,
		"-o", d.cfg.OutputDir,
		"-s", strconv.Itoa(out.SceneType),
		"-color", strconv.Itoa(d.cfg.Color),
		"-mode", strconv.Itoa(d.cfg.Mode),
	}
	cli, err := runCommand(ctx, d.log.Named(StageCLI), argv, d.cfg.CLITimeout)
	out.StageDurations[StageCLI] = cli.Duration
	out.ExitCodes[StageCLI] = cli.ExitCode
	out.LogTail = cli.LogTail
	if err != nil {
		return out, fatal(err)
	}
	if cli.TimedOut {
		d.log.Warn("cli timed out", zap.Duration("after", cli.Duration))
	}

	// Post-processing runs regardless of exit codes.
	start := time.Now()
	found, missing := d.searchOutputs(pkgName)
	if len(missing) > 0 {
		out.MissingOutputs = missing
		out.StageDurations[StagePostprocess] = time.Since(start)
		return out, fatal(errors.Errorf("%s: %v", errOutputsMissing, missing))
	}

	archivePath, err := d.assemble(root, pkgName, found)
	out.StageDurations[StagePostprocess] = time.Since(start)
	if err != nil {
		return out, errors.Wrap(err, errAssemble)
	}

	out.FinalArchivePath = archivePath
	out.Success = true
	return out, nil
}

// selectScene maps validation metadata onto the CLI scene parameter.
func (d *Driver) selectScene(s Scene) int {
	switch s.Hint {
	case "outdoor":
		return SceneOpen
	case "indoor":
		if max64(s.PCDWidthM, s.PCDHeightM) < d.cfg.IndoorScaleThresholdM {
			return SceneNarrow
		}
	}
	return SceneBalance
}

// standardize rebinds root into its sole subdirectory, up to two levels
// down, while root holds no files and no package marker. It only changes
// the returned root; no files are moved or flattened.
func (d *Driver) standardize(root string) (string, error) {
	for depth := 0; depth < 2; depth++ {
		if d.looksLikePackage(root) {
			return root, nil
		}
		entries, err := afero.ReadDir(d.fs, root)
		if err != nil {
			return "", err
		}
		var dirs []os.FileInfo
		files := 0
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, e)
			} else {
				files++
			}
		}
		if files == 0 && len(dirs) == 1 {
			root = filepath.Join(root, dirs[0].Name())
			continue
		}
		return root, nil
	}
	return root, nil
}

func (d *Driver) looksLikePackage(root string) bool {
	for _, marker := range []string{"metadata.yaml", "data", "info"} {
		if ok, _ := afero.Exists(d.fs, filepath.Join(root, marker)); ok {
			return true
		}
	}
	return false
}

// searchOutputs hunts for the reconstruction outputs across the
// locations the binaries have historically written to. The first
// location holding both files wins.
func (d *Driver) searchOutputs(pkgName string) (dir string, missing []string) {
	binDir := filepath.Dir(d.cfg.CLIExe)
	locations := []string{
		filepath.Join(d.cfg.OutputDir, pkgName+"_output"),
		filepath.Join(binDir, "processed", "output", "o_"+pkgName+"_output"),
		filepath.Join(binDir, "output", pkgName+"_output"),
		filepath.Join(binDir, "output"),
		filepath.Join(binDir, "processed", "output"),
	}

	patterns := []string{outputLas, outputTransforms}
	for _, loc := range locations {
		log := d.log.With(zap.String("location", loc))
		ok, err := afero.DirExists(d.fs, loc)
		if err != nil || !ok {
			log.Info("output location does not exist")
			continue
		}
		entries, err := afero.ReadDir(d.fs, loc)
		if err != nil {
			log.Warn("cannot list output location", zap.Error(err))
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		log.Info("scanning output location", zap.Strings("entries", names))

		allFound := true
		for _, p := range patterns {
			fi, err := d.fs.Stat(filepath.Join(loc, p))
			found := err == nil && fi.Size() > 0
			log.Info("output pattern", zap.String("pattern", p), zap.Bool("found", found))
			if !found {
				allFound = false
			}
		}
		if allFound {
			log.Info("all outputs found")
			return loc, nil
		}
	}

	// Report what is missing everywhere for the outcome row.
	for _, p := range patterns {
		foundAnywhere := false
		for _, loc := range locations {
			if fi, err := d.fs.Stat(filepath.Join(loc, p)); err == nil && fi.Size() > 0 {
				foundAnywhere = true
				break
			}
		}
		if !foundAnywhere {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		// Both exist somewhere but never together; surface both.
		missing = patterns
	}
	return "", missing
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// String renders the outcome for log lines.
func (o Outcome) String() string {
	return fmt.Sprintf("success=%t scene=%d exits=%v missing=%v",
		o.Success, o.SceneType, o.ExitCodes, o.MissingOutputs)
}
