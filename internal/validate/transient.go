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

package validate

import (
	"context"
	"fmt"
	"image"
	"path"
	"sort"
	"strings"

	// Frame header decoding for the supported image formats.
	_ "image/jpeg"
	_ "image/png"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/upbound/metacam/internal/transient"
	"github.com/upbound/metacam/internal/vision"
)

// FormatTransient is the registry key of the transient validator.
const FormatTransient = "metacam-transient"

// Issue codes produced by the transient validator.
const (
	CodeDetectorInit   = "DETECTOR_INIT_FAILED"
	CodeDetectorRun    = "DETECTOR_RUN_FAILED"
	CodeNoCameraFrames = "NO_CAMERA_FRAMES"
	CodeTransientBad   = "TRANSIENT_OBSTACLES"
)

// A DetectorProvider yields a ready detector facade. Initialization is
// deferred so that packages without camera frames never pay the model
// load.
type DetectorProvider func(ctx context.Context) (*vision.Detector, error)

// A TransientValidator samples camera frames and scores transient
// obstacles via the metrics engine.
type TransientValidator struct {
	fs       afero.Fs
	log      *zap.Logger
	provider DetectorProvider
	weights  *vision.WeightMap
	preset   string
}

// TransientOption modifies a TransientValidator.
type TransientOption func(*TransientValidator)

// WithTransientFs specifies the afero.Fs frames are read from.
func WithTransientFs(fs afero.Fs) TransientOption {
	return func(v *TransientValidator) {
		v.fs = fs
	}
}

// WithScenePreset selects the indoor/outdoor/default threshold preset.
func WithScenePreset(preset string) TransientOption {
	return func(v *TransientValidator) {
		v.preset = preset
	}
}

// NewTransientValidator returns a transient-obstacle validator backed
// by the given detector provider.
func NewTransientValidator(provider DetectorProvider, log *zap.Logger, opts ...TransientOption) *TransientValidator {
	v := &TransientValidator{
		fs:       afero.NewOsFs(),
		log:      log,
		provider: provider,
		weights:  vision.NewWeightMap(),
		preset:   transient.PresetDefault,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// SupportedFormats implements Validator.
func (v *TransientValidator) SupportedFormats() []string {
	return []string{FormatTransient}
}

// Applicable reports whether root carries camera frames to assess.
func (v *TransientValidator) Applicable(root string) bool {
	return FindCameraDir(v.fs, root) != ""
}

// Validate runs the transient assessment over the package's camera
// frames. A detector that cannot initialize produces a zero-score
// invalid result with a critical issue; the caller decides whether that
// vetoes anything.
func (v *TransientValidator) Validate(ctx context.Context, root string, level Level) Result {
	b := newBuilder("TransientValidator", DefaultScoreWeights())

	dir := FindCameraDir(v.fs, root)
	if dir == "" {
		b.critical(CodeNoCameraFrames, "no camera image directory found", "camera")
		return b.result(level, "no camera frames")
	}
	frames, err := v.listFrames(dir)
	if err != nil || len(frames) == 0 {
		b.critical(CodeNoCameraFrames, "camera directory has no readable frames", dir)
		return b.result(level, "no camera frames")
	}

	det, err := v.provider(ctx)
	if err != nil {
		b.critical(CodeDetectorInit, err.Error(), "")
		r := b.result(level, "detector unavailable")
		r.Score = 0
		r.IsValid = false
		return r
	}

	assessment, err := v.assess(ctx, det, frames)
	if err != nil {
		b.parseFailure(CodeDetectorRun, err.Error(), dir)
		return b.result(level, "transient assessment failed")
	}

	b.setMeta("transient_validation", map[string]interface{}{
		"specific_data": map[string]interface{}{
			"decision": assessment.Decision,
			"metrics":  assessment.Metrics,
			"details":  assessment.Details,
		},
	})
	b.setMeta("transient_assessment", assessment)

	switch assessment.Decision {
	case transient.DecisionReject:
		b.critical(CodeTransientBad, metricsLine(assessment), dir)
	case transient.DecisionNeedReview:
		b.warn(CodeTransientBad, metricsLine(assessment), dir)
	}

	summary := fmt.Sprintf("transient %s, %s", assessment.Decision, metricsLine(assessment))
	return b.result(level, summary)
}

func metricsLine(a transient.Assessment) string {
	return fmt.Sprintf("WDD=%.2f WPO=%.2f%% SAI=%.2f%%",
		a.Metrics[transient.MetricWDD], a.Metrics[transient.MetricWPO], a.Metrics[transient.MetricSAI])
}

// listFrames returns the ordered image sequence under dir.
func (v *TransientValidator) listFrames(dir string) ([]vision.Frame, error) {
	entries, err := afero.ReadDir(v.fs, dir)
	if err != nil {
		return nil, err
	}
	frames := make([]vision.Frame, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !ImageExtensions[strings.ToLower(path.Ext(e.Name()))] {
			continue
		}
		frames = append(frames, vision.Frame{Path: path.Join(dir, e.Name())})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Path < frames[j].Path })
	return frames, nil
}

// assess samples frames per the plan and streams them through the
// metrics engine, honoring its early-termination signal.
func (v *TransientValidator) assess(ctx context.Context, det *vision.Detector, frames []vision.Frame) (transient.Assessment, error) {
	plan := vision.PlanSampling(len(frames))
	engine := transient.NewEngine(v.weights, plan, transient.DefaultThresholds(v.preset))

	batch := det.Config().DetectBatch
	detIdx := plan.DetectionIndices()
	for start := 0; start < len(detIdx) && !engine.ShouldStop(); start += batch {
		end := minInt(start+batch, len(detIdx))
		sub := v.resolve(frames, detIdx[start:end])
		results, err := det.Detect(ctx, sub)
		if err != nil {
			return transient.Assessment{}, err
		}
		for i, dets := range results {
			engine.AddDetections(sub[i], dets)
		}
	}

	batch = det.Config().SegmentBatch
	segIdx := plan.SegmentationIndices()
	for start := 0; start < len(segIdx) && !engine.ShouldStop(); start += batch {
		end := minInt(start+batch, len(segIdx))
		sub := v.resolve(frames, segIdx[start:end])
		results, err := det.Segment(ctx, sub)
		if err != nil {
			return transient.Assessment{}, err
		}
		for i, segs := range results {
			engine.AddSegments(sub[i], segs)
		}
	}

	return engine.Assess(), nil
}

// resolve materializes frame dimensions for the sampled indices. A
// frame whose header cannot be decoded keeps zero dimensions; the
// engine then falls back to unweighted accumulation for it.
func (v *TransientValidator) resolve(frames []vision.Frame, idx []int) []vision.Frame {
	out := make([]vision.Frame, 0, len(idx))
	for _, i := range idx {
		f := frames[i]
		if f.Width == 0 {
			if r, err := v.fs.Open(f.Path); err == nil {
				if cfg, _, err := image.DecodeConfig(r); err == nil {
					f.Width, f.Height = cfg.Width, cfg.Height
				}
				_ = r.Close()
			}
		}
		out = append(out, f)
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
