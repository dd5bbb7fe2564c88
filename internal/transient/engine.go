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

// Package transient scores how badly moving obstacles (people, dogs)
// contaminate a capture. Three weighted metrics are accumulated over
// sampled frames and folded into a PASS / NEED_REVIEW / REJECT verdict.
package transient

import (
	"math"

	"github.com/upbound/metacam/internal/vision"
)

// Decision values.
const (
	DecisionPass       = "PASS"
	DecisionNeedReview = "NEED_REVIEW"
	DecisionReject     = "REJECT"
)

// Scene presets. Indoor tightens band edges by 20%, outdoor loosens
// them by 20%.
const (
	PresetDefault = "default"
	PresetIndoor  = "indoor"
	PresetOutdoor = "outdoor"
)

// Metric keys.
const (
	MetricWDD = "WDD"
	MetricWPO = "WPO"
	MetricSAI = "SAI"
)

// Self-appearance geometry: a person counts as the capturer when their
// mask centroid sits in the lower band of the frame and the mask covers
// more than 5% of it.
const (
	selfLowerBandV   = 0.6
	selfMinOccupancy = 0.05
)

// Streaming early-termination guards. Once a running metric blows past
// these there is no way back under the reject edge.
const (
	earlyStopWDD = 12.0
	earlyStopWPO = 40.0
	earlyStopSAI = 35.0
)

// Bands hold the edges of one metric's decision bands.
type Bands struct {
	Optimal    float64 // below: optimal
	Acceptable float64 // below: acceptable
	Review     float64 // below: needs review
	Reject     float64 // at or above: reject
}

// Thresholds is a per-metric band preset.
type Thresholds struct {
	Preset string
	WDD    Bands
	WPO    Bands
	SAI    Bands
}

// DefaultThresholds returns the band preset for a scene type. Unknown
// scene types get the default preset.
func DefaultThresholds(preset string) Thresholds {
	t := Thresholds{
		Preset: PresetDefault,
		WDD:    Bands{Optimal: 1.0, Acceptable: 1.5, Review: 2.0, Reject: 8.0},
		WPO:    Bands{Optimal: 1.0, Acceptable: 5.0, Review: 10.0, Reject: 30.0},
		SAI:    Bands{Optimal: 5.0, Acceptable: 15.0, Review: 25.0, Reject: 25.0},
	}
	switch preset {
	case PresetIndoor:
		t.Preset = PresetIndoor
		t.scale(0.8)
	case PresetOutdoor:
		t.Preset = PresetOutdoor
		t.scale(1.2)
	}
	return t
}

func (t *Thresholds) scale(f float64) {
	for _, b := range []*Bands{&t.WDD, &t.WPO, &t.SAI} {
		b.Optimal *= f
		b.Acceptable *= f
		b.Review *= f
		b.Reject *= f
	}
}

// An Assessment is the engine's final output.
type Assessment struct {
	Decision                 string             `json:"decision"`
	Metrics                  map[string]float64 `json:"metrics"`
	FramesSampled            int                `json:"frames_sampled"`
	FramesTotal              int                `json:"frames_total"`
	SamplingRateDetection    int                `json:"sampling_rate_detection"`
	SamplingRateSegmentation int                `json:"sampling_rate_segmentation"`
	EarlyTerminated          bool               `json:"early_terminated"`
	Details                  map[string]string  `json:"details,omitempty"`
}

// An Engine accumulates per-frame detector output into the three
// transient metrics. It is a streaming accumulator: callers feed frames
// as they are evaluated and may consult ShouldStop between batches.
type Engine struct {
	weights    *vision.WeightMap
	plan       vision.Plan
	thresholds Thresholds

	detFrames int
	segFrames int
	wddSum    float64
	wpoSum    float64
	selfHits  int
	stopped   bool
}

// NewEngine returns an engine for one capture.
func NewEngine(w *vision.WeightMap, plan vision.Plan, thresholds Thresholds) *Engine {
	return &Engine{weights: w, plan: plan, thresholds: thresholds}
}

// AddDetections folds one detection-sampled frame into the running WDD.
func (e *Engine) AddDetections(frame vision.Frame, dets []vision.Detection) {
	e.detFrames++
	for _, d := range dets {
		cx, cy := d.Box.Center()
		e.wddSum += e.weightAt(frame, cx, cy)
	}
}

// AddSegments folds one segmentation-sampled frame into the running WPO
// and SAI.
func (e *Engine) AddSegments(frame vision.Frame, segs []vision.Segment) {
	e.segFrames++
	area := float64(frame.Width) * float64(frame.Height)
	self := false
	for _, s := range segs {
		if area > 0 && s.MaskArea > 0 {
			e.wpoSum += e.weightAt(frame, s.MaskCX, s.MaskCY) * s.MaskArea / area
		}
		if s.Class == vision.ClassPerson && e.isSelf(frame, s) {
			self = true
		}
	}
	if self {
		e.selfHits++
	}
}

// isSelf applies the lower-band + occupancy rule. Without a mask the
// bounding box stands in.
func (e *Engine) isSelf(frame vision.Frame, s vision.Segment) bool {
	area := float64(frame.Width) * float64(frame.Height)
	if area <= 0 {
		return false
	}
	occupied := s.MaskArea
	cy := s.MaskCY
	if occupied == 0 {
		occupied = s.Box.W * s.Box.H
		_, cy = s.Box.Center()
	}
	if frame.Height == 0 {
		return false
	}
	return cy/float64(frame.Height) >= selfLowerBandV && occupied/area > selfMinOccupancy
}

func (e *Engine) weightAt(frame vision.Frame, px, py float64) float64 {
	if frame.Width <= 0 || frame.Height <= 0 {
		return 1
	}
	return e.weights.At(px/float64(frame.Width), py/float64(frame.Height))
}

// WDD returns the running weighted detection density.
func (e *Engine) WDD() float64 {
	if e.detFrames == 0 {
		return 0
	}
	return e.wddSum / float64(e.detFrames)
}

// WPO returns the running weighted pixel occupancy, in percent.
func (e *Engine) WPO() float64 {
	if e.segFrames == 0 {
		return 0
	}
	return 100 * e.wpoSum / float64(e.segFrames)
}

// SAI returns the running self-appearance index, in percent.
func (e *Engine) SAI() float64 {
	if e.segFrames == 0 {
		return 0
	}
	return 100 * float64(e.selfHits) / float64(e.segFrames)
}

// ShouldStop reports whether the running metrics are already past the
// point of no return. Once true the engine stays stopped.
func (e *Engine) ShouldStop() bool {
	if e.stopped {
		return true
	}
	if e.WDD() > earlyStopWDD || e.WPO() > earlyStopWPO || e.SAI() > earlyStopSAI {
		e.stopped = true
	}
	return e.stopped
}

// Assess renders the verdict from the accumulated metrics.
func (e *Engine) Assess() Assessment {
	wdd, wpo, sai := round2(e.WDD()), round2(e.WPO()), round2(e.SAI())
	a := Assessment{
		Metrics: map[string]float64{
			MetricWDD: wdd,
			MetricWPO: wpo,
			MetricSAI: sai,
		},
		FramesSampled:            e.detFrames,
		FramesTotal:              e.plan.TotalFrames,
		SamplingRateDetection:    e.plan.DetectionStride,
		SamplingRateSegmentation: e.plan.SegmentationStride,
		EarlyTerminated:          e.stopped,
		Details:                  map[string]string{},
	}

	if e.stopped {
		a.Decision = DecisionReject
		a.Details["early_termination"] = "running metrics exceeded hard limits"
		return a
	}

	t := e.thresholds
	reject := wdd >= t.WDD.Reject || wpo >= t.WPO.Reject || sai >= t.SAI.Reject
	review := wdd >= t.WDD.Acceptable || wpo >= t.WPO.Acceptable || sai >= t.SAI.Acceptable
	switch {
	case reject:
		a.Decision = DecisionReject
	case review:
		a.Decision = DecisionNeedReview
	default:
		a.Decision = DecisionPass
	}
	a.Details["preset"] = t.Preset
	return a
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
