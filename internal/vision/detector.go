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

// Package vision fronts the external object-detection runtime and the
// frame-sampling machinery built on top of it. The runtime itself is a
// collaborator behind the Backend interface so that tests and degraded
// deployments can swap it out.
package vision

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	errLoadDetection = "cannot load detection model"
	errDetect        = "detection failed"
	errSegment       = "segmentation failed"
)

// Classes retained downstream. Everything else the model reports is
// filtered out before it reaches the metrics engine.
const (
	ClassPerson = 0
	ClassDog    = 16
)

// SegmentationSuffix is appended to the detection model name to derive
// the conventional segmentation model name.
const SegmentationSuffix = "-seg"

// A BBox is an axis-aligned box in pixel coordinates.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the box center in pixels.
func (b BBox) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// A Detection is one detected object instance.
type Detection struct {
	Class int     `json:"cls"`
	Conf  float64 `json:"conf"`
	Box   BBox    `json:"bbox"`
}

// A Segment is a detection with an instance mask, reduced to the
// quantities the metrics engine consumes.
type Segment struct {
	Detection
	// MaskArea is the mask size in pixels. Zero means no mask was
	// produced (degraded mode).
	MaskArea float64 `json:"mask_area"`
	// MaskCX and MaskCY locate the mask centroid in pixels. When no
	// mask exists they fall back to the box center.
	MaskCX float64 `json:"mask_cx"`
	MaskCY float64 `json:"mask_cy"`
}

// A Frame references one image handed to the runtime.
type Frame struct {
	Path   string
	Width  int
	Height int
}

// A Backend is the external model runtime. Implementations are not
// assumed re-entrant; the Detector serializes calls.
type Backend interface {
	LoadDetection(ctx context.Context, model string) error
	LoadSegmentation(ctx context.Context, model string) error
	Detect(ctx context.Context, frames []Frame) ([][]Detection, error)
	Segment(ctx context.Context, frames []Frame) ([][]Segment, error)
}

// A ModelPuller is a Backend that can fetch missing model weights.
type ModelPuller interface {
	Pull(ctx context.Context, model string) error
}

// DetectorConfig configures the facade.
type DetectorConfig struct {
	Model         string
	ConfThreshold float64
	Device        string
	DetectBatch   int
	SegmentBatch  int
}

// Defaults fills unset fields.
func (c DetectorConfig) Defaults() DetectorConfig {
	if c.ConfThreshold == 0 {
		c.ConfThreshold = 0.4
	}
	if c.Device == "" {
		c.Device = "cpu"
	}
	if c.DetectBatch == 0 {
		c.DetectBatch = 16
	}
	if c.SegmentBatch == 0 {
		c.SegmentBatch = 8
	}
	return c
}

// A Detector is the uniform detect/segment facade over a Backend. When
// the segmentation model cannot be loaded the detector degrades to
// synthesizing maskless segments from detection output.
type Detector struct {
	backend Backend
	cfg     DetectorConfig
	log     *zap.Logger

	mu       sync.Mutex
	degraded bool
}

// NewDetector loads models and returns a ready facade. A detection
// model load failure is fatal. A segmentation load failure triggers one
// pull-and-retry, then falls back to detection-only mode.
func NewDetector(ctx context.Context, b Backend, cfg DetectorConfig, log *zap.Logger) (*Detector, error) {
	cfg = cfg.Defaults()
	d := &Detector{backend: b, cfg: cfg, log: log}

	if err := b.LoadDetection(ctx, cfg.Model); err != nil {
		return nil, errors.Wrap(err, errLoadDetection)
	}

	segModel := cfg.Model + SegmentationSuffix
	if err := b.LoadSegmentation(ctx, segModel); err != nil {
		log.Warn("segmentation model unavailable, attempting download",
			zap.String("model", segModel), zap.Error(err))
		if p, ok := b.(ModelPuller); ok {
			if perr := p.Pull(ctx, segModel); perr == nil {
				err = b.LoadSegmentation(ctx, segModel)
			}
		}
		if err != nil {
			log.Error("segmentation disabled, falling back to detection-only mode",
				zap.String("model", segModel), zap.Error(err))
			d.degraded = true
		}
	}
	return d, nil
}

// Degraded reports whether segmentation fell back to detection-only
// mode.
func (d *Detector) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

// Config returns the effective configuration.
func (d *Detector) Config() DetectorConfig {
	return d.cfg
}

// Detect runs detection over frames in configured batches, returning
// per-frame detections filtered to the retained classes.
func (d *Detector) Detect(ctx context.Context, frames []Frame) ([][]Detection, error) {
	out := make([][]Detection, 0, len(frames))
	for start := 0; start < len(frames); start += d.cfg.DetectBatch {
		end := minInt(start+d.cfg.DetectBatch, len(frames))
		d.mu.Lock()
		batch, err := d.backend.Detect(ctx, frames[start:end])
		d.mu.Unlock()
		if err != nil {
			return nil, errors.Wrap(err, errDetect)
		}
		if len(batch) != end-start {
			return nil, errors.Errorf("%s: got %d results for %d frames", errDetect, len(batch), end-start)
		}
		for _, dets := range batch {
			out = append(out, d.filterDetections(dets))
		}
	}
	return out, nil
}

// Segment runs segmentation over frames in configured batches. In
// degraded mode it logs and returns detection results with empty masks.
func (d *Detector) Segment(ctx context.Context, frames []Frame) ([][]Segment, error) {
	d.mu.Lock()
	degraded := d.degraded
	d.mu.Unlock()
	if degraded {
		d.log.Error("segment called in detection-only mode; returning empty masks")
		dets, err := d.Detect(ctx, frames)
		if err != nil {
			return nil, err
		}
		out := make([][]Segment, len(dets))
		for i, fd := range dets {
			segs := make([]Segment, 0, len(fd))
			for _, det := range fd {
				cx, cy := det.Box.Center()
				segs = append(segs, Segment{Detection: det, MaskCX: cx, MaskCY: cy})
			}
			out[i] = segs
		}
		return out, nil
	}

	out := make([][]Segment, 0, len(frames))
	for start := 0; start < len(frames); start += d.cfg.SegmentBatch {
		end := minInt(start+d.cfg.SegmentBatch, len(frames))
		d.mu.Lock()
		batch, err := d.backend.Segment(ctx, frames[start:end])
		d.mu.Unlock()
		if err != nil {
			return nil, errors.Wrap(err, errSegment)
		}
		if len(batch) != end-start {
			return nil, errors.Errorf("%s: got %d results for %d frames", errSegment, len(batch), end-start)
		}
		for _, segs := range batch {
			out = append(out, d.filterSegments(segs))
		}
	}
	return out, nil
}

func (d *Detector) filterDetections(in []Detection) []Detection {
	out := make([]Detection, 0, len(in))
	for _, det := range in {
		if !retainedClass(det.Class) || det.Conf < d.cfg.ConfThreshold {
			continue
		}
		out = append(out, det)
	}
	return out
}

func (d *Detector) filterSegments(in []Segment) []Segment {
	out := make([]Segment, 0, len(in))
	for _, s := range in {
		if !retainedClass(s.Class) || s.Conf < d.cfg.ConfThreshold {
			continue
		}
		if s.MaskArea == 0 && s.MaskCX == 0 && s.MaskCY == 0 {
			s.MaskCX, s.MaskCY = s.Box.Center()
		}
		out = append(out, s)
	}
	return out
}

func retainedClass(cls int) bool {
	return cls == ClassPerson || cls == ClassDog
}

// String implements fmt.Stringer for log lines.
func (c DetectorConfig) String() string {
	return fmt.Sprintf("model=%s conf=%.2f device=%s batch=%d/%d",
		c.Model, c.ConfThreshold, c.Device, c.DetectBatch, c.SegmentBatch)
}
