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

package vision

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func TestWeightMapInvariants(t *testing.T) {
	m := NewWeightMap()

	// Non-negative everywhere, mean 1 over the grid.
	sum := 0.0
	for row := 0; row < gridSize; row++ {
		for col := 0; col < gridSize; col++ {
			if m.cells[row][col] < 0 {
				t.Fatalf("cells[%d][%d] = %g, want >= 0", row, col, m.cells[row][col])
			}
			sum += m.cells[row][col]
		}
	}
	if math.Abs(sum-gridSize*gridSize) > 1e-9 {
		t.Errorf("grid sum: got %g, want %d", sum, gridSize*gridSize)
	}

	// Monotone non-increasing outward from the anchor.
	w0 := m.At(anchorU, anchorV)
	for _, uv := range [][2]float64{{0.5, 0.5}, {0.5, 0.1}, {0.1, 0.82}, {0, 0}, {1, 1}} {
		if w := m.At(uv[0], uv[1]); w > w0+1e-9 {
			t.Errorf("At(%g, %g) = %g exceeds anchor weight %g", uv[0], uv[1], w, w0)
		}
	}
	if m.At(0, 0) >= m.At(0.4, 0.7) {
		t.Error("corner weight should be below near-anchor weight")
	}

	// Out-of-range coordinates clamp instead of panicking.
	if got := m.At(-3, 9); got <= 0 {
		t.Errorf("At(-3, 9) = %g, want > 0", got)
	}
}

func TestPlanSampling(t *testing.T) {
	cases := map[string]struct {
		n      int
		wantSD int
		wantSS int
	}{
		"Tiny":    {n: 150, wantSD: 1, wantSS: 2},
		"Small":   {n: 400, wantSD: 2, wantSS: 3},
		"Medium":  {n: 900, wantSD: 4, wantSS: 6},
		"Large":   {n: 5000, wantSD: 6, wantSS: 9},
		"Edge200": {n: 200, wantSD: 1, wantSS: 2},
		"Edge501": {n: 501, wantSD: 4, wantSS: 6},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p := PlanSampling(tc.n)
			if p.DetectionStride != tc.wantSD {
				t.Errorf("DetectionStride: got %d, want %d", p.DetectionStride, tc.wantSD)
			}
			if p.SegmentationStride != tc.wantSS {
				t.Errorf("SegmentationStride: got %d, want %d", p.SegmentationStride, tc.wantSS)
			}
			if p.SegmentationStride < p.DetectionStride {
				t.Error("segmentation samples denser than detection")
			}
			// Determinism.
			if again := PlanSampling(tc.n); again != p {
				t.Errorf("PlanSampling(%d) not deterministic: %+v vs %+v", tc.n, p, again)
			}
		})
	}
}

func TestPlanBudgets(t *testing.T) {
	p := PlanSampling(150)
	if p.DetectionFrames != 150 {
		t.Errorf("DetectionFrames: got %d, want 150", p.DetectionFrames)
	}
	p = PlanSampling(5000)
	if p.DetectionFrames != 200 {
		t.Errorf("DetectionFrames: got %d, want 200", p.DetectionFrames)
	}
	if p.SegmentationFrames != 100 {
		t.Errorf("SegmentationFrames: got %d, want 100", p.SegmentationFrames)
	}
	if got := len(p.DetectionIndices()); got != p.DetectionFrames {
		t.Errorf("DetectionIndices: got %d, want %d", got, p.DetectionFrames)
	}
	if got := len(p.SegmentationIndices()); got != p.SegmentationFrames {
		t.Errorf("SegmentationIndices: got %d, want %d", got, p.SegmentationFrames)
	}
}

// fakeBackend scripts backend behavior for facade tests.
type fakeBackend struct {
	failDetectLoad bool
	failSegLoad    bool
	pullFixes      bool
	pulled         int
	detections     [][]Detection
	segments       [][]Segment
}

func (f *fakeBackend) LoadDetection(_ context.Context, _ string) error {
	if f.failDetectLoad {
		return errors.New("no detection weights")
	}
	return nil
}

func (f *fakeBackend) LoadSegmentation(_ context.Context, _ string) error {
	if f.failSegLoad && !(f.pullFixes && f.pulled > 0) {
		return errors.New("no segmentation weights")
	}
	return nil
}

func (f *fakeBackend) Pull(_ context.Context, _ string) error {
	f.pulled++
	return nil
}

func (f *fakeBackend) Detect(_ context.Context, frames []Frame) ([][]Detection, error) {
	out := make([][]Detection, len(frames))
	for i := range frames {
		if i < len(f.detections) {
			out[i] = f.detections[i]
		}
	}
	return out, nil
}

func (f *fakeBackend) Segment(_ context.Context, frames []Frame) ([][]Segment, error) {
	out := make([][]Segment, len(frames))
	for i := range frames {
		if i < len(f.segments) {
			out[i] = f.segments[i]
		}
	}
	return out, nil
}

func TestNewDetectorFatalWithoutDetectionModel(t *testing.T) {
	_, err := NewDetector(context.Background(), &fakeBackend{failDetectLoad: true}, DetectorConfig{Model: "det-m"}, zap.NewNop())
	if err == nil {
		t.Fatal("NewDetector(...): want error, got nil")
	}
}

func TestNewDetectorPullRecoversSegmentation(t *testing.T) {
	b := &fakeBackend{failSegLoad: true, pullFixes: true}
	d, err := NewDetector(context.Background(), b, DetectorConfig{Model: "det-m"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDetector(...): %v", err)
	}
	if d.Degraded() {
		t.Error("Degraded(): true, want false after successful pull")
	}
	if b.pulled != 1 {
		t.Errorf("pulled: got %d, want 1", b.pulled)
	}
}

func TestDegradedSegmentReturnsEmptyMasks(t *testing.T) {
	b := &fakeBackend{
		failSegLoad: true,
		detections: [][]Detection{
			{{Class: ClassPerson, Conf: 0.9, Box: BBox{X: 10, Y: 20, W: 30, H: 40}}},
		},
	}
	d, err := NewDetector(context.Background(), b, DetectorConfig{Model: "det-m"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDetector(...): %v", err)
	}
	if !d.Degraded() {
		t.Fatal("Degraded(): false, want true")
	}

	segs, err := d.Segment(context.Background(), []Frame{{Path: "f0.jpg", Width: 640, Height: 480}})
	if err != nil {
		t.Fatalf("Segment(...): %v", err)
	}
	if len(segs) != 1 || len(segs[0]) != 1 {
		t.Fatalf("Segment(...): got %d frames, want 1 frame with 1 segment", len(segs))
	}
	s := segs[0][0]
	if s.MaskArea != 0 {
		t.Errorf("MaskArea: got %g, want 0", s.MaskArea)
	}
	if s.MaskCX != 25 || s.MaskCY != 40 {
		t.Errorf("mask center: got (%g, %g), want box center (25, 40)", s.MaskCX, s.MaskCY)
	}
}

func TestDetectFiltersClassesAndConfidence(t *testing.T) {
	b := &fakeBackend{
		detections: [][]Detection{{
			{Class: ClassPerson, Conf: 0.9},
			{Class: ClassPerson, Conf: 0.2}, // below threshold
			{Class: 2, Conf: 0.99},          // car: not retained
			{Class: ClassDog, Conf: 0.7},
		}},
	}
	d, err := NewDetector(context.Background(), b, DetectorConfig{Model: "det-m"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDetector(...): %v", err)
	}
	dets, err := d.Detect(context.Background(), []Frame{{Path: "f0.jpg"}})
	if err != nil {
		t.Fatalf("Detect(...): %v", err)
	}
	if len(dets[0]) != 2 {
		t.Fatalf("Detect(...): got %d detections, want 2", len(dets[0]))
	}
	if dets[0][0].Class != ClassPerson || dets[0][1].Class != ClassDog {
		t.Errorf("retained classes: got %d,%d want person,dog", dets[0][0].Class, dets[0][1].Class)
	}
}
