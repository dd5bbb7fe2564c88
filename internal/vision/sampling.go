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

import "math"

// Frame budgets the planner aims for. Segmentation is the expensive
// pass, so it always samples at most as densely as detection.
const (
	targetDetectionFrames    = 200
	targetSegmentationFrames = 100
)

// A Plan fixes how a frame sequence is sampled for detection and
// segmentation. Plans are deterministic in the frame count.
type Plan struct {
	TotalFrames        int
	DetectionStride    int
	SegmentationStride int
	DetectionFrames    int
	SegmentationFrames int
}

// PlanSampling chooses sampling strides and frame budgets for a capture
// of n frames.
func PlanSampling(n int) Plan {
	if n <= 0 {
		return Plan{DetectionStride: 1, SegmentationStride: 2}
	}

	var sd int
	switch {
	case n <= 200:
		sd = 1
	case n <= 500:
		sd = 2
	case n <= 1000:
		sd = 4
	default:
		sd = 6
	}
	ss := int(math.Ceil(float64(sd) * 1.5))
	if ss < sd {
		ss = sd
	}

	return Plan{
		TotalFrames:        n,
		DetectionStride:    sd,
		SegmentationStride: ss,
		DetectionFrames:    minInt(targetDetectionFrames, ceilDiv(n, sd)),
		SegmentationFrames: minInt(targetSegmentationFrames, ceilDiv(n, ss)),
	}
}

// DetectionIndices returns the frame indices sampled for detection, in
// order.
func (p Plan) DetectionIndices() []int {
	return sampleIndices(p.TotalFrames, p.DetectionStride, p.DetectionFrames)
}

// SegmentationIndices returns the frame indices sampled for
// segmentation, in order.
func (p Plan) SegmentationIndices() []int {
	return sampleIndices(p.TotalFrames, p.SegmentationStride, p.SegmentationFrames)
}

func sampleIndices(n, stride, budget int) []int {
	if n <= 0 || stride <= 0 || budget <= 0 {
		return nil
	}
	out := make([]int, 0, budget)
	for i := 0; i < n && len(out) < budget; i += stride {
		out = append(out, i)
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
