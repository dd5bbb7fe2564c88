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

// Weight map geometry. The anchor sits at the lower-center of the frame,
// where a transient obstacle is closest to the capture rig and damages
// the reconstruction most.
const (
	gridSize      = 17
	anchorU       = 0.5
	anchorV       = 0.82
	radialFalloff = 1.35
)

// A WeightMap is an immutable grid of spatial weights over the
// normalized (u,v) image plane. Weights are non-negative, average 1 over
// the grid, and decay monotonically with distance from the lower-center
// anchor.
type WeightMap struct {
	cells [gridSize][gridSize]float64
}

// NewWeightMap builds the standard region weight map.
func NewWeightMap() *WeightMap {
	m := &WeightMap{}
	sum := 0.0
	for row := 0; row < gridSize; row++ {
		for col := 0; col < gridSize; col++ {
			u := (float64(col) + 0.5) / gridSize
			v := (float64(row) + 0.5) / gridSize
			w := 1 / (1 + radialFalloff*math.Hypot(u-anchorU, v-anchorV))
			m.cells[row][col] = w
			sum += w
		}
	}
	// Normalize so a uniform field sums like an unweighted count.
	norm := float64(gridSize*gridSize) / sum
	for row := 0; row < gridSize; row++ {
		for col := 0; col < gridSize; col++ {
			m.cells[row][col] *= norm
		}
	}
	return m
}

// At returns the weight at normalized image coordinates. Inputs outside
// [0,1] are clamped to the frame edge.
func (m *WeightMap) At(u, v float64) float64 {
	col := int(clamp01(u) * gridSize)
	row := int(clamp01(v) * gridSize)
	if col >= gridSize {
		col = gridSize - 1
	}
	if row >= gridSize {
		row = gridSize - 1
	}
	return m.cells[row][col]
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
