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

package pointcloud

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/spf13/afero"
)

func asciiPCD(points [][3]float64) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# .PCD v0.7 - Point Cloud Data file format\n")
	fmt.Fprintf(&b, "VERSION 0.7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\n")
	fmt.Fprintf(&b, "WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA ascii\n", len(points), len(points))
	for _, p := range points {
		fmt.Fprintf(&b, "%g %g %g\n", p[0], p[1], p[2])
	}
	return b.Bytes()
}

func binaryPCD(points [][3]float32) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "VERSION 0.7\nFIELDS x y z intensity\nSIZE 4 4 4 4\nTYPE F F F F\nCOUNT 1 1 1 1\n")
	fmt.Fprintf(&b, "WIDTH %d\nHEIGHT 1\nPOINTS %d\nDATA binary\n", len(points), len(points))
	for _, p := range points {
		for _, v := range p {
			_ = binary.Write(&b, binary.LittleEndian, v)
		}
		_ = binary.Write(&b, binary.LittleEndian, float32(0.5)) // intensity
	}
	return b.Bytes()
}

func writePCD(t *testing.T, fs afero.Fs, path string, data []byte) {
	t.Helper()
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func TestProbeASCII(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePCD(t, fs, "/p/Preview.pcd", asciiPCD([][3]float64{
		{0, 0, 0}, {100, 0, 1}, {100, 80, 2}, {0, 80, 3},
	}))

	got := Probe(fs, "/p/Preview.pcd")
	if got.Status != StatusOptimal {
		t.Errorf("Status: got %q, want %q", got.Status, StatusOptimal)
	}
	if got.WidthM != 100 || got.HeightM != 80 {
		t.Errorf("bbox: got %gx%g, want 100x80", got.WidthM, got.HeightM)
	}
	if got.AreaSqm != 8000 {
		t.Errorf("AreaSqm: got %g, want 8000", got.AreaSqm)
	}
	if got.PointsParsed != 4 {
		t.Errorf("PointsParsed: got %d, want 4", got.PointsParsed)
	}
}

func TestProbeBinary(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePCD(t, fs, "/p/Preview.pcd", binaryPCD([][3]float32{
		{-4, -2.5, 0}, {4, 2.5, 1.5},
	}))

	got := Probe(fs, "/p/Preview.pcd")
	if got.Status != StatusErrorTooSmall {
		t.Errorf("Status: got %q, want %q", got.Status, StatusErrorTooSmall)
	}
	if got.WidthM != 8 || got.HeightM != 5 {
		t.Errorf("bbox: got %gx%g, want 8x5", got.WidthM, got.HeightM)
	}
	if !got.IsFatal() {
		t.Error("IsFatal(): false, want true")
	}
}

func TestProbeSkipsNonFinitePoints(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePCD(t, fs, "/p/Preview.pcd", asciiPCD([][3]float64{
		{0, 0, 0}, {math.NaN(), 5, 5}, {60, 60, 2},
	}))

	got := Probe(fs, "/p/Preview.pcd")
	if got.PointsParsed != 2 {
		t.Errorf("PointsParsed: got %d, want 2", got.PointsParsed)
	}
	if got.Status != StatusOptimal {
		t.Errorf("Status: got %q, want %q", got.Status, StatusOptimal)
	}
}

func TestProbeCompressedUnsupported(t *testing.T) {
	fs := afero.NewMemMapFs()
	blob := []byte("VERSION 0.7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\nWIDTH 1\nHEIGHT 1\nPOINTS 1\nDATA binary_compressed\n\x00\x00")
	writePCD(t, fs, "/p/Preview.pcd", blob)

	got := Probe(fs, "/p/Preview.pcd")
	if got.Status != StatusError {
		t.Errorf("Status: got %q, want %q", got.Status, StatusError)
	}
}

func TestProbeMissingFile(t *testing.T) {
	got := Probe(afero.NewMemMapFs(), "/nope/Preview.pcd")
	if got.Status != StatusNotFound {
		t.Errorf("Status: got %q, want %q", got.Status, StatusNotFound)
	}
	if got.IsFatal() {
		t.Error("IsFatal(): true, want false (probe failures degrade to warnings)")
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]struct {
		w, h float64
		want string
	}{
		"Optimal":       {w: 100, h: 80, want: StatusOptimal},
		"OptimalEdge":   {w: 50, h: 200, want: StatusOptimal},
		"Small":         {w: 30, h: 20, want: StatusWarningSmall},
		"Large":         {w: 320, h: 90, want: StatusWarningLarge},
		"Narrow":        {w: 120, h: 12, want: StatusWarningNarrow},
		"SlightlySmall": {w: 120, h: 40, want: StatusWarningSmall},
		"TooSmall":      {w: 8, h: 5, want: StatusErrorTooSmall},
		"TooLarge":      {w: 800, h: 100, want: StatusErrorTooLarge},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := classify(tc.w, tc.h); got != tc.want {
				t.Errorf("classify(%g, %g): got %q, want %q", tc.w, tc.h, got, tc.want)
			}
		})
	}
}
