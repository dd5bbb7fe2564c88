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

// Package pointcloud probes PCD preview files for scene scale. Only the
// subset of PCD v0.7 the capture devices emit is understood: ASCII and
// uncompressed little-endian binary bodies with at least x/y/z fields.
package pointcloud

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// MaxPoints bounds how many points a probe reads.
const MaxPoints = 100000

const (
	errNoFields     = "header declares no fields"
	errNoXYZ        = "header does not expose x, y and z fields"
	errNoData       = "header has no data declaration"
	errCompressed   = "binary_compressed data is not supported"
	errUnknownData  = "unknown data encoding"
	errHeaderCounts = "field size/type/count lists do not match fields"
)

// Scale status values, from best to worst.
const (
	StatusOptimal       = "optimal"
	StatusWarningSmall  = "warning_small"
	StatusWarningLarge  = "warning_large"
	StatusWarningNarrow = "warning_narrow"
	StatusErrorTooSmall = "error_too_small"
	StatusErrorTooLarge = "error_too_large"
	StatusNotFound      = "not_found"
	StatusError         = "error"
)

// Scale is the result of probing a preview point cloud.
type Scale struct {
	Status       string  `json:"status"`
	WidthM       float64 `json:"width_m"`
	HeightM      float64 `json:"height_m"`
	DepthM       float64 `json:"depth_m"`
	AreaSqm      float64 `json:"area_sqm"`
	PointsParsed int     `json:"points_parsed"`
	Error        string  `json:"error,omitempty"`
}

// IsFatal reports whether the scale status should fail validation. Probe
// and parse failures degrade to warnings, not errors.
func (s Scale) IsFatal() bool {
	return s.Status == StatusErrorTooSmall || s.Status == StatusErrorTooLarge
}

type header struct {
	fields []string
	sizes  []int
	counts []int
	points int
	data   string
}

// Probe reads the point cloud at path and computes its XYZ bounding box
// from at most MaxPoints points. Filesystem and parse failures are
// reported in the returned Scale, never as an error.
func Probe(fs afero.Fs, path string) Scale {
	exists, err := afero.Exists(fs, path)
	if err != nil || !exists {
		return Scale{Status: StatusNotFound, Error: "preview point cloud not found"}
	}
	f, err := fs.Open(path)
	if err != nil {
		return Scale{Status: StatusError, Error: err.Error()}
	}
	defer f.Close() // nolint:errcheck
	return probe(f)
}

func probe(r io.Reader) Scale {
	br := bufio.NewReaderSize(r, 1<<16)
	h, err := parseHeader(br)
	if err != nil {
		return Scale{Status: StatusError, Error: err.Error()}
	}

	var s Scale
	switch h.data {
	case "ascii":
		s, err = scanASCII(br, h)
	case "binary":
		s, err = scanBinary(br, h)
	case "binary_compressed":
		return Scale{Status: StatusError, Error: errCompressed}
	default:
		return Scale{Status: StatusError, Error: errUnknownData}
	}
	if err != nil {
		return Scale{Status: StatusError, Error: err.Error()}
	}
	s.Status = classify(s.WidthM, s.HeightM)
	return s
}

func parseHeader(br *bufio.Reader) (header, error) {
	h := header{points: -1}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return h, errors.Wrap(err, errNoData)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		key := strings.ToUpper(parts[0])
		args := parts[1:]
		switch key {
		case "FIELDS":
			for _, a := range args {
				h.fields = append(h.fields, strings.ToLower(a))
			}
		case "SIZE":
			for _, a := range args {
				n, err := strconv.Atoi(a)
				if err != nil {
					return h, errors.Wrap(err, errHeaderCounts)
				}
				h.sizes = append(h.sizes, n)
			}
		case "COUNT":
			for _, a := range args {
				n, err := strconv.Atoi(a)
				if err != nil {
					return h, errors.Wrap(err, errHeaderCounts)
				}
				h.counts = append(h.counts, n)
			}
		case "POINTS":
			if len(args) > 0 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return h, errors.Wrap(err, errHeaderCounts)
				}
				h.points = n
			}
		case "DATA":
			if len(args) > 0 {
				h.data = strings.ToLower(args[0])
			}
			return validateHeader(h)
		}
	}
}

func validateHeader(h header) (header, error) {
	if len(h.fields) == 0 {
		return h, errors.New(errNoFields)
	}
	if h.data == "" {
		return h, errors.New(errNoData)
	}
	// COUNT defaults to 1 per field when omitted.
	if len(h.counts) == 0 {
		h.counts = make([]int, len(h.fields))
		for i := range h.counts {
			h.counts[i] = 1
		}
	}
	if h.data == "binary" && (len(h.sizes) != len(h.fields) || len(h.counts) != len(h.fields)) {
		return h, errors.New(errHeaderCounts)
	}
	has := map[string]bool{}
	for _, f := range h.fields {
		has[f] = true
	}
	if !has["x"] || !has["y"] || !has["z"] {
		return h, errors.New(errNoXYZ)
	}
	return h, nil
}

// bbox accumulates an axis-aligned bounding box.
type bbox struct {
	minX, minY, minZ float64
	maxX, maxY, maxZ float64
	n                int
}

func newBBox() *bbox {
	return &bbox{
		minX: math.Inf(1), minY: math.Inf(1), minZ: math.Inf(1),
		maxX: math.Inf(-1), maxY: math.Inf(-1), maxZ: math.Inf(-1),
	}
}

func (b *bbox) add(x, y, z float64) {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsNaN(z) {
		return
	}
	if math.IsInf(x, 0) || math.IsInf(y, 0) || math.IsInf(z, 0) {
		return
	}
	b.minX, b.maxX = math.Min(b.minX, x), math.Max(b.maxX, x)
	b.minY, b.maxY = math.Min(b.minY, y), math.Max(b.maxY, y)
	b.minZ, b.maxZ = math.Min(b.minZ, z), math.Max(b.maxZ, z)
	b.n++
}

func (b *bbox) scale() Scale {
	if b.n == 0 {
		return Scale{Status: StatusError, Error: "no finite points"}
	}
	w := b.maxX - b.minX
	h := b.maxY - b.minY
	d := b.maxZ - b.minZ
	return Scale{
		WidthM:       round2(w),
		HeightM:      round2(h),
		DepthM:       round2(d),
		AreaSqm:      round2(w * h),
		PointsParsed: b.n,
	}
}

func scanASCII(br *bufio.Reader, h header) (Scale, error) {
	xi, yi, zi := fieldIndex(h, "x"), fieldIndex(h, "y"), fieldIndex(h, "z")
	box := newBBox()
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() && box.n < MaxPoints {
		cols := strings.Fields(sc.Text())
		if len(cols) <= xi || len(cols) <= yi || len(cols) <= zi {
			continue
		}
		x, errX := strconv.ParseFloat(cols[xi], 64)
		y, errY := strconv.ParseFloat(cols[yi], 64)
		z, errZ := strconv.ParseFloat(cols[zi], 64)
		if errX != nil || errY != nil || errZ != nil {
			continue
		}
		box.add(x, y, z)
	}
	if err := sc.Err(); err != nil {
		return Scale{}, err
	}
	return box.scale(), nil
}

func scanBinary(br *bufio.Reader, h header) (Scale, error) {
	stride := 0
	offsets := map[string]int{}
	for i, f := range h.fields {
		if f == "x" || f == "y" || f == "z" {
			offsets[f] = stride
		}
		stride += h.sizes[i] * h.counts[i]
	}
	if stride == 0 {
		return Scale{}, errors.New(errHeaderCounts)
	}

	limit := MaxPoints
	if h.points >= 0 && h.points < limit {
		limit = h.points
	}
	box := newBBox()
	rec := make([]byte, stride)
	for box.n < limit {
		if _, err := io.ReadFull(br, rec); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return Scale{}, err
		}
		x := float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[offsets["x"]:])))
		y := float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[offsets["y"]:])))
		z := float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[offsets["z"]:])))
		box.add(x, y, z)
	}
	return box.scale(), nil
}

func fieldIndex(h header, name string) int {
	for i, f := range h.fields {
		if f == name {
			return i
		}
	}
	return -1
}

// classify maps the horizontal bounding box onto the scale taxonomy.
// Depth is ignored: capture rigs sweep horizontally and the vertical
// extent says nothing about coverage.
func classify(w, h float64) string {
	maxDim := math.Max(w, h)
	minDim := math.Min(w, h)
	switch {
	case maxDim > 500:
		return StatusErrorTooLarge
	case maxDim < 10:
		return StatusErrorTooSmall
	case maxDim < 50:
		return StatusWarningSmall
	case maxDim > 200:
		return StatusWarningLarge
	case minDim < 25:
		return StatusWarningNarrow
	case minDim < 50:
		return StatusWarningSmall
	default:
		return StatusOptimal
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
