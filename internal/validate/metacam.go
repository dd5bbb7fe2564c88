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
	"path"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/upbound/metacam/internal/metadata"
	"github.com/upbound/metacam/internal/pointcloud"
)

// FormatMetaCam is the format hint the MetaCam validator answers to.
const FormatMetaCam = "metacam"

// Issue codes produced by the MetaCam validator.
const (
	CodeMissingDir       = "MISSING_REQUIRED_DIR"
	CodeMissingFile      = "MISSING_REQUIRED_FILE"
	CodeMissingOptional  = "MISSING_OPTIONAL"
	CodeSizeOutOfRange   = "FILE_SIZE_OUT_OF_RANGE"
	CodeMetadataParse    = "METADATA_PARSE_ERROR"
	CodeDurationTooShort = "DURATION_TOO_SHORT"
	CodeDurationTooLong  = "DURATION_TOO_LONG"
	CodeDurationWarning  = "DURATION_SUBOPTIMAL"
	CodePCDScale         = "PCD_SCALE"
	CodePCDProbe         = "PCD_PROBE_FAILED"
	CodeDeviceIncomplete = "DEVICE_ID_INCOMPLETE"
)

const (
	kib = int64(1024)
	mib = 1024 * kib
	gib = 1024 * mib
)

// sizeRange bounds a required file, in bytes.
type sizeRange struct {
	min, max int64
}

func (r sizeRange) contains(n int64) bool {
	return n >= r.min && n <= r.max
}

var (
	requiredDirs = []string{"images", "data", "info"}

	requiredFiles = []struct {
		rel  string
		size sizeRange
	}{
		{"colorized-realtime.las", sizeRange{1 * mib, 1 * gib}},
		{"metadata.yaml", sizeRange{100, 10 * kib}},
		{"Preview.jpg", sizeRange{1 * kib, 10 * mib}},
		{"Preview.pcd", sizeRange{1 * kib, 100 * mib}},
	}

	// One of the rosbag spellings must exist.
	dataFiles = []string{"data/data_0", "data/data_0.bag"}
	dataSize  = sizeRange{1 * mib, 2 * gib}

	infoFiles = []string{"info/calibration.json", "info/device_info.json", "info/rtk_info.json"}
)

// A MetaCamValidator checks the MetaCam package layout, content and
// recording quality.
type MetaCamValidator struct {
	fs      afero.Fs
	log     *zap.Logger
	weights ScoreWeights
}

// MetaCamOption modifies a MetaCamValidator.
type MetaCamOption func(*MetaCamValidator)

// WithMetaCamFs specifies the afero.Fs packages are read from.
func WithMetaCamFs(fs afero.Fs) MetaCamOption {
	return func(v *MetaCamValidator) {
		v.fs = fs
	}
}

// WithScoreWeights overrides the default score deductions.
func WithScoreWeights(w ScoreWeights) MetaCamOption {
	return func(v *MetaCamValidator) {
		v.weights = w
	}
}

// NewMetaCamValidator returns a MetaCam layout validator.
func NewMetaCamValidator(log *zap.Logger, opts ...MetaCamOption) *MetaCamValidator {
	v := &MetaCamValidator{
		fs:      afero.NewOsFs(),
		log:     log,
		weights: DefaultScoreWeights(),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// SupportedFormats implements Validator.
func (v *MetaCamValidator) SupportedFormats() []string {
	return []string{FormatMetaCam}
}

// Validate checks root against the MetaCam layout invariants. It always
// returns a Result; internal failures surface as coded issues, never as
// panics across the boundary.
func (v *MetaCamValidator) Validate(ctx context.Context, root string, level Level) Result {
	b := newBuilder("MetaCamValidator", v.weights)

	v.checkStructure(b, root)
	v.checkRequiredFiles(b, root)
	v.checkOptional(b, root)
	rec, ok := v.checkMetadata(ctx, b, root)
	scale := v.checkPointCloud(b, root)

	if ok {
		v.classifyDuration(b, rec)
		v.checkDevice(b, rec)
	}

	summary := v.summarize(b, rec, scale)
	return b.result(level, summary)
}

func (v *MetaCamValidator) checkStructure(b *builder, root string) {
	for _, d := range requiredDirs {
		full := path.Join(root, d)
		ok, err := afero.DirExists(v.fs, full)
		if err != nil {
			b.parseFailure(CodeMetadataParse, err.Error(), d)
			continue
		}
		if !ok {
			b.missingRequired(CodeMissingDir, fmt.Sprintf("required directory %s/ is missing", d), d)
		}
	}
}

func (v *MetaCamValidator) checkRequiredFiles(b *builder, root string) {
	for _, rf := range requiredFiles {
		v.checkSizedFile(b, root, rf.rel, rf.size)
	}

	// data_0 in either spelling.
	var found bool
	for _, rel := range dataFiles {
		fi, err := v.fs.Stat(path.Join(root, rel))
		if err != nil {
			continue
		}
		found = true
		if !dataSize.contains(fi.Size()) {
			b.sizeBreach(CodeSizeOutOfRange,
				fmt.Sprintf("%s is %d bytes, expected %d..%d", rel, fi.Size(), dataSize.min, dataSize.max), rel)
		}
		break
	}
	if !found {
		b.missingRequired(CodeMissingFile, "neither data/data_0 nor data/data_0.bag exists", "data/data_0")
	}

	for _, rel := range infoFiles {
		ok, err := afero.Exists(v.fs, path.Join(root, rel))
		if err != nil || !ok {
			b.missingRequired(CodeMissingFile, fmt.Sprintf("required file %s is missing", rel), rel)
		}
	}
}

func (v *MetaCamValidator) checkSizedFile(b *builder, root, rel string, r sizeRange) {
	fi, err := v.fs.Stat(path.Join(root, rel))
	if err != nil {
		b.missingRequired(CodeMissingFile, fmt.Sprintf("required file %s is missing", rel), rel)
		return
	}
	if !r.contains(fi.Size()) {
		b.sizeBreach(CodeSizeOutOfRange,
			fmt.Sprintf("%s is %d bytes, expected %d..%d", rel, fi.Size(), r.min, r.max), rel)
	}
}

func (v *MetaCamValidator) checkOptional(b *builder, root string) {
	// The camera tree is optional for the layout but required for
	// transient assessment and the final deliverable.
	if dir := FindCameraDir(v.fs, root); dir == "" {
		b.missingOptional(CodeMissingOptional, "no camera image directory found", "camera")
	}
}

func (v *MetaCamValidator) checkMetadata(_ context.Context, b *builder, root string) (metadata.Record, bool) {
	rec, err := metadata.Parse(v.fs, path.Join(root, "metadata.yaml"))
	if err != nil {
		b.parseFailure(CodeMetadataParse, err.Error(), "metadata.yaml")
		return metadata.Record{}, false
	}

	em := map[string]interface{}{
		"start_time":       rec.StartTime,
		"duration_seconds": rec.DurationSeconds,
	}
	if rec.HasLocation {
		em["location"] = map[string]interface{}{"lat": rec.Lat, "lon": rec.Lon}
	}
	em["device"] = map[string]interface{}{
		"model": rec.Device.Model,
		"sn":    rec.Device.SN,
		"id":    rec.Device.ID(),
	}
	b.setMeta("extracted_metadata", em)
	return rec, true
}

func (v *MetaCamValidator) checkPointCloud(b *builder, root string) pointcloud.Scale {
	scale := pointcloud.Probe(v.fs, path.Join(root, "Preview.pcd"))
	b.setMeta("pcd_scale", map[string]interface{}{
		"status":        scale.Status,
		"width_m":       scale.WidthM,
		"height_m":      scale.HeightM,
		"depth_m":       scale.DepthM,
		"area_sqm":      scale.AreaSqm,
		"points_parsed": scale.PointsParsed,
	})

	switch scale.Status {
	case pointcloud.StatusOptimal:
	case pointcloud.StatusErrorTooSmall, pointcloud.StatusErrorTooLarge:
		b.sizeBreach(CodePCDScale,
			fmt.Sprintf("point cloud footprint %gx%g m is %s", scale.WidthM, scale.HeightM, scale.Status), "Preview.pcd")
	case pointcloud.StatusNotFound, pointcloud.StatusError:
		// Probe failures degrade to a warning, not a failure.
		b.warn(CodePCDProbe, fmt.Sprintf("point cloud probe failed: %s", scale.Error), "Preview.pcd")
	default:
		b.warn(CodePCDScale,
			fmt.Sprintf("point cloud footprint %gx%g m is %s", scale.WidthM, scale.HeightM, scale.Status), "Preview.pcd")
	}
	return scale
}

func (v *MetaCamValidator) classifyDuration(b *builder, rec metadata.Record) {
	class := metadata.ClassifyDuration(rec.DurationSeconds)
	b.setMeta("duration_status", class)
	switch class {
	case metadata.DurationOptimal:
	case metadata.DurationTooShort:
		b.critical(CodeDurationTooShort,
			fmt.Sprintf("recording is %.0f s, minimum is 180 s", rec.DurationSeconds), "metadata.yaml")
	case metadata.DurationTooLong:
		b.critical(CodeDurationTooLong,
			fmt.Sprintf("recording is %.0f s, maximum is 540 s", rec.DurationSeconds), "metadata.yaml")
	default:
		b.warn(CodeDurationWarning,
			fmt.Sprintf("recording is %.0f s (%s)", rec.DurationSeconds, class), "metadata.yaml")
	}
}

func (v *MetaCamValidator) checkDevice(b *builder, rec metadata.Record) {
	id := rec.Device.ID()
	b.setMeta("device", map[string]interface{}{
		"model": rec.Device.Model,
		"sn":    rec.Device.SN,
		"id":    id,
	})
	if id == "" {
		b.warn(CodeDeviceIncomplete, "device model or serial missing; no device id", "metadata.yaml")
	}
}

func (v *MetaCamValidator) summarize(b *builder, rec metadata.Record, scale pointcloud.Scale) string {
	parts := []string{}
	if len(b.errors) == 0 {
		parts = append(parts, "layout ok")
	} else {
		parts = append(parts, fmt.Sprintf("%d errors", len(b.errors)))
	}
	if len(b.warnings) > 0 {
		parts = append(parts, fmt.Sprintf("%d warnings", len(b.warnings)))
	}
	if rec.DurationSeconds > 0 {
		parts = append(parts, fmt.Sprintf("duration %s", metadata.FormatHMS(rec.DurationSeconds)))
	}
	if scale.Status != "" {
		parts = append(parts, fmt.Sprintf("scale %s", scale.Status))
	}
	return strings.Join(parts, ", ")
}

// FindCameraDir locates a camera image directory (camera/left or
// camera/right, else camera itself, with at least one supported image)
// in root or up to two subtree levels below it. It returns "" when none
// qualifies.
func FindCameraDir(fs afero.Fs, root string) string {
	for _, base := range candidateRoots(fs, root) {
		for _, side := range []string{"left", "right"} {
			dir := path.Join(base, "camera", side)
			if hasImage(fs, dir) {
				return dir
			}
		}
		if hasImage(fs, path.Join(base, "camera")) {
			return path.Join(base, "camera")
		}
	}
	return ""
}

// candidateRoots yields root and its subdirectories to depth 2.
func candidateRoots(fs afero.Fs, root string) []string {
	out := []string{root}
	level := []string{root}
	for depth := 0; depth < 2; depth++ {
		var next []string
		for _, dir := range level {
			entries, err := afero.ReadDir(fs, dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if !e.IsDir() || e.Name() == "camera" {
					continue
				}
				sub := path.Join(dir, e.Name())
				out = append(out, sub)
				next = append(next, sub)
			}
		}
		level = next
	}
	return out
}

// ImageExtensions lists the frame formats the transient pass accepts.
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
}

func hasImage(fs afero.Fs, dir string) bool {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ImageExtensions[strings.ToLower(path.Ext(e.Name()))] {
			return true
		}
	}
	return false
}
