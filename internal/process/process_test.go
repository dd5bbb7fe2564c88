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

package process

import (
	"archive/zip"
	"bytes"
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

func testDriver(fs afero.Fs) *Driver {
	cfg := Config{
		GeneratorExe: "/opt/recon/bin/generator",
		CLIExe:       "/opt/recon/bin/metacam-cli",
		OutputDir:    "/out",
	}
	return NewDriver(cfg, zap.NewNop(), WithDriverFs(fs))
}

func TestSelectScene(t *testing.T) {
	d := testDriver(afero.NewMemMapFs())
	cases := map[string]struct {
		scene Scene
		want  int
	}{
		"Outdoor":     {scene: Scene{Hint: "outdoor", PCDWidthM: 100}, want: SceneOpen},
		"IndoorSmall": {scene: Scene{Hint: "indoor", PCDWidthM: 20, PCDHeightM: 15}, want: SceneNarrow},
		"IndoorLarge": {scene: Scene{Hint: "indoor", PCDWidthM: 80, PCDHeightM: 40}, want: SceneBalance},
		"Unknown":     {scene: Scene{}, want: SceneBalance},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := d.selectScene(tc.scene); got != tc.want {
				t.Errorf("selectScene(%+v): got %d, want %d", tc.scene, got, tc.want)
			}
		})
	}
}

func TestStandardizeRebindsWrappedRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/scratch/x/pkg42/metadata.yaml", []byte("record: {}"), 0o644)
	_ = fs.MkdirAll("/scratch/x/pkg42/data", 0o755)

	d := testDriver(fs)
	got, err := d.standardize("/scratch/x")
	if err != nil {
		t.Fatalf("standardize(...): %v", err)
	}
	if got != "/scratch/x/pkg42" {
		t.Errorf("standardize(...): got %q, want /scratch/x/pkg42", got)
	}

	// Already-standard roots stay put.
	got, err = d.standardize("/scratch/x/pkg42")
	if err != nil {
		t.Fatalf("standardize(...): %v", err)
	}
	if got != "/scratch/x/pkg42" {
		t.Errorf("standardize(...): got %q, want unchanged", got)
	}
}

func TestSearchOutputs(t *testing.T) {
	fs := afero.NewMemMapFs()
	// Outputs live in the second search location.
	base := "/opt/recon/bin/processed/output/o_pkg42_output"
	_ = afero.WriteFile(fs, base+"/colorized.las", []byte("las"), 0o644)
	_ = afero.WriteFile(fs, base+"/transforms.json", []byte("{}"), 0o644)

	d := testDriver(fs)
	dir, missing := d.searchOutputs("pkg42")
	if dir != base {
		t.Errorf("searchOutputs: got dir %q, want %q", dir, base)
	}
	if len(missing) != 0 {
		t.Errorf("missing: got %v, want none", missing)
	}
}

func TestSearchOutputsPartial(t *testing.T) {
	fs := afero.NewMemMapFs()
	// Only the las exists, scattered in one location.
	_ = afero.WriteFile(fs, "/opt/recon/bin/output/colorized.las", []byte("las"), 0o644)

	d := testDriver(fs)
	dir, missing := d.searchOutputs("pkg42")
	if dir != "" {
		t.Errorf("searchOutputs: got dir %q, want empty", dir)
	}
	want := []string{"transforms.json"}
	sort.Strings(missing)
	if diff := cmp.Diff(want, missing); diff != "" {
		t.Errorf("missing: -want, +got:\n%s", diff)
	}
}

func TestAssembleAndVerify(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/scratch/x/pkg42"
	outDir := "/opt/recon/bin/output/pkg42_output"
	_ = afero.WriteFile(fs, outDir+"/colorized.las", []byte("las-bytes"), 0o644)
	_ = afero.WriteFile(fs, outDir+"/transforms.json", []byte(`{"frames":[]}`), 0o644)
	_ = afero.WriteFile(fs, root+"/metadata.yaml", []byte("record: {duration: 300}"), 0o644)
	_ = afero.WriteFile(fs, root+"/Preview.jpg", []byte("jpeg"), 0o644)
	_ = afero.WriteFile(fs, root+"/camera/left/000001.jpg", []byte("frame"), 0o644)
	_ = afero.WriteFile(fs, root+"/camera/right/000001.jpg", []byte("frame"), 0o644)

	d := testDriver(fs)
	archivePath, err := d.assemble(root, "pkg42", outDir)
	if err != nil {
		t.Fatalf("assemble(...): %v", err)
	}
	if archivePath != "/out/pkg42_processed.zip" {
		t.Errorf("archive path: got %q", archivePath)
	}

	// Exactly the five entry groups, nothing else at top level.
	blob, err := afero.ReadFile(fs, archivePath)
	if err != nil {
		t.Fatalf("ReadFile(...): %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	top := map[string]bool{}
	for _, f := range zr.File {
		name := f.Name
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[:i] + "/"
		}
		top[name] = true
	}
	want := map[string]bool{
		"colorized.las": true, "transforms.json": true,
		"metadata.yaml": true, "Preview.jpg": true, "camera/": true,
	}
	if diff := cmp.Diff(want, top); diff != "" {
		t.Errorf("top-level entries: -want, +got:\n%s", diff)
	}
}

func TestAssembleFailsWithoutCamera(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/scratch/x/pkg42"
	outDir := "/found"
	_ = afero.WriteFile(fs, outDir+"/colorized.las", []byte("las"), 0o644)
	_ = afero.WriteFile(fs, outDir+"/transforms.json", []byte("{}"), 0o644)
	_ = afero.WriteFile(fs, root+"/metadata.yaml", []byte("record: {}"), 0o644)
	_ = afero.WriteFile(fs, root+"/Preview.jpg", []byte("jpeg"), 0o644)

	d := testDriver(fs)
	if _, err := d.assemble(root, "pkg42", outDir); err == nil {
		t.Error("assemble(...): want error without camera tree, got nil")
	}
}

func TestRunCommandCapturesOutputAndExit(t *testing.T) {
	res, err := runCommand(context.Background(), zap.NewNop(),
		[]string{"/bin/sh", "-c", "echo hello; exit 3"}, 10*time.Second)
	if err != nil {
		t.Fatalf("runCommand(...): %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode: got %d, want 3", res.ExitCode)
	}
	if !bytes.Contains([]byte(res.LogTail), []byte("hello")) {
		t.Errorf("LogTail: %q does not contain output", res.LogTail)
	}
	if res.TimedOut {
		t.Error("TimedOut: true, want false")
	}
}

func TestRunCommandTimeout(t *testing.T) {
	start := time.Now()
	res, err := runCommand(context.Background(), zap.NewNop(),
		[]string{"/bin/sh", "-c", "sleep 30"}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("runCommand(...): %v", err)
	}
	if !res.TimedOut {
		t.Fatal("TimedOut: false, want true")
	}
	if time.Since(start) > 10*time.Second {
		t.Error("timeout enforcement took too long")
	}
}
