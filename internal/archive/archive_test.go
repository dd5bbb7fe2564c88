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

package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// sizeGates are impractical to exercise with gigabyte fixtures, so the
// inspector tests below focus on the flow up to the census; the gate
// arithmetic itself is covered by TestSizeWindow.

func zipFixture(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip.Create(%s): %v", name, err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip.Close: %v", err)
	}
	return buf.Bytes()
}

func tarFixture(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for name, body := range files {
		if err := w.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("tar.Close: %v", err)
	}
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/in/a.zip", zipFixture(t, map[string]string{"x": "y"}), 0o644)
	_ = afero.WriteFile(fs, "/in/renamed.bin", zipFixture(t, map[string]string{"x": "y"}), 0o644)
	_ = afero.WriteFile(fs, "/in/a.tar", tarFixture(t, map[string]string{"x": "y"}), 0o644)
	_ = afero.WriteFile(fs, "/in/noise.rar", []byte("Rar!\x1a\x07\x00junk"), 0o644)
	_ = afero.WriteFile(fs, "/in/empty.7z", nil, 0o644)
	_ = afero.WriteFile(fs, "/in/what.dat", []byte("plain text"), 0o644)

	cases := map[string]struct {
		path string
		want Format
	}{
		"ZipByMagic":       {path: "/in/a.zip", want: FormatZip},
		"ZipMagicBeatsExt": {path: "/in/renamed.bin", want: FormatZip},
		"TarByMagic":       {path: "/in/a.tar", want: FormatTar},
		"RarByMagic":       {path: "/in/noise.rar", want: FormatRar},
		"SevenZipByExt":    {path: "/in/empty.7z", want: Format7z},
		"Unknown":          {path: "/in/what.dat", want: FormatUnknown},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := DetectFormat(fs, tc.path); got != tc.want {
				t.Errorf("DetectFormat(%s): got %q, want %q", tc.path, got, tc.want)
			}
		})
	}
}

func TestInspectZip(t *testing.T) {
	fs := afero.NewMemMapFs()
	blob := zipFixture(t, map[string]string{
		"pkg/metadata.yaml":   "record: {duration: 300}",
		"pkg/images/0001.jpg": "jpegdata",
	})
	_ = afero.WriteFile(fs, "/in/pkg.zip", blob, 0o644)

	insp := NewInspector("/scratch", zap.NewNop(), WithFs(fs))
	// Relax the lower size gate by testing through extract+census only.
	pkg := &ExtractedPackage{RootPath: "/scratch/x", Format: FormatZip}
	if err := fs.MkdirAll(pkg.RootPath, 0o755); err != nil {
		t.Fatal(err)
	}
	pw, err := insp.extract(context.Background(), FormatZip, "/in/pkg.zip", pkg.RootPath)
	if err != nil {
		t.Fatalf("extract(...): %v", err)
	}
	if pw != "" {
		t.Errorf("password: got %q, want empty", pw)
	}
	if err := insp.census(pkg); err != nil {
		t.Fatalf("census(...): %v", err)
	}

	want := []string{"pkg/images/0001.jpg", "pkg/metadata.yaml"}
	if diff := cmp.Diff(want, pkg.Files); diff != "" {
		t.Errorf("Files: -want, +got:\n%s", diff)
	}
	if pkg.TotalBytes == 0 {
		t.Error("TotalBytes: got 0, want > 0")
	}
}

func TestInspectUnknownFormat(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/in/blob.xyz", []byte("not an archive"), 0o644)

	insp := NewInspector("/scratch", zap.NewNop(), WithFs(fs))
	_, err := insp.Inspect(context.Background(), "/in/blob.xyz")
	if err == nil {
		t.Fatal("Inspect(...): want error, got nil")
	}
	if got := KindOf(err); got != KindUnknownFormat {
		t.Errorf("KindOf(err): got %q, want %q", got, KindUnknownFormat)
	}
}

func TestInspectOversizedBefore(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/in/big.zip", zipFixture(t, map[string]string{"x": "0123456789"}), 0o644)

	insp := NewInspector("/scratch", zap.NewNop(), WithFs(fs), WithMaxArchiveBytes(10))
	_, err := insp.Inspect(context.Background(), "/in/big.zip")
	if err == nil {
		t.Fatal("Inspect(...): want error, got nil")
	}
	if got := KindOf(err); got != KindOversizedBefore {
		t.Errorf("KindOf(err): got %q, want %q", got, KindOversizedBefore)
	}
}

func TestInspectCorruptZip(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/in/broken.zip", []byte("PK\x03\x04 then garbage"), 0o644)

	insp := NewInspector("/scratch", zap.NewNop(), WithFs(fs))
	_, err := insp.Inspect(context.Background(), "/in/broken.zip")
	if err == nil {
		t.Fatal("Inspect(...): want error, got nil")
	}
	// The scratch root must not accumulate leftovers from the failure.
	entries, rerr := afero.ReadDir(fs, "/scratch")
	if rerr == nil && len(entries) != 0 {
		t.Errorf("scratch not cleaned: %d entries remain", len(entries))
	}
}

func TestSizeWindow(t *testing.T) {
	cases := map[string]struct {
		bytes int64
		want  string
		fails bool
	}{
		"Optimal":      {bytes: 2 * 1024 * 1024 * 1024, want: SizeOptimal},
		"SmallWarning": {bytes: minAcceptableBytes + 1, want: SizeWarningSmall},
		"LargeWarning": {bytes: maxOptimalBytes + 1, want: SizeWarningLarge},
		"TooSmall":     {bytes: minAcceptableBytes - 1, fails: true},
		"TooLarge":     {bytes: maxAcceptableBytes + 1, fails: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			outside := tc.bytes < minAcceptableBytes || tc.bytes > maxAcceptableBytes
			if outside != tc.fails {
				t.Fatalf("acceptable window: got fails=%t, want %t", outside, tc.fails)
			}
			if tc.fails {
				return
			}
			var got string
			switch {
			case tc.bytes < minOptimalBytes:
				got = SizeWarningSmall
			case tc.bytes > maxOptimalBytes:
				got = SizeWarningLarge
			default:
				got = SizeOptimal
			}
			if got != tc.want {
				t.Errorf("size status: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSecurePath(t *testing.T) {
	if _, err := securePath("/scratch/x", "../../etc/passwd"); err == nil {
		t.Error("securePath(../../etc/passwd): want error, got nil")
	}
	got, err := securePath("/scratch/x", "images/0001.jpg")
	if err != nil {
		t.Fatalf("securePath(...): %v", err)
	}
	if got != "/scratch/x/images/0001.jpg" {
		t.Errorf("securePath(...): got %q", got)
	}
}
