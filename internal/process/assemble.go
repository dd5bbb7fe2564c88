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
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	errCreateArchive = "cannot create final archive"
	errVerifyArchive = "final archive failed verification"
)

// Entries of the final deliverable besides the camera subtree.
var finalEntries = []string{outputLas, outputTransforms, "metadata.yaml", "Preview.jpg"}

// assemble builds <OutputDir>/<pkgName>_processed.zip from the
// reconstruction outputs and the original package, then verifies it.
func (d *Driver) assemble(root, pkgName, outputDir string) (string, error) {
	if err := d.fs.MkdirAll(d.cfg.OutputDir, 0o755); err != nil {
		return "", errors.Wrap(err, errCreateArchive)
	}
	archivePath := filepath.Join(d.cfg.OutputDir, pkgName+"_processed.zip")

	f, err := d.fs.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", errors.Wrap(err, errCreateArchive)
	}
	zw := zip.NewWriter(f)

	add := func(src, name string) error {
		in, err := d.fs.Open(src)
		if err != nil {
			return err
		}
		defer in.Close() // nolint:errcheck
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, in)
		return err
	}

	err = func() error {
		if err := add(filepath.Join(outputDir, outputLas), outputLas); err != nil {
			return err
		}
		if err := add(filepath.Join(outputDir, outputTransforms), outputTransforms); err != nil {
			return err
		}
		if err := add(filepath.Join(root, "metadata.yaml"), "metadata.yaml"); err != nil {
			return err
		}
		if err := add(filepath.Join(root, "Preview.jpg"), "Preview.jpg"); err != nil {
			return err
		}
		return d.addCameraTree(zw, root)
	}()
	if err != nil {
		_ = zw.Close()
		_ = f.Close()
		_ = d.fs.Remove(archivePath)
		return "", errors.Wrap(err, errCreateArchive)
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return "", errors.Wrap(err, errCreateArchive)
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, errCreateArchive)
	}

	if err := d.verify(archivePath); err != nil {
		return "", err
	}
	d.log.Info("assembled final package", zap.String("archive", archivePath))
	return archivePath, nil
}

// addCameraTree copies the package's camera/ subtree into the archive
// recursively.
func (d *Driver) addCameraTree(zw *zip.Writer, root string) error {
	cameraRoot := filepath.Join(root, "camera")
	return afero.Walk(d.fs, cameraRoot, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		in, err := d.fs.Open(path)
		if err != nil {
			return err
		}
		defer in.Close() // nolint:errcheck
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		_, err = io.Copy(w, in)
		return err
	})
}

// verify re-lists the archive and checks the five required entries
// exist and are non-zero.
func (d *Driver) verify(archivePath string) error {
	f, err := d.fs.Open(archivePath)
	if err != nil {
		return errors.Wrap(err, errVerifyArchive)
	}
	defer f.Close() // nolint:errcheck
	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, errVerifyArchive)
	}
	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return errors.Wrap(err, errVerifyArchive)
	}

	sizes := map[string]uint64{}
	camera := false
	for _, entry := range zr.File {
		sizes[entry.Name] = entry.UncompressedSize64
		if strings.HasPrefix(entry.Name, "camera/") && entry.UncompressedSize64 > 0 {
			camera = true
		}
	}
	for _, name := range finalEntries {
		if sizes[name] == 0 {
			return errors.Errorf("%s: %s missing or empty", errVerifyArchive, name)
		}
	}
	if !camera {
		return errors.Errorf("%s: camera/ subtree missing or empty", errVerifyArchive)
	}
	return nil
}
