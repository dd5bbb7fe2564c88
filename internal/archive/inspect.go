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
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Extracted-size gates, in bytes. Outside the acceptable window is an
// error; outside the optimal window a warning.
const (
	minAcceptableBytes = int64(0.5 * 1024 * 1024 * 1024)
	minOptimalBytes    = int64(858993459) // 0.8 * 1024 * 1024 * 1024, truncated
	maxOptimalBytes    = int64(3.5 * 1024 * 1024 * 1024)
	maxAcceptableBytes = int64(6 * 1024 * 1024 * 1024)
)

// Size status values recorded on the extracted package.
const (
	SizeOptimal      = "optimal"
	SizeWarningSmall = "warning_small"
	SizeWarningLarge = "warning_large"
)

// An ExtractedPackage is the post-decompression handle the validation
// pipeline consumes. It is a read-only view for everything but its
// owning worker.
type ExtractedPackage struct {
	RootPath     string
	Files        []string
	TotalBytes   int64
	Format       Format
	PasswordUsed string
	SizeStatus   string
}

// An Inspector extracts archives into per-package scratch directories.
type Inspector struct {
	fs          afero.Fs
	log         *zap.Logger
	scratchRoot string
	passwords   []string
	maxBytes    int64
}

// InspectorOption modifies an Inspector.
type InspectorOption func(*Inspector)

// WithFs specifies the afero.Fs used for native extraction and tree
// walks. External decompressors always run against the OS filesystem.
func WithFs(fs afero.Fs) InspectorOption {
	return func(i *Inspector) {
		i.fs = fs
	}
}

// WithPasswords sets the ordered candidate password list tried against
// protected archives.
func WithPasswords(pw []string) InspectorOption {
	return func(i *Inspector) {
		i.passwords = pw
	}
}

// WithMaxArchiveBytes caps the compressed archive size admitted to
// extraction. Zero disables the gate.
func WithMaxArchiveBytes(n int64) InspectorOption {
	return func(i *Inspector) {
		i.maxBytes = n
	}
}

// NewInspector returns an Inspector extracting under scratchRoot.
func NewInspector(scratchRoot string, log *zap.Logger, opts ...InspectorOption) *Inspector {
	i := &Inspector{
		fs:          afero.NewOsFs(),
		log:         log,
		scratchRoot: scratchRoot,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Inspect identifies, extracts and size-checks the archive at path. On
// failure the scratch directory is removed and an *Error describing the
// failure kind is returned.
func (i *Inspector) Inspect(ctx context.Context, path string) (*ExtractedPackage, error) {
	fi, err := i.fs.Stat(path)
	if err != nil {
		return nil, newError(KindIO, err)
	}
	if i.maxBytes > 0 && fi.Size() > i.maxBytes {
		return nil, newError(KindOversizedBefore, errors.Errorf("archive is %d bytes, limit %d", fi.Size(), i.maxBytes))
	}

	format := DetectFormat(i.fs, path)
	if format == FormatUnknown {
		return nil, newError(KindUnknownFormat, errors.Errorf("cannot identify %s", filepath.Base(path)))
	}

	scratch := filepath.Join(i.scratchRoot, uuid.NewString())
	if err := i.fs.MkdirAll(scratch, 0o755); err != nil {
		return nil, newError(KindIO, err)
	}

	password, err := i.extract(ctx, format, path, scratch)
	if err != nil {
		_ = i.fs.RemoveAll(scratch)
		return nil, err
	}

	pkg := &ExtractedPackage{RootPath: scratch, Format: format, PasswordUsed: password}
	if err := i.census(pkg); err != nil {
		_ = i.fs.RemoveAll(scratch)
		return nil, newError(KindIO, err)
	}

	switch {
	case pkg.TotalBytes < minAcceptableBytes || pkg.TotalBytes > maxAcceptableBytes:
		_ = i.fs.RemoveAll(scratch)
		return nil, newError(KindOversizedAfter,
			errors.Errorf("extracted %d bytes, acceptable window [%d, %d]", pkg.TotalBytes, minAcceptableBytes, maxAcceptableBytes))
	case pkg.TotalBytes < minOptimalBytes:
		pkg.SizeStatus = SizeWarningSmall
	case pkg.TotalBytes > maxOptimalBytes:
		pkg.SizeStatus = SizeWarningLarge
	default:
		pkg.SizeStatus = SizeOptimal
	}

	i.log.Info("extracted archive",
		zap.String("archive", filepath.Base(path)),
		zap.String("format", string(format)),
		zap.Int("files", len(pkg.Files)),
		zap.Int64("bytes", pkg.TotalBytes),
		zap.String("size_status", pkg.SizeStatus))
	return pkg, nil
}

// extract runs the extractor chain, probing candidate passwords in
// order. It returns the password that succeeded, "" for none.
func (i *Inspector) extract(ctx context.Context, format Format, src, dst string) (string, error) {
	chain := i.extractors(format)
	if len(chain) == 0 {
		return "", newError(KindUnknownFormat, errors.Errorf("no extractor for %s", format))
	}

	// The empty password is always probed first: most packages are not
	// protected at all.
	candidates := append([]string{""}, i.passwords...)

	var last error
	passworded := false
	for _, ex := range chain {
		for _, pw := range candidates {
			if err := ctx.Err(); err != nil {
				return "", newError(KindIO, err)
			}
			err := ex.extract(ctx, src, dst, pw)
			if err == nil {
				return pw, nil
			}
			last = err
			if !ex.needsPassword(err) {
				// Wrong tool or corrupt archive; passwords will not help.
				break
			}
			passworded = true
			// Partial output from the failed attempt must not leak into
			// the next one.
			if err := i.resetScratch(dst); err != nil {
				return "", newError(KindIO, err)
			}
		}
	}

	if passworded {
		return "", newError(KindPasswordRequired, last)
	}
	return "", newError(KindCorrupt, last)
}

func (i *Inspector) resetScratch(dst string) error {
	if err := i.fs.RemoveAll(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	return i.fs.MkdirAll(dst, 0o755)
}

// census walks the extracted tree recording relative paths and total
// size.
func (i *Inspector) census(pkg *ExtractedPackage) error {
	err := afero.Walk(i.fs, pkg.RootPath, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(pkg.RootPath, path)
		if err != nil {
			return err
		}
		pkg.Files = append(pkg.Files, filepath.ToSlash(rel))
		pkg.TotalBytes += fi.Size()
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(pkg.Files)
	return nil
}
