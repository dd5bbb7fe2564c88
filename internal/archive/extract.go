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
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	errOpenArchive    = "cannot open archive"
	errEntryEscapes   = "archive entry escapes extraction root"
	errToolMissing    = "external decompressor not installed"
	errEncryptedEntry = "archive has encrypted entries"
)

// An extractor unpacks src into dst. A non-empty password is applied
// where the format supports one.
type extractor interface {
	extract(ctx context.Context, src, dst, password string) error
	// needsPassword reports whether err indicates a wrong or missing
	// password rather than corruption.
	needsPassword(err error) bool
}

// extractors returns the ordered extractor chain for a format. Native
// Go decoders come first; the external tools cover encrypted zips and
// the formats the standard library cannot decode.
func (i *Inspector) extractors(f Format) []extractor {
	switch f {
	case FormatZip:
		return []extractor{&zipExtractor{fs: i.fs}, &sevenZipExtractor{}}
	case FormatRar:
		return []extractor{&unrarExtractor{}, &sevenZipExtractor{}}
	case Format7z:
		return []extractor{&sevenZipExtractor{}}
	case FormatTar:
		return []extractor{&tarExtractor{fs: i.fs}}
	case FormatTarGz:
		return []extractor{&tarExtractor{fs: i.fs, gzipped: true}}
	default:
		return nil
	}
}

// zipExtractor decodes plain zips with the standard library. Encrypted
// entries are detected and deferred to the external chain.
type zipExtractor struct {
	fs afero.Fs
}

var errPasswordProtected = errors.New(errEncryptedEntry)

func (z *zipExtractor) needsPassword(err error) bool {
	return errors.Is(err, errPasswordProtected)
}

func (z *zipExtractor) extract(ctx context.Context, src, dst, password string) error {
	if password != "" {
		// The stdlib cannot decrypt; hand off to the external chain.
		return errPasswordProtected
	}
	f, err := z.fs.Open(src)
	if err != nil {
		return errors.Wrap(err, errOpenArchive)
	}
	defer f.Close() // nolint:errcheck
	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, errOpenArchive)
	}
	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return errors.Wrap(err, errOpenArchive)
	}

	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.Flags&0x1 != 0 {
			return errPasswordProtected
		}
		target, err := securePath(dst, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := z.fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := z.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := entry.Open()
		if err != nil {
			return err
		}
		err = writeFile(z.fs, target, rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// tarExtractor decodes tar and tar.gz streams.
type tarExtractor struct {
	fs      afero.Fs
	gzipped bool
}

func (t *tarExtractor) needsPassword(error) bool { return false }

func (t *tarExtractor) extract(ctx context.Context, src, dst, _ string) error {
	f, err := t.fs.Open(src)
	if err != nil {
		return errors.Wrap(err, errOpenArchive)
	}
	defer f.Close() // nolint:errcheck

	var r io.Reader = f
	if t.gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errors.Wrap(err, errOpenArchive)
		}
		defer gz.Close() // nolint:errcheck
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := securePath(dst, h.Name)
		if err != nil {
			return err
		}
		switch h.Typeflag {
		case tar.TypeDir:
			if err := t.fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := t.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(t.fs, target, tr); err != nil {
				return err
			}
		default:
			// Links and special files never occur in capture packages.
		}
	}
}

// sevenZipExtractor shells out to 7z, which covers 7z archives and
// encrypted zips.
type sevenZipExtractor struct{}

func (s *sevenZipExtractor) needsPassword(err error) bool {
	msg := strings.ToLower(fmt.Sprint(err))
	return strings.Contains(msg, "wrong password") || strings.Contains(msg, "password")
}

func (s *sevenZipExtractor) extract(ctx context.Context, src, dst, password string) error {
	bin, err := exec.LookPath("7z")
	if err != nil {
		return errors.Wrap(err, errToolMissing)
	}
	args := []string{"x", "-y", "-o" + dst, "-p" + password, src}
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "7z failed: %s", tail(out))
	}
	return nil
}

// unrarExtractor shells out to unrar.
type unrarExtractor struct{}

func (u *unrarExtractor) needsPassword(err error) bool {
	msg := strings.ToLower(fmt.Sprint(err))
	return strings.Contains(msg, "password")
}

func (u *unrarExtractor) extract(ctx context.Context, src, dst, password string) error {
	bin, err := exec.LookPath("unrar")
	if err != nil {
		return errors.Wrap(err, errToolMissing)
	}
	pw := "-p-"
	if password != "" {
		pw = "-p" + password
	}
	out, err := exec.CommandContext(ctx, bin, "x", "-y", pw, src, dst+string(filepath.Separator)).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "unrar failed: %s", tail(out))
	}
	return nil
}

// securePath joins name under root, rejecting traversal outside it.
func securePath(root, name string) (string, error) {
	target := filepath.Join(root, name)
	if !strings.HasPrefix(target, filepath.Clean(root)+string(filepath.Separator)) && target != filepath.Clean(root) {
		return "", errors.Errorf("%s: %s", errEntryEscapes, name)
	}
	return target, nil
}

func writeFile(fs afero.Fs, path string, r io.Reader) error {
	w, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func tail(out []byte) string {
	const n = 512
	if len(out) <= n {
		return string(out)
	}
	return string(out[len(out)-n:])
}
