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

// Package archive identifies, probes and extracts uploaded capture
// archives into scratch directories.
package archive

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Format is an archive kind.
type Format string

// Supported archive formats.
const (
	FormatZip     Format = "zip"
	FormatRar     Format = "rar"
	Format7z      Format = "7z"
	FormatTar     Format = "tar"
	FormatTarGz   Format = "tar.gz"
	FormatUnknown Format = ""
)

var magics = []struct {
	format Format
	offset int
	magic  []byte
}{
	{FormatZip, 0, []byte{0x50, 0x4B, 0x03, 0x04}},
	{FormatRar, 0, []byte("Rar!\x1a\x07")},
	{Format7z, 0, []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}},
	{FormatTarGz, 0, []byte{0x1F, 0x8B}},
	{FormatTar, 257, []byte("ustar")},
}

var extensions = map[string]Format{
	".zip": FormatZip,
	".rar": FormatRar,
	".7z":  Format7z,
	".tar": FormatTar,
	".tgz": FormatTarGz,
	".gz":  FormatTarGz,
}

// DetectFormat sniffs the archive format from magic bytes, falling back
// to the file extension.
func DetectFormat(fs afero.Fs, path string) Format {
	if f, err := fs.Open(path); err == nil {
		head := make([]byte, 512)
		n, _ := io.ReadFull(f, head)
		_ = f.Close()
		head = head[:n]
		for _, m := range magics {
			if len(head) >= m.offset+len(m.magic) && bytes.Equal(head[m.offset:m.offset+len(m.magic)], m.magic) {
				return m.format
			}
		}
	}
	name := strings.ToLower(path)
	if strings.HasSuffix(name, ".tar.gz") {
		return FormatTarGz
	}
	if f, ok := extensions[filepath.Ext(name)]; ok {
		return f
	}
	return FormatUnknown
}
