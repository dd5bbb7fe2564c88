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

package download

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/upbound/metacam/internal/remote"
)

// fakeSource serves one blob, optionally failing mid-stream once.
type fakeSource struct {
	desc     remote.Descriptor
	blob     []byte
	failAt   int64 // fail the stream after this many bytes served, once
	failures int
	opens    []int64
}

func (f *fakeSource) List(context.Context) ([]remote.Descriptor, error) {
	return []remote.Descriptor{f.desc}, nil
}

func (f *fakeSource) Stat(context.Context, string) (remote.Descriptor, error) {
	return f.desc, nil
}

func (f *fakeSource) Open(_ context.Context, _ string, offset int64) (io.ReadCloser, error) {
	f.opens = append(f.opens, offset)
	data := f.blob[offset:]
	if f.failAt > 0 && f.failures == 0 && f.failAt > offset {
		f.failures++
		return io.NopCloser(&faultyReader{r: bytes.NewReader(data), failAfter: f.failAt - offset}), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type faultyReader struct {
	r         io.Reader
	failAfter int64
	served    int64
}

func (f *faultyReader) Read(p []byte) (int, error) {
	remaining := f.failAfter - f.served
	if remaining <= 0 {
		return 0, errors.New("connection reset")
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := f.r.Read(p)
	f.served += int64(n)
	return n, err
}

func descFor(blob []byte) remote.Descriptor {
	return remote.Descriptor{
		RemoteID:  "pkg-1",
		Name:      "pkg-1.zip",
		SizeBytes: int64(len(blob)),
		ModTime:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestDownloadComplete(t *testing.T) {
	blob := bytes.Repeat([]byte("metacam"), 4096)
	src := &fakeSource{desc: descFor(blob), blob: blob}
	fs := afero.NewMemMapFs()

	d := New(src, Config{ChunkBytes: 1024}, zap.NewNop(), WithFs(fs))
	var events []Progress
	err := d.Download(context.Background(), src.desc, "/dl/pkg-1.zip", func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("Download(...): %v", err)
	}

	got, err := afero.ReadFile(fs, "/dl/pkg-1.zip")
	if err != nil {
		t.Fatalf("ReadFile(...): %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("downloaded bytes differ: got %d, want %d", len(got), len(blob))
	}
	if len(events) == 0 {
		t.Fatal("no progress events")
	}
	last := events[len(events)-1]
	if last.BytesDone != int64(len(blob)) || last.BytesTotal != int64(len(blob)) {
		t.Errorf("final progress: %+v", last)
	}
}

func TestDownloadResumesFromPartial(t *testing.T) {
	blob := bytes.Repeat([]byte("0123456789abcdef"), 2048) // 32 KiB
	src := &fakeSource{desc: descFor(blob), blob: blob}
	fs := afero.NewMemMapFs()

	// Simulate an interrupt at 50%.
	half := int64(len(blob) / 2)
	if err := afero.WriteFile(fs, "/dl/pkg-1.zip", blob[:half], 0o644); err != nil {
		t.Fatal(err)
	}

	d := New(src, Config{ChunkBytes: 4096}, zap.NewNop(), WithFs(fs))
	if err := d.Download(context.Background(), src.desc, "/dl/pkg-1.zip", nil); err != nil {
		t.Fatalf("Download(...): %v", err)
	}

	if len(src.opens) == 0 || src.opens[0] != half {
		t.Errorf("first open offset: got %v, want %d", src.opens, half)
	}
	got, _ := afero.ReadFile(fs, "/dl/pkg-1.zip")
	if !bytes.Equal(got, blob) {
		t.Error("resumed download does not match remote content")
	}
}

func TestDownloadFailsWhenRemoteChanged(t *testing.T) {
	blob := bytes.Repeat([]byte("x"), 8192)
	src := &fakeSource{desc: descFor(blob), blob: blob}
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/dl/pkg-1.zip", []byte("stale partial"), 0o644)

	// The cached descriptor disagrees with the current remote mtime.
	stale := src.desc
	stale.ModTime = stale.ModTime.Add(-time.Hour)

	d := New(src, Config{}, zap.NewNop(), WithFs(fs))
	if err := d.Download(context.Background(), stale, "/dl/pkg-1.zip", nil); err == nil {
		t.Fatal("Download(...): want error for changed remote, got nil")
	}
}

func TestDownloadRetriesMidStreamFailure(t *testing.T) {
	blob := bytes.Repeat([]byte("chunky"), 4096)
	src := &fakeSource{desc: descFor(blob), blob: blob, failAt: int64(len(blob) / 3)}
	fs := afero.NewMemMapFs()

	d := New(src, Config{ChunkBytes: 1024, Retries: 2}, zap.NewNop(), WithFs(fs))
	if err := d.Download(context.Background(), src.desc, "/dl/pkg-1.zip", nil); err != nil {
		t.Fatalf("Download(...): %v", err)
	}
	if len(src.opens) < 2 {
		t.Fatalf("opens: got %v, want a retry after the failure", src.opens)
	}
	if src.opens[1] == 0 {
		t.Error("retry restarted from zero instead of resuming")
	}
	got, _ := afero.ReadFile(fs, "/dl/pkg-1.zip")
	if !bytes.Equal(got, blob) {
		t.Error("retried download does not match remote content")
	}
}
