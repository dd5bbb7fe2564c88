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

package sheets

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// fakeAppender scripts append failures.
type fakeAppender struct {
	failFirst int // how many calls fail before succeeding
	calls     int
	appended  [][]Row
}

func (f *fakeAppender) Append(_ context.Context, rows []Row) error {
	f.calls++
	if f.calls <= f.failFirst {
		return errors.New("503 backend error")
	}
	f.appended = append(f.appended, rows)
	return nil
}

func row(id string) Row {
	return Row{Cells: []Cell{{Value: id}, {Value: id + ".zip"}}}
}

func TestNormalizeRow(t *testing.T) {
	r := NormalizeRow(row("pkg-1"))
	if len(r.Cells) != len(Header) {
		t.Fatalf("cells: got %d, want %d", len(r.Cells), len(Header))
	}
	if r.Cells[0].Value != "pkg-1" {
		t.Errorf("cell 0: got %q", r.Cells[0].Value)
	}
	if r.Cells[10].Value != NA || r.Cells[10].Status != StatusGray {
		t.Errorf("missing cell: got %+v, want N/A gray", r.Cells[10])
	}
}

func TestColorFor(t *testing.T) {
	cases := map[string]string{
		"optimal":         StatusGreen,
		"PASS":            StatusGreen,
		"warning_small":   StatusYellow,
		"NEED_REVIEW":     StatusYellow,
		"error_too_short": StatusRed,
		"REJECT":          StatusRed,
		"":                StatusGray,
		"whatever":        StatusGray,
	}
	for status, want := range cases {
		if got := ColorFor(status); got != want {
			t.Errorf("ColorFor(%q): got %q, want %q", status, got, want)
		}
	}
}

func TestWriterBatches(t *testing.T) {
	api := &fakeAppender{}
	w := NewWriter(api, Config{BatchSize: 3, DeadLetterPath: "/spool/dead.jsonl"}, zap.NewNop(), WithFs(afero.NewMemMapFs()))

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := w.Enqueue(ctx, row(id)); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	if len(api.appended) != 0 {
		t.Fatal("appended before batch full")
	}
	if err := w.Enqueue(ctx, row("c")); err != nil {
		t.Fatalf("Enqueue(c): %v", err)
	}
	if len(api.appended) != 1 || len(api.appended[0]) != 3 {
		t.Fatalf("appended: got %d batches, want one batch of 3", len(api.appended))
	}
}

func TestWriterRetriesTransientFailure(t *testing.T) {
	api := &fakeAppender{failFirst: 2}
	w := NewWriter(api, Config{BatchSize: 1, Retries: 3, DeadLetterPath: "/spool/dead.jsonl"}, zap.NewNop(), WithFs(afero.NewMemMapFs()))

	if err := w.Enqueue(context.Background(), row("a")); err != nil {
		t.Fatalf("Enqueue(a): %v", err)
	}
	if len(api.appended) != 1 {
		t.Fatalf("appended: got %d, want 1 after retries", len(api.appended))
	}
	if api.calls != 3 {
		t.Errorf("calls: got %d, want 3", api.calls)
	}
}

func TestWriterDeadLetterSpoolAndReplay(t *testing.T) {
	fs := afero.NewMemMapFs()
	api := &fakeAppender{failFirst: 10} // exhaust all retries
	cfg := Config{BatchSize: 1, Retries: 2, DeadLetterPath: "/spool/dead.jsonl"}
	w := NewWriter(api, cfg, zap.NewNop(), WithFs(fs))

	if err := w.Enqueue(context.Background(), row("doomed")); err == nil {
		t.Fatal("Enqueue(doomed): want error after exhausted retries")
	}
	blob, err := afero.ReadFile(fs, "/spool/dead.jsonl")
	if err != nil || len(blob) == 0 {
		t.Fatalf("dead-letter file empty: %v", err)
	}

	// Next writer (healthy API) replays the spool.
	api2 := &fakeAppender{}
	w2 := NewWriter(api2, cfg, zap.NewNop(), WithFs(fs))
	if err := w2.Flush(context.Background()); err != nil {
		t.Fatalf("Flush(...): %v", err)
	}
	if len(api2.appended) != 1 || api2.appended[0][0].Cells[0].Value != "doomed" {
		t.Fatalf("replay: got %+v", api2.appended)
	}
	if ok, _ := afero.Exists(fs, "/spool/dead.jsonl"); ok {
		t.Error("dead-letter file not removed after replay")
	}
}
