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

package monitor

import (
	"context"
	"io"
	"testing"

	"go.uber.org/zap"

	"github.com/upbound/metacam/internal/remote"
)

type listSource struct {
	descs []remote.Descriptor
}

func (s *listSource) List(context.Context) ([]remote.Descriptor, error) {
	return s.descs, nil
}

func (s *listSource) Stat(_ context.Context, id string) (remote.Descriptor, error) {
	for _, d := range s.descs {
		if d.RemoteID == id {
			return d, nil
		}
	}
	return remote.Descriptor{}, io.EOF
}

func (s *listSource) Open(context.Context, string, int64) (io.ReadCloser, error) {
	return nil, io.EOF
}

type seenSet map[string]bool

func (s seenSet) Seen(id string) bool { return s[id] }

func TestPollOnceFiltersAndDedupes(t *testing.T) {
	src := &listSource{descs: []remote.Descriptor{
		{RemoteID: "a", Name: "a.zip", SizeBytes: 100},
		{RemoteID: "b", Name: "b.rar", SizeBytes: 100},
		{RemoteID: "c", Name: "notes.txt", SizeBytes: 10},          // extension filtered
		{RemoteID: "d", Name: "d.zip", SizeBytes: 10 << 30},        // oversized
		{RemoteID: "seen", Name: "seen.zip", SizeBytes: 100},       // tracker dedup
	}}
	m := New(src, seenSet{"seen": true}, Config{MaxFileBytes: 1 << 30}, zap.NewNop())

	got, err := m.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce(...): %v", err)
	}
	if len(got) != 2 || got[0].RemoteID != "a" || got[1].RemoteID != "b" {
		t.Fatalf("PollOnce(...): got %+v, want a and b", got)
	}

	// A second poll with the same remote state yields nothing: each id
	// is emitted at most once per process lifetime.
	got, err = m.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce(...): %v", err)
	}
	if len(got) != 0 {
		t.Errorf("second PollOnce(...): got %+v, want none", got)
	}
}
