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

// Package remote abstracts the cloud drive folder packages are uploaded
// to. The orchestration core only ever sees this interface; concrete
// SDK bindings live in the subpackages.
package remote

import (
	"context"
	"io"
	"time"
)

// A Descriptor identifies one remote artifact. Descriptors are
// immutable once read.
type Descriptor struct {
	RemoteID  string
	Name      string
	SizeBytes int64
	ModTime   time.Time
	MIME      string
}

// A Source lists and serves remote artifacts.
type Source interface {
	// List returns descriptors for every artifact currently in the
	// watched folder, in the order the backend reports them.
	List(ctx context.Context) ([]Descriptor, error)

	// Stat refreshes a single descriptor.
	Stat(ctx context.Context, id string) (Descriptor, error)

	// Open streams an artifact's content starting at offset.
	Open(ctx context.Context, id string, offset int64) (io.ReadCloser, error)
}

// A Prober can verify connectivity without transferring data.
type Prober interface {
	Probe(ctx context.Context) error
}
