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

// Package gcs binds the remote.Source contract to a Cloud Storage
// bucket prefix.
package gcs

import (
	"context"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	gcpopt "google.golang.org/api/option"

	"github.com/upbound/metacam/internal/remote"
)

const (
	errNewClient = "cannot create storage client"
	errList      = "cannot list bucket"
	errStat      = "cannot stat object"
	errOpen      = "cannot open object"
)

// A Source serves packages from a bucket prefix.
type Source struct {
	bkt    *storage.BucketHandle
	prefix string
}

// New returns a bucket-backed source. serviceAccountFile may be empty.
func New(ctx context.Context, bucket, prefix, serviceAccountFile string) (*Source, error) {
	var opts []gcpopt.ClientOption
	if serviceAccountFile != "" {
		opts = append(opts, gcpopt.WithCredentialsFile(serviceAccountFile))
	}
	cli, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errNewClient)
	}
	return &Source{bkt: cli.Bucket(bucket), prefix: prefix}, nil
}

// List implements remote.Source.
func (s *Source) List(ctx context.Context) ([]remote.Descriptor, error) {
	var out []remote.Descriptor
	it := s.bkt.Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, errList)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		out = append(out, toDescriptor(attrs))
	}
}

// Stat implements remote.Source.
func (s *Source) Stat(ctx context.Context, id string) (remote.Descriptor, error) {
	attrs, err := s.bkt.Object(id).Attrs(ctx)
	if err != nil {
		return remote.Descriptor{}, errors.Wrap(err, errStat)
	}
	return toDescriptor(attrs), nil
}

// Open implements remote.Source via a range reader.
func (s *Source) Open(ctx context.Context, id string, offset int64) (io.ReadCloser, error) {
	r, err := s.bkt.Object(id).NewRangeReader(ctx, offset, -1)
	if err != nil {
		return nil, errors.Wrap(err, errOpen)
	}
	return r, nil
}

// Probe implements remote.Prober.
func (s *Source) Probe(ctx context.Context) error {
	it := s.bkt.Objects(ctx, &storage.Query{Prefix: s.prefix})
	_, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return nil
	}
	return errors.Wrap(err, errList)
}

func toDescriptor(attrs *storage.ObjectAttrs) remote.Descriptor {
	return remote.Descriptor{
		RemoteID:  attrs.Name,
		Name:      path.Base(attrs.Name),
		SizeBytes: attrs.Size,
		ModTime:   attrs.Updated,
		MIME:      attrs.ContentType,
	}
}
