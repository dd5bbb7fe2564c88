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

// Package gdrive binds the remote.Source contract to a Google Drive
// folder.
package gdrive

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/upbound/metacam/internal/remote"
)

const (
	errNewService = "cannot create drive service"
	errList       = "cannot list drive folder"
	errStat       = "cannot stat drive file"
	errOpen       = "cannot open drive file"
)

const listPageSize = 200

// A Source serves packages from one Drive folder.
type Source struct {
	svc      *drive.Service
	folderID string
}

// New returns a Drive-backed source. serviceAccountFile may be empty,
// in which case application default credentials apply.
func New(ctx context.Context, folderID, serviceAccountFile string) (*Source, error) {
	opts := []option.ClientOption{option.WithScopes(drive.DriveReadonlyScope)}
	if serviceAccountFile != "" {
		opts = append(opts, option.WithCredentialsFile(serviceAccountFile))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errNewService)
	}
	return &Source{svc: svc, folderID: folderID}, nil
}

// List implements remote.Source.
func (s *Source) List(ctx context.Context) ([]remote.Descriptor, error) {
	var out []remote.Descriptor
	query := fmt.Sprintf("'%s' in parents and trashed = false", s.folderID)
	call := s.svc.Files.List().
		Q(query).
		PageSize(listPageSize).
		Fields("nextPageToken, files(id, name, size, modifiedTime, mimeType)").
		OrderBy("createdTime")

	err := call.Pages(ctx, func(page *drive.FileList) error {
		for _, f := range page.Files {
			out = append(out, toDescriptor(f))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errList)
	}
	return out, nil
}

// Stat implements remote.Source.
func (s *Source) Stat(ctx context.Context, id string) (remote.Descriptor, error) {
	f, err := s.svc.Files.Get(id).
		Fields("id, name, size, modifiedTime, mimeType").
		Context(ctx).Do()
	if err != nil {
		return remote.Descriptor{}, errors.Wrap(err, errStat)
	}
	return toDescriptor(f), nil
}

// Open implements remote.Source. A non-zero offset is served with an
// HTTP range request, which Drive honors for media downloads.
func (s *Source) Open(ctx context.Context, id string, offset int64) (io.ReadCloser, error) {
	call := s.svc.Files.Get(id).SupportsAllDrives(true)
	call.Context(ctx)
	if offset > 0 {
		call.Header().Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := call.Download()
	if err != nil {
		return nil, errors.Wrap(err, errOpen)
	}
	return resp.Body, nil
}

// Probe implements remote.Prober by listing a single file.
func (s *Source) Probe(ctx context.Context) error {
	_, err := s.svc.Files.List().
		Q(fmt.Sprintf("'%s' in parents", s.folderID)).
		PageSize(1).Fields("files(id)").Context(ctx).Do()
	return errors.Wrap(err, errList)
}

func toDescriptor(f *drive.File) remote.Descriptor {
	mtime, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	return remote.Descriptor{
		RemoteID:  f.Id,
		Name:      f.Name,
		SizeBytes: f.Size,
		ModTime:   mtime,
		MIME:      f.MimeType,
	}
}
