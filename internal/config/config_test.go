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

package config

import (
	"testing"

	"github.com/crossplane/crossplane-runtime/pkg/test"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func valid() Config {
	return Config{
		Source:              SourceGDrive,
		DriveFolderID:       "folder-1",
		AutoStartProcessing: true,
		GeneratorExePath:    "/opt/recon/bin/generator",
		MetaCamCLIPath:      "/opt/recon/bin/metacam-cli",
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		reason string
		mutate func(*Config)
		err    error
	}{
		"Valid": {
			reason: "A complete gdrive configuration validates.",
			mutate: func(*Config) {},
		},
		"MissingDriveFolder": {
			reason: "A gdrive source without a folder id is rejected.",
			mutate: func(c *Config) { c.DriveFolderID = "" },
			err:    errors.New(errNoDriveFolder),
		},
		"GCSNeedsBucket": {
			reason: "A gcs source without a bucket is rejected.",
			mutate: func(c *Config) { c.Source = SourceGCS },
			err:    errors.New(errNoGCSBucket),
		},
		"LocalNeedsInbox": {
			reason: "A local source without an inbox dir is rejected.",
			mutate: func(c *Config) { c.Source = SourceLocal },
			err:    errors.New(errNoLocalInbox),
		},
		"ProcessingNeedsBinaries": {
			reason: "Auto processing without binary paths is rejected.",
			mutate: func(c *Config) { c.MetaCamCLIPath = "" },
			err:    errors.New(errNoBinaries),
		},
		"ProcessingDisabledSkipsBinaries": {
			reason: "With processing off the binary paths are not required.",
			mutate: func(c *Config) {
				c.AutoStartProcessing = false
				c.GeneratorExePath = ""
				c.MetaCamCLIPath = ""
			},
		},
		"EmailNeedsHost": {
			reason: "Notifications without smtp settings are rejected.",
			mutate: func(c *Config) { c.EnableEmailNotifications = true },
			err:    errors.New(errNoSMTPHost),
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if diff := cmp.Diff(tc.err, err, test.EquateErrors()); diff != "" {
				t.Errorf("\n%s\nValidate(): -want error, +got error:\n%s", tc.reason, diff)
			}
		})
	}
}

func TestUnitConversions(t *testing.T) {
	c := Config{MaxFileSizeMB: 2, DownloadChunkSizeMB: 32}
	if got := c.MaxFileBytes(); got != 2*1024*1024 {
		t.Errorf("MaxFileBytes(): got %d", got)
	}
	if got := c.DownloadChunkBytes(); got != 32*1024*1024 {
		t.Errorf("DownloadChunkBytes(): got %d", got)
	}
}
