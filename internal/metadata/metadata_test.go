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

package metadata

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	cases := map[string]struct {
		reason string
		yaml   string
		want   Record
		fails  bool
	}{
		"Full": {
			reason: "A complete descriptor parses into all fields.",
			yaml: `
record:
  start_time: "2024-03-01T10:00:00Z"
  duration: 330
  location:
    lat: 31.2304
    lon: 121.4737
device:
  model: MetaCam-X1
  sn: SN001234
`,
			want: Record{
				StartTime:       "2024-03-01T10:00:00Z",
				DurationSeconds: 330,
				Lat:             31.2304,
				Lon:             121.4737,
				HasLocation:     true,
				Device:          Device{Model: "MetaCam-X1", SN: "SN001234"},
			},
		},
		"DurationString": {
			reason: "Go-style duration strings are accepted.",
			yaml: `
record:
  start_time: 2024-03-01 10:00:00
  duration: 5m30s
`,
			want: Record{StartTime: "2024-03-01 10:00:00", DurationSeconds: 330},
		},
		"SerialNumberSpelling": {
			reason: "The legacy serial_number key backs the sn field.",
			yaml: `
record:
  duration: 300
device:
  model: MetaCam-X1
  serial_number: SN777
`,
			want: Record{DurationSeconds: 300, Device: Device{Model: "MetaCam-X1", SN: "SN777"}},
		},
		"NoRecord": {
			reason: "A descriptor without a record section is rejected.",
			yaml:   `device: {model: m}`,
			fails:  true,
		},
		"Garbage": {
			reason: "Non-YAML input is rejected.",
			yaml:   "{{{{",
			fails:  true,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := parse([]byte(tc.yaml))
			if tc.fails {
				if err == nil {
					t.Fatalf("\n%s\nparse(...): want error, got nil", tc.reason)
				}
				return
			}
			if err != nil {
				t.Fatalf("\n%s\nparse(...): %v", tc.reason, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("\n%s\nparse(...): -want, +got:\n%s", tc.reason, diff)
			}
		})
	}
}

func TestClassifyDuration(t *testing.T) {
	cases := map[string]struct {
		seconds float64
		want    string
		fatal   bool
	}{
		"Optimal":  {seconds: 330, want: DurationOptimal},
		"Short":    {seconds: 200, want: DurationWarningShort},
		"Long":     {seconds: 480, want: DurationWarningLong},
		"TooShort": {seconds: 150, want: DurationTooShort, fatal: true},
		"TooLong":  {seconds: 600, want: DurationTooLong, fatal: true},
		"LowEdge":  {seconds: 270, want: DurationOptimal},
		"HighEdge": {seconds: 420, want: DurationOptimal},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := ClassifyDuration(tc.seconds)
			if got != tc.want {
				t.Errorf("ClassifyDuration(%g): got %q, want %q", tc.seconds, got, tc.want)
			}
			if DurationFatal(got) != tc.fatal {
				t.Errorf("DurationFatal(%q): got %t, want %t", got, !tc.fatal, tc.fatal)
			}
		})
	}
}

func TestDeviceID(t *testing.T) {
	if got := (Device{Model: "MetaCam-X1", SN: "SN1"}).ID(); got != "MetaCam-X1-SN1" {
		t.Errorf("ID(): got %q, want %q", got, "MetaCam-X1-SN1")
	}
	if got := (Device{Model: "MetaCam-X1"}).ID(); got != "" {
		t.Errorf("ID(): got %q, want empty", got)
	}
}

func TestFormatHMS(t *testing.T) {
	if got := FormatHMS(330); got != "00:05:30" {
		t.Errorf("FormatHMS(330): got %q, want 00:05:30", got)
	}
	if got := FormatHMS(3725); got != "01:02:05" {
		t.Errorf("FormatHMS(3725): got %q, want 01:02:05", got)
	}
}
