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

// Package metadata parses the recording descriptor each capture device
// writes next to its sensor data.
package metadata

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	errReadDescriptor  = "cannot read recording descriptor"
	errParseDescriptor = "cannot parse recording descriptor"
	errNoRecord        = "descriptor has no record section"
)

// Duration classification values.
const (
	DurationOptimal      = "optimal"
	DurationWarningShort = "warning_short"
	DurationWarningLong  = "warning_long"
	DurationTooShort     = "error_too_short"
	DurationTooLong      = "error_too_long"
)

// Duration bands, in seconds.
const (
	minAcceptableSeconds = 3 * 60
	minOptimalSeconds    = 4.5 * 60
	maxOptimalSeconds    = 7 * 60
	maxAcceptableSeconds = 9 * 60
)

// A Record is the parsed recording descriptor.
type Record struct {
	StartTime       string
	DurationSeconds float64
	Lat             float64
	Lon             float64
	HasLocation     bool
	Device          Device
}

// A Device identifies the capture hardware.
type Device struct {
	Model string
	SN    string
}

// ID returns the canonical "model-SN" device identifier, or "" when
// either half is missing.
func (d Device) ID() string {
	if d.Model == "" || d.SN == "" {
		return ""
	}
	return fmt.Sprintf("%s-%s", d.Model, d.SN)
}

// descriptor mirrors the YAML layout loosely. Duration and the device
// serial arrive in several historical spellings.
type descriptor struct {
	Record *struct {
		StartTime yaml.Node `yaml:"start_time"`
		Duration  yaml.Node `yaml:"duration"`
		Location  *struct {
			Lat float64 `yaml:"lat"`
			Lon float64 `yaml:"lon"`
		} `yaml:"location"`
	} `yaml:"record"`
	Device *struct {
		Model  string `yaml:"model"`
		SN     string `yaml:"sn"`
		Serial string `yaml:"serial_number"`
	} `yaml:"device"`
}

// Parse reads and parses the descriptor at path.
func Parse(fs afero.Fs, path string) (Record, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return Record{}, errors.Wrap(err, errReadDescriptor)
	}
	return parse(b)
}

func parse(b []byte) (Record, error) {
	var d descriptor
	if err := yaml.Unmarshal(b, &d); err != nil {
		return Record{}, errors.Wrap(err, errParseDescriptor)
	}
	if d.Record == nil {
		return Record{}, errors.New(errNoRecord)
	}

	r := Record{StartTime: strings.TrimSpace(d.Record.StartTime.Value)}
	secs, err := durationSeconds(d.Record.Duration)
	if err != nil {
		return Record{}, errors.Wrap(err, errParseDescriptor)
	}
	r.DurationSeconds = secs
	if d.Record.Location != nil {
		r.Lat = d.Record.Location.Lat
		r.Lon = d.Record.Location.Lon
		r.HasLocation = true
	}
	if d.Device != nil {
		r.Device.Model = strings.TrimSpace(d.Device.Model)
		r.Device.SN = strings.TrimSpace(d.Device.SN)
		if r.Device.SN == "" {
			r.Device.SN = strings.TrimSpace(d.Device.Serial)
		}
	}
	return r, nil
}

// durationSeconds accepts a bare number of seconds or a Go-style
// duration string ("5m30s").
func durationSeconds(n yaml.Node) (float64, error) {
	v := strings.TrimSpace(n.Value)
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return secs, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	return d.Seconds(), nil
}

// ClassifyDuration maps a recording length onto the duration taxonomy.
func ClassifyDuration(seconds float64) string {
	switch {
	case seconds < minAcceptableSeconds:
		return DurationTooShort
	case seconds > maxAcceptableSeconds:
		return DurationTooLong
	case seconds < minOptimalSeconds:
		return DurationWarningShort
	case seconds > maxOptimalSeconds:
		return DurationWarningLong
	default:
		return DurationOptimal
	}
}

// DurationFatal reports whether a classification fails validation.
func DurationFatal(class string) bool {
	return class == DurationTooShort || class == DurationTooLong
}

// FormatHMS renders seconds as HH:MM:SS for the tracking sheet.
func FormatHMS(seconds float64) string {
	s := int(seconds + 0.5)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}
