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

package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/upbound/metacam/internal/archive"
	"github.com/upbound/metacam/internal/metadata"
	"github.com/upbound/metacam/internal/process"
	"github.com/upbound/metacam/internal/remote"
	"github.com/upbound/metacam/internal/sheets"
	"github.com/upbound/metacam/internal/transient"
	"github.com/upbound/metacam/internal/validate"
)

// A report accumulates what one package's pipeline run learned; the
// sheet row is rendered from it.
type report struct {
	desc        remote.Descriptor
	archivePath string
	pkg         *archive.ExtractedPackage
	result      *validate.Result
	outcome     *process.Outcome

	stage       string
	failedStage string
	reason      string
	started     time.Time
	elapsed     time.Duration
}

func (r *report) fail(stage string, err error) {
	r.failedStage = stage
	if err != nil {
		r.reason = err.Error()
	}
}

var sceneNames = map[int]string{
	process.SceneBalance: "Balance",
	process.SceneOpen:    "Open",
	process.SceneNarrow:  "Narrow",
}

// BuildRow renders the fixed 23-column sheet row for a finished
// package. Values the pipeline never produced render as N/A.
func BuildRow(rep *report) sheets.Row {
	cells := make([]sheets.Cell, 0, len(sheets.Header))
	put := func(value, status string) {
		cells = append(cells, sheets.Cell{Value: value, Status: status})
	}

	// File ID, File Name, Upload Time, File Size (MiB), File Type.
	put(rep.desc.RemoteID, "")
	put(rep.desc.Name, "")
	put(rep.desc.ModTime.Format(time.RFC3339), "")
	put(fmt.Sprintf("%.1f", float64(rep.desc.SizeBytes)/(1024*1024)), "")
	fileType := ""
	if rep.pkg != nil {
		fileType = string(rep.pkg.Format)
	}
	put(fileType, "")

	// Extract Status, File Count.
	switch {
	case rep.pkg != nil:
		put("ok", sheets.StatusGreen)
		put(fmt.Sprintf("%d", len(rep.pkg.Files)), "")
	case rep.failedStage == StageExtracting:
		put(rep.reason, sheets.StatusRed)
		put("", "")
	default:
		put("", "")
		put("", "")
	}

	// Process Time.
	put(metadata.FormatHMS(rep.elapsed.Seconds()), "")

	// Validation Score.
	if rep.result != nil {
		status := sheets.StatusGreen
		if !rep.result.IsValid {
			status = sheets.StatusRed
		}
		put(fmt.Sprintf("%.2f", rep.result.Score), status)
	} else {
		put("", "")
	}

	// Start Time, Duration, Location from extracted metadata.
	em := resultNode(rep.result, "extracted_metadata")
	put(metaString(em, "start_time"), "")
	if secs, ok := metaFloat(em, "duration_seconds"); ok && secs > 0 {
		put(metadata.FormatHMS(secs), sheets.ColorFor(metaString(resultMeta(rep.result), "duration_status")))
	} else {
		put("", "")
	}
	if loc := node(em, "location"); loc != nil {
		lat, _ := metaFloat(loc, "lat")
		lon, _ := metaFloat(loc, "lon")
		put(fmt.Sprintf("%.6f,%.6f", lat, lon), "")
	} else {
		put("", "")
	}

	// Scene Type.
	if rep.outcome != nil {
		put(sceneNames[rep.outcome.SceneType], "")
	} else {
		put("", "")
	}

	// Size Status.
	if rep.pkg != nil {
		put(rep.pkg.SizeStatus, sheets.ColorFor(rep.pkg.SizeStatus))
	} else {
		put("", "")
	}

	// PCD Scale.
	if ps := resultNode(rep.result, "pcd_scale"); ps != nil {
		w, _ := metaFloat(ps, "width_m")
		h, _ := metaFloat(ps, "height_m")
		status := metaString(ps, "status")
		put(fmt.Sprintf("%s (%.0fx%.0f m)", status, w, h), sheets.ColorFor(status))
	} else {
		put("", "")
	}

	// Device ID.
	put(metaString(node(em, "device"), "id"), "")

	// Transient Decision, WDD, WPO, SAI.
	if sd := node(resultNode(rep.result, "transient_validation"), "specific_data"); sd != nil {
		decision := metaString(sd, "decision")
		put(decision, sheets.ColorFor(decision))
		metrics := node(sd, "metrics")
		for _, key := range []string{transient.MetricWDD, transient.MetricWPO, transient.MetricSAI} {
			if v, ok := metaFloat(metrics, key); ok {
				put(fmt.Sprintf("%.2f", v), "")
			} else {
				put("", "")
			}
		}
	} else {
		put("", "")
		put("", "")
		put("", "")
		put("", "")
	}

	// Error Message, Warning Message.
	put(issueLine(rep, true), statusIf(issueLine(rep, true) != "", sheets.StatusRed))
	put(issueLine(rep, false), statusIf(issueLine(rep, false) != "", sheets.StatusYellow))

	// Notes.
	note := rep.stage
	if rep.failedStage != "" {
		note = fmt.Sprintf("%s(%s): %s", StageFailed, rep.failedStage, rep.reason)
	} else if rep.outcome != nil && rep.outcome.Success {
		note = fmt.Sprintf("DONE: %s", rep.outcome.FinalArchivePath)
	}
	put(note, statusIf(rep.failedStage != "", sheets.StatusRed))

	return sheets.Row{Cells: cells}
}

func issueLine(rep *report, errs bool) string {
	var parts []string
	if rep.result != nil {
		issues := rep.result.Warnings
		if errs {
			issues = rep.result.Errors
		}
		for _, i := range issues {
			parts = append(parts, fmt.Sprintf("%s: %s", i.Code, i.Message))
		}
	}
	if errs && rep.failedStage != "" && rep.reason != "" {
		parts = append(parts, rep.reason)
	}
	return strings.Join(parts, "; ")
}

func statusIf(cond bool, status string) string {
	if cond {
		return status
	}
	return ""
}

// Metadata map helpers. The metadata tree is produced by the validators
// in this repo, so a missing or differently-typed node just renders as
// N/A.

func resultMeta(r *validate.Result) map[string]interface{} {
	if r == nil {
		return nil
	}
	return r.Metadata
}

func resultNode(r *validate.Result, key string) map[string]interface{} {
	return node(resultMeta(r), key)
}

func metaNode(m map[string]interface{}, key string) map[string]interface{} {
	return node(m, key)
}

func node(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]interface{})
	return sub
}

func metaString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func metaFloat(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
