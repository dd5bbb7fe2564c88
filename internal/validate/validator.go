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

// Package validate scores extracted capture packages. Validators
// implement a common contract and are composed by the Manager; results
// are immutable value types whose metadata merges additively.
package validate

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// A Level selects how strictly a result is judged.
type Level string

// Validation levels.
const (
	LevelStrict   Level = "STRICT"
	LevelStandard Level = "STANDARD"
	LevelLenient  Level = "LENIENT"
)

// Severity grades issues. Critical errors always invalidate a single
// validator's result; a combined pipeline result takes its validity from
// the basic result alone.
type Severity string

// Issue severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Level gates.
const (
	strictMinScore   = 90.0
	standardMinScore = 60.0
	lenientMinScore  = 30.0
	lenientMaxErrors = 5
	maxSummaryLen    = 240
)

// An Issue is one validation finding.
type Issue struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Path     string   `json:"path,omitempty"`
	Severity Severity `json:"severity"`
}

// A Result is the value exchanged between validators and consumers.
// Results are immutable once returned.
type Result struct {
	IsValid       bool                   `json:"is_valid"`
	Score         float64                `json:"score"`
	Errors        []Issue                `json:"errors"`
	Warnings      []Issue                `json:"warnings"`
	Summary       string                 `json:"summary"`
	ValidatorType string                 `json:"validator_type"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// A Validator checks one package format.
type Validator interface {
	SupportedFormats() []string
	Validate(ctx context.Context, root string, level Level) Result
}

// ScoreWeights are the per-finding score deductions. The exact weights
// are a tuning matter; these defaults reconstruct the historical
// behavior.
type ScoreWeights struct {
	MissingRequired float64
	SizeBreach      float64
	ParseFailure    float64
	MissingOptional float64
	Warning         float64
}

// DefaultScoreWeights returns the standard deductions.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		MissingRequired: 20,
		SizeBreach:      10,
		ParseFailure:    10,
		MissingOptional: 5,
		Warning:         2,
	}
}

// A builder accumulates issues and deductions for one validation run.
type builder struct {
	weights  ScoreWeights
	typeName string

	errors     []Issue
	warnings   []Issue
	seen       map[string]bool
	deductions float64
	missing    int
	metadata   map[string]interface{}
}

func newBuilder(typeName string, w ScoreWeights) *builder {
	return &builder{
		weights:  w,
		typeName: typeName,
		seen:     map[string]bool{},
		metadata: map[string]interface{}{},
	}
}

// key dedupes issues: errors and warnings are distinct, never
// duplicated.
func key(i Issue) string {
	return fmt.Sprintf("%s|%s|%s", i.Severity, i.Code, i.Path)
}

func (b *builder) addIssue(i Issue, deduction float64) {
	k := key(i)
	if b.seen[k] {
		return
	}
	b.seen[k] = true
	if i.Severity == SeverityWarning {
		b.warnings = append(b.warnings, i)
	} else {
		b.errors = append(b.errors, i)
	}
	b.deductions += deduction
}

func (b *builder) missingRequired(code, msg, path string) {
	b.missing++
	b.addIssue(Issue{Code: code, Message: msg, Path: path, Severity: SeverityCritical}, b.weights.MissingRequired)
}

func (b *builder) sizeBreach(code, msg, path string) {
	b.addIssue(Issue{Code: code, Message: msg, Path: path, Severity: SeverityError}, b.weights.SizeBreach)
}

func (b *builder) parseFailure(code, msg, path string) {
	b.addIssue(Issue{Code: code, Message: msg, Path: path, Severity: SeverityError}, b.weights.ParseFailure)
}

func (b *builder) critical(code, msg, path string) {
	b.addIssue(Issue{Code: code, Message: msg, Path: path, Severity: SeverityCritical}, b.weights.ParseFailure)
}

func (b *builder) missingOptional(code, msg, path string) {
	b.addIssue(Issue{Code: code, Message: msg, Path: path, Severity: SeverityWarning}, b.weights.MissingOptional)
}

func (b *builder) warn(code, msg, path string) {
	b.addIssue(Issue{Code: code, Message: msg, Path: path, Severity: SeverityWarning}, b.weights.Warning)
}

func (b *builder) setMeta(k string, v interface{}) {
	if _, ok := b.metadata[k]; ok {
		return
	}
	b.metadata[k] = v
}

func (b *builder) hasCritical() bool {
	for _, e := range b.errors {
		if e.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// result freezes the builder into a Result judged at level.
func (b *builder) result(level Level, summary string) Result {
	score := math.Max(0, 100-b.deductions)
	r := Result{
		Score:         round2(score),
		Errors:        b.errors,
		Warnings:      b.warnings,
		Summary:       truncate(summary, maxSummaryLen),
		ValidatorType: b.typeName,
		Metadata:      b.metadata,
	}

	switch level {
	case LevelStrict:
		r.IsValid = len(b.errors) == 0 && b.missing == 0 && r.Score >= strictMinScore
	case LevelLenient:
		r.IsValid = !b.hasCritical() && len(b.errors) <= lenientMaxErrors && r.Score >= lenientMinScore
	default:
		r.IsValid = !b.hasCritical() && r.Score >= standardMinScore
	}
	return r
}

// MergeMetadata copies keys of src absent from dst into a new map.
// Later pipeline stages may add keys but never overwrite earlier ones.
func MergeMetadata(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// ParseLevel maps a config string onto a Level, defaulting to STANDARD.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(LevelStrict):
		return LevelStrict
	case string(LevelLenient):
		return LevelLenient
	default:
		return LevelStandard
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
