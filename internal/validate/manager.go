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

package validate

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	errNoValidator = "no validator registered for format"
)

// Pipeline score weights: the layout validator dominates, the transient
// assessment refines.
const (
	basicWeight     = 0.7
	transientWeight = 0.3
)

// PipelineValidatorType names results combined from both validators.
const PipelineValidatorType = "Pipeline(MetaCam+Transient)"

// A Manager composes registered validators and selects them by format
// hint.
type Manager struct {
	log       *zap.Logger
	registry  map[string]Validator
	transient *TransientValidator
}

// NewManager returns an empty validator registry.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{log: log, registry: map[string]Validator{}}
}

// Register adds a validator under all its supported formats. The last
// registration for a format wins.
func (m *Manager) Register(v Validator) {
	for _, f := range v.SupportedFormats() {
		m.registry[f] = v
	}
	if tv, ok := v.(*TransientValidator); ok {
		m.transient = tv
	}
}

// Validate runs the validator selected by formatHint (default metacam)
// and, when camera frames are present, the transient validator, and
// combines the two results.
func (m *Manager) Validate(ctx context.Context, root string, level Level, formatHint string) (Result, error) {
	if formatHint == "" {
		formatHint = FormatMetaCam
	}
	basic, ok := m.registry[formatHint]
	if !ok {
		return Result{}, errors.Errorf("%s %q", errNoValidator, formatHint)
	}

	br := basic.Validate(ctx, root, level)
	if m.transient == nil || !m.transient.Applicable(root) {
		return br, nil
	}

	m.log.Info("camera frames present, running transient validation", zap.String("root", root))
	tr := m.transient.Validate(ctx, root, level)
	return Combine(br, tr), nil
}

// Combine folds a transient result into a basic result. The basic
// validator alone decides validity; scores mix 0.7/0.3; metadata merges
// additively with the basic result taking precedence.
func Combine(basic, transient Result) Result {
	combined := Result{
		IsValid:       basic.IsValid,
		Score:         round2(basicWeight*basic.Score + transientWeight*transient.Score),
		Errors:        append(append([]Issue{}, basic.Errors...), transient.Errors...),
		Warnings:      append(append([]Issue{}, basic.Warnings...), transient.Warnings...),
		Summary:       truncate(basic.Summary+"; "+transient.Summary, maxSummaryLen),
		ValidatorType: PipelineValidatorType,
		Metadata:      MergeMetadata(basic.Metadata, transient.Metadata),
	}
	combined.Metadata = MergeMetadata(combined.Metadata, map[string]interface{}{
		"validation_pipeline": map[string]interface{}{
			"basic_score":     basic.Score,
			"transient_score": transient.Score,
			"combined_score":  combined.Score,
		},
	})
	return combined
}
