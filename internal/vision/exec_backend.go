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

package vision

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"github.com/pkg/errors"
)

const (
	errHelperRun    = "model helper failed"
	errHelperOutput = "cannot parse model helper output"
)

// An ExecBackend adapts an external model-runtime helper executable to
// the Backend interface. The helper receives a verb and frame paths and
// answers one JSON document per frame on stdout; everything else about
// the runtime (weights, GPU setup) is its business.
type ExecBackend struct {
	helperPath string
	device     string

	detModel string
	segModel string
}

// NewExecBackend returns a Backend shelling out to helperPath.
func NewExecBackend(helperPath, device string) *ExecBackend {
	return &ExecBackend{helperPath: helperPath, device: device}
}

// LoadDetection implements Backend.
func (b *ExecBackend) LoadDetection(ctx context.Context, model string) error {
	if err := b.run(ctx, nil, "load", "--model", model, "--device", b.device); err != nil {
		return err
	}
	b.detModel = model
	return nil
}

// LoadSegmentation implements Backend.
func (b *ExecBackend) LoadSegmentation(ctx context.Context, model string) error {
	if err := b.run(ctx, nil, "load", "--model", model, "--device", b.device); err != nil {
		return err
	}
	b.segModel = model
	return nil
}

// Pull implements ModelPuller: the helper downloads missing weights.
func (b *ExecBackend) Pull(ctx context.Context, model string) error {
	return b.run(ctx, nil, "pull", "--model", model)
}

// Detect implements Backend.
func (b *ExecBackend) Detect(ctx context.Context, frames []Frame) ([][]Detection, error) {
	var out [][]Detection
	if err := b.infer(ctx, "detect", b.detModel, frames, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Segment implements Backend.
func (b *ExecBackend) Segment(ctx context.Context, frames []Frame) ([][]Segment, error) {
	var out [][]Segment
	if err := b.infer(ctx, "segment", b.segModel, frames, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// infer runs one helper invocation over a frame batch. The helper
// prints one JSON array per input frame, in order.
func (b *ExecBackend) infer(ctx context.Context, verb, model string, frames []Frame, out interface{}) error {
	args := []string{verb, "--model", model, "--device", b.device}
	for _, f := range frames {
		args = append(args, f.Path)
	}
	var stdout bytes.Buffer
	if err := b.run(ctx, &stdout, args...); err != nil {
		return err
	}

	// One JSON line per frame; tolerate trailing noise from the runtime.
	raw := make([]json.RawMessage, 0, len(frames))
	sc := bufio.NewScanner(&stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '[' {
			continue
		}
		raw = append(raw, json.RawMessage(append([]byte(nil), line...)))
	}
	if len(raw) != len(frames) {
		return errors.Errorf("%s: got %d results for %d frames", errHelperOutput, len(raw), len(frames))
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return errors.Wrap(err, errHelperOutput)
	}
	return errors.Wrap(json.Unmarshal(blob, out), errHelperOutput)
}

func (b *ExecBackend) run(ctx context.Context, stdout *bytes.Buffer, args ...string) error {
	cmd := exec.CommandContext(ctx, b.helperPath, args...) // nolint:gosec
	if stdout != nil {
		cmd.Stdout = stdout
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s: %s", errHelperRun, stderr.String())
	}
	return nil
}
