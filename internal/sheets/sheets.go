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

// Package sheets records per-package outcomes into the tracking
// spreadsheet. The SDK binding sits behind the Appender interface so
// the writer's batching, retry and dead-letter behavior is testable
// offline.
package sheets

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	errAppend     = "cannot append rows"
	errDeadLetter = "cannot spool rows to dead-letter file"
)

// NA renders a missing value.
const NA = "N/A"

// Cell status values drive background colors.
const (
	StatusGreen  = "green"
	StatusYellow = "yellow"
	StatusRed    = "red"
	StatusGray   = "gray"
)

// Header is the fixed, ordered column schema.
var Header = []string{
	"File ID", "File Name", "Upload Time", "File Size (MiB)", "File Type",
	"Extract Status", "File Count", "Process Time", "Validation Score",
	"Start Time", "Duration (HH:MM:SS)", "Location", "Scene Type",
	"Size Status", "PCD Scale", "Device ID", "Transient Decision",
	"WDD", "WPO", "SAI", "Error Message", "Warning Message", "Notes",
}

// A Cell is one value with an optional status color.
type Cell struct {
	Value  string `json:"value"`
	Status string `json:"status,omitempty"`
}

// A Row is one package's record. Rows always carry len(Header) cells;
// missing values are rendered as N/A.
type Row struct {
	Cells []Cell `json:"cells"`
}

// NormalizeRow pads or truncates a row to the schema width, filling
// blanks with N/A.
func NormalizeRow(r Row) Row {
	out := Row{Cells: make([]Cell, len(Header))}
	for i := range out.Cells {
		if i < len(r.Cells) && strings.TrimSpace(r.Cells[i].Value) != "" {
			out.Cells[i] = r.Cells[i]
			continue
		}
		out.Cells[i] = Cell{Value: NA, Status: StatusGray}
	}
	return out
}

// ColorFor maps a domain status onto a cell color.
func ColorFor(status string) string {
	s := strings.ToLower(status)
	switch {
	case s == "optimal" || s == "done" || s == "pass" || s == "success":
		return StatusGreen
	case strings.HasPrefix(s, "warning") || s == "need_review":
		return StatusYellow
	case strings.HasPrefix(s, "error") || s == "reject" || s == "failed":
		return StatusRed
	default:
		return StatusGray
	}
}

// An Appender lands rows in the actual spreadsheet.
type Appender interface {
	Append(ctx context.Context, rows []Row) error
}

// Config configures a Writer.
type Config struct {
	BatchSize      int
	WriteTimeout   time.Duration
	Retries        int
	DeadLetterPath string
}

// Defaults fills unset fields.
func (c Config) Defaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	return c
}

// A Writer queues rows and flushes them in batches, spooling rows that
// repeatedly fail to a local dead-letter file. It is safe for
// concurrent use; appends are ordered by enqueue time.
type Writer struct {
	api Appender
	fs  afero.Fs
	cfg Config
	log *zap.Logger

	mu    sync.Mutex
	queue []Row
}

// WriterOption modifies a Writer.
type WriterOption func(*Writer)

// WithFs specifies where the dead-letter file lives.
func WithFs(fs afero.Fs) WriterOption {
	return func(w *Writer) {
		w.fs = fs
	}
}

// NewWriter returns a Writer over the given appender.
func NewWriter(api Appender, cfg Config, log *zap.Logger, opts ...WriterOption) *Writer {
	w := &Writer{
		api: api,
		fs:  afero.NewOsFs(),
		cfg: cfg.Defaults(),
		log: log,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Enqueue queues one row and flushes when a full batch is ready.
func (w *Writer) Enqueue(ctx context.Context, r Row) error {
	w.mu.Lock()
	w.queue = append(w.queue, NormalizeRow(r))
	full := len(w.queue) >= w.cfg.BatchSize
	w.mu.Unlock()
	if !full {
		return nil
	}
	return w.Flush(ctx)
}

// Flush writes all queued rows. Rows that cannot be written after
// retries are appended to the dead-letter file and dropped from the
// queue; the error is returned for observability.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return w.replayDeadLetters(ctx)
	}

	if err := w.append(ctx, batch); err != nil {
		if derr := w.spool(batch); derr != nil {
			w.log.Error("dead-letter spool failed; rows lost", zap.Error(derr))
		}
		return errors.Wrap(err, errAppend)
	}
	return w.replayDeadLetters(ctx)
}

func (w *Writer) append(ctx context.Context, rows []Row) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	backoff := wait.Backoff{Duration: time.Second, Factor: 2, Steps: w.cfg.Retries + 1}
	attempt := 0
	return wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		err := w.api.Append(ctx, rows)
		if err == nil {
			return true, nil
		}
		if ctx.Err() != nil || attempt > w.cfg.Retries {
			return false, err
		}
		w.log.Warn("sheet append failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		return false, nil
	})
}

// spool appends rows to the dead-letter JSONL file.
func (w *Writer) spool(rows []Row) error {
	if w.cfg.DeadLetterPath == "" {
		return errors.New(errDeadLetter)
	}
	var b strings.Builder
	for _, r := range rows {
		line, err := json.Marshal(r)
		if err != nil {
			return errors.Wrap(err, errDeadLetter)
		}
		b.Write(line)
		b.WriteByte('\n')
	}

	existing, _ := afero.ReadFile(w.fs, w.cfg.DeadLetterPath)
	err := afero.WriteFile(w.fs, w.cfg.DeadLetterPath, append(existing, []byte(b.String())...), 0o644)
	if err != nil {
		return errors.Wrap(err, errDeadLetter)
	}
	w.log.Warn("spooled rows to dead-letter file",
		zap.Int("rows", len(rows)), zap.String("path", w.cfg.DeadLetterPath))
	return nil
}

// replayDeadLetters re-attempts previously failed rows after a
// successful flush. Failures keep the file for the next round.
func (w *Writer) replayDeadLetters(ctx context.Context) error {
	if w.cfg.DeadLetterPath == "" {
		return nil
	}
	blob, err := afero.ReadFile(w.fs, w.cfg.DeadLetterPath)
	if err != nil || len(blob) == 0 {
		return nil // nothing spooled
	}
	var rows []Row
	for _, line := range strings.Split(strings.TrimSpace(string(blob)), "\n") {
		if line == "" {
			continue
		}
		var r Row
		if jerr := json.Unmarshal([]byte(line), &r); jerr != nil {
			w.log.Warn("skipping unparsable dead-letter row", zap.Error(jerr))
			continue
		}
		rows = append(rows, r)
	}
	if len(rows) == 0 {
		return w.fs.Remove(w.cfg.DeadLetterPath)
	}
	if err := w.append(ctx, rows); err != nil {
		return errors.Wrap(err, errAppend)
	}
	w.log.Info("replayed dead-letter rows", zap.Int("rows", len(rows)))
	return w.fs.Remove(w.cfg.DeadLetterPath)
}
