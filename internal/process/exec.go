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

package process

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	errSpawn = "cannot spawn subprocess"

	// How long a child gets between SIGTERM and SIGKILL.
	killGrace = 5 * time.Second

	// logTailBytes bounds the retained subprocess output.
	logTailBytes = 64 * 1024
)

// An ExecResult reports one subprocess invocation. Subprocess output is
// best-effort logging, never a structured protocol.
type ExecResult struct {
	ExitCode int
	Duration time.Duration
	TimedOut bool
	LogTail  string
}

// A tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{size: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.size {
		t.buf = t.buf[len(t.buf)-t.size:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// runCommand launches argv in its own process group, streams its output
// into the log and a rolling tail, and enforces timeout by terminating
// the whole group: SIGTERM, a bounded wait, then SIGKILL.
func runCommand(ctx context.Context, log *zap.Logger, argv []string, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// The context is not wired into exec so that group termination stays
	// under our control.
	cmd := exec.Command(argv[0], argv[1:]...) // nolint:gosec
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	tail := newTailBuffer(logTailBytes)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ExecResult{}, errors.Wrap(err, errSpawn)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ExecResult{}, errors.Wrap(err, errSpawn)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecResult{}, errors.Wrap(err, errSpawn)
	}
	pgid := cmd.Process.Pid

	var wg sync.WaitGroup
	for _, stream := range []io.Reader{stdout, stderr} {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			sc := bufio.NewScanner(r)
			sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for sc.Scan() {
				line := sc.Text()
				_, _ = tail.Write(append([]byte(line), '\n'))
				log.Info(line, zap.String("exe", argv[0]))
			}
		}(stream)
	}

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	timedOut := false
	select {
	case err = <-done:
	case <-ctx.Done():
		timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		terminateGroup(log, pgid)
		err = <-done
	}

	res := ExecResult{
		Duration: time.Since(start),
		TimedOut: timedOut,
		LogTail:  tail.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

// terminateGroup tears down a child process group: SIGTERM, up to
// killGrace for a voluntary exit, then SIGKILL.
func terminateGroup(log *zap.Logger, pgid int) {
	log.Warn("terminating subprocess group", zap.Int("pgid", pgid))
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	deadline := time.After(killGrace)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			return
		case <-tick.C:
			// Signal 0 probes for liveness.
			if err := syscall.Kill(-pgid, syscall.Signal(0)); err != nil {
				return
			}
		}
	}
}
