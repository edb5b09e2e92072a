// Package process runs an external simulation engine binary.
//
// The binary gets its inputs in the environment:
//
//	SIMENGINE_NETWORK     path of the network file
//	SIMENGINE_ITERATIONS  number of iterations
//	SIMENGINE_SEED        random seed
//	SIMENGINE_OUTPUT_DIR  directory for engine outputs
//
// and reports progress on stdout, one JSON object per line:
//
//	{"iteration": 3}
//	{"type": "entered link", "time": 28800.5, "attributes": {"person": "p1", "link": "l7"}}
//
// Stopping sends SIGINT and kills the process when it does not exit within
// the kill grace period. Stderr lines are handed to a StderrFunc.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/trafficjam/simengine/internal/engine"
	"github.com/trafficjam/simengine/internal/event"
)

const maxLine = 1 << 20

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path      string
	Args      []string
	Env       []string // added to the environment of this process
	KillGrace time.Duration
}

type Engine struct {
	cmd    Command
	stderr StderrFunc
}

// New returns an engine running cmd. A nil stderr logs the lines at debug level.
func New(cmd Command, stderr StderrFunc) *Engine {
	if stderr == nil {
		stderr = func(ctx context.Context, line string) {
			slog.DebugContext(ctx, "engine stderr", "line", line)
		}
	}
	return &Engine{cmd: cmd, stderr: stderr}
}

type message struct {
	Iteration  *int              `json:"iteration"`
	Type       string            `json:"type"`
	Time       float64           `json:"time"`
	Attributes map[string]string `json:"attributes"`
}

func (e *Engine) Run(ctx context.Context, spec engine.Spec, cb engine.Callbacks) error {
	cmd := exec.CommandContext(ctx, e.cmd.Path, e.cmd.Args...)
	cmd.Env = append(os.Environ(), e.cmd.Env...)
	cmd.Env = append(cmd.Env,
		"SIMENGINE_NETWORK="+spec.Network,
		"SIMENGINE_ITERATIONS="+strconv.Itoa(spec.Iterations),
		"SIMENGINE_SEED="+strconv.FormatInt(spec.Seed, 10),
		"SIMENGINE_OUTPUT_DIR="+spec.OutputDir,
	)
	cmd.Dir = spec.OutputDir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.cmd.KillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	slog.DebugContext(ctx, "starting engine process", "path", e.cmd.Path, "args", e.cmd.Args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		e.processStderr(ctx, stderr)
	})
	readErr := decode(ctx, stdout, cb)
	if readErr != nil {
		// unblock the process, the rest of the output is lost
		_, _ = io.Copy(io.Discard, stdout)
	}
	wg.Wait()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("engine interrupted: %w", errors.Join(ctx.Err(), waitErr))
	case waitErr != nil:
		return fmt.Errorf("engine %s: %w", e.cmd.Path, waitErr)
	case readErr != nil:
		return fmt.Errorf("reading engine output: %w", readErr)
	}
	return nil
}

func decode(ctx context.Context, r io.Reader, cb engine.Callbacks) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m message
		if err := json.Unmarshal(line, &m); err != nil {
			slog.DebugContext(ctx, "skipping engine output line", "error", err)
			continue
		}
		switch {
		case m.Iteration != nil:
			cb.IterationStart(*m.Iteration)
		case m.Type != "":
			cb.Event(event.Raw{Type: m.Type, Time: m.Time, Attributes: m.Attributes})
		default:
			slog.DebugContext(ctx, "skipping engine output line without type")
		}
	}
	return scanner.Err()
}

func (e *Engine) processStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	for scanner.Scan() {
		e.stderr(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}
