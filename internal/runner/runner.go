// Package runner executes external programs with a bounded wait and
// captured output. The Runner interface lets callers swap in a fake.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

const (
	defaultTimeout        = 180 * time.Second
	defaultMaxOutputBytes = 65536
	// waitDelay bounds how long Wait blocks on pipes after the process is killed.
	waitDelay = 2 * time.Second
)

var (
	// ErrTimeout is returned when a command exceeds its timeout.
	ErrTimeout = errors.New("command timed out")
	// ErrEmptyCommand is returned when Command.Name is blank.
	ErrEmptyCommand = errors.New("missing command")
)

// Command describes one process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment when non-empty
	Timeout time.Duration
}

func (c Command) String() string {
	s := c.Name
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// Result is what a finished (or killed) process left behind.
// ExitCode is -1 when the process never started or was killed.
type Result struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	Duration        time.Duration
	TimedOut        bool
}

// Runner runs a command to completion. A non-zero exit is reported through
// Result.ExitCode, not as an error; errors mean the process could not be
// started, timed out, or was cancelled.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Func adapts a plain function to the Runner interface.
type Func func(ctx context.Context, cmd Command) (Result, error)

func (f Func) Run(ctx context.Context, cmd Command) (Result, error) { return f(ctx, cmd) }

// Exec runs commands with os/exec.
type Exec struct {
	maxOutputBytes int
	logger         *slog.Logger
}

type ExecConfig struct {
	MaxOutputBytes int // per stream; output beyond this keeps only the tail
	Logger         *slog.Logger
}

func NewExec(cfg ExecConfig) *Exec {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Exec{maxOutputBytes: cfg.MaxOutputBytes, logger: cfg.Logger}
}

func (e *Exec) Run(ctx context.Context, c Command) (Result, error) {
	res := Result{ExitCode: -1}
	if c.Name == "" {
		return res, ErrEmptyCommand
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.WaitDelay = waitDelay

	stdout := newTailBuffer(e.maxOutputBytes)
	stderr := newTailBuffer(e.maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout, res.StdoutTruncated = stdout.String(), stdout.Truncated()
	res.Stderr, res.StderrTruncated = stderr.String(), stderr.Truncated()

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s: %w", c.Name, ctx.Err())
		}
		res.TimedOut = true
		e.logger.Warn("command timed out", "command", c.String(), "timeout", timeout)
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			e.logger.Info("command exited non-zero", "command", c.String(), "exit_code", res.ExitCode, "duration", res.Duration)
			return res, nil
		}
		return res, fmt.Errorf("start %s: %w", c.Name, err)
	}

	res.ExitCode = 0
	e.logger.Debug("command finished", "command", c.String(), "duration", res.Duration)
	return res, nil
}
