package wes

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// ProcessResult captures the observable outcome of an engine process.
// ExitCode is -1 when the process never ran or was killed before exiting.
type ProcessResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Runner executes engine commands as local subprocesses with a hard wall-clock
// limit per run.
type Runner struct {
	WorkDir string
	Timeout time.Duration
}

// Run executes cmd and waits for it to finish. onStart, if non-nil, fires
// after the process has started, with its PID. A hit timeout kills the process
// and is reported through TimedOut rather than an error; cancellation of ctx
// also kills the process but returns ctx.Err so callers can tell an external
// cancel from an engine outcome.
func (r *Runner) Run(ctx context.Context, cmd []string, onStart func(pid int)) (*ProcessResult, error) {
	if len(cmd) == 0 {
		return nil, errors.New("empty command")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	proc := exec.CommandContext(runCtx, cmd[0], cmd[1:]...)
	proc.Dir = r.WorkDir

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	if err := proc.Start(); err != nil {
		return nil, err
	}
	if onStart != nil {
		onStart(proc.Process.Pid)
	}

	waitErr := proc.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &ProcessResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		TimedOut: runCtx.Err() == context.DeadlineExceeded,
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case result.TimedOut:
		// killed by the deadline; exit code stays unknown
	default:
		return nil, waitErr
	}

	return result, nil
}
