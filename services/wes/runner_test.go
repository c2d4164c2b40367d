package wes

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunnerCapturesExit(t *testing.T) {
	r := &Runner{}
	result, err := r.Run(context.Background(),
		[]string{"sh", "-c", "echo out; echo err 1>&2; exit 3"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if result.Stdout != "out\n" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
	if result.Stderr != "err\n" {
		t.Errorf("Stderr = %q", result.Stderr)
	}
	if result.TimedOut {
		t.Error("TimedOut = true for a fast process")
	}
}

func TestRunnerSuccess(t *testing.T) {
	r := &Runner{}
	var pid int
	result, err := r.Run(context.Background(), []string{"true"}, func(p int) { pid = p })
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if pid == 0 {
		t.Error("onStart never received a pid")
	}
}

func TestRunnerTimeoutKillsProcess(t *testing.T) {
	r := &Runner{Timeout: 100 * time.Millisecond}
	start := time.Now()
	result, err := r.Run(context.Background(), []string{"sleep", "10"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.TimedOut {
		t.Error("TimedOut = false after deadline hit")
	}
	if result.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1 for a killed process", result.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("process outlived the deadline by %s", elapsed)
	}
}

func TestRunnerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	r := &Runner{}
	_, err := r.Run(ctx, []string{"sleep", "10"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRunnerWorkDir(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{WorkDir: dir}

	result, err := r.Run(context.Background(), []string{"pwd"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(result.Stdout); got != want {
		t.Errorf("process cwd = %q, want %q", got, want)
	}
}

func TestRunnerEmptyCommand(t *testing.T) {
	r := &Runner{}
	if _, err := r.Run(context.Background(), nil, nil); err == nil {
		t.Fatal("Run() with empty command succeeded")
	}
}
