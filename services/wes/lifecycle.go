package wes

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wesd/pkg/s3"
	"wesd/services/wes/diagnostics"
)

// Manager drives runs through their lifecycle. Each run executes in its own
// working directory under RunBaseDir; on failure the directory is captured as
// a signed diagnostics archive before cleanup.
type Manager struct {
	Store    Store
	Backends *Registry
	Fetcher  *Fetcher
	Runner   *Runner
	Secrets  SecretResolver
	Logger   *log.Logger

	RunBaseDir string
	OutputDir  string

	// Debug keeps run directories on disk after the run finishes.
	Debug bool

	// Diagnostics capture for failed runs. Disabled when Signer is nil; the
	// S3 upload is skipped when S3 is nil.
	Signer     *diagnostics.Signer
	ArchiveDir string
	S3         *s3.Client
	S3Bucket   string

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
}

// RunDir returns the working directory for a run.
func (m *Manager) RunDir(runID uuid.UUID) string {
	return filepath.Join(m.RunBaseDir, runID.String())
}

func (m *Manager) logf(format string, args ...any) {
	if m.Logger != nil {
		m.Logger.Printf(format, args...)
	}
}

// register claims a run for execution. A second claim for the same run is a
// caller contract violation and is refused, never silently absorbed.
func (m *Manager) register(runID uuid.UUID, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		m.active = make(map[uuid.UUID]context.CancelFunc)
	}
	if _, exists := m.active[runID]; exists {
		return fmt.Errorf("run %s is already registered for execution", runID)
	}
	m.active[runID] = cancel
	return nil
}

func (m *Manager) unregister(runID uuid.UUID) {
	m.mu.Lock()
	delete(m.active, runID)
	m.mu.Unlock()
}

// Abort cancels a run's in-flight process if this instance is executing it,
// and reports whether it was.
func (m *Manager) Abort(runID uuid.UUID) bool {
	m.mu.Lock()
	cancel, ok := m.active[runID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// PerformRun executes a queued run to completion. It is the worker-side entry
// point: every exit path leaves the run in a terminal state with its end time
// recorded and events published.
func (m *Manager) PerformRun(ctx context.Context, runID uuid.UUID) error {
	model, err := m.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	state := State(model.State)
	if state == StateCanceling {
		// Canceled while still queued; nothing ever started.
		return m.finish(ctx, runID, nil, &RunFailure{State: StateCanceled, Message: ""})
	}
	if state != StateQueued {
		m.logf("[WARN] run %s dequeued in state %s, skipping", runID, state)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.register(runID, cancel); err != nil {
		return err
	}
	defer m.unregister(runID)

	if err := m.Store.UpdateState(ctx, runID, StateInitializing, true); err != nil {
		return err
	}

	req, err := model.toRequest()
	if err != nil {
		return m.finish(ctx, runID, nil, SystemFailure("corrupt run request: %v", err))
	}

	failure, execEnv := m.initialize(runCtx, runID, &req)
	if failure != nil {
		return m.finish(ctx, runID, nil, failure)
	}

	return m.execute(ctx, runCtx, runID, &req, execEnv)
}

// execEnv is everything initialize assembles for the execution phase.
type execEnv struct {
	backend      Backend
	runDir       string
	workflowName string
	cmd          []string
	secrets      []string
}

// initialize stages the run: working directory, workflow definition,
// validation, secret injection, and command assembly. The working directory
// check comes first so a missing directory never reaches the engine.
func (m *Manager) initialize(ctx context.Context, runID uuid.UUID, req *RunRequest) (*RunFailure, *execEnv) {
	runDir := m.RunDir(runID)
	if info, err := os.Stat(runDir); err != nil || !info.IsDir() {
		return SystemFailure("run directory %s does not exist", runDir), nil
	}

	backend, err := m.Backends.Lookup(req.WorkflowType)
	if err != nil {
		return SystemFailure("no backend for workflow type %s", req.WorkflowType), nil
	}

	workflowPath, err := m.Fetcher.Fetch(req.WorkflowURL, req.WorkflowType)
	if err != nil {
		return SystemFailure("workflow fetch: %v", err), nil
	}

	if failure := backend.Validate(ctx, workflowPath); failure != nil {
		return failure, nil
	}

	workflowName, err := backend.WorkflowName(workflowPath)
	if err != nil {
		return ExecutorFailure("could not determine workflow name: %v", err), nil
	}

	meta := req.Tags.WorkflowMetadata
	params, err := InjectSecrets(req.WorkflowParams, meta, m.Secrets)
	if err != nil {
		// A declared secret without a configured value is a fault in the
		// submitted workflow setup, not in this service.
		var missing *MissingSecretError
		if errors.As(err, &missing) {
			return ExecutorFailure("secret resolution: %v", err), nil
		}
		return SystemFailure("secret resolution: %v", err), nil
	}
	secrets := SecretValues(params, meta)

	cmd, err := backend.BuildCommand(runDir, workflowPath, params)
	if err != nil {
		return SystemFailure("build command: %v", err), nil
	}

	cmdText := Redact(strings.Join(cmd, " "), secrets)
	fields := LogFields{
		Name: &workflowName,
		Cmd:  &cmdText,
	}
	if err := m.Store.SetLogFields(ctx, runID, fields); err != nil {
		return SystemFailure("record run log: %v", err), nil
	}

	return nil, &execEnv{
		backend:      backend,
		runDir:       runDir,
		workflowName: workflowName,
		cmd:          cmd,
		secrets:      secrets,
	}
}

func (m *Manager) execute(ctx, runCtx context.Context, runID uuid.UUID, req *RunRequest, env *execEnv) error {
	if err := m.Store.UpdateState(ctx, runID, StateRunning, true); err != nil {
		return err
	}

	// The start time lands only once the subprocess actually exists; a run
	// whose engine never launched keeps a null start time.
	result, err := m.Runner.Run(runCtx, env.cmd, func(pid int) {
		now := time.Now().UTC()
		if err := m.Store.SetLogFields(ctx, runID, LogFields{StartTime: &now}); err != nil {
			m.logf("[WARN] could not record start time for run %s: %v", runID, err)
		}
		m.logf("[INFO] run %s started engine process %d", runID, pid)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return m.finish(ctx, runID, env, &RunFailure{State: StateCanceled, Message: "run canceled"})
		}
		return m.finish(ctx, runID, env, SystemFailure("engine process: %v", err))
	}

	stdout := Redact(result.Stdout, env.secrets)
	stderr := Redact(result.Stderr, env.secrets)
	fields := LogFields{
		Stdout:   &stdout,
		Stderr:   &stderr,
		ExitCode: &result.ExitCode,
	}
	if err := m.Store.SetLogFields(ctx, runID, fields); err != nil {
		return err
	}

	if result.TimedOut {
		return m.finish(ctx, runID, env, SystemFailure("run exceeded the execution time limit"))
	}
	if result.ExitCode != 0 {
		return m.finish(ctx, runID, env, ExecutorFailure("engine exited with code %d", result.ExitCode))
	}

	values, err := env.backend.OutputValues(env.runDir)
	if err != nil {
		return m.finish(ctx, runID, env, SystemFailure("collect outputs: %v", err))
	}
	outputs := ResolveOutputs(req.Tags.WorkflowMetadata, env.workflowName, values, m.RunBaseDir, m.OutputDir)
	if err := m.Store.SetOutputs(ctx, runID, outputs); err != nil {
		return m.finish(ctx, runID, env, SystemFailure("record outputs: %v", err))
	}
	m.retainOutputs(ctx, runID, outputs)

	return m.finish(ctx, runID, env, nil)
}

// retainOutputs mirrors file outputs into object storage. Upload problems are
// logged but never fail the run; the local copies remain authoritative.
func (m *Manager) retainOutputs(ctx context.Context, runID uuid.UUID, outputs map[string]RunOutput) {
	if m.S3 == nil || m.S3Bucket == "" {
		return
	}
	for _, out := range outputs {
		base := out.Type
		for {
			inner, ok := arrayInnerType(base)
			if !ok {
				break
			}
			base = inner
		}
		if base != "File" {
			continue
		}
		for _, value := range Denest(out.Value) {
			path, ok := value.(string)
			if !ok || path == "" {
				continue
			}
			rel, err := filepath.Rel(m.OutputDir, path)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			key := "outputs/" + filepath.ToSlash(rel)
			if err := m.S3.PutFile(ctx, m.S3Bucket, key, path); err != nil {
				m.logf("[WARN] retain %s for run %s failed: %v", key, runID, err)
				continue
			}
			m.logf("[INFO] retained output s3://%s/%s for run %s", m.S3Bucket, key, runID)
		}
	}
}

// finish moves the run to its terminal state. Failure details are appended to
// the run's stderr so submitters see why a run died; failed run directories
// are archived before removal.
func (m *Manager) finish(ctx context.Context, runID uuid.UUID, env *execEnv, failure *RunFailure) error {
	state := StateComplete
	if failure != nil {
		state = failure.State
		m.logf("[ERROR] run %s failed: %s", runID, failure)
		if failure.Message != "" {
			m.appendStderr(ctx, runID, failure.Message, env)
		}
	}

	if err := m.Store.FinishRun(ctx, runID, state); err != nil {
		return err
	}

	runDir := m.RunDir(runID)
	if state.IsFailure() {
		m.captureDiagnostics(ctx, runID, state, runDir, env)
	}
	if !m.Debug {
		if err := os.RemoveAll(runDir); err != nil {
			m.logf("[WARN] could not remove run directory %s: %v", runDir, err)
		}
	}
	return nil
}

func (m *Manager) appendStderr(ctx context.Context, runID uuid.UUID, message string, env *execEnv) {
	model, err := m.Store.GetRun(ctx, runID)
	if err != nil {
		m.logf("[WARN] could not load run %s to record failure: %v", runID, err)
		return
	}
	if env != nil {
		message = Redact(message, env.secrets)
	}
	combined := model.LogStderr
	if combined != "" {
		combined += "\n"
	}
	combined += message
	if err := m.Store.SetLogFields(ctx, runID, LogFields{Stderr: &combined}); err != nil {
		m.logf("[WARN] could not record failure for run %s: %v", runID, err)
	}
}

func (m *Manager) captureDiagnostics(ctx context.Context, runID uuid.UUID, state State, runDir string, env *execEnv) {
	if m.Signer == nil || m.ArchiveDir == "" {
		return
	}

	var secrets []string
	if env != nil {
		secrets = env.secrets
	}
	output := filepath.Join(m.ArchiveDir, fmt.Sprintf("run_%s.tar.zst", runID))
	_, err := diagnostics.Build(ctx, diagnostics.BuildConfig{
		RunDir:     runDir,
		RunID:      runID.String(),
		FinalState: string(state),
		Output:     output,
		Signer:     m.Signer,
		Exclude:    []string{paramsFileName},
		Redact: func(data []byte) []byte {
			return []byte(Redact(string(data), secrets))
		},
	})
	if err != nil {
		m.logf("[WARN] diagnostics capture for run %s failed: %v", runID, err)
		return
	}
	m.logf("[INFO] wrote diagnostics archive %s", output)

	if m.S3 == nil || m.S3Bucket == "" {
		return
	}
	key := fmt.Sprintf("diagnostics/run_%s.tar.zst", runID)
	if err := m.S3.PutFile(ctx, m.S3Bucket, key, output); err != nil {
		m.logf("[WARN] diagnostics upload for run %s failed: %v", runID, err)
		return
	}
	m.logf("[INFO] uploaded diagnostics for run %s to s3://%s/%s", runID, m.S3Bucket, key)
}

// RecoverStuckRuns repairs runs left mid-flight by an unclean shutdown.
// Queued runs stay queued: the durable work queue will redeliver them. Runs
// that were initializing or running lost their process and become system
// errors. Runs stuck in CANCELING are left alone; resolving them is an
// operator decision, not a restart side effect.
func (m *Manager) RecoverStuckRuns(ctx context.Context) error {
	stuck, err := m.Store.RunsInStates(ctx, []State{StateInitializing, StateRunning})
	if err != nil {
		return err
	}
	for i := range stuck {
		run := &stuck[i]
		m.logf("[WARN] recovering run %s from %s to %s", run.ID, run.State, StateSystemError)
		if err := m.Store.FinishRun(ctx, run.ID, StateSystemError); err != nil {
			return err
		}
	}
	return nil
}
