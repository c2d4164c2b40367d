package wes

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const artifactURLTTL = 15 * time.Minute

// handleCreateRun validates and queues a new run. Validation failures reject
// the request outright; no run row exists until the submission is known good.
func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.WorkflowURL == "" {
		respondError(w, http.StatusBadRequest, errors.New("workflow_url is required"))
		return
	}
	if _, err := a.backends.Lookup(req.WorkflowType); err != nil {
		respondDomainError(w, err)
		return
	}

	if _, err := a.fetcher.Fetch(req.WorkflowURL, req.WorkflowType); err != nil {
		respondDomainError(w, err)
		return
	}

	if err := a.injectSubmissionParams(r, &req); err != nil {
		respondDomainError(w, err)
		return
	}

	runID := uuid.New()
	model, err := newRunModel(runID, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	if err := a.store.InsertRun(ctx, model); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if err := a.store.UpdateState(ctx, runID, StateQueued, false); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if err := os.MkdirAll(a.manager.RunDir(runID), 0o755); err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("create run directory: %w", err))
		return
	}

	taskID, err := a.dispatcher.Enqueue(ctx, runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("queue run: %w", err))
		return
	}
	if err := a.store.SetLogFields(ctx, runID, LogFields{TaskID: &taskID}); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	a.logf("[INFO] queued run %s (task %s)", runID, taskID)
	respondJSON(w, http.StatusOK, map[string]string{"run_id": runID.String()})
}

// injectSubmissionParams fills declared config and service-url inputs into the
// workflow parameters. Secrets are deliberately not handled here: they are
// resolved worker-side at execution time and never persisted.
func (a *API) injectSubmissionParams(r *http.Request, req *RunRequest) error {
	meta := req.Tags.WorkflowMetadata
	if req.WorkflowParams == nil {
		req.WorkflowParams = map[string]any{}
	}
	for _, input := range meta.Inputs {
		key := input.Key
		if key == "" {
			key = input.ID
		}
		switch input.Type {
		case InputKindConfig:
			value, ok := a.configVals[key]
			if !ok {
				return &BadRequestError{Reason: fmt.Sprintf("no configured value for input %q", input.ID)}
			}
			req.WorkflowParams[NamespacedInput(meta.ID, input.ID)] = value
		case InputKindServiceURL:
			if a.serviceURLs == nil {
				return &BadRequestError{Reason: fmt.Sprintf("service URLs are not configured, cannot fill input %q", input.ID)}
			}
			url, _, err := a.serviceURLs.Get(r.Context(), key)
			if err != nil {
				return fmt.Errorf("resolve service URL %q: %w", key, err)
			}
			req.WorkflowParams[NamespacedInput(meta.ID, input.ID)] = url
		}
	}
	return nil
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	withDetails, _ := strconv.ParseBool(r.URL.Query().Get("with_details"))

	models, err := a.store.ListRuns(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if !withDetails {
		runs := make([]Run, len(models))
		for i := range models {
			runs[i] = models[i].toRun()
		}
		respondJSON(w, http.StatusOK, runs)
		return
	}

	details := make([]RunDetails, 0, len(models))
	for i := range models {
		d, err := models[i].toDetails(a.baseURL, false)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		details = append(details, d)
	}
	respondJSON(w, http.StatusOK, details)
}

func (a *API) runFromPath(w http.ResponseWriter, r *http.Request) (*RunModel, bool) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid run id"))
		return nil, false
	}
	model, err := a.store.GetRun(r.Context(), runID)
	if err != nil {
		respondDomainError(w, err)
		return nil, false
	}
	return model, true
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	model, ok := a.runFromPath(w, r)
	if !ok {
		return
	}
	details, err := model.toDetails(a.baseURL, false)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, details)
}

// handleRunStatus serves the hot-path poll target.
func (a *API) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid run id"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	run, err := a.store.RunStatus(ctx, runID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (a *API) handleRunStdout(w http.ResponseWriter, r *http.Request) {
	model, ok := a.runFromPath(w, r)
	if !ok {
		return
	}
	serveStream(w, State(model.State), model.LogStdout)
}

func (a *API) handleRunStderr(w http.ResponseWriter, r *http.Request) {
	model, ok := a.runFromPath(w, r)
	if !ok {
		return
	}
	serveStream(w, State(model.State), model.LogStderr)
}

// serveStream writes a run's output stream. Terminal runs never change again,
// so their streams are cacheable; live streams must not be.
func serveStream(w http.ResponseWriter, state State, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if state.IsTerminated() {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
	_, _ = w.Write([]byte(body))
}

func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	model, ok := a.runFromPath(w, r)
	if !ok {
		return
	}
	runID := model.ID

	if reason, rejected := CancelRejection(State(model.State)); rejected {
		respondError(w, http.StatusBadRequest, errors.New(reason))
		return
	}
	if model.LogTaskID == "" {
		respondError(w, http.StatusInternalServerError, errors.New("run has no task to revoke"))
		return
	}

	ctx := r.Context()
	if err := a.store.UpdateState(ctx, runID, StateCanceling, true); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if err := a.dispatcher.Revoke(ctx, model.LogTaskID, runID); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	a.logf("[INFO] canceling run %s (task %s)", runID, model.LogTaskID)
	respondJSON(w, http.StatusOK, map[string]string{"run_id": runID.String()})
}

// handleDownloadArtifact hands out a single file artifact produced by a run.
// The requested path must appear among the run's file-typed output values;
// anything else is refused regardless of what exists on disk.
func (a *API) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	model, ok := a.runFromPath(w, r)
	if !ok {
		return
	}

	var body struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if body.Path == "" {
		respondError(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}

	var outputs map[string]RunOutput
	if err := jsonField(model.Outputs, &outputs); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !artifactInOutputs(outputs, body.Path) {
		respondError(w, http.StatusBadRequest, fmt.Errorf("artifact %q is not an output of run %s", body.Path, model.ID))
		return
	}

	if a.s3 != nil && a.s3Bucket != "" {
		if rel, err := filepath.Rel(a.manager.OutputDir, body.Path); err == nil && !strings.HasPrefix(rel, "..") {
			key := "outputs/" + filepath.ToSlash(rel)
			url, err := a.s3.PresignGet(r.Context(), a.s3Bucket, key, artifactURLTTL)
			if err == nil {
				http.Redirect(w, r, url, http.StatusFound)
				return
			}
			a.logf("[WARN] presign for %s failed, serving locally: %v", key, err)
		}
	}

	http.ServeFile(w, r, body.Path)
}

// artifactInOutputs reports whether path appears among the file-typed output
// values, flattening nested arrays.
func artifactInOutputs(outputs map[string]RunOutput, path string) bool {
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
			if s, ok := value.(string); ok && s == path {
				return true
			}
		}
	}
	return false
}
