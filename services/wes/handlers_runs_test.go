package wes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

type fakeDispatcher struct {
	enqueued []uuid.UUID
	revoked  []string
	failNext bool
}

func (d *fakeDispatcher) Enqueue(_ context.Context, runID uuid.UUID) (string, error) {
	if d.failNext {
		return "", fmt.Errorf("queue unavailable")
	}
	d.enqueued = append(d.enqueued, runID)
	return "task-" + runID.String(), nil
}

func (d *fakeDispatcher) Revoke(_ context.Context, taskID string, _ uuid.UUID) error {
	d.revoked = append(d.revoked, taskID)
	return nil
}

type apiFixture struct {
	api        *API
	store      *fakeStore
	dispatcher *fakeDispatcher
	handler    http.Handler
	tmp        string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	tmp := t.TempDir()
	pub := &fakePublisher{}
	store := newFakeStore(pub)
	dispatcher := &fakeDispatcher{}

	manager := &Manager{
		Store:      store,
		RunBaseDir: filepath.Join(tmp, "runs"),
		OutputDir:  filepath.Join(tmp, "output"),
	}

	api, err := NewAPI(APIConfig{
		Store:      store,
		Backends:   NewRegistry(&fakeBackend{}),
		Fetcher:    &Fetcher{Dir: filepath.Join(tmp, "cache")},
		Dispatcher: dispatcher,
		Manager:    manager,
		BaseURL:    "http://wes.test",
		ConfigVals: map[string]string{"project": "demo"},
	})
	if err != nil {
		t.Fatal(err)
	}

	return &apiFixture{
		api:        api,
		store:      store,
		dispatcher: dispatcher,
		handler:    api.Routes(),
		tmp:        tmp,
	}
}

func (f *apiFixture) workflowURI(t *testing.T) string {
	t.Helper()
	wf := filepath.Join(f.tmp, "wf.wdl")
	if err := os.WriteFile(wf, []byte("workflow hello {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	return "file://" + wf
}

func (f *apiFixture) submitBody(t *testing.T, uri string) []byte {
	t.Helper()
	body, err := json.Marshal(RunRequest{
		WorkflowParams:      map[string]any{"hello.name": "x"},
		WorkflowType:        WorkflowTypeWDL,
		WorkflowTypeVersion: "1.0",
		WorkflowURL:         uri,
		Tags: RunRequestTags{
			WorkflowID: "hello",
			WorkflowMetadata: WorkflowMetadata{
				ID: "hello",
				Inputs: []WorkflowInput{
					{ID: "name", Type: InputKindString},
					{ID: "proj", Type: InputKindConfig, Key: "project"},
				},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestCreateRun(t *testing.T) {
	f := newAPIFixture(t)
	body := f.submitBody(t, f.workflowURI(t))

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	runID, err := uuid.Parse(resp["run_id"])
	if err != nil {
		t.Fatalf("run_id %q: %v", resp["run_id"], err)
	}

	model, err := f.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if State(model.State) != StateQueued {
		t.Errorf("state = %s, want %s", model.State, StateQueued)
	}
	if model.LogTaskID == "" {
		t.Error("task id not recorded")
	}
	if len(f.dispatcher.enqueued) != 1 || f.dispatcher.enqueued[0] != runID {
		t.Errorf("enqueued = %v", f.dispatcher.enqueued)
	}

	// The declared config input was filled in at submission.
	req, err := model.toRequest()
	if err != nil {
		t.Fatal(err)
	}
	if got := req.WorkflowParams["hello.proj"]; got != "demo" {
		t.Errorf("config input = %v, want %q", got, "demo")
	}

	// The run directory exists for the worker.
	if _, err := os.Stat(filepath.Join(f.tmp, "runs", runID.String())); err != nil {
		t.Errorf("run directory missing: %v", err)
	}
}

func TestCreateRunRejections(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body []byte
	}{
		{
			name: "missing workflow url",
			body: []byte(`{"workflow_type": "WDL"}`),
		},
		{
			name: "unsupported workflow type",
			body: []byte(`{"workflow_type": "CWL", "workflow_url": "file:///tmp/wf.cwl"}`),
		},
		{
			name: "unfetchable workflow",
			body: f.submitBody(t, "file:///nonexistent/wf.wdl"),
		},
		{
			name: "malformed json",
			body: []byte(`{`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/", bytes.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
			}
		})
	}

	// No run row exists after any rejected submission.
	runs, err := f.store.ListRuns(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("rejected submissions left %d run rows", len(runs))
	}
}

func (f *apiFixture) seedRun(t *testing.T, state State, taskID string) uuid.UUID {
	t.Helper()
	runID := uuid.New()
	model, err := newRunModel(runID, &RunRequest{WorkflowType: WorkflowTypeWDL})
	if err != nil {
		t.Fatal(err)
	}
	model.State = string(state)
	model.LogTaskID = taskID
	if err := f.store.InsertRun(context.Background(), model); err != nil {
		t.Fatal(err)
	}
	return runID
}

func TestCancelRun(t *testing.T) {
	tests := []struct {
		name       string
		state      State
		taskID     string
		wantStatus int
		wantReason string
	}{
		{"running run cancels", StateRunning, "task-1", http.StatusOK, ""},
		{"queued run cancels", StateQueued, "task-2", http.StatusOK, ""},
		{"already canceled", StateCanceled, "task-3", http.StatusBadRequest, "already canceled"},
		{"already canceling", StateCanceling, "task-4", http.StatusBadRequest, "already canceled"},
		{"already failed", StateSystemError, "task-5", http.StatusBadRequest, "terminated with error"},
		{"already complete", StateComplete, "task-6", http.StatusBadRequest, "already completed"},
		{"no task recorded", StateRunning, "", http.StatusInternalServerError, "no task"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			runID := f.seedRun(t, tt.state, tt.taskID)

			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/"+runID.String()+"/cancel", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if tt.wantReason != "" && !strings.Contains(rec.Body.String(), tt.wantReason) {
				t.Errorf("body %q does not contain %q", rec.Body, tt.wantReason)
			}

			if tt.wantStatus == http.StatusOK {
				model, err := f.store.GetRun(context.Background(), runID)
				if err != nil {
					t.Fatal(err)
				}
				if State(model.State) != StateCanceling {
					t.Errorf("state = %s, want %s", model.State, StateCanceling)
				}
				if len(f.dispatcher.revoked) != 1 || f.dispatcher.revoked[0] != tt.taskID {
					t.Errorf("revoked = %v, want [%s]", f.dispatcher.revoked, tt.taskID)
				}
			} else if len(f.dispatcher.revoked) != 0 {
				t.Errorf("rejected cancel still revoked %v", f.dispatcher.revoked)
			}
		})
	}
}

func TestRunStatusAndStreams(t *testing.T) {
	f := newAPIFixture(t)
	runID := f.seedRun(t, StateRunning, "task-1")
	stdout := "live output"
	if err := f.store.SetLogFields(context.Background(), runID, LogFields{Stdout: &stdout}); err != nil {
		t.Fatal(err)
	}

	t.Run("status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+runID.String()+"/status", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var run Run
		if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
			t.Fatal(err)
		}
		if run.ID != runID || run.State != StateRunning {
			t.Errorf("run = %+v", run)
		}
	})

	t.Run("live stream is uncacheable", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+runID.String()+"/stdout", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Body.String() != "live output" {
			t.Errorf("body = %q", rec.Body)
		}
		if got := rec.Header().Get("Cache-Control"); got != "no-store" {
			t.Errorf("Cache-Control = %q, want no-store", got)
		}
	})

	t.Run("terminal stream is cacheable", func(t *testing.T) {
		if err := f.store.UpdateState(context.Background(), runID, StateComplete, false); err != nil {
			t.Fatal(err)
		}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+runID.String()+"/stderr", nil))
		if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "max-age") {
			t.Errorf("Cache-Control = %q, want a max-age", got)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+uuid.NewString()+"/status", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestListRuns(t *testing.T) {
	f := newAPIFixture(t)
	f.seedRun(t, StateComplete, "task-1")
	f.seedRun(t, StateRunning, "task-2")

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var runs []Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("listed %d runs, want 2", len(runs))
	}

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/?with_details=true", nil))
	var details []RunDetails
	if err := json.Unmarshal(rec.Body.Bytes(), &details); err != nil {
		t.Fatal(err)
	}
	if len(details) != 2 {
		t.Fatalf("listed %d detailed runs, want 2", len(details))
	}
	for _, d := range details {
		want := fmt.Sprintf("http://wes.test/runs/%s/stdout", d.ID)
		if d.RunLog.Stdout != want {
			t.Errorf("stdout link = %q, want %q", d.RunLog.Stdout, want)
		}
	}
}

func TestDownloadArtifactGuard(t *testing.T) {
	f := newAPIFixture(t)
	runID := f.seedRun(t, StateComplete, "task-1")

	artifact := filepath.Join(f.tmp, "output", "report.txt")
	if err := os.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(artifact, []byte("results"), 0o644); err != nil {
		t.Fatal(err)
	}
	outputs := map[string]RunOutput{
		"report": {Type: "File", Value: artifact},
		"nested": {Type: "Array[Array[File]]", Value: []any{[]any{artifact}}},
	}
	if err := f.store.SetOutputs(context.Background(), runID, outputs); err != nil {
		t.Fatal(err)
	}

	download := func(path string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"path": path})
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
			"/runs/"+runID.String()+"/download-artifact", bytes.NewReader(body)))
		return rec
	}

	t.Run("declared artifact is served", func(t *testing.T) {
		rec := download(artifact)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		if rec.Body.String() != "results" {
			t.Errorf("body = %q", rec.Body)
		}
	})

	t.Run("undeclared path is refused", func(t *testing.T) {
		secret := filepath.Join(f.tmp, "secret.txt")
		if err := os.WriteFile(secret, []byte("private"), 0o644); err != nil {
			t.Fatal(err)
		}
		rec := download(secret)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}
