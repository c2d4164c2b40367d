package wes

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestCromwellWorkflowName(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		want    string
		wantErr bool
	}{
		{
			name:   "simple workflow",
			source: "version 1.0\n\nworkflow hello_world {\n}\n",
			want:   "hello_world",
		},
		{
			name:   "workflow after task",
			source: "task step {}\nworkflow align2 { call step }\n",
			want:   "align2",
		},
		{
			name:    "no workflow declaration",
			source:  "task only {}\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "wf.wdl")
			if err := os.WriteFile(path, []byte(tt.source), 0o644); err != nil {
				t.Fatal(err)
			}

			c := &Cromwell{}
			got, err := c.WorkflowName(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("WorkflowName() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("WorkflowName() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("WorkflowName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCromwellValidateMissingTooling(t *testing.T) {
	t.Run("womtool unconfigured", func(t *testing.T) {
		c := &Cromwell{}
		failure := c.Validate(context.Background(), "/tmp/wf.wdl")
		if failure == nil {
			t.Fatal("Validate() = nil, want failure")
		}
		if failure.State != StateSystemError {
			t.Errorf("State = %s, want %s", failure.State, StateSystemError)
		}
	})

	t.Run("missing interpreter", func(t *testing.T) {
		c := &Cromwell{JavaBin: "/nonexistent/java", WOMToolJar: "/tmp/womtool.jar"}
		failure := c.Validate(context.Background(), "/tmp/wf.wdl")
		if failure == nil {
			t.Fatal("Validate() = nil, want failure")
		}
		if failure.State != StateSystemError {
			t.Errorf("State = %s, want %s", failure.State, StateSystemError)
		}
	})
}

func TestCromwellBuildCommand(t *testing.T) {
	runDir := t.TempDir()
	c := &Cromwell{
		CromwellJar: "/opt/cromwell.jar",
		OutputDir:   "/data/output",
	}

	params := map[string]any{"hello.name": "world"}
	cmd, err := c.BuildCommand(runDir, "/cache/wf.wdl", params)
	if err != nil {
		t.Fatalf("BuildCommand() error = %v", err)
	}

	want := []string{
		"java",
		"-DLOG_MODE=pretty",
		"-jar", "/opt/cromwell.jar",
		"run",
		"--inputs", filepath.Join(runDir, "_workflow_params.json"),
		"--options", filepath.Join(runDir, "_workflow_options.json"),
		"--workflow-root", runDir,
		"--metadata-output", filepath.Join(runDir, "_job_metadata_output.json"),
		"/cache/wf.wdl",
	}
	if !reflect.DeepEqual(cmd, want) {
		t.Errorf("BuildCommand() = %v, want %v", cmd, want)
	}

	paramsData, err := os.ReadFile(filepath.Join(runDir, "_workflow_params.json"))
	if err != nil {
		t.Fatal(err)
	}
	var gotParams map[string]any
	if err := json.Unmarshal(paramsData, &gotParams); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(gotParams, params) {
		t.Errorf("params file = %#v, want %#v", gotParams, params)
	}

	optionsData, err := os.ReadFile(filepath.Join(runDir, "_workflow_options.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(optionsData), `"final_workflow_outputs_dir":"/data/output"`) {
		t.Errorf("options file %s is missing the outputs dir", optionsData)
	}
}

func TestCromwellOutputValues(t *testing.T) {
	runDir := t.TempDir()
	metadata := `{"outputs": {"hello.report": "/tmp/report.txt", "hello.count": 4}, "status": "Succeeded"}`
	if err := os.WriteFile(filepath.Join(runDir, "_job_metadata_output.json"), []byte(metadata), 0o644); err != nil {
		t.Fatal(err)
	}

	c := &Cromwell{}
	got, err := c.OutputValues(runDir)
	if err != nil {
		t.Fatalf("OutputValues() error = %v", err)
	}
	want := map[string]any{
		"hello.report": "/tmp/report.txt",
		"hello.count":  float64(4),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("OutputValues() = %#v, want %#v", got, want)
	}

	t.Run("missing metadata", func(t *testing.T) {
		if _, err := c.OutputValues(t.TempDir()); err == nil {
			t.Error("OutputValues() without metadata succeeded")
		}
	})
}
