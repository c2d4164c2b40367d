package wes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	paramsFileName   = "_workflow_params.json"
	optionsFileName  = "_workflow_options.json"
	metadataFileName = "_job_metadata_output.json"
)

// wdlWorkflowName matches the first workflow declaration in a WDL document.
var wdlWorkflowName = regexp.MustCompile(`workflow\s+([a-zA-Z][a-zA-Z0-9_]+)`)

// Cromwell executes WDL workflows through a local Cromwell engine, with
// WOMtool doing pre-flight validation.
type Cromwell struct {
	JavaBin     string // defaults to "java"
	CromwellJar string
	WOMToolJar  string
	OutputDir   string // final workflow outputs land here
}

func (c *Cromwell) Type() WorkflowType { return WorkflowTypeWDL }

func (c *Cromwell) java() string {
	if c.JavaBin != "" {
		return c.JavaBin
	}
	return "java"
}

// WorkflowName pulls the workflow identifier out of the WDL source.
func (c *Cromwell) WorkflowName(workflowPath string) (string, error) {
	src, err := os.ReadFile(workflowPath)
	if err != nil {
		return "", err
	}
	m := wdlWorkflowName.FindSubmatch(src)
	if m == nil {
		return "", fmt.Errorf("no workflow declaration found in %s", filepath.Base(workflowPath))
	}
	return string(m[1]), nil
}

// Validate runs WOMtool over the workflow. Validation errors from the tool are
// the submitter's fault; a missing tool or interpreter is an infrastructure
// fault. Workflows with imported dependencies are rejected since the service
// only stages a single definition file.
func (c *Cromwell) Validate(ctx context.Context, workflowPath string) *RunFailure {
	if c.WOMToolJar == "" {
		return SystemFailure("womtool is not configured")
	}

	cmd := exec.CommandContext(ctx, c.java(), "-jar", c.WOMToolJar, "validate", "-l", workflowPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ExecutorFailure("failed with womtool validation error: %s", strings.TrimSpace(string(out)))
		}
		return SystemFailure("could not invoke womtool: %v", err)
	}

	// "womtool validate -l" prints the dependency list after the success
	// line; anything other than "None" means the workflow imports files the
	// service did not stage.
	if !strings.Contains(string(out), "None") {
		return ExecutorFailure("workflow has unsupported dependencies: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// BuildCommand writes the parameter and option files into runDir and returns
// the Cromwell invocation.
func (c *Cromwell) BuildCommand(runDir, workflowPath string, params map[string]any) ([]string, error) {
	paramsPath := filepath.Join(runDir, paramsFileName)
	paramsData, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	if err := os.WriteFile(paramsPath, paramsData, 0o600); err != nil {
		return nil, err
	}

	optionsPath := filepath.Join(runDir, optionsFileName)
	optionsData, err := json.Marshal(map[string]any{
		"final_workflow_outputs_dir": c.OutputDir,
		"use_relative_output_paths":  true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	if err := os.WriteFile(optionsPath, optionsData, 0o644); err != nil {
		return nil, err
	}

	return []string{
		c.java(),
		"-DLOG_MODE=pretty",
		"-jar", c.CromwellJar,
		"run",
		"--inputs", paramsPath,
		"--options", optionsPath,
		"--workflow-root", runDir,
		"--metadata-output", filepath.Join(runDir, metadataFileName),
		workflowPath,
	}, nil
}

// OutputValues reads the outputs block of Cromwell's metadata file.
func (c *Cromwell) OutputValues(runDir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(runDir, metadataFileName))
	if err != nil {
		return nil, fmt.Errorf("read run metadata: %w", err)
	}
	var metadata struct {
		Outputs map[string]any `json:"outputs"`
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("decode run metadata: %w", err)
	}
	if metadata.Outputs == nil {
		return map[string]any{}, nil
	}
	return metadata.Outputs, nil
}
