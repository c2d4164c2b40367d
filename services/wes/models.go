package wes

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowType identifies a workflow description language.
type WorkflowType string

const (
	WorkflowTypeWDL WorkflowType = "WDL"
	WorkflowTypeCWL WorkflowType = "CWL"
)

// Input parameter kinds recognised at submission time. Most kinds are passed
// through untouched; secret, config, and service-url inputs are resolved or
// injected by the service itself.
const (
	InputKindString     = "string"
	InputKindNumber     = "number"
	InputKindBoolean    = "boolean"
	InputKindEnum       = "enum"
	InputKindFile       = "file"
	InputKindFileArray  = "file[]"
	InputKindDirectory  = "directory"
	InputKindSecret     = "secret"
	InputKindConfig     = "config"
	InputKindServiceURL = "service-url"
)

// WorkflowInput describes a single declared workflow parameter.
type WorkflowInput struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Key      string `json:"key,omitempty"` // config key or service kind for injected kinds
}

// WorkflowOutput declares a produced artifact and its engine type tag, for
// example "File" or "Array[File]".
type WorkflowOutput struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// WorkflowMetadata is the tag-supplied description of a workflow: its
// identifier plus declared inputs and outputs.
type WorkflowMetadata struct {
	ID      string           `json:"id"`
	Name    string           `json:"name,omitempty"`
	Inputs  []WorkflowInput  `json:"inputs,omitempty"`
	Outputs []WorkflowOutput `json:"outputs,omitempty"`
}

// RunRequestTags carries service-specific submission metadata alongside the
// standard request fields. ProjectID and DatasetID name the resource the run
// acts upon; they are recorded for the authorization layer and not consulted
// during execution.
type RunRequestTags struct {
	WorkflowID       string           `json:"workflow_id"`
	WorkflowMetadata WorkflowMetadata `json:"workflow_metadata"`
	ProjectID        string           `json:"project_id,omitempty"`
	DatasetID        string           `json:"dataset_id,omitempty"`
}

// RunRequest is an execution request for a single workflow run.
type RunRequest struct {
	WorkflowParams       map[string]any    `json:"workflow_params"`
	WorkflowType         WorkflowType      `json:"workflow_type"`
	WorkflowTypeVersion  string            `json:"workflow_type_version"`
	WorkflowEngineParams map[string]string `json:"workflow_engine_parameters"`
	WorkflowURL          string            `json:"workflow_url"`
	Tags                 RunRequestTags    `json:"tags"`
}

// RunLog is the observable execution record of a run.
type RunLog struct {
	Name      string     `json:"name"`
	Cmd       string     `json:"cmd"`
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Stdout    string     `json:"stdout"`
	Stderr    string     `json:"stderr"`
	ExitCode  *int       `json:"exit_code"`
}

// RunOutput is a typed workflow output value. Type is the engine's type tag
// (for example "File" or "Array[File]"); Value mirrors the engine's JSON.
type RunOutput struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Run is the summary view of a run.
type Run struct {
	ID    uuid.UUID `json:"run_id"`
	State State     `json:"state"`
}

// RunDetails is the full view of a run, as stored plus derived fields.
type RunDetails struct {
	ID       uuid.UUID            `json:"run_id"`
	State    State                `json:"state"`
	Request  RunRequest           `json:"request"`
	RunLog   RunLog               `json:"run_log"`
	Outputs  map[string]RunOutput `json:"outputs"`
	TaskLogs []any                `json:"task_logs"`
}

// NamespacedInput returns the engine-facing name of a workflow parameter:
// the workflow identifier joined to the input identifier with a dot.
func NamespacedInput(workflowID, inputID string) string {
	return fmt.Sprintf("%s.%s", workflowID, inputID)
}
