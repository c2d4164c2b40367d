package wes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RunModel is the persisted shape of a run. One row per run; the immutable
// request fields are flattened into request_* columns, the mutable run log
// into log_* columns, and outputs land as a JSON document once resolved.
type RunModel struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	State string    `gorm:"type:text;not null;index"`

	RequestWorkflowParams      datatypes.JSON `gorm:"type:jsonb"`
	RequestWorkflowType        string         `gorm:"type:text;not null"`
	RequestWorkflowTypeVersion string         `gorm:"type:text;not null"`
	RequestEngineParams        datatypes.JSON `gorm:"type:jsonb"`
	RequestWorkflowURL         string         `gorm:"type:text;not null"`
	RequestTags                datatypes.JSON `gorm:"type:jsonb"`

	LogName      string     `gorm:"type:text"`
	LogCmd       string     `gorm:"type:text"`
	LogTaskID    string     `gorm:"type:text"`
	LogStartTime *time.Time `gorm:"type:timestamptz"`
	LogEndTime   *time.Time `gorm:"type:timestamptz"`
	LogStdout    string     `gorm:"type:text;not null;default:''"`
	LogStderr    string     `gorm:"type:text;not null;default:''"`
	LogExitCode  *int       `gorm:"type:integer"`

	Outputs datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (RunModel) TableName() string { return "runs" }

func newRunModel(id uuid.UUID, req *RunRequest) (*RunModel, error) {
	params, err := jsonColumn(req.WorkflowParams)
	if err != nil {
		return nil, fmt.Errorf("encode workflow params: %w", err)
	}
	engineParams, err := jsonColumn(req.WorkflowEngineParams)
	if err != nil {
		return nil, fmt.Errorf("encode engine params: %w", err)
	}
	tags, err := jsonColumn(req.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}

	return &RunModel{
		ID:                         id,
		State:                      string(StateUnknown),
		RequestWorkflowParams:      params,
		RequestWorkflowType:        string(req.WorkflowType),
		RequestWorkflowTypeVersion: req.WorkflowTypeVersion,
		RequestEngineParams:        engineParams,
		RequestWorkflowURL:         req.WorkflowURL,
		RequestTags:                tags,
	}, nil
}

func (m *RunModel) toRun() Run {
	return Run{ID: m.ID, State: State(m.State)}
}

func (m *RunModel) toRequest() (RunRequest, error) {
	req := RunRequest{
		WorkflowType:        WorkflowType(m.RequestWorkflowType),
		WorkflowTypeVersion: m.RequestWorkflowTypeVersion,
		WorkflowURL:         m.RequestWorkflowURL,
	}
	if err := jsonField(m.RequestWorkflowParams, &req.WorkflowParams); err != nil {
		return req, fmt.Errorf("decode workflow params: %w", err)
	}
	if err := jsonField(m.RequestEngineParams, &req.WorkflowEngineParams); err != nil {
		return req, fmt.Errorf("decode engine params: %w", err)
	}
	if err := jsonField(m.RequestTags, &req.Tags); err != nil {
		return req, fmt.Errorf("decode tags: %w", err)
	}
	return req, nil
}

// toDetails converts a stored run to its API shape. When includeStreams is
// false the stdout/stderr bodies are replaced by per-run stream endpoints
// rooted at baseURL.
func (m *RunModel) toDetails(baseURL string, includeStreams bool) (RunDetails, error) {
	req, err := m.toRequest()
	if err != nil {
		return RunDetails{}, err
	}

	runLog := RunLog{
		Name:      m.LogName,
		Cmd:       m.LogCmd,
		StartTime: m.LogStartTime,
		EndTime:   m.LogEndTime,
		ExitCode:  m.LogExitCode,
	}
	if includeStreams {
		runLog.Stdout = m.LogStdout
		runLog.Stderr = m.LogStderr
	} else {
		runLog.Stdout = fmt.Sprintf("%s/runs/%s/stdout", baseURL, m.ID)
		runLog.Stderr = fmt.Sprintf("%s/runs/%s/stderr", baseURL, m.ID)
	}

	var outputs map[string]RunOutput
	if err := jsonField(m.Outputs, &outputs); err != nil {
		return RunDetails{}, fmt.Errorf("decode outputs: %w", err)
	}
	if outputs == nil {
		outputs = map[string]RunOutput{}
	}

	return RunDetails{
		ID:       m.ID,
		State:    State(m.State),
		Request:  req,
		RunLog:   runLog,
		Outputs:  outputs,
		TaskLogs: []any{},
	}, nil
}

func jsonColumn(v any) (datatypes.JSON, error) {
	if v == nil {
		return datatypes.JSON("null"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func jsonField(col datatypes.JSON, dst any) error {
	if len(col) == 0 {
		return nil
	}
	return json.Unmarshal(col, dst)
}
