package wes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"wesd/pkg/db"
)

// LogFields is a partial update of a run's log columns. Nil pointers leave the
// stored value untouched.
type LogFields struct {
	Name      *string
	Cmd       *string
	TaskID    *string
	StartTime *time.Time
	Stdout    *string
	Stderr    *string
	ExitCode  *int
}

// Store persists runs. State transitions are committed before any event is
// published, so observers can always read back the state an event describes.
type Store interface {
	InsertRun(ctx context.Context, m *RunModel) error
	GetRun(ctx context.Context, id uuid.UUID) (*RunModel, error)
	ListRuns(ctx context.Context) ([]RunModel, error)
	RunsInStates(ctx context.Context, states []State) ([]RunModel, error)
	RunStatus(ctx context.Context, id uuid.UUID) (Run, error)

	UpdateState(ctx context.Context, id uuid.UUID, state State, emit bool) error
	SetLogFields(ctx context.Context, id uuid.UUID, fields LogFields) error
	SetOutputs(ctx context.Context, id uuid.UUID, outputs map[string]RunOutput) error
	FinishRun(ctx context.Context, id uuid.UUID, state State) error
}

// PostgresStore implements Store on top of gorm for row lifecycle and a pgx
// pool for hot-path status reads.
type PostgresStore struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
	pub  Publisher
}

func NewPostgresStore(orm *gorm.DB, pool *pgxpool.Pool, pub Publisher) *PostgresStore {
	return &PostgresStore{orm: orm, pool: pool, pub: pub}
}

func (s *PostgresStore) InsertRun(ctx context.Context, m *RunModel) error {
	return s.orm.WithContext(ctx).Create(m).Error
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*RunModel, error) {
	var m RunModel
	err := s.orm.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Reason: fmt.Sprintf("run %s not found", id)}
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]RunModel, error) {
	var ms []RunModel
	err := s.orm.WithContext(ctx).Order("created_at desc").Find(&ms).Error
	return ms, err
}

func (s *PostgresStore) RunsInStates(ctx context.Context, states []State) ([]RunModel, error) {
	raw := make([]string, len(states))
	for i, st := range states {
		raw[i] = string(st)
	}
	var ms []RunModel
	err := s.orm.WithContext(ctx).Where("state IN ?", raw).Find(&ms).Error
	return ms, err
}

// RunStatus reads only the run identifier and state, bypassing the ORM.
func (s *PostgresStore) RunStatus(ctx context.Context, id uuid.UUID) (Run, error) {
	var row struct {
		ID    uuid.UUID `db:"id"`
		State string    `db:"state"`
	}
	err := db.Get(ctx, s.pool, &row, `SELECT id, state FROM runs WHERE id = $1`, id)
	if pgxscan.NotFound(err) {
		return Run{}, &NotFoundError{Reason: fmt.Sprintf("run %s not found", id)}
	}
	if err != nil {
		return Run{}, err
	}
	return Run{ID: row.ID, State: State(row.State)}, nil
}

func (s *PostgresStore) UpdateState(ctx context.Context, id uuid.UUID, state State, emit bool) error {
	res := s.orm.WithContext(ctx).Model(&RunModel{}).Where("id = ?", id).
		Update("state", string(state))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Reason: fmt.Sprintf("run %s not found", id)}
	}
	if emit && s.pub != nil {
		return s.publishUpdated(ctx, id)
	}
	return nil
}

// publishUpdated re-reads the committed row so the event snapshot always
// matches durable state.
func (s *PostgresStore) publishUpdated(ctx context.Context, id uuid.UUID) error {
	m, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	details, err := m.toDetails("", true)
	if err != nil {
		return err
	}
	return s.pub.PublishRunUpdated(ctx, details)
}

func (s *PostgresStore) SetLogFields(ctx context.Context, id uuid.UUID, fields LogFields) error {
	updates := map[string]any{}
	if fields.Name != nil {
		updates["log_name"] = *fields.Name
	}
	if fields.Cmd != nil {
		updates["log_cmd"] = *fields.Cmd
	}
	if fields.TaskID != nil {
		updates["log_task_id"] = *fields.TaskID
	}
	if fields.StartTime != nil {
		updates["log_start_time"] = *fields.StartTime
	}
	if fields.Stdout != nil {
		updates["log_stdout"] = *fields.Stdout
	}
	if fields.Stderr != nil {
		updates["log_stderr"] = *fields.Stderr
	}
	if fields.ExitCode != nil {
		updates["log_exit_code"] = *fields.ExitCode
	}
	if len(updates) == 0 {
		return nil
	}
	return s.orm.WithContext(ctx).Model(&RunModel{}).Where("id = ?", id).
		Updates(updates).Error
}

func (s *PostgresStore) SetOutputs(ctx context.Context, id uuid.UUID, outputs map[string]RunOutput) error {
	col, err := jsonColumn(outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	return s.orm.WithContext(ctx).Model(&RunModel{}).Where("id = ?", id).
		Update("outputs", col).Error
}

// FinishRun records the terminal state and end time atomically, then publishes
// the state change, the finished event, and a user notification.
func (s *PostgresStore) FinishRun(ctx context.Context, id uuid.UUID, state State) error {
	now := time.Now().UTC()
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&RunModel{}).Where("id = ?", id).Updates(map[string]any{
			"state":        string(state),
			"log_end_time": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &NotFoundError{Reason: fmt.Sprintf("run %s not found", id)}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.pub == nil {
		return nil
	}
	m, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	details, err := m.toDetails("", true)
	if err != nil {
		return err
	}
	if err := s.pub.PublishRunUpdated(ctx, details); err != nil {
		return err
	}

	if state.IsSuccess() {
		if err := s.pub.PublishRunFinished(ctx, RunFinishedEvent{
			RunID:        id,
			WorkflowName: m.LogName,
			Metadata:     details.Request.Tags.WorkflowMetadata,
			Outputs:      details.Outputs,
			Params:       details.Request.WorkflowParams,
			At:           now,
		}); err != nil {
			return err
		}
	}

	// Cancellation is caller-initiated and produces no notification.
	if state == StateCanceled {
		return nil
	}
	n := Notification{
		Type:   NotificationRunCompleted,
		Title:  "Run completed",
		Body:   fmt.Sprintf("run %s finished with state %s", id, state),
		RunID:  id,
		SentAt: now,
	}
	if state.IsFailure() {
		n.Type = NotificationRunFailed
		n.Title = "Run failed"
	}
	return s.pub.PublishNotification(ctx, n)
}
