package wes

import (
	"context"
	"time"

	"github.com/google/uuid"

	"wesd/pkg/bus"
)

// Event subjects. Run state changes and completion notices are published after
// the corresponding database transaction commits, never before.
const (
	SubjectRunsUpdated   = "wes.runs.updated"
	SubjectRunsFinished  = "wes.runs.finished"
	SubjectNotifications = "wes.notifications"

	SubjectRunsQueued = "wes.runs.queued"
	SubjectRunsRevoke = "wes.runs.revoke"
)

// Notification types. Canceled runs produce no notification; cancellation is
// always caller-initiated.
const (
	NotificationRunCompleted = "wes_run_completed"
	NotificationRunFailed    = "wes_run_failed"
)

// RunUpdatedEvent is published on every persisted state transition. Details is
// the full run snapshot as of the transition, with stream content inline.
type RunUpdatedEvent struct {
	RunID   uuid.UUID  `json:"run_id"`
	State   State      `json:"state"`
	Details RunDetails `json:"details"`
	At      time.Time  `json:"at"`
}

// RunFinishedEvent is published once a run completes successfully. Params are
// the stored request parameters, which never contain secret values.
type RunFinishedEvent struct {
	RunID        uuid.UUID            `json:"run_id"`
	WorkflowName string               `json:"workflow_name"`
	Metadata     WorkflowMetadata     `json:"workflow_metadata"`
	Outputs      map[string]RunOutput `json:"outputs"`
	Params       map[string]any       `json:"params"`
	At           time.Time            `json:"at"`
}

// Notification is a user-facing terminal notice distinguishing success from
// failure.
type Notification struct {
	Type   string    `json:"type"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	RunID  uuid.UUID `json:"run_id"`
	SentAt time.Time `json:"sent_at"`
}

// Publisher emits run lifecycle events. The store calls it after commit so
// consumers never observe an event for a transition that was rolled back.
type Publisher interface {
	PublishRunUpdated(ctx context.Context, details RunDetails) error
	PublishRunFinished(ctx context.Context, ev RunFinishedEvent) error
	PublishNotification(ctx context.Context, n Notification) error
}

// BusPublisher publishes events over NATS JetStream.
type BusPublisher struct {
	Bus *bus.Bus
}

func (p *BusPublisher) PublishRunUpdated(ctx context.Context, details RunDetails) error {
	return p.Bus.Publish(ctx, SubjectRunsUpdated, RunUpdatedEvent{
		RunID:   details.ID,
		State:   details.State,
		Details: details,
		At:      time.Now().UTC(),
	})
}

func (p *BusPublisher) PublishRunFinished(ctx context.Context, ev RunFinishedEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return p.Bus.Publish(ctx, SubjectRunsFinished, ev)
}

func (p *BusPublisher) PublishNotification(ctx context.Context, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	return p.Bus.Publish(ctx, SubjectNotifications, n)
}
