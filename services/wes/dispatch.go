package wes

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"wesd/pkg/bus"
)

const runWorkerQueue = "wes-run-workers"

// revokeTombstoneTTL bounds how long a worker remembers a revocation for a run
// it never dequeues. Revocations fan out to every worker but at most one of
// them ever picks the run up, so the rest must eventually forget.
const revokeTombstoneTTL = time.Hour

// runTask is the queued unit of work for a run.
type runTask struct {
	TaskID string    `json:"task_id"`
	RunID  uuid.UUID `json:"run_id"`
}

// revokeTask asks whichever worker holds a run to abort it.
type revokeTask struct {
	TaskID string    `json:"task_id"`
	RunID  uuid.UUID `json:"run_id"`
}

// Dispatcher hands queued runs to workers and routes cancellation requests to
// whichever worker picked a run up.
type Dispatcher interface {
	Enqueue(ctx context.Context, runID uuid.UUID) (taskID string, err error)
	Revoke(ctx context.Context, taskID string, runID uuid.UUID) error
}

// NATSDispatcher queues runs over JetStream. Run tasks go through a queue
// group so exactly one worker executes each run; revocations fan out to every
// worker since only the holder can act on one.
type NATSDispatcher struct {
	Bus     *bus.Bus
	Manager *Manager
	Logger  *log.Logger

	mu      sync.Mutex
	revoked map[uuid.UUID]time.Time

	now func() time.Time // test hook
}

func (d *NATSDispatcher) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

// rememberRevocation records a tombstone for a run this worker is not
// executing, pruning any that have aged out.
func (d *NATSDispatcher) rememberRevocation(runID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.revoked == nil {
		d.revoked = make(map[uuid.UUID]time.Time)
	}
	now := d.clock()
	for id, at := range d.revoked {
		if now.Sub(at) > revokeTombstoneTTL {
			delete(d.revoked, id)
		}
	}
	d.revoked[runID] = now
}

// consumeRevocation reports whether a live tombstone exists for the run and
// removes it either way.
func (d *NATSDispatcher) consumeRevocation(runID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.revoked[runID]
	delete(d.revoked, runID)
	return ok && d.clock().Sub(at) <= revokeTombstoneTTL
}

func (d *NATSDispatcher) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

// Enqueue queues a run for execution and returns the task identifier.
func (d *NATSDispatcher) Enqueue(ctx context.Context, runID uuid.UUID) (string, error) {
	task := runTask{TaskID: uuid.NewString(), RunID: runID}
	if err := d.Bus.Publish(ctx, SubjectRunsQueued, task); err != nil {
		return "", err
	}
	return task.TaskID, nil
}

// Revoke broadcasts a cancellation for the given task.
func (d *NATSDispatcher) Revoke(ctx context.Context, taskID string, runID uuid.UUID) error {
	return d.Bus.Publish(ctx, SubjectRunsRevoke, revokeTask{TaskID: taskID, RunID: runID})
}

// Start subscribes the worker side: the run queue and the revocation fan-out.
// The returned closers stop consumption; ctx cancellation closes them too.
func (d *NATSDispatcher) Start(ctx context.Context) ([]io.Closer, error) {
	workSub, err := d.Bus.QueueSubscribe(ctx, SubjectRunsQueued, runWorkerQueue, d.handleRun)
	if err != nil {
		return nil, err
	}
	revokeSub, err := d.Bus.Subscribe(ctx, SubjectRunsRevoke, "wes-revoke-"+uuid.NewString(), d.handleRevoke)
	if err != nil {
		workSub.Close()
		return nil, err
	}
	return []io.Closer{workSub, revokeSub}, nil
}

func (d *NATSDispatcher) handleRun(ctx context.Context, data []byte) error {
	var task runTask
	if err := json.Unmarshal(data, &task); err != nil {
		d.logf("[ERROR] malformed run task: %v", err)
		return nil // poison message, do not redeliver
	}

	// A revocation can land before the run task when the run was canceled
	// while still queued.
	if d.consumeRevocation(task.RunID) {
		d.logf("[INFO] run %s was revoked before pickup", task.RunID)
		return d.Manager.Store.FinishRun(ctx, task.RunID, StateCanceled)
	}

	if err := d.Manager.PerformRun(ctx, task.RunID); err != nil {
		d.logf("[ERROR] run %s: %v", task.RunID, err)
		return err
	}
	return nil
}

func (d *NATSDispatcher) handleRevoke(ctx context.Context, data []byte) error {
	var task revokeTask
	if err := json.Unmarshal(data, &task); err != nil {
		d.logf("[ERROR] malformed revoke task: %v", err)
		return nil
	}

	if d.Manager.Abort(task.RunID) {
		d.logf("[INFO] aborted in-flight run %s", task.RunID)
		return nil
	}

	// Not running here. Remember the revocation in case this worker later
	// dequeues the run.
	d.rememberRevocation(task.RunID)
	return nil
}
