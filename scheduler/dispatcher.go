package scheduler

// dispatcher.go runs the due-task poll loop the source system drove with
// Celery beat: on an interval, pull due tasks, record each fire, and
// dispatch a synthetic chat turn carrying the task's stored prompt and
// agent_id. Ticker-and-select shape grounded on gateway/handler.go's
// heartbeat loop.

import (
	"context"
	"time"

	"github.com/chatcore/platform/telemetry"
)

// TurnDispatcher starts a new chat turn on behalf of a fired ScheduledTask.
// worker.Dispatcher satisfies this with its StartTurn method reshaped to
// the fields a scheduled fire has on hand.
type TurnDispatcher interface {
	DispatchScheduled(ctx context.Context, task ScheduledTask, streamID string) error
}

// StreamIDFunc generates a fresh stream id for each dispatched fire.
// Production wiring passes uuid.NewString; tests pass a deterministic
// sequence.
type StreamIDFunc func() string

// Dispatcher polls Store for due tasks and fires them through Turns.
type Dispatcher struct {
	Store    Store
	Turns    TurnDispatcher
	NewID    StreamIDFunc
	Interval time.Duration
	Limit    int
	Logger   telemetry.Logger
}

const (
	defaultPollInterval = 15 * time.Second
	defaultPollLimit    = 50
)

// Run polls for due tasks every d.Interval until ctx is cancelled. Each
// poll's tasks dispatch sequentially: the source system's beat schedule
// had no concurrency either, and scheduled prompts are low-volume enough
// that serial dispatch never backs up a 15-second poll window.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	limit := d.Limit
	if limit <= 0 {
		limit = defaultPollLimit
	}
	now := time.Now().UTC()
	tasks, err := d.Store.DueTasks(ctx, now, limit)
	if err != nil {
		d.log().Error(ctx, "scheduler: list due tasks failed", "error", err)
		return
	}
	for _, task := range tasks {
		d.fire(ctx, task, now)
	}
}

func (d *Dispatcher) fire(ctx context.Context, task ScheduledTask, now time.Time) {
	streamID := d.NewID()
	if err := d.Turns.DispatchScheduled(ctx, task, streamID); err != nil {
		d.log().Error(ctx, "scheduler: dispatch scheduled turn failed", "task_id", task.ID, "error", err)
		if markErr := d.Store.MarkFailed(ctx, task.ID, err.Error()); markErr != nil {
			d.log().Error(ctx, "scheduler: mark task failed failed", "task_id", task.ID, "error", markErr)
		}
		return
	}
	if _, err := d.Store.RecordFire(ctx, task.ID, now, streamID); err != nil {
		d.log().Error(ctx, "scheduler: record fire failed", "task_id", task.ID, "error", err)
	}
}

func (d *Dispatcher) log() telemetry.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return telemetry.NewNoopLogger()
}
