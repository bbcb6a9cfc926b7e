// Package scheduler maintains recurring and one-shot ScheduledTask rows and
// fires due ones into new chat turns. Recovered from
// service/app/repos/scheduled_task.py's ScheduledTaskRepository, which this
// package's Store mirrors one operation at a time, plus the due-task poll
// loop the source system ran under Celery beat.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// ScheduleType names how a ScheduledTask's next_fire_at advances.
	ScheduleType string

	// Status is a ScheduledTask's lifecycle state.
	Status string

	// ScheduledTask is one recurring-or-one-shot chat turn schedule.
	ScheduledTask struct {
		ID             string
		UserID         string
		AgentID        string
		SessionID      string
		TopicID        string
		Prompt         string
		ScheduleType   ScheduleType
		CronExpression string
		ScheduledAt    time.Time
		Timezone       string
		MaxRuns        int
		RunCount       int
		NextFireAt     time.Time
		LastRunAt      time.Time
		ExternalTaskID string
		Status         Status
		LastError      string
		Metadata       map[string]any
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// Store persists ScheduledTask rows.
	Store interface {
		// Create validates task's ScheduleType, computes its first
		// NextFireAt, and inserts it with Status active.
		Create(ctx context.Context, task ScheduledTask) (ScheduledTask, error)

		// DueTasks returns active tasks with NextFireAt <= now, oldest
		// first, capped at limit.
		DueTasks(ctx context.Context, now time.Time, limit int) ([]ScheduledTask, error)

		// RecordFire increments RunCount, recomputes NextFireAt (or
		// marks the task completed once RunCount reaches a positive
		// MaxRuns), and stamps LastRunAt to firedAt. When externalTaskID
		// is non-empty and already recorded on the task, RecordFire is a
		// no-op returning the task unchanged — the idempotent re-fire
		// guard a crashed dispatcher's retry relies on.
		RecordFire(ctx context.Context, id string, firedAt time.Time, externalTaskID string) (ScheduledTask, error)

		// Get returns one task by id.
		Get(ctx context.Context, id string) (ScheduledTask, error)

		// ListByUser returns userID's tasks, newest first, optionally
		// filtered to status.
		ListByUser(ctx context.Context, userID string, status Status) ([]ScheduledTask, error)

		// Update applies a partial update to task id.
		Update(ctx context.Context, id string, update TaskUpdate) (ScheduledTask, error)

		// Delete removes task id, reporting whether it existed.
		Delete(ctx context.Context, id string) (bool, error)

		// MarkFailed records a dispatch failure against task id without
		// advancing NextFireAt, so the next poll retries it.
		MarkFailed(ctx context.Context, id string, errMsg string) error
	}

	// TaskUpdate carries the subset of ScheduledTask fields Update may
	// change; a nil field leaves the corresponding column untouched.
	TaskUpdate struct {
		Prompt         *string
		ScheduleType   *ScheduleType
		CronExpression *string
		ScheduledAt    *time.Time
		Timezone       *string
		MaxRuns        *int
		Status         *Status
	}
)

const (
	// ScheduleOnce fires exactly once at ScheduledAt.
	ScheduleOnce ScheduleType = "once"
	// ScheduleInterval fires every CronExpression duration after the
	// first fire, starting from ScheduledAt.
	ScheduleInterval ScheduleType = "interval"
	// ScheduleDaily fires once a day: each next fire is one calendar day
	// after the previous fire time (see NextFireAfter). Timezone is not
	// consulted.
	ScheduleDaily ScheduleType = "daily"

	// StatusActive is a task still eligible to fire.
	StatusActive Status = "active"
	// StatusCompleted is a task that reached MaxRuns.
	StatusCompleted Status = "completed"
	// StatusCancelled is a task a user cancelled before completion.
	StatusCancelled Status = "cancelled"
	// StatusFailed is a task RecordFire's caller gave up dispatching.
	StatusFailed Status = "failed"
)

// ErrTaskNotFound is returned by Store methods that look up a task by id.
var ErrTaskNotFound = errors.New("scheduler: task not found")

// ErrInvalidScheduleType is returned when a task names a ScheduleType none
// of the three enum values satisfy.
var ErrInvalidScheduleType = errors.New("scheduler: invalid schedule_type")

// NextFireAfter computes the fire time that follows last for a task of the
// given schedule. once never recurs; interval advances by the duration
// CronExpression parses as (despite the field's name, the spec's
// "richer scheduling grammars are out of scope" non-goal keeps this to a
// plain Go duration string, not a real cron grammar); daily advances last
// by one calendar day in last's own location. Daily does not re-anchor to
// ScheduledAt's time of day: a late fire shifts every later one.
func NextFireAfter(t ScheduledTask, last time.Time) (time.Time, error) {
	switch t.ScheduleType {
	case ScheduleOnce:
		return time.Time{}, nil
	case ScheduleInterval:
		d, err := time.ParseDuration(t.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: parse interval %q: %w", t.CronExpression, err)
		}
		if d <= 0 {
			return time.Time{}, fmt.Errorf("scheduler: interval must be positive, got %s", d)
		}
		return last.Add(d), nil
	case ScheduleDaily:
		return last.AddDate(0, 0, 1), nil
	default:
		return time.Time{}, ErrInvalidScheduleType
	}
}

// FirstFireAt computes a freshly created task's initial NextFireAt.
func FirstFireAt(t ScheduledTask) (time.Time, error) {
	switch t.ScheduleType {
	case ScheduleOnce, ScheduleInterval, ScheduleDaily:
		if t.ScheduledAt.IsZero() {
			return time.Time{}, errors.New("scheduler: scheduled_at is required")
		}
		return t.ScheduledAt, nil
	default:
		return time.Time{}, ErrInvalidScheduleType
	}
}

// Advance applies one fire to an in-memory ScheduledTask snapshot: bumps
// RunCount, stamps LastRunAt and ExternalTaskID, and either recomputes
// NextFireAt or completes the task once MaxRuns is reached. Store
// implementations use this as the pure core of their transactional
// RecordFire, mirroring wallet.DeductOrdered's role for wallet.Store.
func Advance(t ScheduledTask, firedAt time.Time, externalTaskID string, now time.Time) (ScheduledTask, error) {
	if externalTaskID != "" && t.ExternalTaskID == externalTaskID {
		return t, nil
	}
	t.RunCount++
	t.LastRunAt = firedAt
	if externalTaskID != "" {
		t.ExternalTaskID = externalTaskID
	}
	t.UpdatedAt = now
	if t.ScheduleType == ScheduleOnce || (t.MaxRuns > 0 && t.RunCount >= t.MaxRuns) {
		t.Status = StatusCompleted
		t.NextFireAt = time.Time{}
		return t, nil
	}
	next, err := NextFireAfter(t, firedAt)
	if err != nil {
		return ScheduledTask{}, err
	}
	t.NextFireAt = next
	return t, nil
}
