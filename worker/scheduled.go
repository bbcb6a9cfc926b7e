package worker

// scheduled.go adapts Dispatcher to scheduler.TurnDispatcher, translating a
// fired scheduler.ScheduledTask into the TurnInput a fresh chat turn needs.
// Kept here rather than on the scheduler side so scheduler stays free of any
// dependency on the worker/engine stack it dispatches into.

import (
	"context"

	"github.com/chatcore/platform/scheduler"
)

// SchedulerDispatcher wraps a Dispatcher so it satisfies
// scheduler.TurnDispatcher.
type SchedulerDispatcher struct {
	*Dispatcher
}

// DispatchScheduled starts a fresh chat turn for a fired scheduled task,
// using streamID as both StreamID and RootStreamID since a scheduled fire
// always begins a new turn lineage.
func (s SchedulerDispatcher) DispatchScheduled(ctx context.Context, task scheduler.ScheduledTask, streamID string) error {
	_, err := s.StartTurn(ctx, TurnInput{
		SessionID:    task.SessionID,
		TopicID:      task.TopicID,
		UserID:       task.UserID,
		StreamID:     streamID,
		RootStreamID: streamID,
		Prompt:       task.Prompt,
		AgentID:      task.AgentID,
	})
	return err
}
