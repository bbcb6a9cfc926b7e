package worker

// dispatch.go implements the two ways a chat turn enters the engine: a
// fresh dispatch, and resume_chat_from_interrupt's signal-first,
// cold-start-fallback path. The workflow ID is deterministic per turn
// lineage ("chatturn:" + the first stream_id a turn was dispatched
// under), persisted as ChatTurn.RootStreamID so a resume can recompute it
// without consulting the engine.

import (
	"context"
	"fmt"

	"github.com/chatcore/platform/engine"
	"github.com/chatcore/platform/interrupt"
	"github.com/chatcore/platform/turn"
)

// WorkflowID derives the deterministic per-turn-lineage workflow id from
// a turn's root stream id.
func WorkflowID(rootStreamID string) string {
	return "chatturn:" + rootStreamID
}

// Dispatcher starts and resumes Chat Worker turns against an engine.Engine.
type Dispatcher struct {
	Engine engine.Engine
	Turns  turn.Store
	Queue  string
}

func (d *Dispatcher) queue() string {
	if d.Queue != "" {
		return d.Queue
	}
	return TaskQueue
}

// StartTurn dispatches a brand-new chat turn. RootStreamID defaults to
// StreamID when unset, the normal case for a turn's first dispatch.
func (d *Dispatcher) StartTurn(ctx context.Context, in TurnInput) (engine.WorkflowHandle, error) {
	if in.RootStreamID == "" {
		in.RootStreamID = in.StreamID
	}
	return d.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        WorkflowID(in.RootStreamID),
		Workflow:  WorkflowName,
		TaskQueue: d.queue(),
		Input:     in,
	})
}

// ResumeFromInterrupt implements resume_chat_from_interrupt: it first
// tries to deliver answer to the still-running execution via
// SignalWorkflow. Only when that fails — the original execution already
// gave up on its own timeout, or the worker holding it crashed and the
// engine abandoned the run — does it fall back to starting a brand-new
// execution seeded from the turn's persisted interrupt_state, matching
// the source system's cold-resume behavior.
func (d *Dispatcher) ResumeFromInterrupt(ctx context.Context, rootStreamID string, answer interrupt.QuestionAnswer) error {
	signalErr := d.Engine.SignalWorkflow(ctx, WorkflowID(rootStreamID), interrupt.SignalQuestionAnswer, answer)
	if signalErr == nil {
		return nil
	}

	t, err := d.Turns.LoadTurn(ctx, rootStreamID)
	if err != nil {
		return fmt.Errorf("worker: resume %s: signal failed (%v) and turn not found: %w", rootStreamID, signalErr, err)
	}
	if t.InterruptState == nil {
		return fmt.Errorf("worker: resume %s: turn has no pending interrupt", rootStreamID)
	}

	_, err = d.StartTurn(ctx, TurnInput{
		SessionID:    t.SessionID,
		TopicID:      t.TopicID,
		UserID:       t.UserID,
		StreamID:     t.StreamID,
		RootStreamID: t.RootStreamID,
		ThreadID:     t.InterruptState.ThreadID,
		ResumeAnswer: &answer,
	})
	return err
}

// AbortTurn delivers an abort request to a running turn via signal. There
// is no cold-start fallback here: an abort against an execution that is
// already gone has nothing left to cancel.
func (d *Dispatcher) AbortTurn(ctx context.Context, rootStreamID string, req interrupt.AbortRequest) error {
	return d.Engine.SignalWorkflow(ctx, WorkflowID(rootStreamID), interrupt.SignalAbort, req)
}
