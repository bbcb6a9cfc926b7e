// Package worker implements the Chat Worker: the durable, per-turn
// workflow that drives a prompt from dispatch to a persisted, settled
// answer. RunTurn is registered as an engine.WorkflowDefinition; all I/O —
// persistence, bus publication, pricing, settlement — happens in the
// Activities bound to it, so the workflow body itself stays deterministic
// and replay-safe.
package worker

import (
	"context"
	"time"

	"github.com/chatcore/platform/chatevents"
	"github.com/chatcore/platform/interrupt"
	"github.com/chatcore/platform/settlement"
)

// Outcome is the terminal classification RunTurn returns, mirroring
// turn.TurnStatus.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeAborted     Outcome = "aborted"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeErrored     Outcome = "errored"
)

type (
	// TurnInput starts or resumes one chat turn. RootStreamID is the
	// workflow's own identity anchor: the first stream_id a turn lineage
	// was dispatched under, recomputed by the caller on every resume so
	// SignalWorkflow can target the right execution.
	TurnInput struct {
		SessionID    string
		TopicID      string
		UserID       string
		ConnectionID string
		StreamID     string
		RootStreamID string
		Prompt       string
		ThreadID     string
		AgentID      string
		Tier         string
		Attribution  settlement.Attribution

		// ResumeAnswer is set only when this input resumes a turn
		// suspended on ask_user_question; nil starts a fresh graph run.
		ResumeAnswer *interrupt.QuestionAnswer
	}

	// TurnResult is RunTurn's return value.
	TurnResult struct {
		Outcome      Outcome
		StreamID     string
		RootStreamID string
	}

	// GraphRunRequest starts (or resumes, when ResumeAnswer is set) the
	// pluggable agent graph for one turn.
	GraphRunRequest struct {
		SessionID    string
		TopicID      string
		UserID       string
		StreamID     string
		ThreadID     string
		Prompt       string
		AgentID      string
		ResumeAnswer *interrupt.QuestionAnswer
	}

	// GraphRunner is the pluggable agent-graph collaborator. The worker
	// only depends on this narrow interface so the graph implementation
	// (a library, a hand-written scheduler, a remote service) can change
	// without touching workflow or activity code.
	GraphRunner interface {
		// Run starts the graph and returns a channel of events. The
		// channel is closed once the graph has no more events to emit;
		// the final event on the channel (streaming_end, message, error,
		// or ask_user_question) tells the caller which lifecycle outcome
		// applies. ctx cancellation must stop the graph and close the
		// channel promptly.
		Run(ctx context.Context, req GraphRunRequest) (<-chan chatevents.Event, error)
	}
)

// flushInterval bounds how often the workflow flushes partial streaming
// content to storage, so a crashed worker leaves a recoverable answer.
const flushInterval = 3 * time.Second
