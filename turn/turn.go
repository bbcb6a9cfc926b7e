// Package turn defines the durable ChatTurn and AgentRun primitives the Chat
// Worker persists as it drives one user turn from prompt to answer.
//
// A ChatTurn is the first-class conversational unit. Turns belong to a
// (session_id, topic_id) pair and are owned by exactly one worker at a time.
package turn

import (
	"context"
	"errors"
	"time"
)

type (
	// ChatTurn captures the durable accumulating state of one user turn:
	// the assistant message under construction, its tool-call ledger, and
	// a pointer to an in-flight interrupt if the turn is suspended waiting
	// on an ask_user_question answer.
	ChatTurn struct {
		SessionID       string
		TopicID         string
		UserID          string
		StreamID        string
		RootStreamID    string
		AIMessageID     string
		FullContent     string
		ThinkingContent string
		ToolCallsByNode map[string][]ToolCallEntry
		AgentRunID      string
		Citations       []Citation
		GeneratedFileIDs []string
		InterruptState  *InterruptState
		Status          TurnStatus
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// Citation is one search result attributed to the assistant's answer,
	// buffered during streaming and persisted in bulk at finalization.
	Citation struct {
		URL     string
		Title   string
		Snippet string
	}

	// ToolCallEntry records one tool invocation's request and, once
	// resolved, its result.
	ToolCallEntry struct {
		ToolCallID string
		Name       string
		Args       map[string]any
		Success    *bool
		Result     any
		Error      string
	}

	// InterruptState is created when the agent graph emits
	// ask_user_question and cleared when the turn resumes.
	InterruptState struct {
		QuestionID string
		ThreadID   string
		TimeoutS   int
		AskedAt    time.Time
	}

	// AgentRun records the node-level timeline of one turn's agent graph
	// execution, created or finalized on streaming_end.
	AgentRun struct {
		ID          string
		SessionID   string
		StreamID    string
		Status      RunStatus
		NodeOrder   []string
		NodeOutputs map[string]string
		NodeNames   map[string]string
		StartedAt   time.Time
		UpdatedAt   time.Time
	}

	// TurnStatus is the terminal classification of a ChatTurn.
	TurnStatus string

	// RunStatus is the lifecycle state of an AgentRun.
	RunStatus string

	// Store persists ChatTurn and AgentRun state. Implementations must be
	// durable: a crashed worker relies on the store to recover the
	// partial content flushed during streaming.
	Store interface {
		// CreateTurn creates a new ChatTurn row, typically with an empty
		// assistant message allocated on streaming_start.
		CreateTurn(ctx context.Context, t ChatTurn) error
		// LoadTurn loads an existing turn by stream id. Returns
		// ErrTurnNotFound when missing.
		LoadTurn(ctx context.Context, streamID string) (ChatTurn, error)
		// UpdateTurn persists the full turn state, used both for the
		// periodic partial-content flush and final updates.
		UpdateTurn(ctx context.Context, t ChatTurn) error

		// UpsertAgentRun inserts or updates an agent run's timeline.
		UpsertAgentRun(ctx context.Context, run AgentRun) error
		// LoadAgentRun loads a run by id. Returns ErrRunNotFound when
		// missing.
		LoadAgentRun(ctx context.Context, runID string) (AgentRun, error)
	}
)

const (
	// TurnCompleted indicates the stream exhausted normally.
	TurnCompleted TurnStatus = "completed"
	// TurnAborted indicates a user-requested abort was observed.
	TurnAborted TurnStatus = "aborted"
	// TurnInterrupted indicates an ask_user_question suspended the turn.
	TurnInterrupted TurnStatus = "interrupted"
	// TurnErrored indicates the agent graph reported a fatal error.
	TurnErrored TurnStatus = "errored"

	// RunRunning indicates the agent run is still executing.
	RunRunning RunStatus = "running"
	// RunCompleted indicates the agent run finished normally.
	RunCompleted RunStatus = "completed"
	// RunCancelled indicates the agent run was cut short by an abort.
	RunCancelled RunStatus = "cancelled"
)

var (
	// ErrTurnNotFound indicates a turn does not exist in the store.
	ErrTurnNotFound = errors.New("turn: not found")
	// ErrRunNotFound indicates an agent run does not exist in the store.
	ErrRunNotFound = errors.New("turn: agent run not found")
)
