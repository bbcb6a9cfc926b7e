// Package engine defines the durable workflow abstractions that the Chat
// Worker runs on. It provides a pluggable interface so the worker can target
// Temporal, an in-memory test engine, or any other durable-execution backend
// without modification — the per-turn workflow logic in package worker never
// imports a concrete backend directly.
package engine

import (
	"context"
	"time"

	"github.com/chatcore/platform/telemetry"
)

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory, or custom) can be swapped without touching
	// worker code. Implementations translate these generic types into
	// backend-specific primitives.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		// Called during worker startup before the worker pool is started.
		// Returns an error if the workflow name is already registered or
		// registration fails.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition with the
		// engine. Activities are short-lived tasks invoked from workflows.
		// Must be called during initialization before starting workers.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow initiates a new workflow execution (one per chat
		// turn) and returns a handle for interacting with it. The workflow
		// ID in req must be unique for the engine instance. Returns an
		// error if the workflow name is not registered, the ID conflicts
		// with a running workflow, or scheduling fails.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// SignalWorkflow delivers a signal to a workflow execution by ID
		// alone, without requiring the caller to hold the WorkflowHandle
		// StartWorkflow returned — the execution may have been started by a
		// different process (another gateway pod handling the same chat
		// turn's WorkflowID). Returns an error if no running execution with
		// that ID exists; callers that cannot distinguish "already finished"
		// from "never started" should treat the error as a signal to fall
		// back to StartWorkflow instead.
		SignalWorkflow(ctx context.Context, workflowID, name string, payload any) error
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default task queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine (e.g.
		// "ChatTurnWorkflow").
		Name string
		// TaskQueue is the default queue used when starting new workflows.
		TaskQueue string
		// Handler is the workflow function invoked by the engine.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the workflow entry point. It receives a
	// WorkflowContext and arbitrary input, returning a result or error. It
	// must be deterministic: the same inputs and activity results must
	// produce the same execution sequence.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to workflow handlers
	// within the deterministic execution environment of a workflow. It
	// wraps engine-specific contexts (Temporal workflow.Context, in-memory
	// contexts, etc.) behind a uniform API for activity execution, signal
	// handling, and observability.
	//
	// Operations that interact with the workflow engine (ExecuteActivity,
	// SignalChannel) must produce deterministic results when replayed.
	// Direct I/O, randomness, or system time access within a workflow
	// violates determinism. WorkflowContext is bound to a single
	// execution and must not be shared across goroutines; do not cache it
	// outside the workflow function's scope.
	WorkflowContext interface {
		// Context returns the Go context for the workflow. In
		// deterministic engines this is a special replay-aware context.
		Context() context.Context

		// WorkflowID returns the unique identifier for this workflow
		// execution (for a chat turn, "chatturn:" plus the turn's root
		// stream id, as worker.WorkflowID builds it).
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteActivity schedules an activity and waits for its result,
		// populating result with the activity's return value.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking and
		// returns a Future. Returns an error only if the activity cannot
		// be scheduled; execution errors surface via Future.Get().
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns a channel for the given signal name.
		// Workflow code polls or blocks on this to react to external
		// events (pause/resume/abort/clarification) delivered through the
		// engine's signaling mechanism.
		SignalChannel(name string) SignalChannel

		// Logger returns a logger scoped to this workflow execution.
		Logger() telemetry.Logger

		// Metrics returns a metrics recorder scoped to this workflow.
		Metrics() telemetry.Metrics

		// Tracer returns a tracer for spans within the workflow.
		Tracer() telemetry.Tracer

		// Now returns the current workflow time in a deterministic,
		// replay-safe manner.
		Now() time.Time
	}

	// Future represents a pending activity result. Futures enable
	// parallel activity execution: workflows launch several via
	// ExecuteActivityAsync and collect results later with Get, which
	// blocks until the activity finishes. Get is idempotent: repeated
	// calls return the same result/error. Get must be called before the
	// workflow exits; IsReady enables polling without blocking.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler with optional
	// defaults. Activities are stateless, short-lived tasks invoked from
	// workflows.
	ActivityDefinition struct {
		// Name is the logical identifier for the activity (e.g.
		// "ConsumeGraphStreamActivity").
		Name string
		// Handler executes the activity logic when invoked.
		Handler ActivityFunc
		// Options configures retry/timeout behavior for the activity.
		Options ActivityOptions
	}

	// ActivityFunc handles an activity invocation. Unlike workflows,
	// activities may perform side effects (I/O, DB access, RPCs).
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue. Empty inherits the
		// workflow's task queue.
		Queue string
		// RetryPolicy controls retry behavior. Zero-valued uses the
		// engine's default.
		RetryPolicy RetryPolicy
		// Timeout bounds total activity execution time including
		// retries. Zero means no timeout.
		Timeout time.Duration
	}

	// WorkflowStartRequest describes how to launch a workflow execution
	// (one per chat turn, or one per scheduled-task fire).
	WorkflowStartRequest struct {
		// ID is the workflow identifier, unique within the engine scope.
		// Chat turns use "chatturn:" plus the turn's root stream id.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule the workflow on.
		TaskQueue string
		// Input is the payload passed to the workflow handler.
		Input any
		// Memo stores small diagnostic payloads alongside the execution.
		Memo map[string]any
		// SearchAttributes captures indexed metadata for visibility
		// queries. Nil means no attributes are set.
		SearchAttributes map[string]any
		// RetryPolicy controls automatic restarts of the start attempt
		// itself, distinct from activity retries.
		RetryPolicy RetryPolicy
	}

	// ActivityRequest contains the info needed to schedule an activity
	// from a workflow.
	ActivityRequest struct {
		// Name identifies the activity (must match a registered
		// ActivityDefinition).
		Name string
		// Input is the payload passed to the activity handler.
		Input any
		// Queue optionally overrides the queue for this invocation.
		Queue string
		// RetryPolicy controls retry behavior for this invocation. Zero
		// leaves retries to the engine's default; the activity
		// definition's RetryPolicy is not consulted.
		RetryPolicy RetryPolicy
		// Timeout bounds the activity execution time. Zero leaves the
		// bound to the engine: the Temporal adapter applies a 5-minute
		// start-to-close timeout, the in-memory engine applies none.
		Timeout time.Duration
	}

	// WorkflowHandle lets callers interact with a running workflow.
	// Returned by Engine.StartWorkflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, populating result
		// with its return value.
		Wait(ctx context.Context, result any) error

		// Signal sends an asynchronous message to the workflow (e.g. an
		// abort request, a clarification answer).
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		// MaxAttempts caps total retry attempts. Zero means unlimited.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		// Values below 1 are treated as 1 (constant backoff).
		BackoffCoefficient float64
	}

	// SignalChannel exposes workflow signal delivery in an engine-agnostic
	// way. Implementations wrap engine-specific channels (Temporal signal
	// channels, in-process Go channels) behind blocking and non-blocking
	// receive helpers so workflow code reacts to external events
	// deterministically.
	SignalChannel interface {
		// Receive blocks until a signal is delivered and decodes it into
		// dest.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts a non-blocking receive. Returns true when
		// a value was written into dest.
		ReceiveAsync(dest any) bool
	}
)
