package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatcore/platform/bus"
	"github.com/chatcore/platform/chatevents"
	"github.com/chatcore/platform/engine"
	"github.com/chatcore/platform/interrupt"
	"github.com/chatcore/platform/presence"
	"github.com/chatcore/platform/pricing"
	"github.com/chatcore/platform/settlement"
	"github.com/chatcore/platform/turn"
)

// GraphEventSignal is the workflow signal name ConsumeGraphStreamActivity
// relays decoded agent-graph events on.
const GraphEventSignal = "chatcore.turn.graph_event"

// Activities bundles the I/O-performing side of the Chat Worker. Every
// method is registered as an engine.ActivityDefinition; none of them may
// be called directly from workflow code.
type Activities struct {
	Turns     turn.Store
	Settler   *settlement.Settler
	Bus       *bus.RedisBus
	Presence  *presence.Store
	Interrupt *interrupt.State
	Graph     GraphRunner
	Engine    engine.Engine
	Pricing   pricing.Oracle
	Logger    *slog.Logger
}

func (a *Activities) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// SoftProbeRequest/SoftProbeResult back SoftProbeActivity.
type (
	SoftProbeRequest struct{ UserID string }
	SoftProbeResult  struct{ HasBalance bool }
)

// SoftProbeActivity reports whether the user's virtual balance is
// strictly positive, per the pre-dispatch balance check.
func (a *Activities) SoftProbeActivity(ctx context.Context, req SoftProbeRequest) (SoftProbeResult, error) {
	ok, err := a.Settler.SoftProbe(ctx, req.UserID)
	if err != nil {
		return SoftProbeResult{}, err
	}
	return SoftProbeResult{HasBalance: ok}, nil
}

// ConsumeGraphStreamRequest starts (or resumes) the agent graph and
// relays every event it emits back to the calling workflow by signal.
type ConsumeGraphStreamRequest struct {
	WorkflowID   string
	ConnectionID string
	Graph        GraphRunRequest
}

// ConsumeGraphStreamResult reports why ConsumeGraphStreamActivity
// returned: the stream ran out on its own, an abort was observed at a
// tool-call boundary, or relaying a signal failed outright.
type ConsumeGraphStreamResult struct {
	AbortObserved bool
}

// ConsumeGraphStreamActivity runs req.Graph through the GraphRunner and
// relays each event to the originating workflow via
// engine.Engine.SignalWorkflow, one GraphEventEnvelope per signal. It also
// durably polls the abort presence key after every tool_call_response —
// the literal, crash-recoverable abort path spec.md describes — stopping
// the stream early if one is set; the workflow's own live
// interrupt.Controller.PollAbort() is the low-latency counterpart to this.
func (a *Activities) ConsumeGraphStreamActivity(ctx context.Context, req ConsumeGraphStreamRequest) (ConsumeGraphStreamResult, error) {
	events, err := a.Graph.Run(ctx, req.Graph)
	if err != nil {
		return ConsumeGraphStreamResult{}, fmt.Errorf("worker: start agent graph: %w", err)
	}

	for evt := range events {
		env, err := EncodeGraphEvent(evt)
		if err != nil {
			return ConsumeGraphStreamResult{}, err
		}
		if err := a.Engine.SignalWorkflow(ctx, req.WorkflowID, GraphEventSignal, env); err != nil {
			return ConsumeGraphStreamResult{}, fmt.Errorf("worker: relay graph event: %w", err)
		}

		if evt.Type() == chatevents.ToolCallResult {
			aborted, err := a.Presence.AbortRequested(ctx, req.ConnectionID)
			if err != nil {
				a.logger().WarnContext(ctx, "abort presence check failed, continuing stream", "error", err)
			} else if aborted {
				return ConsumeGraphStreamResult{AbortObserved: true}, nil
			}
		}
	}
	return ConsumeGraphStreamResult{}, nil
}

// ResolveModelRateRequest/Result back ResolveModelRateActivity.
type (
	ResolveModelRateRequest struct {
		Model    string
		Provider string
	}
	ResolveModelRateResult struct {
		Rate pricing.ModelRate
	}
)

// ResolveModelRateActivity resolves the USD rate card for one model
// through the pricing Oracle, isolating the (possibly network-bound)
// lookup from the workflow's otherwise pure cost arithmetic.
func (a *Activities) ResolveModelRateActivity(ctx context.Context, req ResolveModelRateRequest) (ResolveModelRateResult, error) {
	if a.Pricing == nil {
		return ResolveModelRateResult{}, nil
	}
	rate, err := a.Pricing.Resolve(ctx, req.Model, req.Provider)
	if err != nil {
		return ResolveModelRateResult{}, err
	}
	return ResolveModelRateResult{Rate: rate}, nil
}

// PublishEventRequest backs PublishEventActivity.
type PublishEventRequest struct {
	ConnectionID string
	Event        GraphEventEnvelope
}

// PublishEventActivity republishes one turn event on the chat bus channel
// bound to connectionID.
func (a *Activities) PublishEventActivity(ctx context.Context, req PublishEventRequest) error {
	evt, err := DecodeGraphEvent(req.Event)
	if err != nil {
		return err
	}
	return a.Bus.Publish(ctx, bus.ChatChannel(req.ConnectionID), evt)
}

// LoadTurnActivity loads a turn's accumulated state by stream id. Used
// only when RunTurn starts a brand-new workflow execution to resume a
// turn whose original execution is gone (crash recovery); the ordinary
// resume path keeps the turn state in the same execution's memory and
// never needs this.
func (a *Activities) LoadTurnActivity(ctx context.Context, streamID string) (turn.ChatTurn, error) {
	return a.Turns.LoadTurn(ctx, streamID)
}

// PersistTurnActivity flushes the full turn row, used both for the
// periodic partial-content flush and the final state after the loop ends.
func (a *Activities) PersistTurnActivity(ctx context.Context, t turn.ChatTurn) error {
	t.UpdatedAt = time.Now().UTC()
	if err := a.Turns.UpdateTurn(ctx, t); err != nil {
		if err == turn.ErrTurnNotFound {
			return a.Turns.CreateTurn(ctx, t)
		}
		return err
	}
	return nil
}

// UpsertAgentRunActivity persists an AgentRun's timeline.
func (a *Activities) UpsertAgentRunActivity(ctx context.Context, run turn.AgentRun) error {
	return a.Turns.UpsertAgentRun(ctx, run)
}

// WriteConsumeRecordActivity writes one pending ConsumeRecord, used for
// both token_usage and tool_call_response billing events.
func (a *Activities) WriteConsumeRecordActivity(ctx context.Context, r settlement.ConsumeRecord) error {
	if a.Settler.Records == nil {
		return settlement.ErrNoRecordStore
	}
	return a.Settler.Records.WriteRecord(ctx, r)
}

// FinalizeAndSettleRequest/Result back FinalizeAndSettleActivity.
type FinalizeAndSettleRequest struct {
	UserID         string
	SessionID      string
	TopicID        string
	MessageID      string
	SinceTurnStart time.Time
	Attribution    settlement.Attribution
}

// FinalizeAndSettleActivity loads a turn's pending ConsumeRecords and
// settles them in one call, implementing finalize_and_settle end to end.
func (a *Activities) FinalizeAndSettleActivity(ctx context.Context, req FinalizeAndSettleRequest) (settlement.Result, error) {
	records, err := a.Settler.PendingRecords(ctx, req.SessionID, req.TopicID, req.MessageID, req.SinceTurnStart)
	if err != nil {
		return settlement.Result{}, err
	}
	result, err := a.Settler.FinalizeAndSettle(ctx, req.UserID, records, req.Attribution)
	if err != nil {
		a.logger().ErrorContext(ctx, "finalize_and_settle failed, turn already committed otherwise",
			"user_id", req.UserID, "session_id", req.SessionID, "error", err)
		return settlement.Result{}, nil
	}
	return result, nil
}

// ClearAbortPresenceActivity clears the abort signal at the end of the
// worker's abort-handling path.
func (a *Activities) ClearAbortPresenceActivity(ctx context.Context, connectionID string) error {
	return a.Presence.ClearAbort(ctx, connectionID)
}

// InterruptKeysRequest carries the three Redis keys written when a turn
// suspends on ask_user_question.
type InterruptKeysRequest struct {
	ConnectionID   string
	ThreadID       string
	QuestionID     string
	TimeoutSeconds int
}

// OpenInterruptActivity writes the thread id, active question id, and
// timeout marker a resume request is validated against.
func (a *Activities) OpenInterruptActivity(ctx context.Context, req InterruptKeysRequest) error {
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return a.Interrupt.Open(ctx, req.ConnectionID, req.ThreadID, req.QuestionID, timeout)
}

// ClearInterruptRequest backs ClearInterruptActivity.
type ClearInterruptRequest struct {
	ConnectionID string
	QuestionID   string
}

// ClearInterruptActivity removes a connection's question state once a
// resume has been dispatched (or the question timed out unanswered).
func (a *Activities) ClearInterruptActivity(ctx context.Context, req ClearInterruptRequest) error {
	return a.Interrupt.Clear(ctx, req.ConnectionID, req.QuestionID)
}
