package worker

// workflow.go implements RunTurn, the Chat Worker's per-turn event loop.
//
// RunTurn drives one chat turn from dispatch (or ask_user_question resume)
// through the agent graph to a persisted, settled answer. All I/O lives in
// Activities; RunTurn itself only decides what to do with each decoded
// chatevents.Event and accumulates the durable turn struct passed back to
// PersistTurnActivity.

import (
	"context"
	"fmt"
	"time"

	"github.com/chatcore/platform/chatevents"
	"github.com/chatcore/platform/engine"
	"github.com/chatcore/platform/interrupt"
	"github.com/chatcore/platform/pricing"
	"github.com/chatcore/platform/settlement"
	"github.com/chatcore/platform/turn"
)

const (
	// WorkflowName is the logical name RunTurn is registered under.
	WorkflowName = "ChatTurnWorkflow"

	graphActivityTimeout = 15 * time.Minute
	defaultQuestionWait  = 5 * time.Minute
)

// RunTurn is the Chat Worker's workflow entry point. wfCtx.WorkflowID() is
// the deterministic "chatturn:"+root_stream_id anchor the dispatcher
// computed so a later ask_user_question resume can target this exact
// execution with engine.Engine.SignalWorkflow.
func RunTurn(wfCtx engine.WorkflowContext, raw any) (any, error) {
	input, err := decodeActivityInput[TurnInput](raw)
	if err != nil {
		return nil, fmt.Errorf("worker: RunTurn: %w", err)
	}

	r := &turnRun{
		wfCtx: wfCtx,
		ctx:   wfCtx.Context(),
		ctrl:  interrupt.NewController(wfCtx),
		in:    input,
	}
	return r.execute()
}

// turnRun holds the mutable state one RunTurn call accumulates. Grouping it
// this way (rather than threading a dozen parameters through free
// functions) keeps the event-dispatch methods below readable.
type turnRun struct {
	wfCtx engine.WorkflowContext
	ctx   context.Context
	ctrl  *interrupt.Controller
	in    TurnInput

	t             turn.ChatTurn
	lastFlush     time.Time
	turnStartedAt time.Time
	recordSeq     int
}

// nextRecordID builds a deterministic ConsumeRecord id. Workflow code
// cannot call uuid.New (not replay-safe), so records are identified by
// turn + a per-turn sequence number instead.
func (r *turnRun) nextRecordID() string {
	r.recordSeq++
	return fmt.Sprintf("%s:record:%d", r.in.StreamID, r.recordSeq)
}

func (r *turnRun) execute() (TurnResult, error) {
	result := TurnResult{StreamID: r.in.StreamID, RootStreamID: r.in.RootStreamID}

	if r.in.ResumeAnswer == nil {
		var probe SoftProbeResult
		if err := r.activity("SoftProbeActivity", SoftProbeRequest{UserID: r.in.UserID}, &probe); err != nil {
			return TurnResult{}, err
		}
		if !probe.HasBalance {
			if err := r.publish(chatevents.NewErrorEvent(r.in.StreamID, "insufficient_balance", "business", "virtual balance is zero or negative")); err != nil {
				return TurnResult{}, err
			}
			result.Outcome = OutcomeErrored
			return result, nil
		}

		r.turnStartedAt = r.wfCtx.Now()
		r.t = turn.ChatTurn{
			SessionID: r.in.SessionID,
			TopicID:   r.in.TopicID,
			UserID:    r.in.UserID,
			StreamID:  r.in.StreamID,
			// One turn produces exactly one assistant message, so the
			// stream id doubles as the message id ConsumeRecords scope to.
			AIMessageID:     r.in.StreamID,
			RootStreamID:    r.in.RootStreamID,
			ToolCallsByNode: map[string][]turn.ToolCallEntry{},
			CreatedAt:       r.turnStartedAt,
		}
		if err := r.persistTurn(); err != nil {
			return TurnResult{}, err
		}
	} else {
		// A resumed turn on a brand-new workflow execution (the original
		// was abandoned) has no in-memory state to pick up from; reload
		// it. A resume on the same execution (the common case) already
		// has r.t populated from before WaitQuestionAnswer blocked, and
		// this call is simply redundant but harmless.
		loaded, err := r.loadTurn()
		if err != nil {
			return TurnResult{}, err
		}
		r.t = loaded
		r.turnStartedAt = r.t.CreatedAt
	}

	resumeAnswer := r.in.ResumeAnswer
	for {
		outcome, ask, err := r.consumeGraph(resumeAnswer)
		if err != nil {
			return TurnResult{}, err
		}
		if ask == nil {
			result.Outcome = outcome
			return result, r.finalize(outcome)
		}

		if err := r.openInterrupt(ask); err != nil {
			return TurnResult{}, err
		}
		r.t.InterruptState = &turn.InterruptState{
			QuestionID: ask.QuestionID,
			ThreadID:   ask.ThreadID,
			TimeoutS:   ask.TimeoutSeconds,
			AskedAt:    r.wfCtx.Now(),
		}
		r.t.Status = turn.TurnInterrupted
		if err := r.persistTurn(); err != nil {
			return TurnResult{}, err
		}

		ans, err := r.waitForAnswer(ask)
		if err != nil {
			return TurnResult{}, err
		}
		if err := r.clearInterrupt(ask); err != nil {
			return TurnResult{}, err
		}
		r.t.InterruptState = nil
		resumeAnswer = &ans
	}
}

// consumeGraph starts (or resumes) ConsumeGraphStreamActivity and drains
// the GraphEventSignal channel it relays events on until the graph either
// reaches a terminal event, suspends on ask_user_question, or is aborted.
func (r *turnRun) consumeGraph(resume *interrupt.QuestionAnswer) (Outcome, *chatevents.AskUserQuestionEvent, error) {
	req := ConsumeGraphStreamRequest{
		WorkflowID:   r.wfCtx.WorkflowID(),
		ConnectionID: r.in.ConnectionID,
		Graph: GraphRunRequest{
			SessionID:    r.in.SessionID,
			TopicID:      r.in.TopicID,
			UserID:       r.in.UserID,
			StreamID:     r.in.StreamID,
			ThreadID:     r.in.ThreadID,
			Prompt:       r.in.Prompt,
			AgentID:      r.in.AgentID,
			ResumeAnswer: resume,
		},
	}

	future, err := r.wfCtx.ExecuteActivityAsync(r.ctx, engine.ActivityRequest{
		Name:    "ConsumeGraphStreamActivity",
		Input:   req,
		Timeout: graphActivityTimeout,
	})
	if err != nil {
		return OutcomeErrored, nil, err
	}

	eventCh := r.wfCtx.SignalChannel(GraphEventSignal)
	for {
		var env GraphEventEnvelope
		if err := eventCh.Receive(r.ctx, &env); err != nil {
			return OutcomeErrored, nil, err
		}
		evt, err := DecodeGraphEvent(env)
		if err != nil {
			return OutcomeErrored, nil, err
		}

		outcome, ask, done, err := r.handleEvent(evt)
		if err != nil {
			return OutcomeErrored, nil, err
		}
		if ask != nil {
			return OutcomeInterrupted, ask, nil
		}
		if !done {
			continue
		}

		var res ConsumeGraphStreamResult
		if err := future.Get(r.ctx, &res); err != nil {
			return OutcomeErrored, nil, err
		}
		if res.AbortObserved {
			return OutcomeAborted, nil, nil
		}
		return outcome, nil, nil
	}
}

// handleEvent applies one decoded event to the accumulating turn state and
// republishes it on the bus. done reports whether evt was a terminal event
// (streaming_end, message, or error) or a tool_call_response after which
// an abort was requested; outcome is only meaningful when done is true. A non-nil ask means the graph suspended on ask_user_question.
func (r *turnRun) handleEvent(evt chatevents.Event) (outcome Outcome, ask *chatevents.AskUserQuestionEvent, done bool, err error) {
	switch e := evt.(type) {
	case *chatevents.StreamingStartEvent:
		err = r.publish(e)

	case *chatevents.StreamingChunkEvent:
		r.t.FullContent += e.Delta
		err = r.publish(e)
		if err == nil {
			err = r.maybeFlush()
		}

	case *chatevents.StreamingEndEvent:
		if e.AgentState != nil {
			r.t.FullContent = e.AgentState.FinalContent
			run := turn.AgentRun{
				ID:          r.t.AgentRunID,
				SessionID:   r.in.SessionID,
				StreamID:    r.in.StreamID,
				Status:      turn.RunCompleted,
				NodeOrder:   e.AgentState.NodeOrder,
				NodeOutputs: e.AgentState.NodeOutputs,
				NodeNames:   e.AgentState.NodeNames,
				StartedAt:   r.turnStartedAt,
				UpdatedAt:   r.wfCtx.Now(),
			}
			if run.ID == "" {
				run.ID = r.in.StreamID
				r.t.AgentRunID = run.ID
			}
			err = r.activity("UpsertAgentRunActivity", run, nil)
		}
		if err == nil {
			err = r.publish(e)
		}
		outcome, done = OutcomeCompleted, true

	case *chatevents.ThinkingStartEvent:
		err = r.publish(e)
	case *chatevents.ThinkingChunkEvent:
		r.t.ThinkingContent += e.Delta
		err = r.publish(e)
	case *chatevents.ThinkingEndEvent:
		err = r.publish(e)

	case *chatevents.AgentStartEvent, *chatevents.AgentEndEvent, *chatevents.NodeStartEvent, *chatevents.NodeEndEvent:
		err = r.publish(evt)

	case *chatevents.TokenUsageEvent:
		err = r.recordTokenUsage(e)
		if err == nil {
			err = r.publish(e)
		}

	case *chatevents.ToolCallRequestEvent:
		r.t.ToolCallsByNode[e.NodeID] = append(r.t.ToolCallsByNode[e.NodeID], turn.ToolCallEntry{
			ToolCallID: e.ToolCallID,
			Name:       e.Name,
			Args:       e.Args,
		})
		err = r.publish(e)

	case *chatevents.ToolCallResponseEvent:
		r.recordToolResult(e)
		if err = r.recordToolCost(e); err != nil {
			return
		}
		if err = r.publish(e); err != nil {
			return
		}
		if req, aborted := r.ctrl.PollAbort(); aborted {
			_ = req
			outcome, done = OutcomeAborted, true
		}

	case *chatevents.SearchCitationsEvent:
		for _, c := range e.Citations {
			r.t.Citations = append(r.t.Citations, turn.Citation{URL: c.URL, Title: c.Title, Snippet: c.Snippet})
		}
		err = r.publish(e)

	case *chatevents.GeneratedFilesEvent:
		r.t.GeneratedFileIDs = append(r.t.GeneratedFileIDs, e.FileIDs...)
		err = r.publish(e)

	case *chatevents.AskUserQuestionEvent:
		ask = e

	case *chatevents.MessageEvent:
		if e.Content != "" {
			r.t.FullContent = e.Content
		}
		err = r.publish(e)
		outcome, done = OutcomeCompleted, true

	case *chatevents.ErrorEvent:
		err = r.publish(e)
		outcome, done = OutcomeErrored, true

	default:
		err = fmt.Errorf("worker: unhandled graph event type %T", evt)
	}
	return
}

// recordTokenUsage resolves the USD cost for one LLM call through the
// pricing oracle (an activity, since the oracle may reach out to Redis or
// an external source) and writes the resulting ConsumeRecord.
func (r *turnRun) recordTokenUsage(e *chatevents.TokenUsageEvent) error {
	var rateRes ResolveModelRateResult
	if err := r.activity("ResolveModelRateActivity", ResolveModelRateRequest{Model: e.Model}, &rateRes); err != nil {
		return err
	}
	tierRate := pricing.TierRate(pricing.ModelTier(r.in.Tier))
	credits := pricing.LLMCredits(e.Input, e.Output, tierRate, e.CacheReadInput)
	costUSD := pricing.CostUSD(rateRes.Rate, e.Input, e.Output, e.CacheReadInput)

	return r.activity("WriteConsumeRecordActivity", settlement.ConsumeRecord{
		ID:          r.nextRecordID(),
		UserID:      r.in.UserID,
		SessionID:   r.in.SessionID,
		TopicID:     r.in.TopicID,
		MessageID:   r.t.AIMessageID,
		Kind:        settlement.KindLLM,
		Amount:      credits,
		CostUSD:     costUSD,
		Tier:        r.in.Tier,
		State:       settlement.StatePending,
		Attribution: r.in.Attribution,
		CreatedAt:   r.wfCtx.Now(),
	}, nil)
}

func (r *turnRun) recordToolResult(e *chatevents.ToolCallResponseEvent) {
	success := e.Success
	for node, calls := range r.t.ToolCallsByNode {
		for i, c := range calls {
			if c.ToolCallID != e.ToolCallID {
				continue
			}
			calls[i].Success = &success
			calls[i].Result = e.Result
			calls[i].Error = e.Error
			r.t.ToolCallsByNode[node] = calls
			return
		}
	}
}

func (r *turnRun) recordToolCost(e *chatevents.ToolCallResponseEvent) error {
	if !e.Success {
		return nil
	}
	name := r.toolNameFor(e.ToolCallID)
	cost := pricing.ToolCost(name)
	if cost <= 0 {
		return nil
	}
	return r.activity("WriteConsumeRecordActivity", settlement.ConsumeRecord{
		ID:          r.nextRecordID(),
		UserID:      r.in.UserID,
		SessionID:   r.in.SessionID,
		TopicID:     r.in.TopicID,
		MessageID:   r.t.AIMessageID,
		Kind:        settlement.KindToolCall,
		Amount:      cost,
		Tier:        r.in.Tier,
		State:       settlement.StatePending,
		Attribution: r.in.Attribution,
		CreatedAt:   r.wfCtx.Now(),
	}, nil)
}

func (r *turnRun) toolNameFor(toolCallID string) string {
	for _, calls := range r.t.ToolCallsByNode {
		for _, c := range calls {
			if c.ToolCallID == toolCallID {
				return c.Name
			}
		}
	}
	return ""
}

// maybeFlush persists the turn row when flushInterval has elapsed since the
// last flush, recovering partial content after a crashed worker.
func (r *turnRun) maybeFlush() error {
	now := r.wfCtx.Now()
	if now.Sub(r.lastFlush) < flushInterval {
		return nil
	}
	r.lastFlush = now
	return r.persistTurn()
}

func (r *turnRun) persistTurn() error {
	return r.activity("PersistTurnActivity", r.t, nil)
}

func (r *turnRun) loadTurn() (turn.ChatTurn, error) {
	var t turn.ChatTurn
	err := r.activity("LoadTurnActivity", r.in.StreamID, &t)
	return t, err
}

func (r *turnRun) openInterrupt(ask *chatevents.AskUserQuestionEvent) error {
	return r.activity("OpenInterruptActivity", InterruptKeysRequest{
		ConnectionID:   r.in.ConnectionID,
		ThreadID:       ask.ThreadID,
		QuestionID:     ask.QuestionID,
		TimeoutSeconds: ask.TimeoutSeconds,
	}, nil)
}

func (r *turnRun) clearInterrupt(ask *chatevents.AskUserQuestionEvent) error {
	return r.activity("ClearInterruptActivity", ClearInterruptRequest{
		ConnectionID: r.in.ConnectionID,
		QuestionID:   ask.QuestionID,
	}, nil)
}

// waitForAnswer blocks on the question-answer signal channel, bounded by
// the question's own timeout so an abandoned browser tab does not leave the
// workflow waiting forever.
func (r *turnRun) waitForAnswer(ask *chatevents.AskUserQuestionEvent) (interrupt.QuestionAnswer, error) {
	timeout := time.Duration(ask.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultQuestionWait
	}
	// The deadline must derive from workflow time, not the wall clock:
	// temporalSignalChannel.Receive reads ctx.Deadline() and rearms a
	// replay-safe workflow.Timer from it, so the instant itself has to be
	// reproducible across replay.
	ctx, cancel := context.WithDeadline(r.ctx, r.wfCtx.Now().Add(timeout))
	defer cancel()

	ans, err := r.ctrl.WaitQuestionAnswer(ctx)
	if err != nil {
		return interrupt.QuestionAnswer{QuestionID: ask.QuestionID, TimedOut: true}, nil
	}
	return ans, nil
}

// finalize runs the lifecycle-outcome-specific cleanup (settlement,
// terminal bus events, abort-presence clearing) common to every path out
// of the event loop.
func (r *turnRun) finalize(outcome Outcome) error {
	r.t.Status = turn.TurnStatus(outcome)
	r.t.UpdatedAt = r.wfCtx.Now()
	if err := r.persistTurn(); err != nil {
		return err
	}

	var settleResult settlement.Result
	if err := r.activity("FinalizeAndSettleActivity", FinalizeAndSettleRequest{
		UserID:         r.in.UserID,
		SessionID:      r.in.SessionID,
		TopicID:        r.in.TopicID,
		MessageID:      r.t.AIMessageID,
		SinceTurnStart: r.turnStartedAt,
		Attribution:    r.in.Attribution,
	}, &settleResult); err != nil {
		return err
	}

	switch outcome {
	case OutcomeAborted:
		if err := r.publish(chatevents.NewErrorEvent(r.in.StreamID, "stream_aborted", "lifecycle", "turn aborted by user request")); err != nil {
			return err
		}
		return r.activity("ClearAbortPresenceActivity", r.in.ConnectionID, nil)
	case OutcomeCompleted:
		if err := r.publish(chatevents.NewMessageEvent(r.in.StreamID, r.t.FullContent, nil)); err != nil {
			return err
		}
		return r.publishMessageSaved()
	case OutcomeErrored:
		return r.publishMessageSaved()
	default:
		return nil
	}
}

// publishMessageSaved tells the browser the assistant message this turn
// produced (or its error placeholder) now has a durable row, once the
// final PersistTurnActivity above has already committed it.
func (r *turnRun) publishMessageSaved() error {
	return r.publish(chatevents.NewMessageSavedEvent(r.in.StreamID, r.t.AIMessageID, r.t.UpdatedAt))
}

func (r *turnRun) publish(evt chatevents.Event) error {
	env, err := EncodeGraphEvent(evt)
	if err != nil {
		return err
	}
	return r.activity("PublishEventActivity", PublishEventRequest{
		ConnectionID: r.in.ConnectionID,
		Event:        env,
	}, nil)
}

// activity schedules name with input and, when result is non-nil,
// populates it with the activity's return value.
func (r *turnRun) activity(name string, input any, result any) error {
	return r.wfCtx.ExecuteActivity(r.ctx, engine.ActivityRequest{Name: name, Input: input}, result)
}
