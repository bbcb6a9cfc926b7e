package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/chatcore/platform/engine"
	"github.com/chatcore/platform/telemetry"
)

type (
	temporalWorkflowContext struct {
		eng        *Engine
		ctx        workflow.Context
		workflowID string
		runID      string
	}

	temporalFuture struct {
		future workflow.Future
		ctx    workflow.Context
	}

	temporalSignalChannel struct {
		ctx workflow.Context
		ch  workflow.ReceiveChannel
	}
)

func newTemporalWorkflowContext(e *Engine, ctx workflow.Context) *temporalWorkflowContext {
	info := workflow.GetInfo(ctx)
	wfCtx := &temporalWorkflowContext{
		eng:        e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
	}
	e.workflowContexts.Store(wfCtx.runID, wfCtx)
	return wfCtx
}

// normalizeTemporalError translates Temporal's cancellation error into
// context.Canceled so callers can classify cancellation uniformly across
// engine backends without importing Temporal types.
func normalizeTemporalError(err error) error {
	if err == nil {
		return nil
	}
	if temporal.IsCanceledError(err) {
		return context.Canceled
	}
	return err
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts) //nolint:gosec // bounded by caller
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
		if policy.BackoffCoefficient < 1 {
			policy.BackoffCoefficient = 1
		}
	}
	return policy
}

func (w *temporalWorkflowContext) Context() context.Context { return context.Background() }
func (w *temporalWorkflowContext) WorkflowID() string        { return w.workflowID }
func (w *temporalWorkflowContext) RunID() string              { return w.runID }
func (w *temporalWorkflowContext) Logger() telemetry.Logger   { return w.eng.logger }
func (w *temporalWorkflowContext) Metrics() telemetry.Metrics { return w.eng.metrics }
func (w *temporalWorkflowContext) Tracer() telemetry.Tracer   { return w.eng.tracer }
func (w *temporalWorkflowContext) Now() time.Time             { return workflow.Now(w.ctx) }

func (w *temporalWorkflowContext) activityOptions(req engine.ActivityRequest) workflow.Context {
	opts := workflow.ActivityOptions{
		TaskQueue:           req.Queue,
		StartToCloseTimeout: req.Timeout,
		RetryPolicy:         convertRetryPolicy(req.RetryPolicy),
	}
	if opts.StartToCloseTimeout == 0 {
		opts.StartToCloseTimeout = 5 * time.Minute
	}
	return workflow.WithActivityOptions(w.ctx, opts)
}

func (w *temporalWorkflowContext) ExecuteActivity(_ context.Context, req engine.ActivityRequest, result any) error {
	ctx := w.activityOptions(req)
	return normalizeTemporalError(workflow.ExecuteActivity(ctx, req.Name, req.Input).Get(ctx, result))
}

func (w *temporalWorkflowContext) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	ctx := w.activityOptions(req)
	fut := workflow.ExecuteActivity(ctx, req.Name, req.Input)
	return &temporalFuture{future: fut, ctx: ctx}, nil
}

func (f *temporalFuture) Get(_ context.Context, result any) error {
	return normalizeTemporalError(f.future.Get(f.ctx, result))
}

func (f *temporalFuture) IsReady() bool { return f.future.IsReady() }

func (w *temporalWorkflowContext) SignalChannel(name string) engine.SignalChannel {
	return &temporalSignalChannel{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

// Receive blocks until a signal arrives or ctx carries a deadline that
// elapses first. The deadline is enforced with a workflow timer (not a Go
// context deadline, which would not be replay-safe) so callers such as
// interrupt.Controller.WaitQuestionAnswer can bound the wait by a turn's
// timeout_seconds without leaking a goroutine across replay.
func (s *temporalSignalChannel) Receive(ctx context.Context, dest any) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		s.ch.Receive(s.ctx, dest)
		return nil
	}
	timeout := deadline.Sub(workflow.Now(s.ctx))
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	var (
		got      bool
		timedOut bool
	)
	timerCtx, cancel := workflow.WithCancel(s.ctx)
	timer := workflow.NewTimer(timerCtx, timeout)
	sel := workflow.NewSelector(s.ctx)
	sel.AddReceive(s.ch, func(c workflow.ReceiveChannel, _ bool) {
		cancel()
		c.Receive(s.ctx, dest)
		got = true
	})
	sel.AddFuture(timer, func(workflow.Future) {
		timedOut = true
	})
	sel.Select(s.ctx)
	cancel()

	if got {
		return nil
	}
	if timedOut {
		return context.DeadlineExceeded
	}
	return ctx.Err()
}

func (s *temporalSignalChannel) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}
