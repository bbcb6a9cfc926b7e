package worker

// register.go adapts Activities' typed methods, and RunTurn itself, into
// the generic engine.ActivityFunc/engine.WorkflowFunc forms engine.Engine
// requires, then registers them. Grounded on
// runtime/agent/runtime/handlers.go's WorkflowHandler/
// PlanStartActivityHandler: type-assert the concrete type first, fall
// back to a JSON round-trip for anything else, since Temporal's default
// codec decodes signal/activity payloads into map[string]any before a
// handler ever sees them.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatcore/platform/engine"
)

// TaskQueue is the default queue RunTurn and its activities run on.
const TaskQueue = "chatcore-chat-worker"

// decodeActivityInput coerces an untyped activity input into T.
func decodeActivityInput[T any](input any) (T, error) {
	var out T
	switch v := input.(type) {
	case T:
		return v, nil
	case *T:
		if v == nil {
			return out, fmt.Errorf("worker: nil activity input")
		}
		return *v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("worker: marshal activity input (type %T): %w", v, err)
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return out, fmt.Errorf("worker: unmarshal activity input (type %T): %w", v, err)
		}
		return out, nil
	}
}

// activityFunc adapts a typed activity method returning a value into the
// engine's generic ActivityFunc form.
func activityFunc[In, Out any](fn func(context.Context, In) (Out, error)) engine.ActivityFunc {
	return func(ctx context.Context, input any) (any, error) {
		in, err := decodeActivityInput[In](input)
		if err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// activityFuncErr adapts a typed activity method that returns only an
// error into the engine's generic ActivityFunc form.
func activityFuncErr[In any](fn func(context.Context, In) error) engine.ActivityFunc {
	return func(ctx context.Context, input any) (any, error) {
		in, err := decodeActivityInput[In](input)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, in)
	}
}

// RegisterWorkflow registers RunTurn under WorkflowName. RunTurn already
// has the engine.WorkflowFunc shape, so no adapter is needed.
func RegisterWorkflow(ctx context.Context, eng engine.Engine, queue string) error {
	if queue == "" {
		queue = TaskQueue
	}
	return eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      WorkflowName,
		TaskQueue: queue,
		Handler:   RunTurn,
	})
}

// RegisterActivities registers every Activities method with eng under
// queue (TaskQueue when empty).
func RegisterActivities(ctx context.Context, eng engine.Engine, a *Activities, queue string) error {
	if queue == "" {
		queue = TaskQueue
	}
	opts := engine.ActivityOptions{Queue: queue}

	defs := []engine.ActivityDefinition{
		{Name: "SoftProbeActivity", Handler: activityFunc(a.SoftProbeActivity), Options: opts},
		{Name: "ConsumeGraphStreamActivity", Handler: activityFunc(a.ConsumeGraphStreamActivity), Options: opts},
		{Name: "ResolveModelRateActivity", Handler: activityFunc(a.ResolveModelRateActivity), Options: opts},
		{Name: "PublishEventActivity", Handler: activityFuncErr(a.PublishEventActivity), Options: opts},
		{Name: "LoadTurnActivity", Handler: activityFunc(a.LoadTurnActivity), Options: opts},
		{Name: "PersistTurnActivity", Handler: activityFuncErr(a.PersistTurnActivity), Options: opts},
		{Name: "UpsertAgentRunActivity", Handler: activityFuncErr(a.UpsertAgentRunActivity), Options: opts},
		{Name: "WriteConsumeRecordActivity", Handler: activityFuncErr(a.WriteConsumeRecordActivity), Options: opts},
		{Name: "FinalizeAndSettleActivity", Handler: activityFunc(a.FinalizeAndSettleActivity), Options: opts},
		{Name: "ClearAbortPresenceActivity", Handler: activityFuncErr(a.ClearAbortPresenceActivity), Options: opts},
		{Name: "OpenInterruptActivity", Handler: activityFuncErr(a.OpenInterruptActivity), Options: opts},
		{Name: "ClearInterruptActivity", Handler: activityFuncErr(a.ClearInterruptActivity), Options: opts},
	}

	for _, def := range defs {
		if err := eng.RegisterActivity(ctx, def); err != nil {
			return fmt.Errorf("worker: register activity %s: %w", def.Name, err)
		}
	}
	return nil
}
