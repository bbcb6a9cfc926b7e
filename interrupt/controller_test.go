package interrupt

import (
	"context"
	"testing"
	"time"

	"github.com/chatcore/platform/engine"
	"github.com/chatcore/platform/engine/inmem"
)

func TestControllerPollAbort(t *testing.T) {
	eng := inmem.New()
	ctx := context.Background()
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test-workflow",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			ctrl := NewController(wfCtx)
			if _, ok := ctrl.PollAbort(); ok {
				t.Error("expected no abort request before signal")
			}
			for {
				if req, ok := ctrl.PollAbort(); ok {
					return req, nil
				}
				time.Sleep(time.Millisecond)
			}
		},
	}); err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "turn-1", Workflow: "test-workflow"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if err := handle.Signal(ctx, SignalAbort, AbortRequest{StreamID: "turn-1", Reason: "user_requested"}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	var result AbortRequest
	if err := handle.Wait(ctx, &result); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Reason != "user_requested" {
		t.Fatalf("unexpected abort reason: %q", result.Reason)
	}
}

func TestControllerWaitQuestionAnswer(t *testing.T) {
	eng := inmem.New()
	ctx := context.Background()
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test-workflow",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			ctrl := NewController(wfCtx)
			return ctrl.WaitQuestionAnswer(wfCtx.Context())
		},
	}); err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "turn-2", Workflow: "test-workflow"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if err := handle.Signal(ctx, SignalQuestionAnswer, QuestionAnswer{QuestionID: "q1", Text: "42"}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	var result QuestionAnswer
	if err := handle.Wait(ctx, &result); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Text != "42" {
		t.Fatalf("unexpected answer text: %q", result.Text)
	}
}
