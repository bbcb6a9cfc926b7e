// Package interrupt provides workflow signal handling for the Chat Worker's
// abort and ask-user-question suspension points, plus the Redis state that
// lets the Chat Gateway validate and route a resume request back to the
// correct workflow.
package interrupt

import (
	"context"
	"errors"

	"github.com/chatcore/platform/engine"
)

const (
	// SignalAbort is the workflow signal name used to request cancellation
	// of an in-flight turn.
	SignalAbort = "chatcore.turn.abort"

	// SignalQuestionAnswer delivers the browser's answer to a pending
	// ask_user_question back to the workflow waiting on it.
	SignalQuestionAnswer = "chatcore.turn.question_answer"
)

type (
	// AbortRequest carries metadata attached to an abort signal.
	AbortRequest struct {
		StreamID    string
		Reason      string
		RequestedBy string
	}

	// QuestionAnswer carries the browser's response to a pending
	// ask_user_question, delivered either as a selected option or free text.
	QuestionAnswer struct {
		QuestionID string
		OptionID   string
		Text       string
		TimedOut   bool
	}

	// Controller drains turn interrupt signals and exposes helpers the
	// worker's event loop calls to react to abort requests and question
	// answers without blocking on anything but the signal channels below.
	Controller struct {
		abortCh    engine.SignalChannel
		questionCh engine.SignalChannel
	}
)

// NewController builds a controller wired to the workflow context's signal
// channels.
func NewController(wfCtx engine.WorkflowContext) *Controller {
	return &Controller{
		abortCh:    wfCtx.SignalChannel(SignalAbort),
		questionCh: wfCtx.SignalChannel(SignalQuestionAnswer),
	}
}

// PollAbort attempts to dequeue an abort request without blocking. The
// worker calls this at tool-call boundaries and between graph nodes.
func (c *Controller) PollAbort() (AbortRequest, bool) {
	if c == nil || c.abortCh == nil {
		return AbortRequest{}, false
	}
	var req AbortRequest
	if !c.abortCh.ReceiveAsync(&req) {
		return AbortRequest{}, false
	}
	return req, true
}

// WaitQuestionAnswer blocks until the browser answers a pending
// ask_user_question or the context is canceled (e.g. by the question's
// timeout firing).
func (c *Controller) WaitQuestionAnswer(ctx context.Context) (QuestionAnswer, error) {
	if c == nil || c.questionCh == nil {
		return QuestionAnswer{}, errors.New("interrupt: question channel unavailable")
	}
	var ans QuestionAnswer
	if err := c.questionCh.Receive(ctx, &ans); err != nil {
		return QuestionAnswer{}, err
	}
	return ans, nil
}
