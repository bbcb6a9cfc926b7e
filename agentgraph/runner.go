// Package agentgraph implements worker.GraphRunner against the Anthropic
// Claude Messages API. It is the default agent-graph collaborator
// cmd/worker wires in: a single streamed completion per turn, with no
// tool use or multi-node planning. Grounded on
// features/model/anthropic/client.go and stream.go's MessagesClient
// interface and SSE event loop, trimmed to the one shape RunTurn's event
// switch in worker/workflow.go actually consumes (streaming_start,
// streaming_chunk, token_usage, streaming_end).
package agentgraph

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/chatcore/platform/chatevents"
	"github.com/chatcore/platform/worker"
)

// MessagesClient captures the subset of the Anthropic SDK client this
// runner needs, satisfied by *sdk.MessageService or a test double.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Runner implements worker.GraphRunner with one streamed Claude call per
// turn. ResumeAnswer is folded into the prompt as a second user turn;
// there is no multi-node graph here, so ask_user_question is never
// emitted and a resumed turn simply continues the conversation.
type Runner struct {
	Client    MessagesClient
	Model     string
	MaxTokens int
	System    string
}

// NewRunner constructs a Runner from a configured Anthropic client.
func NewRunner(client MessagesClient, model string, maxTokens int) *Runner {
	return &Runner{Client: client, Model: model, MaxTokens: maxTokens}
}

// Run satisfies worker.GraphRunner. The returned channel is closed once
// the completion finishes (or errors); its last event is streaming_end or
// error, matching what handleEvent requires to mark a turn done. If ctx is
// canceled first, the channel is closed without either.
func (r *Runner) Run(ctx context.Context, req worker.GraphRunRequest) (<-chan chatevents.Event, error) {
	if r.Client == nil {
		return nil, fmt.Errorf("agentgraph: client is required")
	}
	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(r.Model),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if r.System != "" {
		params.System = []sdk.TextBlockParam{{Text: r.System}}
	}
	if req.ResumeAnswer != nil {
		params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(req.ResumeAnswer.Answer)))
	}

	stream := r.Client.NewStreaming(ctx, params)
	events := make(chan chatevents.Event, 16)
	go r.pump(ctx, req.StreamID, stream, events)
	return events, nil
}

func (r *Runner) pump(ctx context.Context, streamID string, stream *ssestream.Stream[sdk.MessageStreamEventUnion], events chan<- chatevents.Event) {
	defer close(events)
	defer func() { _ = stream.Close() }()

	var content strings.Builder
	emit := func(evt chatevents.Event) bool {
		select {
		case events <- evt:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(chatevents.NewStreamingStartEvent(streamID)) {
		return
	}

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				content.WriteString(delta.Text)
				if !emit(chatevents.NewStreamingChunkEvent(streamID, delta.Text)) {
					return
				}
			}
		case sdk.MessageDeltaEvent:
			usage := ev.Usage
			if !emit(chatevents.NewTokenUsageEvent(streamID, r.Model, int(usage.InputTokens), int(usage.OutputTokens), 0, int(usage.CacheReadInputTokens))) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		emit(chatevents.NewErrorEvent(streamID, "E_MODEL_STREAM", "provider", err.Error()))
		return
	}

	emit(chatevents.NewStreamingEndEvent(streamID, &chatevents.AgentState{FinalContent: content.String()}))
}
