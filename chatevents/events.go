// Package chatevents defines the tagged-union StreamEvent protocol the agent
// graph emits and the Chat Worker consumes (one kind per constant below), and
// the WebSocket wire frames the Chat Gateway relays to and from the browser.
package chatevents

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of a StreamEvent.
type EventType string

// Event kinds consumed by the Chat Worker's per-turn loop.
const (
	StreamingStart  EventType = "streaming_start"
	StreamingChunk  EventType = "streaming_chunk"
	StreamingEnd    EventType = "streaming_end"
	TokenUsage      EventType = "token_usage"
	ToolCallRequest EventType = "tool_call_request"
	ToolCallResult  EventType = "tool_call_response"
	ThinkingStart   EventType = "thinking_start"
	ThinkingChunk   EventType = "thinking_chunk"
	ThinkingEnd     EventType = "thinking_end"
	AgentStart      EventType = "agent_start"
	AgentEnd        EventType = "agent_end"
	NodeStart       EventType = "node_start"
	NodeEnd         EventType = "node_end"
	AskUserQuestion EventType = "ask_user_question"
	SearchCitations EventType = "search_citations"
	GeneratedFiles  EventType = "generated_files"
	Message         EventType = "message"
	Error           EventType = "error"
	MessageSaved    EventType = "message_saved"
)

type (
	// Event is the interface every StreamEvent implements. The agent graph
	// emits events through a GraphStream; the Chat Worker consumes them
	// once, updates turn state, and republishes on the event bus.
	Event interface {
		Type() EventType
		StreamID() string
		Timestamp() time.Time
	}

	// baseEvent holds the fields common to every event kind.
	baseEvent struct {
		streamID  string
		timestamp time.Time
	}

	// StreamingStartEvent allocates an assistant message row if one does
	// not already exist for this stream.
	StreamingStartEvent struct {
		baseEvent
	}

	// StreamingChunkEvent carries one delta of assistant text.
	StreamingChunkEvent struct {
		baseEvent
		Delta string
	}

	// StreamingEndEvent closes out the text stream. AgentState, when
	// present, is adopted as the canonical final content, overriding the
	// concatenation of chunks.
	StreamingEndEvent struct {
		baseEvent
		AgentState *AgentState
	}

	// AgentState is the node-output snapshot carried by a StreamingEndEvent.
	AgentState struct {
		FinalContent string
		NodeOrder    []string
		NodeOutputs  map[string]string
		NodeNames    map[string]string
	}

	// TokenUsageEvent reports token counts for one model call. Total
	// defaults to Input+Output if the graph does not set it.
	TokenUsageEvent struct {
		baseEvent
		Model          string
		Input          int
		Output         int
		Total          int
		CacheReadInput int
	}

	// ToolCallRequestEvent indexes a pending tool invocation by
	// ToolCallID. NodeID identifies the active graph node the call
	// belongs to.
	ToolCallRequestEvent struct {
		baseEvent
		ToolCallID string
		NodeID     string
		Name       string
		Args       map[string]any
	}

	// ToolCallResponseEvent reports the outcome of a previously requested
	// tool call.
	ToolCallResponseEvent struct {
		baseEvent
		ToolCallID string
		Success    bool
		Result     any
		Error      string
	}

	// ThinkingStartEvent/ThinkingChunkEvent/ThinkingEndEvent mirror the
	// streaming_{start,chunk,end} triad for the model's reasoning channel.
	ThinkingStartEvent struct{ baseEvent }
	ThinkingChunkEvent struct {
		baseEvent
		Delta string
	}
	ThinkingEndEvent struct{ baseEvent }

	// AgentStartEvent/AgentEndEvent bracket a sub-agent invocation.
	AgentStartEvent struct {
		baseEvent
		AgentID string
	}
	AgentEndEvent struct {
		baseEvent
		AgentID string
		Status  string
	}

	// NodeStartEvent/NodeEndEvent bracket one graph node's execution and
	// drive the AgentRun timeline.
	NodeStartEvent struct {
		baseEvent
		NodeID   string
		NodeName string
	}
	NodeEndEvent struct {
		baseEvent
		NodeID string
		Output string
	}

	// AskUserQuestionEvent suspends the turn pending a browser response.
	AskUserQuestionEvent struct {
		baseEvent
		QuestionID      string
		ThreadID        string
		Question        string
		Options         []string
		AllowTextInput  bool
		TimeoutSeconds  int
	}

	// SearchCitationsEvent buffers citations for bulk persistence at
	// finalization.
	SearchCitationsEvent struct {
		baseEvent
		Citations []Citation
	}

	// Citation is one search result attributed to the assistant's answer.
	Citation struct {
		URL     string
		Title   string
		Snippet string
	}

	// GeneratedFilesEvent links file ids to the assistant message.
	GeneratedFilesEvent struct {
		baseEvent
		FileIDs []string
	}

	// MessageEvent finalizes a non-streaming response in one shot.
	MessageEvent struct {
		baseEvent
		Content    string
		Structured any
	}

	// ErrorEvent carries a fatal error for the turn.
	ErrorEvent struct {
		baseEvent
		Code     string
		Category string
		Detail   string
	}

	// MessageSavedEvent reports that the assistant message this turn
	// produced now has a durable row, once the turn reaches a terminal
	// outcome. DBID is the same id as StreamID (one turn, one assistant
	// message), carried separately since the wire payload names it
	// message_id rather than reusing the envelope's stream_id.
	MessageSavedEvent struct {
		baseEvent
		DBID      string
		CreatedAt time.Time
	}
)

func newBase(streamID string) baseEvent {
	return baseEvent{streamID: streamID, timestamp: time.Now()}
}

func (b baseEvent) StreamID() string     { return b.streamID }
func (b baseEvent) Timestamp() time.Time { return b.timestamp }

func (e *StreamingStartEvent) Type() EventType   { return StreamingStart }
func (e *StreamingChunkEvent) Type() EventType   { return StreamingChunk }
func (e *StreamingEndEvent) Type() EventType     { return StreamingEnd }
func (e *TokenUsageEvent) Type() EventType       { return TokenUsage }
func (e *ToolCallRequestEvent) Type() EventType  { return ToolCallRequest }
func (e *ToolCallResponseEvent) Type() EventType { return ToolCallResult }
func (e *ThinkingStartEvent) Type() EventType    { return ThinkingStart }
func (e *ThinkingChunkEvent) Type() EventType    { return ThinkingChunk }
func (e *ThinkingEndEvent) Type() EventType      { return ThinkingEnd }
func (e *AgentStartEvent) Type() EventType       { return AgentStart }
func (e *AgentEndEvent) Type() EventType         { return AgentEnd }
func (e *NodeStartEvent) Type() EventType        { return NodeStart }
func (e *NodeEndEvent) Type() EventType          { return NodeEnd }
func (e *AskUserQuestionEvent) Type() EventType  { return AskUserQuestion }
func (e *SearchCitationsEvent) Type() EventType  { return SearchCitations }
func (e *GeneratedFilesEvent) Type() EventType   { return GeneratedFiles }
func (e *MessageEvent) Type() EventType          { return Message }
func (e *ErrorEvent) Type() EventType            { return Error }
func (e *MessageSavedEvent) Type() EventType     { return MessageSaved }

// NewStreamingStartEvent constructs a StreamingStartEvent.
func NewStreamingStartEvent(streamID string) *StreamingStartEvent {
	return &StreamingStartEvent{baseEvent: newBase(streamID)}
}

// NewStreamingChunkEvent constructs a StreamingChunkEvent carrying delta.
func NewStreamingChunkEvent(streamID, delta string) *StreamingChunkEvent {
	return &StreamingChunkEvent{baseEvent: newBase(streamID), Delta: delta}
}

// NewStreamingEndEvent constructs a StreamingEndEvent. state may be nil.
func NewStreamingEndEvent(streamID string, state *AgentState) *StreamingEndEvent {
	return &StreamingEndEvent{baseEvent: newBase(streamID), AgentState: state}
}

// NewTokenUsageEvent constructs a TokenUsageEvent, defaulting Total to
// Input+Output when the caller passes 0.
func NewTokenUsageEvent(streamID, model string, input, output, total, cacheReadInput int) *TokenUsageEvent {
	if total == 0 {
		total = input + output
	}
	return &TokenUsageEvent{
		baseEvent: newBase(streamID), Model: model,
		Input: input, Output: output, Total: total, CacheReadInput: cacheReadInput,
	}
}

// NewToolCallRequestEvent constructs a ToolCallRequestEvent. An empty
// toolCallID is assigned a fresh uuid.
func NewToolCallRequestEvent(streamID, toolCallID, nodeID, name string, args map[string]any) *ToolCallRequestEvent {
	if toolCallID == "" {
		toolCallID = uuid.NewString()
	}
	return &ToolCallRequestEvent{
		baseEvent: newBase(streamID), ToolCallID: toolCallID, NodeID: nodeID, Name: name, Args: args,
	}
}

// NewToolCallResponseEvent constructs a ToolCallResponseEvent.
func NewToolCallResponseEvent(streamID, toolCallID string, success bool, result any, errMsg string) *ToolCallResponseEvent {
	return &ToolCallResponseEvent{
		baseEvent: newBase(streamID), ToolCallID: toolCallID, Success: success, Result: result, Error: errMsg,
	}
}

// NewThinkingStartEvent constructs a ThinkingStartEvent.
func NewThinkingStartEvent(streamID string) *ThinkingStartEvent {
	return &ThinkingStartEvent{baseEvent: newBase(streamID)}
}

// NewThinkingChunkEvent constructs a ThinkingChunkEvent.
func NewThinkingChunkEvent(streamID, delta string) *ThinkingChunkEvent {
	return &ThinkingChunkEvent{baseEvent: newBase(streamID), Delta: delta}
}

// NewThinkingEndEvent constructs a ThinkingEndEvent.
func NewThinkingEndEvent(streamID string) *ThinkingEndEvent {
	return &ThinkingEndEvent{baseEvent: newBase(streamID)}
}

// NewAgentStartEvent constructs an AgentStartEvent.
func NewAgentStartEvent(streamID, agentID string) *AgentStartEvent {
	return &AgentStartEvent{baseEvent: newBase(streamID), AgentID: agentID}
}

// NewAgentEndEvent constructs an AgentEndEvent.
func NewAgentEndEvent(streamID, agentID, status string) *AgentEndEvent {
	return &AgentEndEvent{baseEvent: newBase(streamID), AgentID: agentID, Status: status}
}

// NewNodeStartEvent constructs a NodeStartEvent.
func NewNodeStartEvent(streamID, nodeID, nodeName string) *NodeStartEvent {
	return &NodeStartEvent{baseEvent: newBase(streamID), NodeID: nodeID, NodeName: nodeName}
}

// NewNodeEndEvent constructs a NodeEndEvent.
func NewNodeEndEvent(streamID, nodeID, output string) *NodeEndEvent {
	return &NodeEndEvent{baseEvent: newBase(streamID), NodeID: nodeID, Output: output}
}

// NewAskUserQuestionEvent constructs an AskUserQuestionEvent. An empty
// questionID is assigned a fresh uuid.
func NewAskUserQuestionEvent(streamID, questionID, threadID, question string, options []string, allowText bool, timeoutSeconds int) *AskUserQuestionEvent {
	if questionID == "" {
		questionID = uuid.NewString()
	}
	return &AskUserQuestionEvent{
		baseEvent: newBase(streamID), QuestionID: questionID, ThreadID: threadID,
		Question: question, Options: options, AllowTextInput: allowText, TimeoutSeconds: timeoutSeconds,
	}
}

// NewSearchCitationsEvent constructs a SearchCitationsEvent.
func NewSearchCitationsEvent(streamID string, citations []Citation) *SearchCitationsEvent {
	return &SearchCitationsEvent{baseEvent: newBase(streamID), Citations: citations}
}

// NewGeneratedFilesEvent constructs a GeneratedFilesEvent.
func NewGeneratedFilesEvent(streamID string, fileIDs []string) *GeneratedFilesEvent {
	return &GeneratedFilesEvent{baseEvent: newBase(streamID), FileIDs: fileIDs}
}

// NewMessageEvent constructs a MessageEvent.
func NewMessageEvent(streamID, content string, structured any) *MessageEvent {
	return &MessageEvent{baseEvent: newBase(streamID), Content: content, Structured: structured}
}

// NewErrorEvent constructs an ErrorEvent.
func NewErrorEvent(streamID, code, category, detail string) *ErrorEvent {
	return &ErrorEvent{baseEvent: newBase(streamID), Code: code, Category: category, Detail: detail}
}

// NewMessageSavedEvent constructs a MessageSavedEvent.
func NewMessageSavedEvent(streamID, dbID string, createdAt time.Time) *MessageSavedEvent {
	return &MessageSavedEvent{baseEvent: newBase(streamID), DBID: dbID, CreatedAt: createdAt}
}

// BusinessError is implemented by errors that must surface as a typed
// stream event (insufficient_balance, tier limits, ...) rather than tear
// down the connection. See spec §7 "Business" error kind.
type BusinessError interface {
	error
	EventCode() string
}
