package chatevents

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType identifies the "type" discriminator of a WebSocket wire frame.
type FrameType string

// Client-to-server frame types (spec §6).
const (
	FrameMessage              FrameType = "message"
	FramePong                 FrameType = "pong"
	FrameAbort                FrameType = "abort"
	FrameUserQuestionResponse FrameType = "user_question_response"
	FrameRegenerate           FrameType = "regenerate"
)

// Server-to-client frame types that do not originate from a chatevents.Event
// (spec §6).
const (
	FrameMessageAck        FrameType = "message_ack"
	FrameMessageSaved      FrameType = "message_saved"
	FrameStreamAborted     FrameType = "stream_aborted"
	FrameLoading           FrameType = "loading"
	FrameInsufficientFunds FrameType = "insufficient_balance"
	FramePing              FrameType = "ping"
)

type (
	// InboundFrame is the envelope every client-to-server WS message is
	// decoded into before being routed to a type-specific payload.
	InboundFrame struct {
		Type FrameType       `json:"type"`
		Data json.RawMessage `json:"data,omitempty"`
	}

	// OutboundFrame is the envelope every server-to-client WS message is
	// encoded into. StreamID ties agent-graph-originated frames back to
	// the turn that produced them.
	OutboundFrame struct {
		Type      FrameType `json:"type"`
		StreamID  string    `json:"stream_id,omitempty"`
		Timestamp time.Time `json:"timestamp"`
		Data      any       `json:"data,omitempty"`
	}

	// MessagePayload is the client's new-message submission. ClientID is
	// an opaque id the client minted for its optimistic local copy,
	// echoed back on message_saved/message_ack so the client can
	// reconcile without matching on content.
	MessagePayload struct {
		TopicID  string   `json:"topic_id"`
		Content  string   `json:"content"`
		FileIDs  []string `json:"file_ids,omitempty"`
		ParentID string   `json:"parent_id,omitempty"`
		ClientID string   `json:"client_id,omitempty"`
	}

	// AbortPayload requests cancellation of the named in-flight turn.
	AbortPayload struct {
		MessageID string `json:"message_id"`
	}

	// UserQuestionResponsePayload answers a pending AskUserQuestionEvent.
	UserQuestionResponsePayload struct {
		QuestionID string `json:"question_id"`
		OptionID   string `json:"option_id,omitempty"`
		Text       string `json:"text,omitempty"`
	}

	// RegeneratePayload requests a re-run of a prior assistant message.
	RegeneratePayload struct {
		MessageID string `json:"message_id"`
	}

	// MessageAckPayload is sent immediately after a message frame is
	// accepted, before the turn's workflow has started. ClientID echoes
	// back the client-generated id the message frame carried, if any, so
	// the client can reconcile its optimistic local copy.
	MessageAckPayload struct {
		MessageID string `json:"message_id"`
		ClientID  string `json:"client_id,omitempty"`
	}

	// MessageSavedPayload reports the persisted id for a message, user or
	// assistant, once it has a row in the turn store. CreatedAt lets the
	// client order it against other messages without a round trip.
	MessageSavedPayload struct {
		ClientMessageID string    `json:"client_message_id,omitempty"`
		MessageID       string    `json:"message_id"`
		CreatedAt       time.Time `json:"created_at"`
	}

	// StreamAbortedPayload confirms an abort took effect.
	StreamAbortedPayload struct {
		MessageID string `json:"message_id"`
		Reason    string `json:"reason,omitempty"`
	}

	// InsufficientBalancePayload reports a wallet balance rejection.
	InsufficientBalancePayload struct {
		Required float64 `json:"required"`
		Balance  float64 `json:"balance"`
	}
)

// DecodePayload unmarshals the frame's Data into dest.
func (f InboundFrame) DecodePayload(dest any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, dest); err != nil {
		return fmt.Errorf("chatevents: decode %s payload: %w", f.Type, err)
	}
	return nil
}

// ToOutboundFrame converts an agent-graph Event into the wire frame shape
// relayed to the browser. Frame type mirrors the event's EventType string,
// so client and server share one vocabulary for these kinds.
func ToOutboundFrame(evt Event) OutboundFrame {
	frame := OutboundFrame{
		Type:      FrameType(evt.Type()),
		StreamID:  evt.StreamID(),
		Timestamp: evt.Timestamp(),
	}

	switch e := evt.(type) {
	case *StreamingStartEvent, *ThinkingStartEvent, *ThinkingEndEvent:
		// no payload beyond the envelope
	case *StreamingChunkEvent:
		frame.Data = struct {
			Delta string `json:"delta"`
		}{e.Delta}
	case *StreamingEndEvent:
		frame.Data = struct {
			AgentState *AgentState `json:"agent_state,omitempty"`
		}{e.AgentState}
	case *TokenUsageEvent:
		frame.Data = struct {
			Model          string `json:"model"`
			Input          int    `json:"input"`
			Output         int    `json:"output"`
			Total          int    `json:"total"`
			CacheReadInput int    `json:"cache_read_input,omitempty"`
		}{e.Model, e.Input, e.Output, e.Total, e.CacheReadInput}
	case *ToolCallRequestEvent:
		frame.Data = struct {
			ToolCallID string         `json:"tool_call_id"`
			NodeID     string         `json:"node_id,omitempty"`
			Name       string         `json:"name"`
			Args       map[string]any `json:"args,omitempty"`
		}{e.ToolCallID, e.NodeID, e.Name, e.Args}
	case *ToolCallResponseEvent:
		frame.Data = struct {
			ToolCallID string `json:"tool_call_id"`
			Success    bool   `json:"success"`
			Result     any    `json:"result,omitempty"`
			Error      string `json:"error,omitempty"`
		}{e.ToolCallID, e.Success, e.Result, e.Error}
	case *ThinkingChunkEvent:
		frame.Data = struct {
			Delta string `json:"delta"`
		}{e.Delta}
	case *AgentStartEvent:
		frame.Data = struct {
			AgentID string `json:"agent_id"`
		}{e.AgentID}
	case *AgentEndEvent:
		frame.Data = struct {
			AgentID string `json:"agent_id"`
			Status  string `json:"status"`
		}{e.AgentID, e.Status}
	case *NodeStartEvent:
		frame.Data = struct {
			NodeID   string `json:"node_id"`
			NodeName string `json:"node_name,omitempty"`
		}{e.NodeID, e.NodeName}
	case *NodeEndEvent:
		frame.Data = struct {
			NodeID string `json:"node_id"`
			Output string `json:"output,omitempty"`
		}{e.NodeID, e.Output}
	case *AskUserQuestionEvent:
		frame.Data = struct {
			QuestionID     string   `json:"question_id"`
			ThreadID       string   `json:"thread_id,omitempty"`
			Question       string   `json:"question"`
			Options        []string `json:"options,omitempty"`
			AllowTextInput bool     `json:"allow_text_input"`
			TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
		}{e.QuestionID, e.ThreadID, e.Question, e.Options, e.AllowTextInput, e.TimeoutSeconds}
	case *SearchCitationsEvent:
		frame.Data = struct {
			Citations []Citation `json:"citations"`
		}{e.Citations}
	case *GeneratedFilesEvent:
		frame.Data = struct {
			FileIDs []string `json:"file_ids"`
		}{e.FileIDs}
	case *MessageEvent:
		frame.Data = struct {
			Content    string `json:"content"`
			Structured any    `json:"structured,omitempty"`
		}{e.Content, e.Structured}
	case *ErrorEvent:
		frame.Data = struct {
			Code     string `json:"code"`
			Category string `json:"category,omitempty"`
			Detail   string `json:"detail,omitempty"`
		}{e.Code, e.Category, e.Detail}
	case *MessageSavedEvent:
		frame.Data = MessageSavedPayload{MessageID: e.DBID, CreatedAt: e.CreatedAt}
	}
	return frame
}
