package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatcore/platform/chatevents"
)

// GraphEventEnvelope carries one chatevents.Event across an activity or
// signal boundary, where only concrete, JSON-encodable types survive the
// engine's data converter. ConsumeGraphStreamActivity relays the graph's
// events back to the running workflow this way, one per GraphEventSignal
// delivery, using engine.Engine.SignalWorkflow.
type GraphEventEnvelope struct {
	Kind      chatevents.EventType
	StreamID  string
	Timestamp time.Time
	Payload   json.RawMessage
}

// EncodeGraphEvent packages evt for transport. Marshaling the interface
// value directly works because encoding/json reflects on the concrete
// type underneath; only exported fields (never the unexported baseEvent)
// are captured, which is exactly what DecodeGraphEvent needs to rebuild
// the event through its constructor.
func EncodeGraphEvent(evt chatevents.Event) (GraphEventEnvelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return GraphEventEnvelope{}, fmt.Errorf("worker: encode graph event: %w", err)
	}
	return GraphEventEnvelope{
		Kind:      evt.Type(),
		StreamID:  evt.StreamID(),
		Timestamp: evt.Timestamp(),
		Payload:   payload,
	}, nil
}

// DecodeGraphEvent rebuilds the concrete chatevents.Event a prior
// EncodeGraphEvent call packaged, dispatching on Kind since that is the
// only way to know which concrete payload shape to unmarshal into.
func DecodeGraphEvent(env GraphEventEnvelope) (chatevents.Event, error) {
	switch env.Kind {
	case chatevents.StreamingStart:
		return chatevents.NewStreamingStartEvent(env.StreamID), nil

	case chatevents.StreamingChunk:
		var p struct{ Delta string }
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewStreamingChunkEvent(env.StreamID, p.Delta), nil

	case chatevents.StreamingEnd:
		var p struct{ AgentState *chatevents.AgentState }
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewStreamingEndEvent(env.StreamID, p.AgentState), nil

	case chatevents.TokenUsage:
		var p struct {
			Model          string
			Input          int
			Output         int
			Total          int
			CacheReadInput int
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewTokenUsageEvent(env.StreamID, p.Model, p.Input, p.Output, p.Total, p.CacheReadInput), nil

	case chatevents.ToolCallRequest:
		var p struct {
			ToolCallID string
			NodeID     string
			Name       string
			Args       map[string]any
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewToolCallRequestEvent(env.StreamID, p.ToolCallID, p.NodeID, p.Name, p.Args), nil

	case chatevents.ToolCallResult:
		var p struct {
			ToolCallID string
			Success    bool
			Result     any
			Error      string
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewToolCallResponseEvent(env.StreamID, p.ToolCallID, p.Success, p.Result, p.Error), nil

	case chatevents.ThinkingStart:
		return chatevents.NewThinkingStartEvent(env.StreamID), nil

	case chatevents.ThinkingChunk:
		var p struct{ Delta string }
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewThinkingChunkEvent(env.StreamID, p.Delta), nil

	case chatevents.ThinkingEnd:
		return chatevents.NewThinkingEndEvent(env.StreamID), nil

	case chatevents.AgentStart:
		var p struct{ AgentID string }
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewAgentStartEvent(env.StreamID, p.AgentID), nil

	case chatevents.AgentEnd:
		var p struct {
			AgentID string
			Status  string
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewAgentEndEvent(env.StreamID, p.AgentID, p.Status), nil

	case chatevents.NodeStart:
		var p struct {
			NodeID   string
			NodeName string
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewNodeStartEvent(env.StreamID, p.NodeID, p.NodeName), nil

	case chatevents.NodeEnd:
		var p struct {
			NodeID string
			Output string
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewNodeEndEvent(env.StreamID, p.NodeID, p.Output), nil

	case chatevents.AskUserQuestion:
		var p struct {
			QuestionID     string
			ThreadID       string
			Question       string
			Options        []string
			AllowTextInput bool
			TimeoutSeconds int
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewAskUserQuestionEvent(env.StreamID, p.QuestionID, p.ThreadID, p.Question, p.Options, p.AllowTextInput, p.TimeoutSeconds), nil

	case chatevents.SearchCitations:
		var p struct{ Citations []chatevents.Citation }
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewSearchCitationsEvent(env.StreamID, p.Citations), nil

	case chatevents.GeneratedFiles:
		var p struct{ FileIDs []string }
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewGeneratedFilesEvent(env.StreamID, p.FileIDs), nil

	case chatevents.Message:
		var p struct {
			Content    string
			Structured any
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewMessageEvent(env.StreamID, p.Content, p.Structured), nil

	case chatevents.Error:
		var p struct {
			Code     string
			Category string
			Detail   string
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewErrorEvent(env.StreamID, p.Code, p.Category, p.Detail), nil

	case chatevents.MessageSaved:
		var p struct {
			DBID      string
			CreatedAt time.Time
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return chatevents.NewMessageSavedEvent(env.StreamID, p.DBID, p.CreatedAt), nil

	default:
		return nil, fmt.Errorf("worker: unknown graph event kind %q", env.Kind)
	}
}
