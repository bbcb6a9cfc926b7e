package chatevents

import (
	"testing"
	"time"
)

func TestTokenUsageEventDefaultsTotal(t *testing.T) {
	evt := NewTokenUsageEvent("stream1", "claude", 10, 20, 0, 0)
	if evt.Total != 30 {
		t.Fatalf("expected total 30, got %d", evt.Total)
	}
}

func TestTokenUsageEventExplicitTotal(t *testing.T) {
	evt := NewTokenUsageEvent("stream1", "claude", 10, 20, 100, 5)
	if evt.Total != 100 {
		t.Fatalf("expected total 100, got %d", evt.Total)
	}
}

func TestToolCallRequestEventAssignsID(t *testing.T) {
	evt := NewToolCallRequestEvent("stream1", "", "node1", "search", nil)
	if evt.ToolCallID == "" {
		t.Fatal("expected generated tool call id")
	}
}

func TestToolCallRequestEventKeepsGivenID(t *testing.T) {
	evt := NewToolCallRequestEvent("stream1", "tc-1", "node1", "search", nil)
	if evt.ToolCallID != "tc-1" {
		t.Fatalf("expected tc-1, got %s", evt.ToolCallID)
	}
}

func TestAskUserQuestionEventAssignsID(t *testing.T) {
	evt := NewAskUserQuestionEvent("stream1", "", "thread1", "pick one", []string{"a", "b"}, false, 30)
	if evt.QuestionID == "" {
		t.Fatal("expected generated question id")
	}
}

func TestEventTypesMatchConstants(t *testing.T) {
	cases := []struct {
		evt  Event
		want EventType
	}{
		{NewStreamingStartEvent("s"), StreamingStart},
		{NewStreamingChunkEvent("s", "hi"), StreamingChunk},
		{NewStreamingEndEvent("s", nil), StreamingEnd},
		{NewThinkingStartEvent("s"), ThinkingStart},
		{NewThinkingChunkEvent("s", "hi"), ThinkingChunk},
		{NewThinkingEndEvent("s"), ThinkingEnd},
		{NewAgentStartEvent("s", "a1"), AgentStart},
		{NewAgentEndEvent("s", "a1", "success"), AgentEnd},
		{NewNodeStartEvent("s", "n1", "planner"), NodeStart},
		{NewNodeEndEvent("s", "n1", "out"), NodeEnd},
		{NewSearchCitationsEvent("s", nil), SearchCitations},
		{NewGeneratedFilesEvent("s", nil), GeneratedFiles},
		{NewMessageEvent("s", "hello", nil), Message},
		{NewErrorEvent("s", "E001", "business", "insufficient balance"), Error},
		{NewMessageSavedEvent("s", "msg-1", time.Now()), MessageSaved},
	}
	for _, c := range cases {
		if got := c.evt.Type(); got != c.want {
			t.Errorf("expected type %s, got %s", c.want, got)
		}
		if c.evt.StreamID() != "s" {
			t.Errorf("expected stream id %q, got %q", "s", c.evt.StreamID())
		}
	}
}
