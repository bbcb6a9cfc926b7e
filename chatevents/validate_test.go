package chatevents

import "testing"

func TestToolArgsValidatorAccepts(t *testing.T) {
	v := NewToolArgsValidator()
	schema := []byte(`{
		"type": "object",
		"properties": {"query": {"type": "string"}},
		"required": ["query"]
	}`)
	if err := v.RegisterSchema("search", schema); err != nil {
		t.Fatalf("register schema: %v", err)
	}
	evt := NewToolCallRequestEvent("stream1", "tc-1", "node1", "search", map[string]any{"query": "weather"})
	if err := v.Validate(evt); err != nil {
		t.Fatalf("expected valid args, got %v", err)
	}
}

func TestToolArgsValidatorRejectsMissingRequired(t *testing.T) {
	v := NewToolArgsValidator()
	schema := []byte(`{
		"type": "object",
		"properties": {"query": {"type": "string"}},
		"required": ["query"]
	}`)
	if err := v.RegisterSchema("search", schema); err != nil {
		t.Fatalf("register schema: %v", err)
	}
	evt := NewToolCallRequestEvent("stream1", "tc-1", "node1", "search", map[string]any{})
	if err := v.Validate(evt); err == nil {
		t.Fatal("expected validation error for missing required field")
	}
}

func TestToolArgsValidatorUnknownToolPasses(t *testing.T) {
	v := NewToolArgsValidator()
	evt := NewToolCallRequestEvent("stream1", "tc-1", "node1", "unregistered_tool", map[string]any{"anything": true})
	if err := v.Validate(evt); err != nil {
		t.Fatalf("expected no error for unregistered tool, got %v", err)
	}
}

func TestValidateAskUserQuestionOptionsRejectsNoOptionsNoText(t *testing.T) {
	evt := NewAskUserQuestionEvent("stream1", "q1", "thread1", "pick one", nil, false, 30)
	if err := ValidateAskUserQuestionOptions(evt); err == nil {
		t.Fatal("expected error for question with no options and no text input")
	}
}

func TestValidateAskUserQuestionOptionsAcceptsTextInput(t *testing.T) {
	evt := NewAskUserQuestionEvent("stream1", "q1", "thread1", "anything else?", nil, true, 30)
	if err := ValidateAskUserQuestionOptions(evt); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
