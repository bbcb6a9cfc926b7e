package chatevents

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolArgsValidator compiles and caches JSON schemas keyed by tool name so
// repeated ToolCallRequestEvent validation does not recompile on every call.
type ToolArgsValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewToolArgsValidator returns an empty validator; register schemas with
// RegisterSchema before calling Validate.
func NewToolArgsValidator() *ToolArgsValidator {
	return &ToolArgsValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// RegisterSchema compiles schemaJSON and associates it with toolName.
func (v *ToolArgsValidator) RegisterSchema(toolName string, schemaJSON []byte) error {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("chatevents: unmarshal schema for tool %q: %w", toolName, err)
	}
	c := jsonschema.NewCompiler()
	resource := "tool:" + toolName
	if err := c.AddResource(resource, doc); err != nil {
		return fmt.Errorf("chatevents: add schema resource for tool %q: %w", toolName, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("chatevents: compile schema for tool %q: %w", toolName, err)
	}
	v.schemas[toolName] = schema
	return nil
}

// Validate checks a ToolCallRequestEvent's Args against the registered
// schema for its tool name. A tool with no registered schema is accepted
// unvalidated.
func (v *ToolArgsValidator) Validate(evt *ToolCallRequestEvent) error {
	schema, ok := v.schemas[evt.Name]
	if !ok {
		return nil
	}
	if err := schema.Validate(map[string]any(evt.Args)); err != nil {
		return fmt.Errorf("chatevents: tool %q args: %w", evt.Name, err)
	}
	return nil
}

// ValidateAskUserQuestionOptions enforces the wire-level invariant that a
// question offering no options must allow free-text input, otherwise the
// browser would have no way to answer it.
func ValidateAskUserQuestionOptions(evt *AskUserQuestionEvent) error {
	if len(evt.Options) == 0 && !evt.AllowTextInput {
		return fmt.Errorf("chatevents: question %q offers no options and disallows text input", evt.QuestionID)
	}
	return nil
}
