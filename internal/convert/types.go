// Package convert translates between the Anthropic Messages wire format
// and the OpenAI chat-completions format (C8), in both directions.
package convert

import "encoding/json"

// Message is one Anthropic-format conversation turn. Content is either a
// plain string or a list of typed blocks; callers check Content vs Blocks.
type Message struct {
	Role    string
	Content string
	Blocks  []ContentBlock
}

// ContentBlock is one Anthropic content-block variant. Only the fields
// relevant to Type are populated.
type ContentBlock struct {
	Type string // "text" | "thinking" | "tool_use" | "tool_result"

	Text string // text

	Thinking string // thinking

	ID    string         // tool_use
	Name  string         // tool_use
	Input map[string]any // tool_use

	ToolUseID string // tool_result
	// ToolResultContent mirrors tool_result.content, which Anthropic allows
	// to be a string, an object, or a list of text-ish items.
	ToolResultContent any
}

// Tool is an Anthropic tool definition.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatMessage is one OpenAI chat-completions message.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	// ReasoningContent carries preserved thinking text back to
	// OpenRouter-routed models that support multi-turn reasoning
	// continuation (Options.IncludeReasoningForOpenRouter).
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ToolCall is an OpenAI tool_calls[] entry.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolCallFunc `json:"function"`
}

type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatTool is an OpenAI-format tool/function definition.
type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatToolFunc `json:"function"`
}

type ChatToolFunc struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func marshalInput(input map[string]any) string {
	if input == nil {
		return "{}"
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(b)
}
