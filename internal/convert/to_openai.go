package convert

import "strings"

// Options tunes ConvertMessages' behavior for provider-specific quirks.
type Options struct {
	// IncludeReasoningForOpenRouter folds preserved thinking blocks into a
	// reasoning_content field on re-sent assistant messages, enabling
	// multi-turn reasoning continuation on OpenRouter-routed models. Off by
	// default since most OpenAI-compatible backends reject the field.
	IncludeReasoningForOpenRouter bool
}

// ConvertMessages converts a list of Anthropic messages to OpenAI
// chat-completions format, preserving interleaved thinking/text order
// within an assistant turn and emitting tool_result blocks as separate
// "tool" role messages ahead of the batched user text.
func ConvertMessages(messages []Message, opts Options) []ChatMessage {
	var out []ChatMessage
	for _, msg := range messages {
		if msg.Blocks == nil {
			out = append(out, ChatMessage{Role: msg.Role, Content: msg.Content})
			continue
		}
		switch msg.Role {
		case "assistant":
			out = append(out, convertAssistantMessage(msg.Blocks, opts))
		case "user":
			out = append(out, convertUserMessage(msg.Blocks)...)
		default:
			out = append(out, ChatMessage{Role: msg.Role, Content: msg.Content})
		}
	}
	return out
}

func convertAssistantMessage(blocks []ContentBlock, opts Options) ChatMessage {
	var contentParts []string
	var thinkingParts []string
	var toolCalls []ToolCall

	for _, b := range blocks {
		switch b.Type {
		case "text":
			contentParts = append(contentParts, b.Text)
		case "thinking":
			contentParts = append(contentParts, "<think>\n"+b.Thinking+"\n</think>")
			if opts.IncludeReasoningForOpenRouter {
				thinkingParts = append(thinkingParts, b.Thinking)
			}
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: ToolCallFunc{
					Name:      b.Name,
					Arguments: marshalInput(b.Input),
				},
			})
		}
	}

	content := strings.Join(contentParts, "\n\n")
	// NIM-family backends (Mistral in particular) reject empty assistant
	// content when there are no tool calls either.
	if content == "" && len(toolCalls) == 0 {
		content = " "
	}

	out := ChatMessage{Role: "assistant", Content: content, ToolCalls: toolCalls}
	if opts.IncludeReasoningForOpenRouter && len(thinkingParts) > 0 {
		out.ReasoningContent = strings.Join(thinkingParts, "\n")
	}
	return out
}

func convertUserMessage(blocks []ContentBlock) []ChatMessage {
	var out []ChatMessage
	var textParts []string

	flushText := func() {
		if len(textParts) > 0 {
			out = append(out, ChatMessage{Role: "user", Content: strings.Join(textParts, "\n")})
			textParts = nil
		}
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)
		case "tool_result":
			out = append(out, ChatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    stringifyToolResult(b.ToolResultContent),
			})
		}
	}
	flushText()
	return out
}

// stringifyToolResult renders tool_result.content, which Anthropic allows
// to be a plain string, an arbitrary object, or a list of text-ish items
// joined by newline.
func stringifyToolResult(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
					continue
				}
			}
			parts = append(parts, toDisplayString(item))
		}
		return strings.Join(parts, "\n")
	default:
		return toDisplayString(v)
	}
}

func toDisplayString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b := marshalInput(toMap(v))
	return b
}

func toMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

// ConvertTools converts Anthropic tool definitions to OpenAI function-tool
// format.
func ConvertTools(tools []Tool) []ChatTool {
	out := make([]ChatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, ChatTool{
			Type: "function",
			Function: ChatToolFunc{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

// ConvertSystemPrompt converts an Anthropic system prompt (plain string or
// a list of text blocks) to an OpenAI system message. Returns nil if there
// is nothing to send.
func ConvertSystemPrompt(text string, blocks []ContentBlock) *ChatMessage {
	if len(blocks) > 0 {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			joined := strings.TrimSpace(strings.Join(parts, "\n\n"))
			return &ChatMessage{Role: "system", Content: joined}
		}
		return nil
	}
	if text != "" {
		return &ChatMessage{Role: "system", Content: text}
	}
	return nil
}
