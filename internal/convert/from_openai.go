package convert

import (
	"encoding/json"
	"strings"
)

// ChatCompletionMessage is the subset of an OpenAI non-streaming response
// message this broker cares about.
type ChatCompletionMessage struct {
	Content          string
	ReasoningContent string
	ReasoningDetails []any
	ToolCalls        []ToolCall
}

// ChatCompletionUsage is the subset of OpenAI usage fields this broker
// renames onto the Anthropic wire shape.
type ChatCompletionUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// AnthropicUsage is the Anthropic-shaped usage block. Cache fields are
// always zero: this broker's upstream never reports cache hits.
type AnthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// AnthropicResponse is a non-streaming Anthropic Messages response.
type AnthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      AnthropicUsage `json:"usage"`
}

// FromOpenAI converts one non-streaming chat-completion choice into a full
// Anthropic response, in the fixed block order: a leading thinking block
// (from reasoning_content/reasoning_details, or extracted from a <think>
// span in content), then the text block, then one tool_use block per
// OpenAI tool call.
func FromOpenAI(msgID, model, finishReason string, msg ChatCompletionMessage, usage ChatCompletionUsage) AnthropicResponse {
	var blocks []ContentBlock

	content := msg.Content
	if msg.ReasoningContent != "" || len(msg.ReasoningDetails) > 0 {
		blocks = append(blocks, ContentBlock{Type: "thinking", Thinking: msg.ReasoningContent})
	} else if thinking, rest, ok := extractLeadingThinkSpan(content); ok {
		blocks = append(blocks, ContentBlock{Type: "thinking", Thinking: thinking})
		content = rest
	}

	if content == "" && len(msg.ToolCalls) == 0 {
		content = " "
	}
	blocks = append(blocks, ContentBlock{Type: "text", Text: content})

	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: parseToolArguments(tc.Function.Arguments),
		})
	}

	return AnthropicResponse{
		ID:         msgID,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: MapStopReasonForResponse(finishReason),
		Usage: AnthropicUsage{
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
		},
	}
}

// extractLeadingThinkSpan pulls the first <think>...</think> span out of
// content and returns its body plus the remaining text (the part before
// the tag concatenated with the part after), ok=false if no complete span
// is present.
func extractLeadingThinkSpan(content string) (thinking, rest string, ok bool) {
	start := strings.Index(content, "<think>")
	if start < 0 {
		return "", "", false
	}
	afterOpen := content[start+len("<think>"):]
	end := strings.Index(afterOpen, "</think>")
	if end < 0 {
		return "", "", false
	}
	thinking = afterOpen[:end]
	rest = content[:start] + afterOpen[end+len("</think>"):]
	return thinking, rest, true
}

// parseToolArguments JSON-decodes an OpenAI tool call's arguments string.
// On parse failure (a malformed or truncated model output) the raw string
// is preserved under a single "_raw" key rather than dropped.
func parseToolArguments(raw string) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		return parsed
	}
	return map[string]any{"_raw": raw}
}

// MapStopReasonForResponse applies the same upstream finish-reason mapping
// the streaming path uses (see sseblocks.MapStopReason), kept independent
// here so this package has no import-time dependency on sseblocks.
func MapStopReasonForResponse(upstream string) string {
	switch upstream {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}
