package convert

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestConvertMessages_PlainStringPassesThrough(t *testing.T) {
	out := ConvertMessages([]Message{{Role: "user", Content: "hi"}}, Options{})
	if len(out) != 1 || out[0].Role != "user" || out[0].Content != "hi" {
		t.Fatalf("unexpected conversion: %+v", out)
	}
}

func TestConvertMessages_UserToolResultBeforeText(t *testing.T) {
	msgs := []Message{{
		Role: "user",
		Blocks: []ContentBlock{
			{Type: "tool_result", ToolUseID: "call_1", ToolResultContent: "42"},
			{Type: "text", Text: "what's next?"},
		},
	}}
	out := ConvertMessages(msgs, Options{})
	if len(out) != 2 {
		t.Fatalf("expected 2 messages (tool then user text), got %d: %+v", len(out), out)
	}
	if out[0].Role != "tool" || out[0].ToolCallID != "call_1" || out[0].Content != "42" {
		t.Fatalf("unexpected tool message: %+v", out[0])
	}
	if out[1].Role != "user" || out[1].Content != "what's next?" {
		t.Fatalf("unexpected user message: %+v", out[1])
	}
}

func TestConvertMessages_AssistantInterleavedThinkingAndText(t *testing.T) {
	msgs := []Message{{
		Role: "assistant",
		Blocks: []ContentBlock{
			{Type: "thinking", Thinking: "pondering"},
			{Type: "text", Text: "the answer is 4"},
		},
	}}
	out := ConvertMessages(msgs, Options{})
	if len(out) != 1 {
		t.Fatalf("expected 1 assistant message, got %d", len(out))
	}
	if !strings.Contains(out[0].Content, "<think>\npondering\n</think>") {
		t.Fatalf("expected wrapped thinking span, got %q", out[0].Content)
	}
	if !strings.Contains(out[0].Content, "the answer is 4") {
		t.Fatalf("expected text content, got %q", out[0].Content)
	}
	if out[0].ReasoningContent != "" {
		t.Fatalf("expected no reasoning_content without the OpenRouter option")
	}
}

func TestConvertMessages_AssistantReasoningForOpenRouter(t *testing.T) {
	msgs := []Message{{
		Role:   "assistant",
		Blocks: []ContentBlock{{Type: "thinking", Thinking: "pondering"}},
	}}
	out := ConvertMessages(msgs, Options{IncludeReasoningForOpenRouter: true})
	if out[0].ReasoningContent != "pondering" {
		t.Fatalf("expected reasoning_content to carry the thinking text, got %q", out[0].ReasoningContent)
	}
}

func TestConvertMessages_AssistantToolCallWithNoTextUsesSpace(t *testing.T) {
	msgs := []Message{{
		Role: "assistant",
		Blocks: []ContentBlock{
			{Type: "tool_use", ID: "call_1", Name: "search", Input: map[string]any{"q": "test"}},
		},
	}}
	out := ConvertMessages(msgs, Options{})
	if len(out[0].ToolCalls) != 1 || out[0].ToolCalls[0].Function.Name != "search" {
		t.Fatalf("unexpected tool call conversion: %+v", out[0])
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(out[0].ToolCalls[0].Function.Arguments), &args); err != nil {
		t.Fatalf("arguments should be valid JSON: %v", err)
	}
	if args["q"] != "test" {
		t.Fatalf("unexpected arguments: %+v", args)
	}
}

func TestConvertMessages_AssistantEmptyWithNoToolCallsUsesSpace(t *testing.T) {
	msgs := []Message{{Role: "assistant", Blocks: []ContentBlock{{Type: "text", Text: ""}}}}
	out := ConvertMessages(msgs, Options{})
	if out[0].Content != " " {
		t.Fatalf("expected a single space placeholder, got %q", out[0].Content)
	}
}

func TestConvertSystemPrompt(t *testing.T) {
	if got := ConvertSystemPrompt("be terse", nil); got == nil || got.Content != "be terse" {
		t.Fatalf("unexpected string system prompt conversion: %+v", got)
	}
	blocks := []ContentBlock{{Type: "text", Text: "first"}, {Type: "text", Text: "second"}}
	got := ConvertSystemPrompt("", blocks)
	if got == nil || got.Content != "first\n\nsecond" {
		t.Fatalf("unexpected block system prompt conversion: %+v", got)
	}
	if ConvertSystemPrompt("", nil) != nil {
		t.Fatal("expected nil for an absent system prompt")
	}
}

func TestConvertTools(t *testing.T) {
	tools := []Tool{{Name: "search", Description: "searches", InputSchema: map[string]any{"type": "object"}}}
	out := ConvertTools(tools)
	if len(out) != 1 || out[0].Function.Name != "search" || out[0].Type != "function" {
		t.Fatalf("unexpected tool conversion: %+v", out)
	}
}
