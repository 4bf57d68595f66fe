package convert

import "testing"

func TestFromOpenAI_ReasoningContentBecomesLeadingThinkingBlock(t *testing.T) {
	resp := FromOpenAI("msg_1", "claude-3-5-sonnet", "stop", ChatCompletionMessage{
		Content:          "the answer",
		ReasoningContent: "pondering",
	}, ChatCompletionUsage{PromptTokens: 10, CompletionTokens: 5})

	if len(resp.Content) != 2 {
		t.Fatalf("expected [thinking, text], got %d blocks: %+v", len(resp.Content), resp.Content)
	}
	if resp.Content[0].Type != "thinking" || resp.Content[0].Thinking != "pondering" {
		t.Fatalf("unexpected leading block: %+v", resp.Content[0])
	}
	if resp.Content[1].Type != "text" || resp.Content[1].Text != "the answer" {
		t.Fatalf("unexpected text block: %+v", resp.Content[1])
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if resp.StopReason != "end_turn" {
		t.Fatalf("unexpected stop reason: %q", resp.StopReason)
	}
}

func TestFromOpenAI_ExtractsEmbeddedThinkSpanWhenNoReasoningField(t *testing.T) {
	resp := FromOpenAI("msg_1", "m", "stop", ChatCompletionMessage{
		Content: "before <think>inside</think> after",
	}, ChatCompletionUsage{})

	if len(resp.Content) != 2 {
		t.Fatalf("expected [thinking, text], got %+v", resp.Content)
	}
	if resp.Content[0].Thinking != "inside" {
		t.Fatalf("unexpected extracted thinking: %q", resp.Content[0].Thinking)
	}
	if resp.Content[1].Text != "before  after" {
		t.Fatalf("unexpected remaining text: %q", resp.Content[1].Text)
	}
}

func TestFromOpenAI_ToolCallsBecomeToolUseBlocks(t *testing.T) {
	resp := FromOpenAI("msg_1", "m", "tool_calls", ChatCompletionMessage{
		ToolCalls: []ToolCall{{ID: "call_1", Function: ToolCallFunc{Name: "search", Arguments: `{"q":"test"}`}}},
	}, ChatCompletionUsage{})

	if len(resp.Content) != 2 {
		t.Fatalf("expected [text, tool_use], got %+v", resp.Content)
	}
	if resp.Content[0].Type != "text" || resp.Content[0].Text != "" {
		t.Fatalf("expected an empty text block when tool_calls are present, got %+v", resp.Content[0])
	}
	tool := resp.Content[1]
	if tool.Type != "tool_use" || tool.Name != "search" || tool.Input["q"] != "test" {
		t.Fatalf("unexpected tool_use block: %+v", tool)
	}
	if resp.StopReason != "tool_use" {
		t.Fatalf("expected tool_calls to map to tool_use, got %q", resp.StopReason)
	}
}

func TestFromOpenAI_MalformedToolArgumentsPreservedRaw(t *testing.T) {
	resp := FromOpenAI("msg_1", "m", "tool_calls", ChatCompletionMessage{
		ToolCalls: []ToolCall{{ID: "call_1", Function: ToolCallFunc{Name: "search", Arguments: `{not json`}}},
	}, ChatCompletionUsage{})

	tool := resp.Content[len(resp.Content)-1]
	if tool.Input["_raw"] != `{not json` {
		t.Fatalf("expected malformed arguments preserved under _raw, got %+v", tool.Input)
	}
}
