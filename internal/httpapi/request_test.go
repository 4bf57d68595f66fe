package httpapi

import (
	"encoding/json"
	"testing"
)

func TestWireMessage_PlainStringContent(t *testing.T) {
	m := wireMessage{Role: "user", Content: json.RawMessage(`"hello"`)}
	cm, err := m.toConvertMessage()
	if err != nil {
		t.Fatal(err)
	}
	if cm.Role != "user" || cm.Content != "hello" || cm.Blocks != nil {
		t.Fatalf("unexpected conversion: %+v", cm)
	}
}

func TestWireMessage_BlockArrayContent(t *testing.T) {
	raw := `[{"type":"text","text":"hi"},{"type":"tool_use","id":"t1","name":"Grep","input":{"pattern":"x"}}]`
	m := wireMessage{Role: "assistant", Content: json.RawMessage(raw)}
	cm, err := m.toConvertMessage()
	if err != nil {
		t.Fatal(err)
	}
	if len(cm.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(cm.Blocks))
	}
	if cm.Blocks[0].Type != "text" || cm.Blocks[0].Text != "hi" {
		t.Fatalf("unexpected text block: %+v", cm.Blocks[0])
	}
	tu := cm.Blocks[1]
	if tu.Type != "tool_use" || tu.ID != "t1" || tu.Name != "Grep" || tu.Input["pattern"] != "x" {
		t.Fatalf("unexpected tool_use block: %+v", tu)
	}
}

func TestWireMessage_ToolResultStringContent(t *testing.T) {
	raw := `[{"type":"tool_result","tool_use_id":"call_1","content":"42"}]`
	m := wireMessage{Role: "user", Content: json.RawMessage(raw)}
	cm, err := m.toConvertMessage()
	if err != nil {
		t.Fatal(err)
	}
	if cm.Blocks[0].ToolResultContent != "42" {
		t.Fatalf("expected string tool result content, got %+v", cm.Blocks[0].ToolResultContent)
	}
}

func TestWireMessage_ToolResultListContent(t *testing.T) {
	raw := `[{"type":"tool_result","tool_use_id":"call_1","content":[{"type":"text","text":"line one"}]}]`
	m := wireMessage{Role: "user", Content: json.RawMessage(raw)}
	cm, err := m.toConvertMessage()
	if err != nil {
		t.Fatal(err)
	}
	list, ok := cm.Blocks[0].ToolResultContent.([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected a one-item list, got %+v", cm.Blocks[0].ToolResultContent)
	}
}

func TestWireMessage_MalformedContentErrors(t *testing.T) {
	m := wireMessage{Role: "user", Content: json.RawMessage(`123`)}
	if _, err := m.toConvertMessage(); err == nil {
		t.Fatal("expected an error for content that is neither a string nor a block array")
	}
}

func TestParseSystem_PlainString(t *testing.T) {
	text, blocks := parseSystem(json.RawMessage(`"be helpful"`))
	if text != "be helpful" || blocks != nil {
		t.Fatalf("unexpected parse: text=%q blocks=%+v", text, blocks)
	}
}

func TestParseSystem_BlockArray(t *testing.T) {
	text, blocks := parseSystem(json.RawMessage(`[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]`))
	if text != "" || len(blocks) != 2 {
		t.Fatalf("unexpected parse: text=%q blocks=%+v", text, blocks)
	}
}

func TestParseSystem_Empty(t *testing.T) {
	text, blocks := parseSystem(nil)
	if text != "" || blocks != nil {
		t.Fatalf("expected empty parse for nil system field, got text=%q blocks=%+v", text, blocks)
	}
}

func TestMessagesRequest_ThinkingRequested(t *testing.T) {
	r := messagesRequest{Thinking: &thinkingConfig{Type: "enabled"}}
	if !r.thinkingRequested() {
		t.Fatal("expected thinking requested")
	}
	r2 := messagesRequest{}
	if r2.thinkingRequested() {
		t.Fatal("expected no thinking requested when field is absent")
	}
}

func TestExtractOverrideAPIKey_FromAPIKeyHeader(t *testing.T) {
	if got := extractOverrideAPIKey("", "freecc:sk-test"); got != "sk-test" {
		t.Fatalf("expected override sk-test, got %q", got)
	}
}

func TestExtractOverrideAPIKey_FromBearer(t *testing.T) {
	if got := extractOverrideAPIKey("Bearer freecc:sk-test", ""); got != "sk-test" {
		t.Fatalf("expected override sk-test, got %q", got)
	}
}

func TestExtractOverrideAPIKey_NoOverride(t *testing.T) {
	if got := extractOverrideAPIKey("Bearer sk-regular", "sk-regular"); got != "" {
		t.Fatalf("expected no override, got %q", got)
	}
}
