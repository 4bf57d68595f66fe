package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/agentbroker/broker/internal/convert"
)

// toConvertMessage decodes one wire message's Content (a JSON string or a
// block array) into the package-internal convert.Message shape, which
// carries no JSON tags of its own — this package owns the boundary
// between the wire and that internal representation.
func (m wireMessage) toConvertMessage() (convert.Message, error) {
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return convert.Message{Role: m.Role, Content: text}, nil
	}

	var blocks []wireContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return convert.Message{}, fmt.Errorf("message content must be a string or an array of blocks: %w", err)
	}

	out := make([]convert.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.toConvertBlock())
	}
	return convert.Message{Role: m.Role, Blocks: out}, nil
}

func (b wireContentBlock) toConvertBlock() convert.ContentBlock {
	cb := convert.ContentBlock{
		Type:      b.Type,
		Text:      b.Text,
		Thinking:  b.Thinking,
		ID:        b.ID,
		Name:      b.Name,
		ToolUseID: b.ToolUseID,
	}
	if len(b.Input) > 0 {
		var input map[string]any
		if err := json.Unmarshal(b.Input, &input); err == nil {
			cb.Input = input
		}
	}
	if len(b.Content) > 0 {
		cb.ToolResultContent = decodeToolResultContent(b.Content)
	}
	return cb
}

// decodeToolResultContent decodes a tool_result.content payload, which
// Anthropic allows to be a plain string, an arbitrary object, or a list of
// text-ish items — mirroring what convert.stringifyToolResult expects on
// the other side of the conversion.
func decodeToolResultContent(raw json.RawMessage) any {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var arr []any
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	return nil
}

func toConvertMessages(wire []wireMessage) ([]convert.Message, error) {
	out := make([]convert.Message, 0, len(wire))
	for i, m := range wire {
		cm, err := m.toConvertMessage()
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		out = append(out, cm)
	}
	return out, nil
}

func toConvertTools(wire []wireTool) []convert.Tool {
	out := make([]convert.Tool, 0, len(wire))
	for _, t := range wire {
		out = append(out, convert.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// parseSystem decodes the system field, which Anthropic allows to be a
// plain string or an array of text blocks, into the (text, blocks) pair
// convert.ConvertSystemPrompt expects.
func parseSystem(raw json.RawMessage) (text string, blocks []convert.ContentBlock) {
	if len(raw) == 0 {
		return "", nil
	}
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var wire []wireContentBlock
	if err := json.Unmarshal(raw, &wire); err != nil {
		return "", nil
	}
	out := make([]convert.ContentBlock, 0, len(wire))
	for _, b := range wire {
		out = append(out, b.toConvertBlock())
	}
	return "", out
}

// thinkingRequested reports whether the request body asked for extended
// thinking.
func (r messagesRequest) thinkingRequested() bool {
	return r.Thinking != nil && r.Thinking.Type == "enabled"
}
