package sseblocks

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuilder_ThinkingThenText(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(&buf, nil)

	if err := b.MessageStart("msg_1", "claude-3-5-sonnet"); err != nil {
		t.Fatal(err)
	}
	thinkIdx, err := b.EnsureThinkingBlock()
	if err != nil {
		t.Fatal(err)
	}
	_ = b.ThinkingDelta(thinkIdx, "reasoning")
	_ = b.ThinkingDelta(thinkIdx, "...")
	textIdx, err := b.EnsureTextBlock()
	if err != nil {
		t.Fatal(err)
	}
	_ = b.TextDelta(textIdx, "Answer")
	if err := b.CloseAllBlocks(); err != nil {
		t.Fatal(err)
	}
	if err := b.MessageDelta("stop", 0); err != nil {
		t.Fatal(err)
	}
	_ = b.MessageStop()
	_ = b.Done()

	out := buf.String()
	wantOrder := []string{
		"event: message_start",
		"event: content_block_start",
		`"type":"thinking"`,
		"event: content_block_delta",
		`"thinking":"reasoning"`,
		`"thinking":"..."`,
		"event: content_block_stop",
		`"type":"text"`,
		`"text":"Answer"`,
		"event: message_delta",
		`"stop_reason":"end_turn"`,
		"event: message_stop",
		"data: [DONE]",
	}
	lastPos := -1
	for _, want := range wantOrder {
		pos := strings.Index(out, want)
		if pos < 0 {
			t.Fatalf("expected to find %q in output:\n%s", want, out)
		}
		if pos < lastPos {
			t.Fatalf("expected %q to appear after position %d, found at %d:\n%s", want, lastPos, pos, out)
		}
		lastPos = pos
	}
	if thinkIdx == textIdx {
		t.Fatalf("expected distinct indices for thinking and text blocks")
	}
}

func TestBuilder_WireShapeOneStartDeltaStopPerIndex(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(&buf, nil)
	_ = b.MessageStart("msg_1", "m")
	idx, _ := b.EnsureTextBlock()
	_ = b.TextDelta(idx, "a")
	_ = b.TextDelta(idx, "b")
	_ = b.CloseAllBlocks()
	_ = b.MessageDelta("stop", 0)
	_ = b.MessageStop()
	_ = b.Done()

	out := buf.String()
	if n := strings.Count(out, "event: content_block_start"); n != 1 {
		t.Fatalf("expected exactly 1 content_block_start, got %d", n)
	}
	if n := strings.Count(out, "event: content_block_stop"); n != 1 {
		t.Fatalf("expected exactly 1 content_block_stop, got %d", n)
	}
	if n := strings.Count(out, "event: content_block_delta"); n != 2 {
		t.Fatalf("expected exactly 2 content_block_delta, got %d", n)
	}
	if !strings.HasSuffix(strings.TrimRight(out, "\n"), "data: [DONE]") {
		t.Fatalf("expected output to end with [DONE]: %s", out)
	}
}

func TestBuilder_TaskToolRunInBackgroundForcedFalse(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(&buf, nil)
	_ = b.MessageStart("msg_1", "m")
	_ = b.StartToolBlock(0, "call_1", "Task")
	_ = b.EmitToolDelta(0, `{"description":"x",`)
	_ = b.EmitToolDelta(0, `"run_in_background":true}`)
	if err := b.StopToolBlock(0); err != nil {
		t.Fatal(err)
	}
	_ = b.CloseAllBlocks()
	_ = b.MessageDelta("tool_calls", 0)
	_ = b.MessageStop()
	_ = b.Done()

	out := buf.String()
	if n := strings.Count(out, "input_json_delta"); n != 1 {
		t.Fatalf("expected exactly 1 input_json_delta for a buffered Task call, got %d:\n%s", n, out)
	}
	if strings.Contains(out, `\"run_in_background\":true`) {
		t.Fatalf("expected run_in_background to be forced false: %s", out)
	}
	if !strings.Contains(out, `\"run_in_background\":false`) {
		t.Fatalf("expected corrected payload to set run_in_background false: %s", out)
	}
	if !strings.Contains(out, `"stop_reason":"tool_use"`) {
		t.Fatalf("expected tool_calls to map to tool_use: %s", out)
	}
}

func TestBuilder_NativeToolStreamsIncrementally(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(&buf, nil)
	_ = b.MessageStart("msg_1", "m")
	_ = b.StartToolBlock(0, "call_1", "search")
	_ = b.EmitToolDelta(0, `{"q":`)
	_ = b.EmitToolDelta(0, `"test"}`)
	_ = b.StopToolBlock(0)
	_ = b.CloseAllBlocks()
	_ = b.MessageDelta("tool_calls", 0)
	_ = b.MessageStop()
	_ = b.Done()

	out := buf.String()
	if n := strings.Count(out, "input_json_delta"); n != 2 {
		t.Fatalf("expected 2 incremental input_json_delta fragments for a non-Task tool, got %d:\n%s", n, out)
	}
}
