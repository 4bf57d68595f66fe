package toolparser

import (
	"testing"
)

func TestFeed_SimpleToolCall(t *testing.T) {
	p := New()
	out := p.Feed("Let's try. ● <function=Grep><parameter=pattern>")
	out2 := p.Feed("hi</parameter> done")

	if out.Text != "Let's try. " {
		t.Fatalf("unexpected text before tool: %q", out.Text)
	}
	if out2.Text != " done" {
		t.Fatalf("unexpected text after tool: %q", out2.Text)
	}

	var tools []ToolCall
	tools = append(tools, out.Tools...)
	tools = append(tools, out2.Tools...)
	if len(tools) != 1 {
		t.Fatalf("expected exactly 1 tool call, got %d: %+v", len(tools), tools)
	}
	if tools[0].Name != "Grep" || tools[0].Input["pattern"] != "hi" {
		t.Fatalf("unexpected tool call: %+v", tools[0])
	}

	flushed := p.Flush()
	if flushed.Text != "" {
		t.Fatalf("unexpected trailing text after flush: %q", flushed.Text)
	}
}

func TestFeed_RoundTripAtRuneBoundaries(t *testing.T) {
	s := "● <function=T><parameter=k>v</parameter>"
	runes := []rune(s)

	for i := 0; i <= len(runes); i++ {
		p := New()
		first := string(runes[:i])
		second := string(runes[i:])

		out1 := p.Feed(first)
		out2 := p.Feed(second)
		out3 := p.Flush()

		var tools []ToolCall
		tools = append(tools, out1.Tools...)
		tools = append(tools, out2.Tools...)
		tools = append(tools, out3.Tools...)

		if len(tools) != 1 {
			t.Fatalf("split=%d: expected exactly 1 tool call, got %d", i, len(tools))
		}
		if tools[0].Name != "T" || tools[0].Input["k"] != "v" {
			t.Fatalf("split=%d: unexpected tool call: %+v", i, tools[0])
		}
	}
}

func TestFeed_SpuriousMarkerFallsBackToText(t *testing.T) {
	p := New()
	out := p.Feed("● " + makeLongNonMatch())
	out2 := p.Flush()

	full := out.Text + out2.Text
	if len(full) == 0 {
		t.Fatal("expected spurious marker text to be emitted")
	}
	if len(out.Tools)+len(out2.Tools) != 0 {
		t.Fatal("expected no tool calls for spurious marker")
	}
}

func makeLongNonMatch() string {
	s := ""
	for i := 0; i < 120; i++ {
		s += "x"
	}
	return s
}

func TestFeed_ControlTokenStripped(t *testing.T) {
	p := New()
	out := p.Feed("before<|tool_call_end|>after")
	full := out.Text
	if contains2(full, "<|tool_call_end|>") {
		t.Fatalf("control token leaked into output: %q", full)
	}

	p2 := New()
	o1 := p2.Feed("before<|tool_call")
	o2 := p2.Feed("_end|>after")
	full2 := o1.Text + o2.Text
	if contains2(full2, "<|tool_call_end|>") {
		t.Fatalf("split control token leaked into output: %q", full2)
	}
}

func contains2(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
