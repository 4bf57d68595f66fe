// Package toolparser implements the heuristic tool-call recovery parser
// (C5): it recovers tool_use calls emitted as plain text by models that
// don't support native tool calling, of the shape
// "● <function=NAME><parameter=KEY>VAL</parameter>...".
package toolparser

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
)

// state is the parser's current mode.
type state int

const (
	stateText state = iota
	stateMatchingFunction
	stateParsingParameters
)

const maxMatchingBuffer = 100

var (
	controlTokenRe = regexp.MustCompile(`<\|[^|>]{1,80}\|>`)
	funcStartRe    = regexp.MustCompile(`●\s*<function=([^>]+)>`)
	paramRe        = regexp.MustCompile(`(?s)<parameter=([^>]+)>(.*?)(?:</parameter>|$)`)
)

// ToolCall is one recovered tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]string
}

// Output is what Feed/Flush return: filtered text plus any tool calls that
// completed during this call.
type Output struct {
	Text  string
	Tools []ToolCall
}

// Parser is the heuristic tool-call recovery state machine. Not safe for
// concurrent use against the same instance.
type Parser struct {
	st          state
	buf         strings.Builder
	pendingID   string
	pendingFn   string
	params      map[string]string
	paramOrder  []string
	controlTail string // incomplete trailing "<|..." held from the previous Feed
}

// New constructs a fresh parser in TEXT mode.
func New() *Parser {
	return &Parser{params: make(map[string]string)}
}

// Feed consumes one chunk of upstream text.
func (p *Parser) Feed(chunk string) Output {
	chunk = p.stripControlTokens(chunk)

	var out Output
	remaining := chunk

	for len(remaining) > 0 {
		switch p.st {
		case stateText:
			remaining = p.feedText(remaining, &out)
		case stateMatchingFunction:
			remaining = p.feedMatchingFunction(remaining, &out)
		case stateParsingParameters:
			remaining = p.feedParsingParameters(remaining, &out)
		}
	}
	return out
}

func (p *Parser) feedText(s string, out *Output) string {
	idx := strings.Index(s, "●")
	if idx < 0 {
		out.Text += s
		return ""
	}
	out.Text += s[:idx]
	p.st = stateMatchingFunction
	return s[idx:]
}

func (p *Parser) feedMatchingFunction(s string, out *Output) string {
	p.buf.WriteString(s)
	buffered := p.buf.String()

	if m := funcStartRe.FindStringSubmatchIndex(buffered); m != nil {
		name := buffered[m[2]:m[3]]
		rest := buffered[m[1]:]
		p.beginTool(name)
		p.buf.Reset()
		return rest
	}

	if p.buf.Len() > maxMatchingBuffer {
		// The '●' was spurious: emit it as plain text and fall back.
		out.Text += buffered
		p.buf.Reset()
		p.st = stateText
		return ""
	}
	return ""
}

func (p *Parser) beginTool(name string) {
	p.st = stateParsingParameters
	p.pendingFn = name
	p.pendingID = "toolu_heuristic_" + randHex(4)
	p.params = make(map[string]string)
	p.paramOrder = nil
}

func (p *Parser) feedParsingParameters(s string, out *Output) string {
	p.buf.WriteString(s)
	buffered := p.buf.String()

	for {
		loc := paramRe.FindStringSubmatchIndex(buffered)
		if loc == nil {
			break
		}
		// Only consume a match that is anchored at (or near) the start of
		// the remaining buffer: params are expected back-to-back.
		if loc[0] > 0 {
			pre := buffered[:loc[0]]
			if completionTriggered(pre) {
				p.completeTool(out)
				p.st = stateText
				rest := buffered
				p.buf.Reset()
				return rest
			}
			break
		}

		key := buffered[loc[2]:loc[3]]
		val := buffered[loc[4]:loc[5]]
		// An unterminated trailing match (no </parameter> yet) should wait
		// for more input, unless this is genuinely end of buffer and the
		// regex's `$` fallback fired; detect that case by checking whether
		// the match consumed to buffered's end without a literal close tag.
		consumedToEnd := loc[1] == len(buffered)
		hasCloseTag := strings.Contains(buffered[loc[0]:loc[1]], "</parameter>")
		if consumedToEnd && !hasCloseTag {
			break
		}

		if !contains(p.paramOrder, key) {
			p.paramOrder = append(p.paramOrder, key)
		}
		p.params[key] = val
		buffered = buffered[loc[1]:]
	}

	p.buf.Reset()
	p.buf.WriteString(buffered)

	if completionTriggered(buffered) {
		p.completeTool(out)
		p.st = stateText
		p.buf.Reset()
		return buffered
	}

	return ""
}

// completionTriggered reports whether the parser should stop waiting for
// more <parameter=...> tags: either a new ● starts, or non-whitespace text
// follows that isn't the start of another parameter tag. A trailing
// fragment that could still grow into "<parameter=" keeps waiting.
func completionTriggered(trailing string) bool {
	trimmed := strings.TrimLeft(trailing, " \t\r\n")
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, "●") {
		return true
	}
	if strings.HasPrefix(trimmed, "<parameter=") || strings.HasPrefix("<parameter=", trimmed) {
		return false
	}
	return true
}

func (p *Parser) completeTool(out *Output) {
	input := make(map[string]string, len(p.params))
	for k, v := range p.params {
		input[k] = v
	}
	out.Tools = append(out.Tools, ToolCall{ID: p.pendingID, Name: p.pendingFn, Input: input})
	p.pendingID = ""
	p.pendingFn = ""
	p.params = make(map[string]string)
	p.paramOrder = nil
}

// Flush finalizes any in-progress tool call, tolerating a missing final
// </parameter>, and returns any trailing buffered text.
func (p *Parser) Flush() Output {
	var out Output
	if p.controlTail != "" {
		p.buf.WriteString(p.controlTail)
		p.controlTail = ""
	}
	switch p.st {
	case stateParsingParameters:
		buffered := p.buf.String()
		p.buf.Reset()
		// Absorb any trailing partial parameter one last time, allowing the
		// regex's `$`-anchored fallback to close an unterminated value.
		for {
			loc := paramRe.FindStringSubmatchIndex(buffered)
			if loc == nil || loc[0] != 0 {
				break
			}
			key := buffered[loc[2]:loc[3]]
			val := buffered[loc[4]:loc[5]]
			if !contains(p.paramOrder, key) {
				p.paramOrder = append(p.paramOrder, key)
			}
			p.params[key] = val
			buffered = buffered[loc[1]:]
		}
		p.completeTool(&out)
		out.Text += buffered
		p.st = stateText
	case stateMatchingFunction:
		out.Text += p.buf.String()
		p.buf.Reset()
		p.st = stateText
	case stateText:
		out.Text += p.buf.String()
		p.buf.Reset()
	}
	return out
}

// stripControlTokens removes <|...|> sentinel tokens from chunk, carrying
// an incomplete trailing "<|..." fragment over to the next Feed call in
// case the token's closing "|>" arrives in a later chunk.
func (p *Parser) stripControlTokens(chunk string) string {
	joined := p.controlTail + chunk
	p.controlTail = ""

	stripped := controlTokenRe.ReplaceAllString(joined, "")
	safe, tail := splitIncompleteControlTokenTail(stripped)
	p.controlTail = tail
	return safe
}

func splitIncompleteControlTokenTail(s string) (safe string, tail string) {
	idx := strings.LastIndex(s, "<|")
	if idx < 0 {
		return s, ""
	}
	candidate := s[idx:]
	if strings.Contains(candidate, "|>") {
		return s, ""
	}
	// Looks like the start of a control token with no closing "|>" yet.
	return s[:idx], candidate
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
