package sseblocks

import "strings"

type openKind int

const (
	openNone openKind = iota
	openText
	openThinking
)

type toolState struct {
	index    int
	id       string
	name     string
	started  bool
	buffered bool // Task tool calls: args accumulate instead of streaming
	argBuf   strings.Builder
}

// Manager holds the content-block state for one response stream: which
// index is allocated to what, whether a text/thinking block is currently
// open, and the per-tool-call buffering needed for the Task override.
// Not safe for concurrent use.
type Manager struct {
	nextIndex int

	open      openKind
	openIndex int

	tools            map[int]*toolState // keyed by the upstream's own tool/stream index
	toolBlocksTotal  int
}

// NewManager constructs an empty manager with no blocks open.
func NewManager() *Manager {
	return &Manager{tools: make(map[int]*toolState)}
}

// AllocateIndex hands out the next content-block index.
func (m *Manager) AllocateIndex() int {
	i := m.nextIndex
	m.nextIndex++
	return i
}

// EnsureThinkingBlock closes an open text block, if any, and opens a
// thinking block if one isn't already open. Returns any events produced.
func (m *Manager) EnsureThinkingBlock() []Event {
	if m.open == openThinking {
		return nil
	}
	var events []Event
	if m.open == openText {
		events = append(events, m.closeOpenTextOrThinking())
	}
	idx := m.AllocateIndex()
	m.open = openThinking
	m.openIndex = idx
	events = append(events, Event{
		Name: "content_block_start",
		Payload: contentBlockStartPayload{
			Type:         "content_block_start",
			Index:        idx,
			ContentBlock: thinkingBlock{Type: "thinking", Thinking: ""},
		},
	})
	return events
}

// EnsureTextBlock closes an open thinking block, if any, and opens a text
// block if one isn't already open.
func (m *Manager) EnsureTextBlock() []Event {
	if m.open == openText {
		return nil
	}
	var events []Event
	if m.open == openThinking {
		events = append(events, m.closeOpenTextOrThinking())
	}
	idx := m.AllocateIndex()
	m.open = openText
	m.openIndex = idx
	events = append(events, Event{
		Name: "content_block_start",
		Payload: contentBlockStartPayload{
			Type:         "content_block_start",
			Index:        idx,
			ContentBlock: textBlock{Type: "text", Text: ""},
		},
	})
	return events
}

func (m *Manager) closeOpenTextOrThinking() Event {
	idx := m.openIndex
	m.open = openNone
	m.openIndex = 0
	return Event{Name: "content_block_stop", Payload: contentBlockStopPayload{Type: "content_block_stop", Index: idx}}
}

// CloseTextOrThinking closes whichever of text/thinking is currently open,
// if any. Used before starting a tool block or ending the message.
func (m *Manager) CloseTextOrThinking() []Event {
	if m.open == openNone {
		return nil
	}
	return []Event{m.closeOpenTextOrThinking()}
}

// TextDelta emits a text_delta for the given accumulated content, assuming
// a text block is already open at that index.
func TextDelta(index int, text string) Event {
	return Event{Name: "content_block_delta", Payload: contentBlockDeltaPayload{
		Type: "content_block_delta", Index: index, Delta: textDelta{Type: "text_delta", Text: text},
	}}
}

// ThinkingDelta emits a thinking_delta.
func ThinkingDelta(index int, thinking string) Event {
	return Event{Name: "content_block_delta", Payload: contentBlockDeltaPayload{
		Type: "content_block_delta", Index: index, Delta: thinkingDelta{Type: "thinking_delta", Thinking: thinking},
	}}
}

// StartToolBlock closes any open text/thinking block and opens a new
// tool_use block at streamIndex (the upstream's own tool-call index, which
// may not be contiguous with text/thinking indices).
func (m *Manager) StartToolBlock(streamIndex int, toolID, name string) []Event {
	events := m.CloseTextOrThinking()

	idx := m.AllocateIndex()
	ts := &toolState{index: idx, id: toolID, name: name, started: true, buffered: name == "Task"}
	m.tools[streamIndex] = ts
	m.toolBlocksTotal++

	events = append(events, Event{
		Name: "content_block_start",
		Payload: contentBlockStartPayload{
			Type:         "content_block_start",
			Index:        idx,
			ContentBlock: toolUseBlock{Type: "tool_use", ID: toolID, Name: name, Input: map[string]any{}},
		},
	})
	return events
}

// EmitToolDelta appends partialJSON to the tool call at streamIndex. For
// ordinary tools this returns an input_json_delta event immediately; for a
// buffered Task call (see StartToolBlock) it accumulates silently and
// returns nothing until StopToolBlock flushes the corrected payload.
func (m *Manager) EmitToolDelta(streamIndex int, partialJSON string) []Event {
	ts, ok := m.tools[streamIndex]
	if !ok {
		return nil
	}
	if ts.buffered {
		ts.argBuf.WriteString(partialJSON)
		return nil
	}
	return []Event{{
		Name: "content_block_delta",
		Payload: contentBlockDeltaPayload{
			Type: "content_block_delta", Index: ts.index,
			Delta: inputJSONDelta{Type: "input_json_delta", PartialJSON: partialJSON},
		},
	}}
}

// StopToolBlock finalizes the tool call at streamIndex: a buffered Task
// call is flushed (its run_in_background forced false, see
// forceTaskRunInBackgroundFalse) as a single input_json_delta immediately before the
// content_block_stop; an ordinary tool just closes.
func (m *Manager) StopToolBlock(streamIndex int) []Event {
	ts, ok := m.tools[streamIndex]
	if !ok {
		return nil
	}
	var events []Event
	if ts.buffered {
		if corrected, ok := forceTaskRunInBackgroundFalse(ts.argBuf.String()); ok {
			events = append(events, Event{
				Name: "content_block_delta",
				Payload: contentBlockDeltaPayload{
					Type: "content_block_delta", Index: ts.index,
					Delta: inputJSONDelta{Type: "input_json_delta", PartialJSON: corrected},
				},
			})
		} else if ts.argBuf.Len() > 0 {
			events = append(events, Event{
				Name: "content_block_delta",
				Payload: contentBlockDeltaPayload{
					Type: "content_block_delta", Index: ts.index,
					Delta: inputJSONDelta{Type: "input_json_delta", PartialJSON: ts.argBuf.String()},
				},
			})
		}
	}
	events = append(events, Event{Name: "content_block_stop", Payload: contentBlockStopPayload{Type: "content_block_stop", Index: ts.index}})
	delete(m.tools, streamIndex)
	return events
}

// CloseAllBlocks closes any open text/thinking block and any still-open
// tool blocks, in index order, ahead of message_stop.
func (m *Manager) CloseAllBlocks() []Event {
	events := m.CloseTextOrThinking()
	if len(m.tools) == 0 {
		return events
	}
	indices := make([]int, 0, len(m.tools))
	byIndex := make(map[int]int, len(m.tools)) // block index -> stream index
	for streamIdx, ts := range m.tools {
		indices = append(indices, ts.index)
		byIndex[ts.index] = streamIdx
	}
	sortInts(indices)
	for _, blockIdx := range indices {
		events = append(events, m.StopToolBlock(byIndex[blockIdx])...)
	}
	return events
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

// ToolBlockCount reports how many tool blocks have been started over the
// lifetime of this manager (used for the fallback token estimate).
func (m *Manager) ToolBlockCount() int {
	return m.toolBlocksTotal
}
