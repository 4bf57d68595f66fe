package sseblocks

import (
	"encoding/json"
	"fmt"
	"io"
)

// Builder serialises the Anthropic wire protocol onto an io.Writer, driven
// by a Manager's state transitions. It owns flushing; callers supply a
// flush func so Builder stays agnostic of net/http.
type Builder struct {
	w       io.Writer
	flush   func()
	manager *Manager

	textChars int
}

// NewBuilder wraps w. flush may be nil if the writer doesn't need explicit
// flushing (e.g. a bytes.Buffer in tests).
func NewBuilder(w io.Writer, flush func()) *Builder {
	return &Builder{w: w, flush: flush, manager: NewManager()}
}

// Manager exposes the underlying block-state manager, e.g. for callers
// that need ToolBlockCount() when estimating usage.
func (b *Builder) Manager() *Manager { return b.manager }

func (b *Builder) write(ev Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("sseblocks: marshal %s: %w", ev.Name, err)
	}
	if _, err := fmt.Fprintf(b.w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return err
	}
	if b.flush != nil {
		b.flush()
	}
	return nil
}

func (b *Builder) writeAll(events []Event) error {
	for _, ev := range events {
		if err := b.write(ev); err != nil {
			return err
		}
	}
	return nil
}

// MessageStart emits message_start for a brand-new assistant message.
func (b *Builder) MessageStart(id, model string) error {
	return b.write(Event{
		Name: "message_start",
		Payload: messageStartPayload{
			Type: "message_start",
			Message: messageStartMessage{
				ID:      id,
				Type:    "message",
				Role:    "assistant",
				Model:   model,
				Content: []any{},
				Usage:   Usage{InputTokens: 0, OutputTokens: 1},
			},
		},
	})
}

// EnsureThinkingBlock delegates to the Manager and writes any resulting
// events. Returns the block index that is (or remains) open.
func (b *Builder) EnsureThinkingBlock() (int, error) {
	events := b.manager.EnsureThinkingBlock()
	if err := b.writeAll(events); err != nil {
		return 0, err
	}
	return b.manager.openIndex, nil
}

// EnsureTextBlock is the text-block analogue of EnsureThinkingBlock.
func (b *Builder) EnsureTextBlock() (int, error) {
	events := b.manager.EnsureTextBlock()
	if err := b.writeAll(events); err != nil {
		return 0, err
	}
	return b.manager.openIndex, nil
}

// TextDelta writes a text_delta at index, accumulating the running
// character count used for the fallback token estimate.
func (b *Builder) TextDelta(index int, text string) error {
	b.textChars += len(text)
	return b.write(TextDelta(index, text))
}

// ThinkingDelta writes a thinking_delta at index.
func (b *Builder) ThinkingDelta(index int, thinking string) error {
	b.textChars += len(thinking)
	return b.write(ThinkingDelta(index, thinking))
}

// CloseTextOrThinking closes whichever of text/thinking is open, without
// touching any tool blocks. Used ahead of a native tool_calls delta, which
// must close text/thinking but leaves other open tool blocks alone.
func (b *Builder) CloseTextOrThinking() error {
	return b.writeAll(b.manager.CloseTextOrThinking())
}

// StartToolBlock opens a new tool_use block keyed by the upstream's own
// stream index.
func (b *Builder) StartToolBlock(streamIndex int, toolID, name string) error {
	return b.writeAll(b.manager.StartToolBlock(streamIndex, toolID, name))
}

// EmitToolDelta forwards (or, for a buffered Task call, silently absorbs)
// one fragment of tool-call arguments.
func (b *Builder) EmitToolDelta(streamIndex int, partialJSON string) error {
	return b.writeAll(b.manager.EmitToolDelta(streamIndex, partialJSON))
}

// StopToolBlock closes the tool_use block at streamIndex.
func (b *Builder) StopToolBlock(streamIndex int) error {
	return b.writeAll(b.manager.StopToolBlock(streamIndex))
}

// CloseAllBlocks closes any open text/thinking and tool blocks, in index
// order, ahead of MessageStop.
func (b *Builder) CloseAllBlocks() error {
	return b.writeAll(b.manager.CloseAllBlocks())
}

// MessageDelta emits the final stop_reason/usage summary. outputTokens, if
// <= 0, falls back to EstimateOutputTokens over the accumulated text and
// thinking plus the tool-block count.
func (b *Builder) MessageDelta(upstreamStopReason string, outputTokens int) error {
	if outputTokens <= 0 {
		outputTokens = EstimateOutputTokens(b.textChars, b.manager.ToolBlockCount())
	}
	return b.write(Event{
		Name: "message_delta",
		Payload: messageDeltaPayload{
			Type:  "message_delta",
			Delta: messageDeltaInner{StopReason: MapStopReason(upstreamStopReason)},
			Usage: Usage{OutputTokens: outputTokens},
		},
	})
}

// MessageStop emits message_stop.
func (b *Builder) MessageStop() error {
	return b.write(Event{Name: "message_stop", Payload: messageStopPayload{Type: "message_stop"}})
}

// Done writes the terminating "data: [DONE]" line with no preceding
// "event:" line, matching the Anthropic/OpenAI convention.
func (b *Builder) Done() error {
	if _, err := fmt.Fprint(b.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if b.flush != nil {
		b.flush()
	}
	return nil
}
