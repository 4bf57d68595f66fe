// Package translate implements the streaming translator (C9): it drives an
// upstream OpenAI SSE chunk stream through the think-tag parser, the
// heuristic tool parser, and the content-block manager/SSE builder to
// produce a well-formed Anthropic SSE response.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"

	"github.com/agentbroker/broker/internal/sseblocks"
	"github.com/agentbroker/broker/internal/thinkparser"
	"github.com/agentbroker/broker/internal/toolparser"
	"github.com/agentbroker/broker/internal/upstream"
)

// ChunkSource is anything that yields successive upstream chunks, ending
// the stream with io.EOF. *upstream.Stream satisfies this.
type ChunkSource interface {
	Next() (upstream.ChatCompletionChunk, error)
}

// nativeToolState tracks one upstream tool_calls stream index across
// chunks: its accumulated name (some providers trickle it in fragments),
// its id, and whether content_block_start has already fired for it.
type nativeToolState struct {
	id      string
	name    string
	started bool
}

// Run consumes src and writes the translated Anthropic SSE response to w,
// flushing after every event via flush (which may be nil). It returns once
// the upstream stream ends, is cancelled via ctx, or fails; a non-nil
// return value from a failed upstream call is also the error written
// inline as a synthetic text block, except for context cancellation, which
// is reported directly without further writes (the client is assumed gone).
func Run(ctx context.Context, src ChunkSource, w io.Writer, flush func(), messageID, model string) error {
	b := sseblocks.NewBuilder(w, flush)
	think := thinkparser.New()
	tool := toolparser.New()

	if err := b.MessageStart(messageID, model); err != nil {
		return err
	}

	var usage *upstream.ChunkUsage
	finishReason := ""
	nativeTools := make(map[int]*nativeToolState)
	heuristicSeq := -1
	emittedAny := false

	var streamErr error

readLoop:
	for {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			break readLoop
		default:
		}

		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			break readLoop
		}
		if err != nil {
			streamErr = err
			break readLoop
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		delta := choice.Delta

		if delta.ReasoningContent != "" {
			idx, err := b.EnsureThinkingBlock()
			if err != nil {
				return err
			}
			if err := b.ThinkingDelta(idx, delta.ReasoningContent); err != nil {
				return err
			}
			emittedAny = true
		}

		if delta.Content != "" {
			segs := think.Feed(delta.Content)
			if err := processSegments(b, tool, segs, &heuristicSeq, &emittedAny); err != nil {
				return err
			}
		}

		if len(delta.ToolCalls) > 0 {
			if err := b.CloseTextOrThinking(); err != nil {
				return err
			}
			for _, tc := range delta.ToolCalls {
				if err := handleNativeToolCall(b, nativeTools, tc, &emittedAny); err != nil {
					return err
				}
			}
		}
	}

	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, context.DeadlineExceeded) {
			return streamErr
		}
		return finishWithError(b, streamErr)
	}

	finalSegs := think.Flush()
	if err := processSegments(b, tool, finalSegs, &heuristicSeq, &emittedAny); err != nil {
		return err
	}

	finalToolOut := tool.Flush()
	if finalToolOut.Text != "" {
		idx, err := b.EnsureTextBlock()
		if err != nil {
			return err
		}
		if err := b.TextDelta(idx, finalToolOut.Text); err != nil {
			return err
		}
		emittedAny = true
	}
	for _, tc := range finalToolOut.Tools {
		if err := emitHeuristicTool(b, tc, &heuristicSeq, &emittedAny); err != nil {
			return err
		}
	}

	if !emittedAny {
		idx, err := b.EnsureTextBlock()
		if err != nil {
			return err
		}
		if err := b.TextDelta(idx, " "); err != nil {
			return err
		}
	}

	if err := b.CloseAllBlocks(); err != nil {
		return err
	}

	outputTokens := 0
	if usage != nil {
		outputTokens = usage.CompletionTokens
	}
	if err := b.MessageDelta(finishReason, outputTokens); err != nil {
		return err
	}
	if err := b.MessageStop(); err != nil {
		return err
	}
	return b.Done()
}

// finishWithError closes whatever's open, renders the mapped provider
// error as its own text block, closes everything, and terminates the
// stream normally (the error is surfaced inline, not as an HTTP failure,
// since headers are already committed by the time mid-stream errors hit).
func finishWithError(b *sseblocks.Builder, streamErr error) error {
	pe := toProviderError(streamErr)
	if err := b.CloseTextOrThinking(); err != nil {
		return err
	}
	idx, err := b.EnsureTextBlock()
	if err != nil {
		return err
	}
	env := pe.ToAnthropicFormat()
	if err := b.TextDelta(idx, env.Error.Message); err != nil {
		return err
	}
	if err := b.CloseAllBlocks(); err != nil {
		return err
	}
	if err := b.MessageDelta("error", 0); err != nil {
		return err
	}
	if err := b.MessageStop(); err != nil {
		return err
	}
	if err := b.Done(); err != nil {
		return err
	}
	return pe
}

func toProviderError(err error) *upstream.ProviderError {
	var pe *upstream.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return upstream.MapTransportError(err)
}

// processSegments routes think-tag segments: THINKING goes straight to a
// thinking_delta, TEXT is fed through the heuristic tool parser so embedded
// tool calls still get recovered from within a non-thinking span.
func processSegments(b *sseblocks.Builder, tool *toolparser.Parser, segs []thinkparser.Segment, heuristicSeq *int, emittedAny *bool) error {
	for _, seg := range segs {
		switch seg.Type {
		case thinkparser.Thinking:
			idx, err := b.EnsureThinkingBlock()
			if err != nil {
				return err
			}
			if err := b.ThinkingDelta(idx, seg.Content); err != nil {
				return err
			}
			*emittedAny = true
		case thinkparser.Text:
			out := tool.Feed(seg.Content)
			if out.Text != "" {
				idx, err := b.EnsureTextBlock()
				if err != nil {
					return err
				}
				if err := b.TextDelta(idx, out.Text); err != nil {
					return err
				}
				*emittedAny = true
			}
			for _, tc := range out.Tools {
				if err := emitHeuristicTool(b, tc, heuristicSeq, emittedAny); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// emitHeuristicTool renders one recovered tool call as its own block. A
// detected call arrives fully formed (the heuristic parser only completes
// it once all parameters are in), so the whole input is emitted as one
// input_json_delta. Manager forces run_in_background=false for any tool
// named Task as part of StopToolBlock, so no special casing is needed here.
func emitHeuristicTool(b *sseblocks.Builder, tc toolparser.ToolCall, heuristicSeq *int, emittedAny *bool) error {
	streamIdx := *heuristicSeq
	*heuristicSeq--

	if err := b.StartToolBlock(streamIdx, tc.ID, tc.Name); err != nil {
		return err
	}
	if err := b.EmitToolDelta(streamIdx, marshalToolInput(tc.Input)); err != nil {
		return err
	}
	if err := b.StopToolBlock(streamIdx); err != nil {
		return err
	}
	*emittedAny = true
	return nil
}

func marshalToolInput(params map[string]string) string {
	m := make(map[string]any, len(params))
	for k, v := range params {
		m[k] = v
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// handleNativeToolCall processes one native tool_calls fragment: it starts
// the block as soon as either a name or an id has arrived (Task detection
// reads whatever name is known at that moment, matching Manager's
// StartToolBlock buffering decision), then forwards argument fragments.
func handleNativeToolCall(b *sseblocks.Builder, states map[int]*nativeToolState, tc upstream.ChunkToolCall, emittedAny *bool) error {
	st, ok := states[tc.Index]
	if !ok {
		st = &nativeToolState{}
		states[tc.Index] = st
	}
	if tc.ID != "" && st.id == "" {
		st.id = tc.ID
	}
	if tc.Function.Name != "" {
		st.name += tc.Function.Name
	}

	if !st.started && (st.name != "" || st.id != "") {
		toolID := st.id
		if toolID == "" {
			toolID = "toolu_native_" + strconv.Itoa(tc.Index)
		}
		if err := b.StartToolBlock(tc.Index, toolID, st.name); err != nil {
			return err
		}
		st.started = true
		*emittedAny = true
	}

	if tc.Function.Arguments != "" && st.started {
		if err := b.EmitToolDelta(tc.Index, tc.Function.Arguments); err != nil {
			return err
		}
	}
	return nil
}
