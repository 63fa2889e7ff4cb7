package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentrt/model"
)

// streamer adapts an Anthropic Messages SSE stream to model.Streamer,
// translating each event into the provider-agnostic model.Chunk shape.
// Grounded on features/model/anthropic/stream.go, simplified: no tool-name
// reverse map (tool names pass through unchanged) and no background
// goroutine — Recv pulls the next SDK event synchronously, since this
// runtime's model.Streamer contract does not require Recv to be callable
// concurrently with Close.
type streamer struct {
	ctx    context.Context
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	toolBlocks     map[int]*toolBuffer
	thinkingBlocks map[int]*thinkingBuffer
	stopReason     string
	usage          model.Usage
	assembled      model.Message

	done    bool
	finalMu sync.Mutex
}

type toolBuffer struct {
	name      string
	id        string
	fragments []string
}

func (tb *toolBuffer) finalInput() map[string]any {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(joined), &m); err != nil {
		return map[string]any{}
	}
	return m
}

type thinkingBuffer struct {
	text      strings.Builder
	signature string
}

func newStreamer(ctx context.Context, s *ssestream.Stream[sdk.MessageStreamEventUnion]) model.Streamer {
	return &streamer{
		ctx:            ctx,
		stream:         s,
		toolBlocks:     make(map[int]*toolBuffer),
		thinkingBlocks: make(map[int]*thinkingBuffer),
	}
}

func (s *streamer) Recv() (model.Chunk, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return model.Chunk{}, err
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return model.Chunk{}, translateErr("stream.recv", err)
			}
			s.done = true
			return model.Chunk{}, io.EOF
		}
		chunk, emit, err := s.handle(s.stream.Current())
		if err != nil {
			return model.Chunk{}, err
		}
		if emit {
			return chunk, nil
		}
	}
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) FinalMessage() (model.Response, error) {
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	return model.Response{Message: s.assembled, Usage: s.usage, StopReason: s.stopReason}, nil
}

func (s *streamer) handle(event sdk.MessageStreamEventUnion) (model.Chunk, bool, error) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		return model.Chunk{Type: model.ChunkMessageStart}, true, nil
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch start := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			s.toolBlocks[idx] = &toolBuffer{id: start.ID, name: start.Name}
			return model.Chunk{Type: model.ChunkContentStart, Index: idx, BlockType: "tool_use", ToolID: start.ID, ToolName: start.Name}, true, nil
		case sdk.TextBlock:
			return model.Chunk{Type: model.ChunkContentStart, Index: idx, BlockType: "text"}, true, nil
		case sdk.ThinkingBlock:
			s.thinkingBlocks[idx] = &thinkingBuffer{}
			return model.Chunk{Type: model.ChunkContentStart, Index: idx, BlockType: "thinking"}, true, nil
		default:
			return model.Chunk{}, false, nil
		}
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return model.Chunk{}, false, nil
			}
			s.appendAssembledText(delta.Text)
			return model.Chunk{Type: model.ChunkTextDelta, Index: idx, Text: delta.Text}, true, nil
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return model.Chunk{}, false, nil
			}
			if tb := s.toolBlocks[idx]; tb != nil {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return model.Chunk{Type: model.ChunkInputJSONDelta, Index: idx, ToolInputJSON: delta.PartialJSON}, true, nil
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return model.Chunk{}, false, nil
			}
			if tb := s.thinkingBlocks[idx]; tb != nil {
				tb.text.WriteString(delta.Thinking)
			}
			return model.Chunk{Type: model.ChunkThinkingDelta, Index: idx, Text: delta.Thinking}, true, nil
		case sdk.SignatureDelta:
			if tb := s.thinkingBlocks[idx]; tb != nil {
				tb.signature = delta.Signature
			}
			return model.Chunk{Type: model.ChunkSignatureDelta, Index: idx, Signature: delta.Signature}, true, nil
		default:
			return model.Chunk{}, false, nil
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if tb := s.toolBlocks[idx]; tb != nil {
			delete(s.toolBlocks, idx)
			s.appendAssembledToolUse(tb)
		}
		if tb := s.thinkingBlocks[idx]; tb != nil {
			delete(s.thinkingBlocks, idx)
			s.appendAssembledThinking(tb)
		}
		return model.Chunk{Type: model.ChunkContentStop, Index: idx}, true, nil
	case sdk.MessageDeltaEvent:
		s.stopReason = string(ev.Delta.StopReason)
		usage := model.Usage{
			InputTokens:         int(ev.Usage.InputTokens),
			OutputTokens:        int(ev.Usage.OutputTokens),
			CacheCreationTokens: int(ev.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(ev.Usage.CacheReadInputTokens),
		}
		s.usage = usage
		return model.Chunk{Type: model.ChunkMessageDelta, Usage: &usage, StopReason: s.stopReason}, true, nil
	case sdk.MessageStopEvent:
		return model.Chunk{Type: model.ChunkMessageStop, StopReason: s.stopReason}, true, nil
	default:
		return model.Chunk{}, false, nil
	}
}

func (s *streamer) appendAssembledText(text string) {
	s.assembled.Role = model.RoleAssistant
	s.assembled.Parts = append(s.assembled.Parts, model.TextPart{Text: text})
}

func (s *streamer) appendAssembledToolUse(tb *toolBuffer) {
	s.assembled.Role = model.RoleAssistant
	s.assembled.Parts = append(s.assembled.Parts, model.ToolUsePart{ID: tb.id, Name: tb.name, Input: tb.finalInput()})
}

func (s *streamer) appendAssembledThinking(tb *thinkingBuffer) {
	if tb.text.Len() == 0 {
		return
	}
	s.assembled.Role = model.RoleAssistant
	s.assembled.Parts = append(s.assembled.Parts, model.ThinkingPart{Text: tb.text.String(), Signature: tb.signature})
}
