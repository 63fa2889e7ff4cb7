package bedrock

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/agentrt/model"
)

// streamer adapts a Bedrock ConverseStream event channel to model.Streamer.
// Grounded on features/model/bedrock/stream.go, simplified: no tool-name
// reverse map, no citation tracking (spec.md has no citation concept for
// Bedrock), synchronous Recv pulling off the SDK's event channel directly
// rather than relaying through an intermediate chunk-fan-out goroutine.
type streamer struct {
	ctx    context.Context
	stream *bedrockruntime.ConverseStreamEventStream
	events <-chan brtypes.ConverseStreamOutput

	toolBlocks map[int]*toolBuffer
	reasoning  map[int]*reasoningBuffer
	stopReason string
	usage      model.Usage
	assembled  model.Message
}

type toolBuffer struct {
	name      string
	id        string
	fragments []string
}

type reasoningBuffer struct {
	text      strings.Builder
	signature string
}

func newStreamer(ctx context.Context, s *bedrockruntime.ConverseStreamEventStream) model.Streamer {
	return &streamer{
		ctx:        ctx,
		stream:     s,
		events:     s.Events(),
		toolBlocks: make(map[int]*toolBuffer),
		reasoning:  make(map[int]*reasoningBuffer),
	}
}

func (s *streamer) Recv() (model.Chunk, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return model.Chunk{}, err
		}
		select {
		case <-s.ctx.Done():
			return model.Chunk{}, s.ctx.Err()
		case event, ok := <-s.events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					return model.Chunk{}, translateErr("converse_stream.recv", err)
				}
				return model.Chunk{}, io.EOF
			}
			chunk, emit := s.handle(event)
			if emit {
				return chunk, nil
			}
		}
	}
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) FinalMessage() (model.Response, error) {
	return model.Response{Message: s.assembled, Usage: s.usage, StopReason: s.stopReason}, nil
}

func (s *streamer) handle(event brtypes.ConverseStreamOutput) (model.Chunk, bool) {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		return model.Chunk{Type: model.ChunkMessageStart}, true
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx := contentIndex(ev.Value.ContentBlockIndex)
		if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			name, id := "", ""
			if start.Value.Name != nil {
				name = *start.Value.Name
			}
			if start.Value.ToolUseId != nil {
				id = *start.Value.ToolUseId
			}
			s.toolBlocks[idx] = &toolBuffer{name: name, id: id}
			return model.Chunk{Type: model.ChunkContentStart, Index: idx, BlockType: "tool_use", ToolID: id, ToolName: name}, true
		}
		return model.Chunk{Type: model.ChunkContentStart, Index: idx, BlockType: "text"}, true
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := contentIndex(ev.Value.ContentBlockIndex)
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return model.Chunk{}, false
			}
			s.assembled.Role = model.RoleAssistant
			s.assembled.Parts = append(s.assembled.Parts, model.TextPart{Text: delta.Value})
			return model.Chunk{Type: model.ChunkTextDelta, Index: idx, Text: delta.Value}, true
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if delta.Value.Input == nil {
				return model.Chunk{}, false
			}
			frag := *delta.Value.Input
			if tb := s.toolBlocks[idx]; tb != nil {
				tb.fragments = append(tb.fragments, frag)
			}
			return model.Chunk{Type: model.ChunkInputJSONDelta, Index: idx, ToolInputJSON: frag}, true
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			return s.handleReasoningDelta(idx, delta.Value)
		default:
			return model.Chunk{}, false
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := contentIndex(ev.Value.ContentBlockIndex)
		if tb := s.toolBlocks[idx]; tb != nil {
			delete(s.toolBlocks, idx)
			s.assembled.Role = model.RoleAssistant
			s.assembled.Parts = append(s.assembled.Parts, model.ToolUsePart{
				ID: tb.id, Name: tb.name, Input: decodeFragments(tb.fragments),
			})
		}
		if rb := s.reasoning[idx]; rb != nil {
			delete(s.reasoning, idx)
			if rb.text.Len() > 0 {
				s.assembled.Role = model.RoleAssistant
				s.assembled.Parts = append(s.assembled.Parts, model.ThinkingPart{Text: rb.text.String(), Signature: rb.signature})
			}
		}
		return model.Chunk{Type: model.ChunkContentStop, Index: idx}, true
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		if ev.Value.StopReason != "" {
			s.stopReason = string(ev.Value.StopReason)
		}
		return model.Chunk{Type: model.ChunkMessageStop, StopReason: s.stopReason}, true
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return model.Chunk{}, false
		}
		u := model.Usage{
			InputTokens:         int32Value(ev.Value.Usage.InputTokens),
			OutputTokens:        int32Value(ev.Value.Usage.OutputTokens),
			CacheReadTokens:     int32Value(ev.Value.Usage.CacheReadInputTokens),
			CacheCreationTokens: int32Value(ev.Value.Usage.CacheWriteInputTokens),
		}
		s.usage = u
		return model.Chunk{Type: model.ChunkMessageDelta, Usage: &u}, true
	default:
		return model.Chunk{}, false
	}
}

func (s *streamer) handleReasoningDelta(idx int, delta brtypes.ReasoningContentBlockDelta) (model.Chunk, bool) {
	rb := s.reasoning[idx]
	if rb == nil {
		rb = &reasoningBuffer{}
		s.reasoning[idx] = rb
	}
	switch v := delta.(type) {
	case *brtypes.ReasoningContentBlockDeltaMemberText:
		if v.Value == "" {
			return model.Chunk{}, false
		}
		rb.text.WriteString(v.Value)
		return model.Chunk{Type: model.ChunkThinkingDelta, Index: idx, Text: v.Value}, true
	case *brtypes.ReasoningContentBlockDeltaMemberSignature:
		rb.signature = v.Value
		return model.Chunk{Type: model.ChunkSignatureDelta, Index: idx, Signature: v.Value}, true
	default:
		return model.Chunk{}, false
	}
}

func decodeFragments(fragments []string) map[string]any {
	joined := strings.Join(fragments, "")
	if strings.TrimSpace(joined) == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(joined), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func contentIndex(idx *int32) int {
	if idx == nil {
		return 0
	}
	return int(*idx)
}

func int32Value(ptr *int32) int {
	if ptr == nil {
		return 0
	}
	return int(*ptr)
}
