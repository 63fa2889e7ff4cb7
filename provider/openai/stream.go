package openai

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/agentrt/model"
)

// streamer adapts an OpenAI Chat Completions streaming chunk sequence to
// model.Streamer. Chat Completions has no content-block-start/stop framing:
// each chunk carries a delta keyed by tool-call index, so block boundaries
// are synthesized (a tool call's first delta implies content-block-start;
// FinishReason implies content-block-stop for every still-open call).
type streamer struct {
	ctx    context.Context
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	toolCalls  map[int64]*toolBuffer
	opened     map[int64]bool
	stopReason string
	usage      model.Usage
	assembled  model.Message

	pending []model.Chunk
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newStreamer(ctx context.Context, s *ssestream.Stream[sdk.ChatCompletionChunk]) model.Streamer {
	return &streamer{
		ctx:       ctx,
		stream:    s,
		toolCalls: make(map[int64]*toolBuffer),
		opened:    make(map[int64]bool),
	}
}

func (s *streamer) Recv() (model.Chunk, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return model.Chunk{}, err
		}
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return model.Chunk{}, model.NewProviderError("openai", "stream.recv", model.KindUnknown, 0, "", err.Error(), err)
			}
			return model.Chunk{}, io.EOF
		}
		s.handle(s.stream.Current())
		if len(s.pending) > 0 {
			continue
		}
	}
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) FinalMessage() (model.Response, error) {
	return model.Response{Message: s.assembled, Usage: s.usage, StopReason: s.stopReason}, nil
}

func (s *streamer) handle(chunk sdk.ChatCompletionChunk) {
	if len(chunk.Choices) == 0 {
		if chunk.Usage.TotalTokens > 0 {
			s.recordUsage(chunk.Usage)
		}
		return
	}
	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Content != "" {
		s.assembled.Role = model.RoleAssistant
		s.assembled.Parts = append(s.assembled.Parts, model.TextPart{Text: delta.Content})
		s.pending = append(s.pending, model.Chunk{Type: model.ChunkTextDelta, Text: delta.Content})
	}

	for _, tc := range delta.ToolCalls {
		idx := tc.Index
		tb := s.toolCalls[idx]
		if tb == nil {
			tb = &toolBuffer{}
			s.toolCalls[idx] = tb
		}
		if tc.ID != "" {
			tb.id = tc.ID
		}
		if tc.Function.Name != "" {
			tb.name = tc.Function.Name
		}
		if !s.opened[idx] && tb.id != "" && tb.name != "" {
			s.opened[idx] = true
			s.pending = append(s.pending, model.Chunk{
				Type: model.ChunkContentStart, Index: int(idx), BlockType: "tool_use", ToolID: tb.id, ToolName: tb.name,
			})
		}
		if tc.Function.Arguments != "" {
			tb.fragments = append(tb.fragments, tc.Function.Arguments)
			s.pending = append(s.pending, model.Chunk{
				Type: model.ChunkInputJSONDelta, Index: int(idx), ToolInputJSON: tc.Function.Arguments,
			})
		}
	}

	if choice.FinishReason != "" {
		s.stopReason = mapFinishReason(choice.FinishReason)
		s.closeAllToolCalls()
		s.pending = append(s.pending, model.Chunk{Type: model.ChunkMessageStop, StopReason: s.stopReason})
	}

	if chunk.Usage.TotalTokens > 0 {
		s.recordUsage(chunk.Usage)
	}
}

func (s *streamer) closeAllToolCalls() {
	for idx, tb := range s.toolCalls {
		s.assembled.Role = model.RoleAssistant
		s.assembled.Parts = append(s.assembled.Parts, model.ToolUsePart{
			ID: tb.id, Name: tb.name, Input: decodeToolInput(tb.fragments),
		})
		s.pending = append(s.pending, model.Chunk{Type: model.ChunkContentStop, Index: int(idx)})
		delete(s.toolCalls, idx)
		delete(s.opened, idx)
	}
}

func (s *streamer) recordUsage(u sdk.CompletionUsage) {
	usage := model.Usage{
		InputTokens:     int(u.PromptTokens),
		OutputTokens:    int(u.CompletionTokens),
		CacheReadTokens: int(u.PromptTokensDetails.CachedTokens),
	}
	s.usage = usage
	s.pending = append(s.pending, model.Chunk{Type: model.ChunkMessageDelta, Usage: &usage})
}

func decodeToolInput(fragments []string) map[string]any {
	joined := strings.Join(fragments, "")
	if strings.TrimSpace(joined) == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(joined), &m); err != nil {
		return map[string]any{}
	}
	return m
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return model.StopEndTurn
	case "length":
		return model.StopMaxTokens
	case "tool_calls":
		return model.StopToolUse
	default:
		return reason
	}
}
