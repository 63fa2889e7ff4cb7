package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"goa.design/agentrt/model"
)

// blockState tracks one open content block by provider index, grounded on
// the original xml_formatter's content_blocks dict.
type blockState struct {
	blockType string
	isOpen    bool
	toolID    string
	toolName  string
	input     strings.Builder
}

// Format drains s, writing normalized chunks to sink in the requested
// shape, and returns the final assembled model.Response. It guarantees
// every opened block is closed before returning, even when s.Recv fails
// abnormally (spec §4.B contract 1).
func Format(ctx context.Context, shape Shape, s model.Streamer, sink Sink) (model.Response, error) {
	switch shape {
	case ShapeRaw:
		return formatRaw(ctx, s, sink)
	default:
		return formatXML(ctx, s, sink)
	}
}

func formatXML(ctx context.Context, s model.Streamer, sink Sink) (model.Response, error) {
	blocks := make(map[int]*blockState)

	closeAllOpen := func() {
		for _, b := range blocks {
			if !b.isOpen {
				continue
			}
			switch b.blockType {
			case "thinking":
				_ = sink.Send(ctx, "</content-block-thinking>")
			case "text":
				_ = sink.Send(ctx, "</content-block-text>")
			}
			b.isOpen = false
		}
	}

	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			closeAllOpen()
			return model.Response{}, err
		}

		switch chunk.Type {
		case model.ChunkMessageStart, model.ChunkMessageDelta, model.ChunkMessageStop, model.ChunkPing:
			continue

		case model.ChunkError:
			msg, _ := json.Marshal(map[string]any{"error": chunk.Err.Error()})
			if err := sink.Send(ctx, fmt.Sprintf("<content-block-error><![CDATA[%s]]></content-block-error>", msg)); err != nil {
				closeAllOpen()
				return model.Response{}, err
			}

		case model.ChunkContentStart:
			b := &blockState{blockType: chunk.BlockType}
			blocks[chunk.Index] = b
			switch chunk.BlockType {
			case "thinking":
				if err := sink.Send(ctx, "<content-block-thinking>"); err != nil {
					closeAllOpen()
					return model.Response{}, err
				}
				b.isOpen = true
			case "text":
				if err := sink.Send(ctx, "<content-block-text>"); err != nil {
					closeAllOpen()
					return model.Response{}, err
				}
				b.isOpen = true
			case "tool_use", "server_tool_use":
				b.toolID, b.toolName = chunk.ToolID, chunk.ToolName
			default:
				if strings.HasSuffix(chunk.BlockType, "_tool_result") {
					b.toolID = chunk.ServerResultToolUseID
				}
			}

		case model.ChunkTextDelta:
			if chunk.Text != "" {
				if err := sink.Send(ctx, chunk.Text); err != nil {
					closeAllOpen()
					return model.Response{}, err
				}
			}

		case model.ChunkThinkingDelta:
			if chunk.Text != "" {
				if err := sink.Send(ctx, chunk.Text); err != nil {
					closeAllOpen()
					return model.Response{}, err
				}
			}

		case model.ChunkSignatureDelta:
			// Captured by the provider adapter on the final message; nothing
			// to stream.

		case model.ChunkInputJSONDelta:
			if b, ok := blocks[chunk.Index]; ok {
				b.input.WriteString(chunk.ToolInputJSON)
			}

		case model.ChunkContentStop:
			b, ok := blocks[chunk.Index]
			if !ok {
				continue
			}
			if b.isOpen {
				switch b.blockType {
				case "thinking":
					_ = sink.Send(ctx, "</content-block-thinking>")
				case "text":
					_ = sink.Send(ctx, "</content-block-text>")
				}
				b.isOpen = false
				continue
			}
			switch {
			case b.blockType == "tool_use" || b.blockType == "server_tool_use":
				args := rawOrEmptyObject(b.input.String())
				frame := fmt.Sprintf(`<content-block-tool_call id="%s" name="%s" arguments="%s"></content-block-tool_call>`,
					escapeAttr(b.toolID), escapeAttr(b.toolName), escapeAttr(args))
				if err := sink.Send(ctx, frame); err != nil {
					closeAllOpen()
					return model.Response{}, err
				}
			case strings.HasSuffix(b.blockType, "_tool_result"):
				content := contentString(chunk.ServerResultContent)
				frame := fmt.Sprintf(`<content-block-tool_result id="%s" name="%s"><![CDATA[%s]]></content-block-tool_result>`,
					escapeAttr(b.toolID), escapeAttr(b.blockType), content)
				if err := sink.Send(ctx, frame); err != nil {
					closeAllOpen()
					return model.Response{}, err
				}
			}
		}
	}

	closeAllOpen()
	return s.FinalMessage()
}

func formatRaw(ctx context.Context, s model.Streamer, sink Sink) (model.Response, error) {
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.Response{}, err
		}
		frame, merr := json.Marshal(chunk)
		if merr != nil {
			continue
		}
		if err := sink.Send(ctx, string(frame)); err != nil {
			return model.Response{}, err
		}
	}
	return s.FinalMessage()
}

func rawOrEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func contentString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
