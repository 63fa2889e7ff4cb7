package stream_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrt/model"
	"goa.design/agentrt/stream"
)

// fakeStreamer replays a fixed chunk sequence, then io.EOF.
type fakeStreamer struct {
	chunks []model.Chunk
	i      int
	final  model.Response
}

func (f *fakeStreamer) Recv() (model.Chunk, error) {
	if f.i >= len(f.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}

func (f *fakeStreamer) Close() error                      { return nil }
func (f *fakeStreamer) FinalMessage() (model.Response, error) { return f.final, nil }

type collectSink struct{ frames []string }

func (s *collectSink) Send(_ context.Context, chunk string) error {
	s.frames = append(s.frames, chunk)
	return nil
}
func (s *collectSink) Close() error { return nil }

func TestFormatXMLPureTextTurn(t *testing.T) {
	fs := &fakeStreamer{
		chunks: []model.Chunk{
			{Type: model.ChunkContentStart, Index: 0, BlockType: "text"},
			{Type: model.ChunkTextDelta, Index: 0, Text: "hello"},
			{Type: model.ChunkContentStop, Index: 0},
		},
		final: model.Response{
			Message:    model.Message{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: "hello"}}},
			StopReason: model.StopEndTurn,
		},
	}
	sink := &collectSink{}

	resp, err := stream.Format(context.Background(), stream.ShapeXML, fs, sink)
	require.NoError(t, err)
	assert.Equal(t, model.StopEndTurn, resp.StopReason)
	assert.Equal(t, []string{"<content-block-text>", "hello", "</content-block-text>"}, sink.frames)
}

func TestFormatXMLBuffersToolCallUntilComplete(t *testing.T) {
	fs := &fakeStreamer{
		chunks: []model.Chunk{
			{Type: model.ChunkContentStart, Index: 0, BlockType: "tool_use", ToolID: "T1", ToolName: "add"},
			{Type: model.ChunkInputJSONDelta, Index: 0, ToolInputJSON: `{"a":2,`},
			{Type: model.ChunkInputJSONDelta, Index: 0, ToolInputJSON: `"b":3}`},
			{Type: model.ChunkContentStop, Index: 0},
		},
	}
	sink := &collectSink{}

	_, err := stream.Format(context.Background(), stream.ShapeXML, fs, sink)
	require.NoError(t, err)
	require.Len(t, sink.frames, 1)
	assert.Contains(t, sink.frames[0], `id="T1"`)
	assert.Contains(t, sink.frames[0], `name="add"`)
	assert.Contains(t, sink.frames[0], `arguments="`)
}

func TestFormatXMLEscapesAttributes(t *testing.T) {
	fs := &fakeStreamer{
		chunks: []model.Chunk{
			{Type: model.ChunkContentStart, Index: 0, BlockType: "tool_use", ToolID: `"><script>`, ToolName: "x"},
			{Type: model.ChunkContentStop, Index: 0},
		},
	}
	sink := &collectSink{}

	_, err := stream.Format(context.Background(), stream.ShapeXML, fs, sink)
	require.NoError(t, err)
	assert.NotContains(t, sink.frames[0], "<script>")
}

// TestFormatXMLClosesOnAbnormalTermination verifies spec §4.B contract 1: a
// Recv error mid-stream still closes every previously opened block.
func TestFormatXMLClosesOnAbnormalTermination(t *testing.T) {
	errStreamer := &erroringStreamer{
		chunks: []model.Chunk{
			{Type: model.ChunkContentStart, Index: 0, BlockType: "text"},
			{Type: model.ChunkTextDelta, Index: 0, Text: "partial"},
		},
	}
	sink := &collectSink{}

	_, err := stream.Format(context.Background(), stream.ShapeXML, errStreamer, sink)
	require.Error(t, err)
	assert.Equal(t, "</content-block-text>", sink.frames[len(sink.frames)-1])
}

type erroringStreamer struct {
	chunks []model.Chunk
	i      int
}

func (f *erroringStreamer) Recv() (model.Chunk, error) {
	if f.i >= len(f.chunks) {
		return model.Chunk{}, assertFailure
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}
func (f *erroringStreamer) Close() error                         { return nil }
func (f *erroringStreamer) FinalMessage() (model.Response, error) { return model.Response{}, nil }

var assertFailure = io.ErrUnexpectedEOF

// TestEveryOpenedBlockIsEventuallyClosed is the gopter property from spec §8:
// for arbitrary sequences of text/thinking open+delta events (optionally
// truncated, simulating abnormal termination), every opened block is closed.
func TestEveryOpenedBlockIsEventuallyClosed(t *testing.T) {
	props := gopter.NewProperties(nil)

	props.Property("opened blocks are always closed", prop.ForAll(
		func(n int, truncate bool) bool {
			var chunks []model.Chunk
			for i := 0; i < n; i++ {
				bt := "text"
				if i%2 == 1 {
					bt = "thinking"
				}
				chunks = append(chunks, model.Chunk{Type: model.ChunkContentStart, Index: i, BlockType: bt})
				chunks = append(chunks, model.Chunk{Type: model.ChunkTextDelta, Index: i, Text: "x"})
				if !truncate {
					chunks = append(chunks, model.Chunk{Type: model.ChunkContentStop, Index: i})
				}
			}
			fs := &fakeStreamer{chunks: chunks}
			sink := &collectSink{}
			_, _ = stream.Format(context.Background(), stream.ShapeXML, fs, sink)

			joined := strings.Join(sink.frames, "")
			return strings.Count(joined, "<content-block-text>") == strings.Count(joined, "</content-block-text>") &&
				strings.Count(joined, "<content-block-thinking>") == strings.Count(joined, "</content-block-thinking>")
		},
		gen.IntRange(0, 5),
		gen.Bool(),
	))

	props.TestingRun(t)
}
