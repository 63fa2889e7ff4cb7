package agent

import (
	"context"
	"io"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrt/model"
	"goa.design/agentrt/policy"
	"goa.design/agentrt/storage"
	"goa.design/agentrt/storage/inmem"
	"goa.design/agentrt/stream"
	"goa.design/agentrt/tools"
)

// sliceSink is a trivial stream.Sink that records every chunk in order, for
// assertions on the emitted frame sequence.
type sliceSink struct {
	chunks []string
}

func (s *sliceSink) Send(_ context.Context, chunk string) error {
	s.chunks = append(s.chunks, chunk)
	return nil
}
func (s *sliceSink) Close() error { return nil }

// fakeStreamer replays a canned list of chunks then returns a canned final
// response, mirroring the shape every real provider.Streamer must satisfy.
type fakeStreamer struct {
	chunks []model.Chunk
	final  model.Response
	i      int
}

func (f *fakeStreamer) Recv() (model.Chunk, error) {
	if f.i >= len(f.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}
func (f *fakeStreamer) Close() error                        { return nil }
func (f *fakeStreamer) FinalMessage() (model.Response, error) { return f.final, nil }

// fakeClient serves one fakeStreamer per call to Stream, in order.
type fakeClient struct {
	calls   int
	streams []*fakeStreamer
}

func (f *fakeClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	s := f.streams[f.calls]
	f.calls++
	return s, nil
}
func (f *fakeClient) CountTokens(context.Context, model.Request) (int, bool) { return 0, false }

func textTurnStreamer(text string) *fakeStreamer {
	return &fakeStreamer{
		chunks: []model.Chunk{
			{Type: model.ChunkMessageStart},
			{Type: model.ChunkContentStart, Index: 0, BlockType: "text"},
			{Type: model.ChunkTextDelta, Index: 0, Text: text},
			{Type: model.ChunkContentStop, Index: 0},
			{Type: model.ChunkMessageStop},
		},
		final: model.Response{
			Message:    model.Message{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: text}}},
			StopReason: model.StopEndTurn,
		},
	}
}

func newTestDeps(client *fakeClient, reg *tools.Registry) Deps {
	return Deps{
		Client:            client,
		Tools:             reg,
		Policy:            policy.New(policy.Options{}),
		ConfigStore:       inmem.NewConfigStore(),
		ConversationStore: inmem.NewConversationStore(),
		RunLogStore:       inmem.NewRunLogStore(),
		Shape:             stream.ShapeXML,
	}
}

func baseConfig() storage.AgentConfig {
	return storage.AgentConfig{
		AgentUUID: "agent-1",
		Model:     "claude-sonnet-4-5",
		MaxSteps:  10,
		MaxTokens: 4096,
	}
}

func TestRunPureTextTurn(t *testing.T) {
	client := &fakeClient{streams: []*fakeStreamer{textTurnStreamer("hello")}}
	reg := tools.New()
	a, err := New(baseConfig(), newTestDeps(client, reg))
	require.NoError(t, err)

	sink := &sliceSink{}
	userMsg := model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}}
	result, err := a.Run(context.Background(), sink, &userMsg)
	require.NoError(t, err)

	assert.Equal(t, Done, result.State)
	assert.Equal(t, model.StopEndTurn, result.StopReason)
	assert.Equal(t, 1, result.Steps)
	assert.Equal(t, Idle, a.State())

	records, _, err := a.deps.ConversationStore.LoadCursor(context.Background(), "agent-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 2) // user message + assistant message

	require.NotEmpty(t, sink.chunks)
	assert.Contains(t, sink.chunks[0], "meta-init")
}

type addTool struct{}

func (addTool) Execute(_ context.Context, input map[string]any) (tools.Result, error) {
	a, _ := input["a"].(float64)
	b, _ := input["b"].(float64)
	return tools.Result{Text: strconv.FormatFloat(a+b, 'f', -1, 64)}, nil
}

func TestRunBackendToolTurn(t *testing.T) {
	toolUseStreamer := &fakeStreamer{
		chunks: []model.Chunk{
			{Type: model.ChunkMessageStart},
			{Type: model.ChunkContentStart, Index: 0, BlockType: "tool_use", ToolID: "call-1", ToolName: "add"},
			{Type: model.ChunkInputJSONDelta, Index: 0, ToolInputJSON: `{"a":2,"b":3}`},
			{Type: model.ChunkContentStop, Index: 0},
			{Type: model.ChunkMessageStop},
		},
		final: model.Response{
			Message: model.Message{Role: model.RoleAssistant, Parts: []model.Part{
				model.ToolUsePart{ID: "call-1", Name: "add", Input: map[string]any{"a": float64(2), "b": float64(3)}},
			}},
			StopReason: model.StopToolUse,
		},
	}
	client := &fakeClient{streams: []*fakeStreamer{toolUseStreamer, textTurnStreamer("5")}}

	reg := tools.New()
	require.NoError(t, reg.Register(tools.Descriptor{
		Name:        "add",
		Description: "add two numbers",
		InputSchema: map[string]any{"type": "object"},
		Executor:    tools.ExecutorBackend,
		Callable:    addTool{},
	}))

	a, err := New(baseConfig(), newTestDeps(client, reg))
	require.NoError(t, err)

	sink := &sliceSink{}
	userMsg := model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "what is 2+3?"}}}
	result, err := a.Run(context.Background(), sink, &userMsg)
	require.NoError(t, err)

	assert.Equal(t, Done, result.State)
	assert.Equal(t, 2, result.Steps)

	records, _, err := a.deps.ConversationStore.LoadCursor(context.Background(), "agent-1", 0, 0)
	require.NoError(t, err)
	// user, assistant(tool_use), user(tool_result), assistant(text)
	require.Len(t, records, 4)

	toolResultMsg := records[1].Message // newest-first ordering: index 0 is the final assistant text
	require.Len(t, toolResultMsg.Parts, 1)
	tr, ok := toolResultMsg.Parts[0].(model.ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, "call-1", tr.ToolUseID)
	assert.False(t, tr.IsError)
}

func TestRunAwaitingFrontendPauseAndResume(t *testing.T) {
	toolUseStreamer := &fakeStreamer{
		chunks: []model.Chunk{
			{Type: model.ChunkContentStart, Index: 0, BlockType: "tool_use", ToolID: "call-1", ToolName: "ask_user"},
			{Type: model.ChunkContentStop, Index: 0},
		},
		final: model.Response{
			Message: model.Message{Role: model.RoleAssistant, Parts: []model.Part{
				model.ToolUsePart{ID: "call-1", Name: "ask_user", Input: map[string]any{"question": "continue?"}},
			}},
			StopReason: model.StopToolUse,
		},
	}
	client := &fakeClient{streams: []*fakeStreamer{toolUseStreamer, textTurnStreamer("done")}}

	reg := tools.New()
	require.NoError(t, reg.Register(tools.Descriptor{
		Name:        "ask_user",
		Description: "ask the user a question",
		InputSchema: map[string]any{"type": "object"},
		Executor:    tools.ExecutorFrontend,
	}))

	a, err := New(baseConfig(), newTestDeps(client, reg))
	require.NoError(t, err)

	sink := &sliceSink{}
	userMsg := model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}}
	result, err := a.Run(context.Background(), sink, &userMsg)
	require.NoError(t, err)
	require.Equal(t, AwaitingFrontend, result.State)
	require.Len(t, result.Pending, 1)
	assert.Equal(t, "call-1", result.Pending[0].ToolUseID)
	assert.Equal(t, AwaitingFrontend, a.State())

	_, err = a.Resume(context.Background(), sink, []model.ToolResultPart{
		{ToolUseID: "wrong-id", Content: []model.Part{model.TextPart{Text: "yes"}}},
	})
	require.ErrorIs(t, err, ErrResultMismatch)
	assert.Equal(t, AwaitingFrontend, a.State())

	result, err = a.Resume(context.Background(), sink, []model.ToolResultPart{
		{ToolUseID: "call-1", Content: []model.Part{model.TextPart{Text: "yes"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, Done, result.State)
	assert.Equal(t, Idle, a.State())
}

func TestFreshAgentObservesPersistedPauseState(t *testing.T) {
	toolUseStreamer := &fakeStreamer{
		chunks: []model.Chunk{
			{Type: model.ChunkContentStart, Index: 0, BlockType: "tool_use", ToolID: "call-1", ToolName: "ask_user"},
			{Type: model.ChunkContentStop, Index: 0},
		},
		final: model.Response{
			Message: model.Message{Role: model.RoleAssistant, Parts: []model.Part{
				model.ToolUsePart{ID: "call-1", Name: "ask_user", Input: map[string]any{"question": "continue?"}},
			}},
			StopReason: model.StopToolUse,
		},
	}
	client := &fakeClient{streams: []*fakeStreamer{toolUseStreamer, textTurnStreamer("done")}}

	reg := tools.New()
	require.NoError(t, reg.Register(tools.Descriptor{
		Name:        "ask_user",
		Description: "ask the user a question",
		InputSchema: map[string]any{"type": "object"},
		Executor:    tools.ExecutorFrontend,
	}))

	configStore := inmem.NewConfigStore()
	convStore := inmem.NewConversationStore()
	deps := Deps{
		Client:            client,
		Tools:             reg,
		Policy:            policy.New(policy.Options{}),
		ConfigStore:       configStore,
		ConversationStore: convStore,
		RunLogStore:       inmem.NewRunLogStore(),
		Shape:             stream.ShapeXML,
	}

	first, err := New(baseConfig(), deps)
	require.NoError(t, err)

	sink := &sliceSink{}
	userMsg := model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}}
	result, err := first.Run(context.Background(), sink, &userMsg)
	require.NoError(t, err)
	require.Equal(t, AwaitingFrontend, result.State)
	require.Len(t, result.Pending, 1)
	assert.Equal(t, "call-1", result.Pending[0].ToolUseID)

	// A second Agent instance, built from the same AgentUUID's persisted
	// config (as a fresh process would after a restart), must observe the
	// same pending state without ever having run a step itself.
	persisted, err := configStore.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	require.True(t, persisted.Relay.Awaiting)

	second, err := New(persisted, deps)
	require.NoError(t, err)
	assert.Equal(t, AwaitingFrontend, second.State())

	result, err = second.Resume(context.Background(), sink, []model.ToolResultPart{
		{ToolUseID: "call-1", Content: []model.Part{model.TextPart{Text: "yes"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, Done, result.State)
	assert.Equal(t, Idle, second.State())

	records, _, err := convStore.LoadCursor(context.Background(), "agent-1", 0, 0)
	require.NoError(t, err)
	// user, assistant(tool_use), user(tool_result), assistant(text)
	require.Len(t, records, 4)

	finalCfg, err := configStore.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.False(t, finalCfg.Relay.Awaiting)
}

func TestRunRejectsConcurrentCall(t *testing.T) {
	client := &fakeClient{streams: []*fakeStreamer{textTurnStreamer("hello")}}
	reg := tools.New()
	a, err := New(baseConfig(), newTestDeps(client, reg))
	require.NoError(t, err)

	a.state = Preparing // simulate an in-flight run without actually starting one
	_, err = a.Run(context.Background(), &sliceSink{}, nil)
	require.ErrorIs(t, err, ErrBusy)
}
