package tools_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrt/tools"
)

type echoTool struct{ bound string }

func (e *echoTool) Execute(_ context.Context, input map[string]any) (tools.Result, error) {
	return tools.Result{Text: "ok"}, nil
}

func (e *echoTool) Bind(agentUUID string) { e.bound = agentUUID }

func TestRegisterDuplicateName(t *testing.T) {
	r := tools.New()
	d := tools.Descriptor{Name: "echo", Executor: tools.ExecutorBackend, Callable: &echoTool{}}
	require.NoError(t, r.Register(d))

	err := r.Register(d)
	require.Error(t, err)
	assert.ErrorIs(t, err, tools.ErrDuplicateName)
}

func TestFrontendToolRejectsCallable(t *testing.T) {
	r := tools.New()
	err := r.Register(tools.Descriptor{Name: "confirm", Executor: tools.ExecutorFrontend, Callable: &echoTool{}})
	assert.ErrorIs(t, err, tools.ErrFrontendCallable)
}

func TestBindAll(t *testing.T) {
	r := tools.New()
	et := &echoTool{}
	require.NoError(t, r.Register(tools.Descriptor{Name: "echo", Executor: tools.ExecutorBackend, Callable: et}))

	r.BindAll("agent-123")
	assert.Equal(t, "agent-123", et.bound)
}

func TestSchemaRoundTrip(t *testing.T) {
	native := map[string]any{
		"name":        "add",
		"description": "adds two numbers",
		"input_schema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
		},
	}
	fc := tools.FunctionCallFromNative(native)
	back, err := tools.NativeFromFunctionCall(fc)
	require.NoError(t, err)
	assert.Equal(t, native["name"], back["name"])
	assert.Equal(t, native["description"], back["description"])
	assert.Equal(t, native["input_schema"], back["input_schema"])
}

func TestExecuteUnknownTool(t *testing.T) {
	r := tools.New()
	_, err := r.Execute(context.Background(), "missing", nil, nil, "agent-1")
	require.Error(t, err)
}
