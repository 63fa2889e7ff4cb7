package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrt/model"
)

func TestEncodeToolsRequiresDescription(t *testing.T) {
	_, err := encodeTools([]model.ToolDefinition{{Name: "search"}})
	require.Error(t, err)
}

func TestEncodeToolsOK(t *testing.T) {
	out, err := encodeTools([]model.ToolDefinition{
		{Name: "search", Description: "search the web", InputSchema: map[string]any{"type": "object"}},
	})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestEncodeMessagesRejectsEmpty(t *testing.T) {
	_, err := encodeMessages(nil)
	require.Error(t, err)
}

func TestEncodeMessagesTextAndToolUse(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}},
		{Role: model.RoleAssistant, Parts: []model.Part{model.ToolUsePart{ID: "t1", Name: "search", Input: map[string]any{"q": "go"}}}},
	}
	out, err := encodeMessages(msgs)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, model.KindRateLimited, classifyHTTPStatus(429))
	assert.Equal(t, model.KindUnauthorized, classifyHTTPStatus(401))
	assert.Equal(t, model.KindNotFound, classifyHTTPStatus(404))
	assert.Equal(t, model.KindBadRequest, classifyHTTPStatus(400))
	assert.Equal(t, model.KindServerError, classifyHTTPStatus(503))
	assert.Equal(t, model.KindConnection, classifyHTTPStatus(0))
}

func TestEncodeToolChoiceModes(t *testing.T) {
	_, err := encodeToolChoice(&model.ToolChoice{Mode: model.ToolChoiceTool})
	require.Error(t, err)

	tc, err := encodeToolChoice(&model.ToolChoice{Mode: model.ToolChoiceAny})
	require.NoError(t, err)
	assert.NotNil(t, tc.OfAny)
}
