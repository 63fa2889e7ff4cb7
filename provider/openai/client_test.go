package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrt/model"
)

func TestEncodeMessagesRequiresMessages(t *testing.T) {
	_, err := encodeMessages(model.Request{})
	require.Error(t, err)
}

func TestEncodeMessagesSystemAndUser(t *testing.T) {
	req := model.Request{
		System: "be helpful",
		Messages: []model.Message{
			{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}},
		},
	}
	out, err := encodeMessages(req)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, model.StopEndTurn, mapFinishReason("stop"))
	assert.Equal(t, model.StopMaxTokens, mapFinishReason("length"))
	assert.Equal(t, model.StopToolUse, mapFinishReason("tool_calls"))
	assert.Equal(t, "content_filter", mapFinishReason("content_filter"))
}

func TestEncodeToolChoiceRequiresName(t *testing.T) {
	_, err := encodeToolChoice(&model.ToolChoice{Mode: model.ToolChoiceTool})
	require.Error(t, err)
}

func TestDecodeToolInputFallsBackOnBadJSON(t *testing.T) {
	assert.Equal(t, map[string]any{}, decodeToolInput([]string{"not json"}))
}
