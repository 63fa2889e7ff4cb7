package bedrock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrt/model"
)

func TestEncodeMessagesRejectsEmpty(t *testing.T) {
	_, _, err := encodeMessages(nil)
	require.Error(t, err)
}

func TestEncodeMessagesTextAndToolResult(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}},
		{Role: model.RoleUser, Parts: []model.Part{model.ToolResultPart{
			ToolUseID: "t1",
			Content:   []model.Part{model.TextPart{Text: "result"}},
		}}},
	}
	out, _, err := encodeMessages(msgs)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestEncodeToolsRequiresDescription(t *testing.T) {
	_, err := encodeTools([]model.ToolDefinition{{Name: "search"}}, nil)
	require.Error(t, err)
}

func TestEncodeToolsToolChoiceRequiresName(t *testing.T) {
	defs := []model.ToolDefinition{{Name: "search", Description: "search"}}
	_, err := encodeTools(defs, &model.ToolChoice{Mode: model.ToolChoiceTool})
	require.Error(t, err)
}
