package compactor_test

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrt/compactor"
	"goa.design/agentrt/model"
)

func textMsg(role model.Role, text string) model.Message {
	return model.Message{Role: role, Parts: []model.Part{model.TextPart{Text: text}}}
}

func toolTurn(toolUseID, resultBody string) []model.Message {
	return []model.Message{
		{Role: model.RoleAssistant, Parts: []model.Part{model.ToolUsePart{ID: toolUseID, Name: "search", Input: map[string]any{"q": "x"}}}},
		{Role: model.RoleUser, Parts: []model.Part{model.ToolResultPart{ToolUseID: toolUseID, Content: []model.Part{model.TextPart{Text: resultBody}}}}},
	}
}

// TestEstimateTokensMonotonic is the gopter property from spec §8:
// appending a message never decreases the estimate.
func TestEstimateTokensMonotonic(t *testing.T) {
	props := gopter.NewProperties(nil)

	props.Property("adding a message never decreases the estimate", prop.ForAll(
		func(base []string, extra string) bool {
			var history []model.Message
			for _, s := range base {
				history = append(history, textMsg(model.RoleUser, s))
			}
			before := compactor.EstimateTokens(history, "", nil)
			after := compactor.EstimateTokens(append(history, textMsg(model.RoleAssistant, extra)), "", nil)
			return after >= before
		},
		gen.SliceOf(gen.AlphaString()),
		gen.AlphaString(),
	))

	props.TestingRun(t)
}

func TestCompactorNeverIncreasesEstimate(t *testing.T) {
	props := gopter.NewProperties(nil)

	strategies := []compactor.Strategy{
		compactor.None{},
		compactor.ToolResultRemoval{},
		compactor.SlidingWindow{KeepRecent: 3},
	}

	props.Property("compaction never increases the token estimate", prop.ForAll(
		func(n int) bool {
			var history []model.Message
			for i := 0; i < n; i++ {
				history = append(history, toolTurn("call-"+string(rune('a'+i%20)), strings.Repeat("result body ", 20))...)
			}
			before := compactor.EstimateTokens(history, "", nil)
			for _, strat := range strategies {
				out, _, err := strat.Compact(context.Background(), history, "", nil, "claude-sonnet-4-5", 100)
				if err != nil {
					return false
				}
				after := compactor.EstimateTokens(out, "", nil)
				if after > before {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 10),
	))

	props.TestingRun(t)
}

// TestToolResultRemovalPreservesToolUseID matches spec §8 scenario 6: over
// budget, ToolResultRemoval replaces old tool_result bodies with a
// placeholder while preserving tool_use_id.
func TestToolResultRemovalPreservesToolUseID(t *testing.T) {
	var history []model.Message
	for i := 0; i < 20; i++ {
		history = append(history, toolTurn("call-"+string(rune('a'+i)), strings.Repeat("x", 500))...)
	}

	strat := compactor.ToolResultRemoval{}
	out, info, err := strat.Compact(context.Background(), history, "", nil, "claude-sonnet-4-5", 50)
	require.NoError(t, err)
	assert.Greater(t, info.RemovedToolResults, 0)
	assert.LessOrEqual(t, info.TokensAfter, info.TokensBefore)

	// every tool_use_id from the original history must still be referenced.
	origIDs := map[string]bool{}
	for _, msg := range history {
		for _, p := range msg.Parts {
			if tu, ok := p.(model.ToolUsePart); ok {
				origIDs[tu.ID] = true
			}
		}
	}
	seenIDs := map[string]bool{}
	for _, msg := range out {
		for _, p := range msg.Parts {
			if tr, ok := p.(model.ToolResultPart); ok {
				seenIDs[tr.ToolUseID] = true
			}
		}
	}
	for id := range origIDs {
		assert.True(t, seenIDs[id], "tool_use_id %s lost during compaction", id)
	}
}

func TestSlidingWindowKeepsRecentOrder(t *testing.T) {
	var history []model.Message
	for i := 0; i < 10; i++ {
		history = append(history, textMsg(model.RoleUser, strings.Repeat(string(rune('0'+i)), 80)))
	}
	strat := compactor.SlidingWindow{KeepRecent: 3}
	out, info, err := strat.Compact(context.Background(), history, "", nil, "claude-sonnet-4-5", 1)
	require.NoError(t, err)
	assert.Equal(t, 7, info.RemovedMessages)

	// Messages large enough that the cut frees up far more tokens than the
	// marker costs, so SlidingWindow keeps the marker (spec §4.E).
	require.True(t, info.InsertedSummary)
	require.Len(t, out, 4)
	marker, ok := out[0].Parts[0].(model.TextPart)
	require.True(t, ok)
	assert.Contains(t, marker.Text, "7")
	assert.Equal(t, strings.Repeat("7", 80), out[1].Parts[0].(model.TextPart).Text)
	assert.Equal(t, strings.Repeat("9", 80), out[3].Parts[0].(model.TextPart).Text)
}

// TestSlidingWindowDropsMarkerWhenItWouldCostMore covers the guard in
// SlidingWindow.Compact: when the removed messages are so small that adding
// the marker would itself push the estimate above the pre-compaction
// baseline, the marker is omitted rather than violating the compactor's
// never-increases-the-estimate contract (spec §8).
func TestSlidingWindowDropsMarkerWhenItWouldCostMore(t *testing.T) {
	var history []model.Message
	for i := 0; i < 4; i++ {
		history = append(history, textMsg(model.RoleUser, string(rune('0'+i))))
	}
	strat := compactor.SlidingWindow{KeepRecent: 3}
	out, info, err := strat.Compact(context.Background(), history, "", nil, "claude-sonnet-4-5", 1)
	require.NoError(t, err)
	assert.False(t, info.InsertedSummary)
	require.Len(t, out, 3)
	assert.LessOrEqual(t, info.TokensAfter, info.TokensBefore)
}

func TestSummarizingFallsBackOnError(t *testing.T) {
	var history []model.Message
	for i := 0; i < 10; i++ {
		history = append(history, textMsg(model.RoleUser, string(rune('0'+i))))
	}
	strat := compactor.Summarizing{
		KeepRecent: 2,
		Summarizer: func(context.Context, []model.Message) (string, error) {
			return "", assertErr
		},
	}
	out, _, err := strat.Compact(context.Background(), history, "", nil, "claude-sonnet-4-5", 1)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

var assertErr = errCompaction{}

type errCompaction struct{}

func (errCompaction) Error() string { return "summarizer failed" }

func TestModelTokenLimitSubstringMatch(t *testing.T) {
	assert.Equal(t, 160_000, compactor.ModelTokenLimit("claude-sonnet-4-5-20250514"))
	assert.Equal(t, 160_000, compactor.ModelTokenLimit("unknown-model"))
}

func TestEstimateImageTokensCapsLongEdge(t *testing.T) {
	small := compactor.EstimateImageTokens(100, 100)
	large := compactor.EstimateImageTokens(4000, 3000)
	assert.Greater(t, large, small)
	assert.LessOrEqual(t, large, 1600)
}
