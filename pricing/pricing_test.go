package pricing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrt/model"
	"goa.design/agentrt/pricing"
)

func TestCalculateBaseInputExcludesCacheTokens(t *testing.T) {
	table := pricing.DefaultTable()
	usage := []model.Usage{
		{InputTokens: 1000, OutputTokens: 200, CacheCreationTokens: 300, CacheReadTokens: 100},
	}
	bd, err := table.Calculate(usage, "claude-sonnet-4-5-20250929")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", bd.ModelID)
	assert.Equal(t, 1000, bd.TotalInputTokens)
	assert.InDelta(t, 600.0/1e6*3.00, bd.InputCost, 1e-9) // 1000 - 300 - 100 base input tokens
	assert.False(t, bd.LongContextApplied)
	assert.Greater(t, bd.TotalCost, 0.0)
}

func TestCalculateLongContextMultiplier(t *testing.T) {
	table := pricing.DefaultTable()
	usage := []model.Usage{{InputTokens: 250_000, OutputTokens: 100}}
	bd, err := table.Calculate(usage, "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.True(t, bd.LongContextApplied)
}

func TestCalculateUnknownModel(t *testing.T) {
	table := pricing.DefaultTable()
	_, err := table.Calculate([]model.Usage{{InputTokens: 1}}, "some-unknown-model")
	require.ErrorIs(t, err, pricing.ErrUnknownModel)
}

func TestCalculateEmptyUsage(t *testing.T) {
	table := pricing.DefaultTable()
	bd, err := table.Calculate(nil, "claude-opus-4")
	require.NoError(t, err)
	assert.Equal(t, 0.0, bd.TotalCost)
	assert.Equal(t, "claude-opus-4", bd.ModelID)
}
