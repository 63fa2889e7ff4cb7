package inmem_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrt/model"
	"goa.design/agentrt/storage"
	"goa.design/agentrt/storage/inmem"
)

func TestConfigStoreLifecycle(t *testing.T) {
	s := inmem.NewConfigStore()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrConfigNotFound)

	require.NoError(t, s.Save(ctx, storage.AgentConfig{AgentUUID: "a1", Model: "claude-sonnet-4-5"}))
	cfg, err := s.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model)

	require.NoError(t, s.SetTitle(ctx, "a1", "My Agent"))
	cfg, err = s.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "My Agent", cfg.Title)

	require.NoError(t, s.Save(ctx, storage.AgentConfig{AgentUUID: "a2", Model: "x"}))
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.Delete(ctx, "a1"))
	_, err = s.Load(ctx, "a1")
	require.ErrorIs(t, err, storage.ErrConfigNotFound)
}

// TestSequenceNumbersFormGaplessRun is the gopter property from spec §8:
// sequence numbers form 1..N with no gaps per agent_uuid.
func TestSequenceNumbersFormGaplessRun(t *testing.T) {
	props := gopter.NewProperties(nil)

	props.Property("conversation sequence numbers are 1..N with no gaps", prop.ForAll(
		func(n int) bool {
			s := inmem.NewConversationStore()
			ctx := context.Background()
			for i := 0; i < n; i++ {
				rec, err := s.Save(ctx, "agent-x", model.Message{Role: model.RoleUser})
				if err != nil || rec.Sequence != int64(i+1) {
					return false
				}
			}
			page, err := s.LoadPage(ctx, "agent-x", 0)
			if err != nil || len(page) != n {
				return false
			}
			for i, rec := range page {
				want := int64(n - i)
				if rec.Sequence != want {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
	))

	props.TestingRun(t)
}

func TestConversationLoadCursorPagination(t *testing.T) {
	s := inmem.NewConversationStore()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.Save(ctx, "agent-y", model.Message{Role: model.RoleUser})
		require.NoError(t, err)
	}

	page1, hasMore, err := s.LoadCursor(ctx, "agent-y", 0, 4)
	require.NoError(t, err)
	require.Len(t, page1, 4)
	assert.True(t, hasMore)
	assert.Equal(t, int64(10), page1[0].Sequence)

	oldest := page1[len(page1)-1].Sequence
	page2, hasMore2, err := s.LoadCursor(ctx, "agent-y", oldest, 4)
	require.NoError(t, err)
	require.Len(t, page2, 4)
	assert.True(t, hasMore2)

	page3, hasMore3, err := s.LoadCursor(ctx, "agent-y", page2[len(page2)-1].Sequence, 100)
	require.NoError(t, err)
	assert.Len(t, page3, 2)
	assert.False(t, hasMore3)
}

func TestRunLogStoreAppendOrder(t *testing.T) {
	s := inmem.NewRunLogStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, storage.RunLogLine{AgentUUID: "a1", RunID: "r1", Type: "step_start", Step: 1}))
	require.NoError(t, s.Save(ctx, storage.RunLogLine{AgentUUID: "a1", RunID: "r1", Type: "step_end", Step: 1}))

	lines, err := s.Load(ctx, "a1", "r1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "step_start", lines[0].Type)
	assert.Equal(t, "step_end", lines[1].Type)
	assert.Equal(t, int64(1), lines[0].Seq)
	assert.Equal(t, int64(2), lines[1].Seq)
}
