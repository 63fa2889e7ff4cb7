package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrt/model"
)

type fakeClient struct {
	streamErr error
	calls     int
}

func (f *fakeClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	f.calls++
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return nil, nil
}

func (f *fakeClient) CountTokens(context.Context, model.Request) (int, bool) {
	return 0, false
}

func TestEstimateTokensMinimum(t *testing.T) {
	assert.Equal(t, 500, estimateTokens(model.Request{}))
}

func TestEstimateTokensScalesWithText(t *testing.T) {
	req := model.Request{Messages: []model.Message{
		{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: string(make([]byte, 300))}}},
	}}
	assert.Equal(t, 300/3+500, estimateTokens(req))
}

func TestAdaptiveRateLimiterBackoffOnRateLimit(t *testing.T) {
	l := NewAdaptiveRateLimiter(6000, 6000)
	before := l.CurrentTPM()

	fc := &fakeClient{streamErr: model.NewProviderError("anthropic", "stream", model.KindRateLimited, 429, "", "throttled", nil)}
	wrapped := l.Middleware()(fc)

	_, err := wrapped.Stream(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}}},
	})
	require.Error(t, err)
	assert.Less(t, l.CurrentTPM(), before)
}

func TestAdaptiveRateLimiterProbesOnSuccess(t *testing.T) {
	l := NewAdaptiveRateLimiter(6000, 6000)
	l.currentTPM = l.minTPM // force room to probe upward
	fc := &fakeClient{}
	wrapped := l.Middleware()(fc)

	_, err := wrapped.Stream(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}}},
	})
	require.NoError(t, err)
	assert.Greater(t, l.CurrentTPM(), l.minTPM)
}

func TestMiddlewareNilClientReturnsNil(t *testing.T) {
	l := NewAdaptiveRateLimiter(1000, 1000)
	assert.Nil(t, l.Middleware()(nil))
}
