package retry_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrt/model"
	"goa.design/agentrt/retry"
	"goa.design/agentrt/stream"
)

type failingStreamer struct{ err error }

func (f *failingStreamer) Recv() (model.Chunk, error)            { return model.Chunk{}, f.err }
func (f *failingStreamer) Close() error                          { return nil }
func (f *failingStreamer) FinalMessage() (model.Response, error) { return model.Response{}, nil }

type fixedStreamer struct {
	chunks []model.Chunk
	i      int
	final  model.Response
}

func (f *fixedStreamer) Recv() (model.Chunk, error) {
	if f.i >= len(f.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}
func (f *fixedStreamer) Close() error                          { return nil }
func (f *fixedStreamer) FinalMessage() (model.Response, error) { return f.final, nil }

// sequenceClient returns one Streamer per Stream call, drawn in order from a
// list, simulating a provider that fails then recovers.
type sequenceClient struct {
	streamers []model.Streamer
	errs      []error
	i         int
}

func (c *sequenceClient) Stream(_ context.Context, _ model.Request) (model.Streamer, error) {
	idx := c.i
	c.i++
	return c.streamers[idx], c.errs[idx]
}
func (c *sequenceClient) CountTokens(context.Context, model.Request) (int, bool) { return 0, false }

type nullSink struct{}

func (nullSink) Send(context.Context, string) error { return nil }
func (nullSink) Close() error                       { return nil }

func TestDoRetriesOnTransientThenSucceeds(t *testing.T) {
	rlErr := model.NewProviderError("anthropic", "stream", model.KindRateLimited, 429, "", "throttled", nil)
	client := &sequenceClient{
		streamers: []model.Streamer{
			&failingStreamer{err: rlErr},
			&fixedStreamer{final: model.Response{StopReason: model.StopEndTurn}},
		},
		errs: []error{nil, nil},
	}

	var events []retry.Event
	d := &retry.Driver{
		Config:  retry.Config{MaxRetries: 3, BaseDelay: 10 * time.Millisecond},
		Sleep:   func(context.Context, time.Duration) error { return nil },
		Rand:    func() float64 { return 0 },
		OnRetry: func(e retry.Event) { events = append(events, e) },
	}

	resp, err := d.Do(context.Background(), client, model.Request{}, stream.ShapeXML, nullSink{})
	require.NoError(t, err)
	assert.Equal(t, model.StopEndTurn, resp.StopReason)
	require.Len(t, events, 1)
	assert.Equal(t, model.KindRateLimited, events[0].Kind)
}

func TestDoFailsFastOnClientError(t *testing.T) {
	badErr := model.NewProviderError("anthropic", "stream", model.KindBadRequest, 400, "", "bad schema", nil)
	client := &sequenceClient{
		streamers: []model.Streamer{&failingStreamer{err: badErr}},
		errs:      []error{nil},
	}
	d := &retry.Driver{Config: retry.Config{MaxRetries: 5, BaseDelay: time.Millisecond}}

	_, err := d.Do(context.Background(), client, model.Request{}, stream.ShapeXML, nullSink{})
	require.Error(t, err)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, model.KindBadRequest, pe.Kind)
}

func TestDoExhaustsRetriesAndSurfaces(t *testing.T) {
	rlErr := model.NewProviderError("anthropic", "stream", model.KindConnection, 0, "", "conn reset", nil)
	client := &sequenceClient{
		streamers: []model.Streamer{
			&failingStreamer{err: rlErr},
			&failingStreamer{err: rlErr},
			&failingStreamer{err: rlErr},
		},
		errs: []error{nil, nil, nil},
	}
	d := &retry.Driver{
		Config: retry.Config{MaxRetries: 3, BaseDelay: time.Millisecond},
		Sleep:  func(context.Context, time.Duration) error { return nil },
		Rand:   func() float64 { return 0 },
	}

	_, err := d.Do(context.Background(), client, model.Request{}, stream.ShapeXML, nullSink{})
	require.Error(t, err)
}

// TestTotalSleepBounded is the gopter property from spec §8, checked in its
// tighter form: no sleep follows the last attempt, so total retry sleep is
// bounded by sum_{k=0..max_retries-2}(base_delay*2^k + 1) seconds.
func TestTotalSleepBounded(t *testing.T) {
	props := gopter.NewProperties(nil)

	props.Property("cumulative backoff never exceeds the worst-case bound", prop.ForAll(
		func(maxRetries int, baseMillis int) bool {
			base := time.Duration(baseMillis) * time.Millisecond
			rlErr := model.NewProviderError("anthropic", "stream", model.KindTimeout, 0, "", "timeout", nil)

			streamers := make([]model.Streamer, maxRetries)
			errs := make([]error, maxRetries)
			for i := range streamers {
				streamers[i] = &failingStreamer{err: rlErr}
			}
			client := &sequenceClient{streamers: streamers, errs: errs}

			var total time.Duration
			d := &retry.Driver{
				Config: retry.Config{MaxRetries: maxRetries, BaseDelay: base},
				Sleep: func(_ context.Context, dur time.Duration) error {
					total += dur
					return nil
				},
				Rand: func() float64 { return 1 }, // worst-case jitter
			}

			_, _ = d.Do(context.Background(), client, model.Request{}, stream.ShapeXML, nullSink{})

			var bound time.Duration
			for k := 0; k < maxRetries-1; k++ {
				factor := 1 << k
				bound += base*time.Duration(factor) + time.Second
			}
			return total <= bound
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 50),
	))

	props.TestingRun(t)
}
