// Package retry implements the retrying stream driver (component C): it
// wraps a provider Client call and the formatter, retrying the whole stream
// on transient failures with exponential backoff plus jitter, and failing
// fast on client errors. Grounded on the original's
// anthropic_stream_with_backoff (anthropic_agent/core/retry.py), translated
// from its try/except classification into model.ErrorKind.Retryable.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"goa.design/agentrt/model"
	"goa.design/agentrt/stream"
)

// Config tunes the retry driver. A field left at zero or below falls back to
// its DefaultConfig value.
type Config struct {
	// MaxRetries is the maximum number of attempts (the first try plus
	// MaxRetries-1 retries). Spec §6 default is 5, minimum 1.
	MaxRetries int

	// BaseDelay is the backoff unit: sleep for BaseDelay*2^attempt plus a
	// random(0,1) jitter in seconds. Spec §6 default is 5s.
	BaseDelay time.Duration
}

// DefaultConfig returns the spec §6 defaults (max_retries=5, base_delay=5s).
func DefaultConfig() Config {
	return Config{MaxRetries: 5, BaseDelay: 5 * time.Second}
}

// Event describes one retry decision, emitted via Driver.OnRetry so the
// agent core can append it to the run log (spec §6's run-log schema:
// {ts,type,error_kind,delay_seconds,details}).
type Event struct {
	Attempt int
	Kind    model.ErrorKind
	Delay   time.Duration
	Err     error
}

// ErrMaxRetriesExceeded wraps the last error once every retry has been
// exhausted.
var ErrMaxRetriesExceeded = errors.New("retry: max retries exceeded")

// Driver runs one logical request to completion, retrying the entire stream
// on transient failure. The zero value is usable with Config left at
// DefaultConfig() and Sleep/Rand defaulting to real time and math/rand.
type Driver struct {
	Config Config

	// Sleep defaults to a context-aware time.Sleep. Overridable for tests.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand returns a value in [0,1); defaults to math/rand. Overridable for
	// deterministic tests.
	Rand func() float64

	// OnRetry, if set, is invoked synchronously before each sleep.
	OnRetry func(Event)
}

// New constructs a Driver with DefaultConfig and real sleep/rand.
func New() *Driver {
	return &Driver{Config: DefaultConfig()}
}

func (d *Driver) cfg() Config {
	c := d.Config
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultConfig().MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultConfig().BaseDelay
	}
	return c
}

func (d *Driver) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) rand() float64 {
	if d.Rand != nil {
		return d.Rand()
	}
	return mathRandFloat64()
}

// Do streams req against client, formatting chunks onto sink in shape, and
// returns the assembled final message. On a retryable provider failure it
// retries the whole stream from scratch, replaying to the same sink (spec
// §9's documented default policy: consumers observe a full replay of the
// retried attempt's chunks, not a resumption).
func (d *Driver) Do(ctx context.Context, client model.Client, req model.Request, shape stream.Shape, sink stream.Sink) (model.Response, error) {
	cfg := d.cfg()
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		streamer, err := client.Stream(ctx, req)
		if err == nil {
			var resp model.Response
			resp, err = stream.Format(ctx, shape, streamer, sink)
			_ = streamer.Close()
			if err == nil {
				return resp, nil
			}
		}
		lastErr = err

		if ctx.Err() != nil {
			// Caller cancellation always aborts the run; it is never a
			// retry candidate (spec §7).
			return model.Response{}, lastErr
		}

		kind := classify(err)
		if !kind.Retryable() {
			return model.Response{}, lastErr
		}
		if attempt == cfg.MaxRetries-1 {
			break
		}

		delay := backoffDelay(cfg.BaseDelay, attempt, d.rand())
		if d.OnRetry != nil {
			d.OnRetry(Event{Attempt: attempt, Kind: kind, Delay: delay, Err: err})
		}
		if sleepErr := d.sleep(ctx, delay); sleepErr != nil {
			return model.Response{}, sleepErr
		}
	}

	return model.Response{}, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// backoffDelay computes base*2^attempt + random(0,1) seconds, matching the
// original's base_delay*(2**attempt)+random.uniform(0,1) exactly.
func backoffDelay(base time.Duration, attempt int, jitter float64) time.Duration {
	factor := math.Pow(2, float64(attempt))
	return time.Duration(float64(base)*factor) + time.Duration(jitter*float64(time.Second))
}

// classify maps err onto model.ErrorKind. Non-ProviderError failures
// (context cancellation aside) are treated as Unknown, which spec §4.C
// marks retryable.
func classify(err error) model.ErrorKind {
	if err == nil {
		return ""
	}
	if pe, ok := model.AsProviderError(err); ok {
		return pe.Kind
	}
	return model.KindUnknown
}
