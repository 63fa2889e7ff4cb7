// Package middleware provides reusable model.Client middlewares.
// Grounded on features/model/middleware/ratelimit.go, adapted to a
// process-local-only limiter: the teacher's rmapClusterMap/
// newClusterAdaptiveRateLimiter/globalBackoff/globalProbe machinery
// coordinated the shared tokens-per-minute budget across a Pulse-replicated
// map (goa.design/pulse/rmap) for a multi-process worker fleet. This runtime
// has no cluster-coordination concept anywhere in its design — a single
// agent instance owns its provider client — so that layer is dropped
// entirely and only the AIMD token-bucket core survives.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/agentrt/model"
)

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top of a
// model.Client. It estimates the token cost of each request, blocks callers
// until capacity is available, and adjusts its effective tokens-per-minute
// budget in response to rate-limit signals from the provider.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

type limitedClient struct {
	next    model.Client
	limiter *AdaptiveRateLimiter
}

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with a
// tokens-per-minute budget. initialTPM and maxTPM are expressed in tokens
// per minute; when maxTPM is zero or less than initialTPM it is clamped to
// initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		// Default to a conservative budget when callers do not provide one.
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	lim := rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM))

	return &AdaptiveRateLimiter{
		limiter:      lim,
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns a model.Client middleware that enforces the adaptive
// tokens-per-minute limit around Stream calls.
func (l *AdaptiveRateLimiter) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

// Stream enforces the limiter before delegating to the underlying client.
func (c *limitedClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return stream, err
}

// CountTokens passes through to the wrapped client unmodified; counting a
// request's tokens does not consume rate-limit budget.
func (c *limitedClient) CountTokens(ctx context.Context, req model.Request) (int, bool) {
	return c.next.CountTokens(ctx, req)
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req model.Request) error {
	tokens := estimateTokens(req)
	return l.limiter.WaitN(ctx, tokens)
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	var pe *model.ProviderError
	if errors.As(err, &pe) && pe.Kind == model.KindRateLimited {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()

	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()

	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// CurrentTPM reports the limiter's current effective tokens-per-minute
// budget, for diagnostics and telemetry.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// estimateTokens computes a cheap heuristic for the number of tokens in the
// request transcript. It counts characters in text and tool-result text
// parts, converts them to tokens using a fixed ratio, and adds a small
// buffer for system prompts and provider overhead.
func estimateTokens(req model.Request) int {
	charCount := len(req.System)
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				charCount += len(v.Text)
			case model.ToolResultPart:
				for _, c := range v.Content {
					if t, ok := c.(model.TextPart); ok {
						charCount += len(t.Text)
					}
				}
			}
		}
	}
	if charCount <= 0 {
		// Minimal non-zero estimate so callers still incur limiter costs even
		// when messages are extremely small.
		return 500
	}
	// Approximate 1 token per ~3 characters, then add a fixed buffer for
	// system prompts and provider framing.
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
