// Package pricing implements the supplementary per-run cost breakdown
// (spec §9): per-model rate table plus a calculator over a run's per-step
// model.Usage history. Grounded on
// anthropic_agent/pricing/calculator.py, translated from its CSV-backed
// module-level cache into a small built-in rate table with a caller-supplied
// override/extension point.
package pricing

import (
	"fmt"
	"strings"

	"goa.design/agentrt/model"
)

// ModelRate holds per-million-token pricing for one model, mirroring the
// original's ModelPricing dataclass.
type ModelRate struct {
	ModelID                     string
	DisplayName                 string
	InputPerMTok                float64
	CacheWrite5mPerMTok         float64
	CacheWrite1hPerMTok         float64
	CacheReadPerMTok            float64
	OutputPerMTok               float64
	LongContextInputMultiplier  float64
	LongContextOutputMultiplier float64
	// LongContextThreshold is the per-step input token count above which the
	// long-context multipliers apply. Zero disables long-context pricing for
	// this model.
	LongContextThreshold int
}

// Table resolves API model names to rates, via exact match then
// longest-prefix substring match (the original's sorted-by-length-descending
// scan over CSV rows).
type Table struct {
	rates map[string]ModelRate
}

// NewTable builds a Table from an explicit rate list, letting the host
// supply its own (the original loads from a bundled CSV; this runtime takes
// the rates as configuration instead of a file so the table can be extended
// without touching package code).
func NewTable(rates []ModelRate) *Table {
	t := &Table{rates: make(map[string]ModelRate, len(rates))}
	for _, r := range rates {
		t.rates[r.ModelID] = r
	}
	return t
}

// DefaultTable returns the built-in rate table for the current generation of
// Anthropic models, as published at the time this runtime was written.
func DefaultTable() *Table {
	return NewTable([]ModelRate{
		{
			ModelID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5",
			InputPerMTok: 3.00, CacheWrite5mPerMTok: 3.75, CacheWrite1hPerMTok: 6.00,
			CacheReadPerMTok: 0.30, OutputPerMTok: 15.00,
			LongContextInputMultiplier: 2.0, LongContextOutputMultiplier: 1.5, LongContextThreshold: 200_000,
		},
		{
			ModelID: "claude-opus-4", DisplayName: "Claude Opus 4",
			InputPerMTok: 15.00, CacheWrite5mPerMTok: 18.75, CacheWrite1hPerMTok: 30.00,
			CacheReadPerMTok: 1.50, OutputPerMTok: 75.00,
		},
		{
			ModelID: "claude-3-5-haiku", DisplayName: "Claude 3.5 Haiku",
			InputPerMTok: 0.80, CacheWrite5mPerMTok: 1.00, CacheWrite1hPerMTok: 1.60,
			CacheReadPerMTok: 0.08, OutputPerMTok: 4.00,
		},
	})
}

// Resolve returns the rate for modelName: exact match first, then the
// longest registered ModelID that is a substring of modelName (matching
// versioned names like "claude-sonnet-4-5-20250929").
func (t *Table) Resolve(modelName string) (ModelRate, bool) {
	if r, ok := t.rates[modelName]; ok {
		return r, true
	}

	bestLen := -1
	var best ModelRate
	found := false
	for id, r := range t.rates {
		if strings.Contains(modelName, id) && len(id) > bestLen {
			best, bestLen, found = r, len(id), true
		}
	}
	return best, found
}

// Breakdown is the detailed per-run cost result, mirroring CostBreakdown.
type Breakdown struct {
	InputCost      float64
	OutputCost     float64
	CacheWriteCost float64
	CacheReadCost  float64
	TotalCost      float64

	TotalInputTokens         int
	TotalOutputTokens        int
	TotalCacheCreationTokens int
	TotalCacheReadTokens     int

	ModelID            string
	LongContextApplied bool
	Currency           string
}

// ErrUnknownModel is returned by Calculate when modelName resolves to no
// rate in the table.
var ErrUnknownModel = fmt.Errorf("pricing: unknown model")

// Calculate sums usage (one entry per step, in step order) and applies
// modelName's rate, detecting long-context pricing per-step exactly as the
// original does: if a single step's InputTokens exceeds the model's
// threshold, the long-context multipliers apply to the whole run's input,
// output, cache-write, and cache-read costs. Cache tokens are a subset of InputTokens
// (spec §3 invariant), so base input cost is InputTokens minus both cache
// categories, to avoid double-counting.
func (t *Table) Calculate(usage []model.Usage, modelName string) (Breakdown, error) {
	rate, ok := t.Resolve(modelName)
	if !ok {
		return Breakdown{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}
	if len(usage) == 0 {
		return Breakdown{ModelID: rate.ModelID, Currency: "USD"}, nil
	}

	var totalInput, totalOutput, totalCacheWrite, totalCacheRead int
	longContext := false
	for _, u := range usage {
		totalInput += u.InputTokens
		totalOutput += u.OutputTokens
		totalCacheWrite += u.CacheCreationTokens
		totalCacheRead += u.CacheReadTokens
		if rate.LongContextThreshold > 0 && u.InputTokens > rate.LongContextThreshold {
			longContext = true
		}
	}

	inputMultiplier, outputMultiplier := 1.0, 1.0
	if longContext {
		inputMultiplier = rate.LongContextInputMultiplier
		outputMultiplier = rate.LongContextOutputMultiplier
	}

	baseInput := totalInput - totalCacheWrite - totalCacheRead
	if baseInput < 0 {
		baseInput = 0
	}

	const perMillion = 1_000_000.0
	inputCost := (float64(baseInput) / perMillion) * rate.InputPerMTok * inputMultiplier
	outputCost := (float64(totalOutput) / perMillion) * rate.OutputPerMTok * outputMultiplier
	cacheWriteCost := (float64(totalCacheWrite) / perMillion) * rate.CacheWrite5mPerMTok * inputMultiplier
	cacheReadCost := (float64(totalCacheRead) / perMillion) * rate.CacheReadPerMTok * inputMultiplier

	return Breakdown{
		InputCost:                round6(inputCost),
		OutputCost:               round6(outputCost),
		CacheWriteCost:           round6(cacheWriteCost),
		CacheReadCost:            round6(cacheReadCost),
		TotalCost:                round6(inputCost + outputCost + cacheWriteCost + cacheReadCost),
		TotalInputTokens:         totalInput,
		TotalOutputTokens:        totalOutput,
		TotalCacheCreationTokens: totalCacheWrite,
		TotalCacheReadTokens:     totalCacheRead,
		ModelID:                  rate.ModelID,
		LongContextApplied:       longContext,
		Currency:                 "USD",
	}, nil
}

func round6(f float64) float64 {
	const scale = 1_000_000.0
	return float64(int64(f*scale+sign(f)*0.5)) / scale
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}
