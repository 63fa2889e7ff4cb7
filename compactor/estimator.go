// Package compactor implements the compactor (component E): a token
// estimator grounded precisely on the original's token_counting.py, and the
// four required compaction strategies operating on it.
package compactor

import (
	"encoding/json"
	"math"

	"goa.design/agentrt/model"
)

// Image auto-resize and token-divisor constants, copied verbatim from
// anthropic_agent/core/token_counting.py's documented Anthropic vision
// formula: tokens = ceil(w*h/750) after capping the long edge at 1568px and
// total pixels at 1600*750.
const (
	maxLongEdge     = 1568
	maxImageTokens  = 1600
	tokenDivisor    = 750
	tokensPerPDFPage = 2000
)

// EstimateImageTokens estimates the token cost of an image with the given
// pixel dimensions, simulating the provider's auto-resize before applying
// the divisor formula.
func EstimateImageTokens(width, height int) int {
	longEdge := width
	if height > longEdge {
		longEdge = height
	}
	if longEdge > maxLongEdge {
		scale := float64(maxLongEdge) / float64(longEdge)
		width = int(float64(width) * scale)
		height = int(float64(height) * scale)
	}

	maxPixels := maxImageTokens * tokenDivisor
	if width*height > maxPixels {
		scale := math.Sqrt(float64(maxPixels) / float64(width*height))
		width = int(float64(width) * scale)
		height = int(float64(height) * scale)
	}

	return int(math.Ceil(float64(width*height) / tokenDivisor))
}

// EstimatePDFTokens estimates the token cost of a PDF with the given page
// count, at the documented midpoint of 2000 tokens/page.
func EstimatePDFTokens(pages int) int {
	return pages * tokensPerPDFPage
}

// EstimateTokens estimates the total token count of a request payload:
// system prompt, tool schemas, and message history. Text is estimated at
// ~4 characters per token; each image or document with inline bytes adds a
// flat maxImageTokens (1600) instead of contributing to the character count.
// The dimension- and page-count estimates above are not applied here: an
// ImagePart carries no pixel dimensions and a DocumentPart no page count.
func EstimateTokens(messages []model.Message, system string, tools []model.ToolDefinition) int {
	chars := len(system)

	if len(tools) > 0 {
		if b, err := json.Marshal(tools); err == nil {
			chars += len(b)
		}
	}

	binaryTokens := 0
	for _, msg := range messages {
		for _, part := range msg.Parts {
			c, b := estimatePart(part)
			chars += c
			binaryTokens += b
		}
	}

	return chars/4 + binaryTokens
}

// estimatePart returns (character count contributed to the heuristic text
// estimate, binary token count) for one content part.
func estimatePart(p model.Part) (int, int) {
	switch v := p.(type) {
	case model.TextPart:
		return len(v.Text), 0
	case model.ThinkingPart:
		return len(v.Text), 0
	case model.ToolUsePart:
		b, _ := json.Marshal(v.Input)
		return len(v.Name) + len(b), 0
	case model.ToolResultPart:
		chars, bin := 0, 0
		for _, inner := range v.Content {
			c, b := estimatePart(inner)
			chars += c
			bin += b
		}
		return chars, bin
	case model.ServerToolUsePart:
		b, _ := json.Marshal(v.Input)
		return len(v.Name) + len(b), 0
	case model.ServerToolResultPart:
		b, _ := json.Marshal(v.Content)
		return len(v.Name) + len(b), 0
	case model.ImagePart:
		if len(v.Data) == 0 {
			return len(v.RefID) + len(v.RefURL), 0
		}
		// Inline image bytes: without decoding pixel dimensions we fall back
		// to the maximum per-image token cost, matching the original's
		// fallback branch in _tokens_for_binary for undecodable media.
		return 0, maxImageTokens
	case model.DocumentPart:
		if len(v.Data) == 0 {
			return len(v.Text) + len(v.RefID) + len(v.RefURL), 0
		}
		return 0, maxImageTokens
	default:
		return 0, 0
	}
}

// ModelTokenLimit returns the compaction threshold for model, set at ~80% of
// its context window, matching MODEL_TOKEN_LIMITS. Unrecognized models
// (including by substring match) fall back to the 160,000 default.
func ModelTokenLimit(modelName string) int {
	for key, limit := range modelTokenLimits {
		if key == modelName {
			return limit
		}
	}
	for key, limit := range modelTokenLimits {
		if key != "default" && contains(modelName, key) {
			return limit
		}
	}
	return modelTokenLimits["default"]
}

var modelTokenLimits = map[string]int{
	"claude-sonnet-4-5":  160_000,
	"claude-opus-4":      160_000,
	"claude-3-5-sonnet":  160_000,
	"claude-3-opus":      160_000,
	"claude-3-sonnet":    160_000,
	"claude-3-haiku":     160_000,
	"claude-3-5-haiku":   160_000,
	"default":            160_000,
}

func contains(haystack, needle string) bool {
	return len(needle) > 0 && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}

// ShouldCompact reports whether estimate has crossed limit. limit is
// ModelTokenLimit's return value, already set at ~80% of the model's real
// context window (spec §4.E) — comparing directly against it, with no
// further discount, is what makes that the effective trigger threshold.
func ShouldCompact(estimate, limit int) bool {
	return estimate > limit
}
