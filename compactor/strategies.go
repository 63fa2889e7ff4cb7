package compactor

import (
	"context"
	"fmt"

	"goa.design/agentrt/model"
)

// Kind names a built-in strategy, used for configuration selection (spec
// §6's compactor selector).
type Kind string

const (
	KindNone             Kind = "none"
	KindToolResultRemoval Kind = "tool_result_removal"
	KindSlidingWindow    Kind = "sliding_window"
	KindSummarizing      Kind = "summarizing"
)

// Info reports what a Strategy did, for the run log.
type Info struct {
	Strategy          Kind
	RemovedMessages    int
	RemovedToolResults int
	InsertedSummary    bool
	TokensBefore       int
	TokensAfter        int
}

// Strategy compacts history when it threatens to exceed budget. Compaction
// is a pure function of history (spec §3 invariant): no strategy may
// consult anything outside its arguments, and the result must never reorder
// messages it keeps, only remove or replace them (spec §8).
type Strategy interface {
	Compact(ctx context.Context, history []model.Message, system string, tools []model.ToolDefinition, modelName string, budget int) ([]model.Message, Info, error)
}

// None performs no compaction; it exists so "none" is a valid, always-legal
// configuration selection.
type None struct{}

func (None) Compact(_ context.Context, history []model.Message, system string, tools []model.ToolDefinition, modelName string, _ int) ([]model.Message, Info, error) {
	return history, Info{Strategy: KindNone, TokensBefore: EstimateTokens(history, system, tools), TokensAfter: EstimateTokens(history, system, tools)}, nil
}

// placeholderText replaces a removed tool_result body, per spec §8 scenario
// 6 ("replacing old tool_result bodies with a placeholder while preserving
// tool_use_id").
const placeholderText = "[tool result removed to fit context budget]"

// ToolResultRemoval replaces the oldest tool_result bodies with a
// placeholder, oldest first, stopping as soon as the estimate drops back
// under budget. tool_use_id linkage (spec §3 invariant) is always preserved;
// only the Content is replaced.
type ToolResultRemoval struct{}

func (ToolResultRemoval) Compact(_ context.Context, history []model.Message, system string, tools []model.ToolDefinition, modelName string, budget int) ([]model.Message, Info, error) {
	before := EstimateTokens(history, system, tools)
	out := make([]model.Message, len(history))
	copy(out, history)

	info := Info{Strategy: KindToolResultRemoval, TokensBefore: before}
	if before <= budget {
		info.TokensAfter = before
		return out, info, nil
	}

	for mi := range out {
		if EstimateTokens(out, system, tools) <= budget {
			break
		}
		msg := out[mi]
		parts := make([]model.Part, len(msg.Parts))
		copy(parts, msg.Parts)
		changed := false
		for pi, part := range parts {
			tr, ok := part.(model.ToolResultPart)
			if !ok || isPlaceholder(tr) {
				continue
			}
			parts[pi] = model.ToolResultPart{
				ToolUseID: tr.ToolUseID,
				IsError:   tr.IsError,
				Content:   []model.Part{model.TextPart{Text: placeholderText}},
			}
			info.RemovedToolResults++
			changed = true
		}
		if changed {
			out[mi] = model.Message{Role: msg.Role, Parts: parts}
		}
	}

	info.TokensAfter = EstimateTokens(out, system, tools)
	return out, info, nil
}

func isPlaceholder(tr model.ToolResultPart) bool {
	if len(tr.Content) != 1 {
		return false
	}
	tp, ok := tr.Content[0].(model.TextPart)
	return ok && tp.Text == placeholderText
}

// slidingWindowMarkerFormat is the short textual summary marker inserted at
// the cut point when SlidingWindow drops older messages (spec §4.E: "keeps
// the last N messages, inserting a short textual summary marker at the cut
// point"). It carries no real summary content — unlike Summarizing, which
// calls back into a model — just a legible note that older turns were
// dropped, so a reader of the compacted history (or the model itself) isn't
// left to wonder why the conversation appears to start mid-thread.
const slidingWindowMarkerFormat = "[%d earlier message(s) removed to fit context budget]"

// SlidingWindow keeps only the most recent KeepRecent messages, dropping the
// rest outright and inserting a marker message in their place. Prefix-
// preserving in the weak sense the invariant requires: the messages it
// keeps retain their original relative order, after the marker.
type SlidingWindow struct {
	KeepRecent int
}

func (s SlidingWindow) Compact(_ context.Context, history []model.Message, system string, tools []model.ToolDefinition, modelName string, budget int) ([]model.Message, Info, error) {
	before := EstimateTokens(history, system, tools)
	keep := s.KeepRecent
	if keep <= 0 {
		keep = 20
	}

	info := Info{Strategy: KindSlidingWindow, TokensBefore: before}
	if len(history) <= keep {
		info.TokensAfter = before
		return history, info, nil
	}

	removed := len(history) - keep
	kept := make([]model.Message, keep)
	copy(kept, history[removed:])
	info.RemovedMessages = removed

	marker := model.Message{
		Role:  model.RoleUser,
		Parts: []model.Part{model.TextPart{Text: fmt.Sprintf(slidingWindowMarkerFormat, removed)}},
	}
	withMarker := make([]model.Message, 0, keep+1)
	withMarker = append(withMarker, marker)
	withMarker = append(withMarker, kept...)

	if afterWithMarker := EstimateTokens(withMarker, system, tools); afterWithMarker <= before {
		info.InsertedSummary = true
		info.TokensAfter = afterWithMarker
		return withMarker, info, nil
	}

	// The marker would cost more than the cut itself freed up — only
	// possible when the dropped messages were tiny. Drop the marker rather
	// than violate the compactor's never-increases-the-estimate contract
	// (spec §8); the invariant binds harder than the marker's readability
	// benefit.
	info.TokensAfter = EstimateTokens(kept, system, tools)
	return kept, info, nil
}

// Summarizer collapses the given older messages into one short textual
// summary. Implementations typically call back into a provider Client with
// a dedicated summarization prompt; the compactor package has no opinion on
// how.
type Summarizer func(ctx context.Context, messages []model.Message) (string, error)

// Summarizing replaces the oldest messages beyond KeepRecent with a single
// synthetic summary message, produced by Summarizer, prepended to the kept
// tail. On Summarizer failure it falls back to SlidingWindow (spec §7:
// "compactor-failure -> log + fallback to identity + continue" — here
// "identity" means the strategy degrades to a simpler one rather than
// aborting the run, since dropping compaction entirely would leave the
// request over budget).
type Summarizing struct {
	Summarizer Summarizer
	KeepRecent int
}

func (s Summarizing) Compact(ctx context.Context, history []model.Message, system string, tools []model.ToolDefinition, modelName string, budget int) ([]model.Message, Info, error) {
	before := EstimateTokens(history, system, tools)
	keep := s.KeepRecent
	if keep <= 0 {
		keep = 20
	}

	info := Info{Strategy: KindSummarizing, TokensBefore: before}
	if len(history) <= keep || s.Summarizer == nil {
		info.TokensAfter = before
		return history, info, nil
	}

	older := history[:len(history)-keep]
	recent := history[len(history)-keep:]

	summary, err := s.Summarizer(ctx, older)
	if err != nil {
		fallback := SlidingWindow{KeepRecent: keep}
		return fallback.Compact(ctx, history, system, tools, modelName, budget)
	}

	out := make([]model.Message, 0, len(recent)+1)
	out = append(out, model.Message{
		Role:  model.RoleUser,
		Parts: []model.Part{model.TextPart{Text: fmt.Sprintf("[conversation summary]\n%s", summary)}},
	})
	out = append(out, recent...)

	info.RemovedMessages = len(older)
	info.InsertedSummary = true
	info.TokensAfter = EstimateTokens(out, system, tools)
	return out, info, nil
}

// ForKind returns the named built-in Strategy. Summarizing requires a
// Summarizer to be set by the caller afterward; ForKind returns it with a
// nil Summarizer (which degrades to a no-op, matching None).
func ForKind(k Kind, keepRecent int) (Strategy, error) {
	switch k {
	case KindNone, "":
		return None{}, nil
	case KindToolResultRemoval:
		return ToolResultRemoval{}, nil
	case KindSlidingWindow:
		return SlidingWindow{KeepRecent: keepRecent}, nil
	case KindSummarizing:
		return Summarizing{KeepRecent: keepRecent}, nil
	default:
		return nil, fmt.Errorf("compactor: unknown strategy %q", k)
	}
}
