package agent

import (
	"context"
	"fmt"

	"goa.design/agentrt/compactor"
	"goa.design/agentrt/model"
	"goa.design/agentrt/policy"
	"goa.design/agentrt/storage"
	"goa.design/agentrt/stream"
	"goa.design/agentrt/tools"
)

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomePaused
	outcomeDone
)

type stepOutcome struct {
	kind outcomeKind

	// outcomeDone fields.
	stopReason string
	stopFlag   StopFlag

	// outcomePaused fields.
	pause   *pendingPause
	pending []PendingFrontendCall
}

// step executes exactly one iteration of the loop: Preparing, optional
// Compacting, Streaming, and (on a tool_use stop) ToolDispatching. It
// returns the next runState when the loop should continue, or a terminal
// stepOutcome.
func (a *Agent) step(ctx context.Context, sink stream.Sink, rs runState) (stepOutcome, runState, error) {
	a.setState(Preparing)

	transient, err := a.memoryStore.Retrieve(ctx, a.cfg.AgentUUID)
	if err != nil {
		a.deps.Logger.Warn(ctx, "memory retrieve hook failed, continuing without transient context", "err", err)
		transient = nil
	}

	toolDefs := a.filteredToolDefs()

	history := rs.history
	if a.compactor != nil {
		estimate := compactor.EstimateTokens(history, a.cfg.SystemPrompt, toolDefs)
		limit := compactor.ModelTokenLimit(a.cfg.Model)
		if compactor.ShouldCompact(estimate, limit) {
			a.setState(Compacting)
			// Compact down to a reduced target, not back up to the trigger
			// threshold itself — otherwise a strategy that stops as soon as
			// it's under budget would stop at 100% of limit and immediately
			// re-trigger compaction next step (spec §8 scenario 6: limit 100
			// compacts to <=80, not <=100).
			budget := int(0.8 * float64(limit))
			compacted, info, cerr := a.compactor.Compact(ctx, history, a.cfg.SystemPrompt, toolDefs, a.cfg.Model, budget)
			if cerr != nil {
				a.deps.Logger.Warn(ctx, "compaction strategy failed, continuing uncompacted", "err", cerr)
			} else {
				history = compacted
				a.logRun(ctx, rs.runID, "compaction", rs.step, "", "", "", 0, map[string]any{
					"strategy":             string(info.Strategy),
					"removed_messages":     info.RemovedMessages,
					"removed_tool_results": info.RemovedToolResults,
					"inserted_summary":     info.InsertedSummary,
					"tokens_before":        info.TokensBefore,
					"tokens_after":         info.TokensAfter,
				})
			}
		}
	}
	rs.history = history

	req := model.Request{
		Model:          a.cfg.Model,
		System:         a.cfg.SystemPrompt,
		Messages:       append(append([]model.Message{}, history...), transient...),
		Tools:          toolDefs,
		MaxTokens:      a.cfg.MaxTokens,
		ThinkingTokens: a.cfg.ThinkingTokens,
		ServerTools:    a.cfg.ServerTools,
		BetaHeaders:    a.cfg.BetaHeaders,
	}

	a.setState(Streaming)
	if err := sendMetaInit(ctx, a.deps.Shape, sink, metaInit{
		AgentUUID: a.cfg.AgentUUID,
		Model:     a.cfg.Model,
		RunID:     rs.runID,
		Step:      rs.step,
	}); err != nil {
		return stepOutcome{}, rs, fmt.Errorf("agent: send meta_init: %w", err)
	}

	resp, err := a.retryDriver.Do(ctx, a.deps.Client, req, a.deps.Shape, sink)
	if err != nil {
		return stepOutcome{}, rs, fmt.Errorf("agent: provider stream: %w", err)
	}

	if _, err := a.deps.ConversationStore.Save(ctx, a.cfg.AgentUUID, resp.Message); err != nil {
		return stepOutcome{}, rs, fmt.Errorf("agent: persist assistant message: %w", err)
	}
	rs.history = append(rs.history, resp.Message)
	rs.usage = append(rs.usage, resp.Usage)
	a.logRun(ctx, rs.runID, "step_completed", rs.step, "", "", "", 0, map[string]any{
		"stop_reason":   resp.StopReason,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	})

	switch resp.StopReason {
	case model.StopEndTurn, model.StopSequence:
		a.persistConfig(ctx, rs.step, storage.RelayState{})
		return stepOutcome{kind: outcomeDone, stopReason: resp.StopReason, stopFlag: StopFlagNone}, rs, nil

	case model.StopMaxTokens:
		a.persistConfig(ctx, rs.step, storage.RelayState{})
		return stepOutcome{kind: outcomeDone, stopReason: resp.StopReason, stopFlag: StopFlagMaxTokens}, rs, nil

	case model.StopToolUse:
		return a.dispatchTools(ctx, rs, resp.Message)

	default:
		return stepOutcome{}, rs, fmt.Errorf("agent: unrecognized stop reason %q", resp.StopReason)
	}
}

// filteredToolDefs applies the policy engine to the registry's descriptors
// and returns the admitted subset as provider tool definitions, in
// registration order (spec §4.H step: "per-step tool offering filtering").
func (a *Agent) filteredToolDefs() []model.ToolDefinition {
	descriptors := a.deps.Tools.Descriptors()
	metas := make([]policy.ToolMetadata, len(descriptors))
	byName := make(map[string]tools.Descriptor, len(descriptors))
	for i, d := range descriptors {
		metas[i] = policy.ToolMetadata{Name: d.Name, Tags: d.Tags}
		byName[d.Name] = d
	}

	admitted := a.policyEng.Filter(metas)
	out := make([]model.ToolDefinition, 0, len(admitted))
	for _, m := range admitted {
		d := byName[m.Name]
		out = append(out, model.ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return out
}

// dispatchTools runs every backend tool_use block in assistantMsg, stashes
// every frontend one, and either continues the loop (all resolved) or
// pauses (spec §4.H's ToolDispatching state).
func (a *Agent) dispatchTools(ctx context.Context, rs runState, assistantMsg model.Message) (stepOutcome, runState, error) {
	a.setState(ToolDispatching)

	var toolUse []model.ToolUsePart
	for _, p := range assistantMsg.Parts {
		if tu, ok := p.(model.ToolUsePart); ok {
			toolUse = append(toolUse, tu)
		}
	}
	if len(toolUse) == 0 {
		// A tool_use stop reason with no tool_use block is treated as a
		// clean end of turn rather than an error (spec §7 favors folding
		// unexpected-but-harmless shapes back into a normal outcome).
		a.persistConfig(ctx, rs.step, storage.RelayState{})
		return stepOutcome{kind: outcomeDone, stopReason: model.StopToolUse, stopFlag: StopFlagNone}, rs, nil
	}

	backendResults := make(map[string]model.ToolResultPart, len(toolUse))
	frontendIDs := make(map[string]struct{})
	var pending []PendingFrontendCall

	for _, tu := range toolUse {
		d, ok := a.deps.Tools.Lookup(tu.Name)
		if !ok {
			backendResults[tu.ID] = errorResult(tu.ID, fmt.Sprintf("unknown tool %q", tu.Name))
			a.logRun(ctx, rs.runID, "tool_unknown", rs.step, tu.Name, tu.ID, "", 0, nil)
			continue
		}
		if d.Executor == tools.ExecutorFrontend {
			pending = append(pending, PendingFrontendCall{ToolUseID: tu.ID, Name: tu.Name, Input: tu.Input})
			frontendIDs[tu.ID] = struct{}{}
			continue
		}
		if prior, ok := tools.FindPriorResult(rs.history, d, tu); ok {
			backendResults[tu.ID] = prior
			continue
		}
		parts, err := a.deps.Tools.Execute(ctx, tu.Name, tu.Input, a.deps.FileBackend, a.cfg.AgentUUID)
		if err != nil {
			backendResults[tu.ID] = errorResult(tu.ID, err.Error())
			a.logRun(ctx, rs.runID, "tool_failed", rs.step, tu.Name, tu.ID, "", 0, map[string]any{"error": err.Error()})
			continue
		}
		backendResults[tu.ID] = model.ToolResultPart{ToolUseID: tu.ID, Content: parts}
		a.logRun(ctx, rs.runID, "tool_executed", rs.step, tu.Name, tu.ID, "", 0, nil)
	}

	if len(pending) > 0 {
		pause := &pendingPause{
			runID:          rs.runID,
			step:           rs.step,
			usage:          rs.usage,
			toolUse:        toolUse,
			backendResults: backendResults,
			frontendIDs:    frontendIDs,
		}
		a.persistConfig(ctx, rs.step, relayStateFromPause(pause))
		return stepOutcome{kind: outcomePaused, pause: pause, pending: pending}, rs, nil
	}

	parts := make([]model.Part, 0, len(toolUse))
	for _, tu := range toolUse {
		parts = append(parts, backendResults[tu.ID])
	}
	msg := model.Message{Role: model.RoleUser, Parts: parts}

	a.setState(Persisting)
	if _, err := a.deps.ConversationStore.Save(ctx, a.cfg.AgentUUID, msg); err != nil {
		return stepOutcome{}, rs, fmt.Errorf("agent: persist tool results: %w", err)
	}
	rs.history = append(rs.history, msg)

	a.persistConfig(ctx, rs.step, storage.RelayState{})
	return stepOutcome{kind: outcomeContinue}, rs, nil
}

func errorResult(toolUseID, message string) model.ToolResultPart {
	return model.ToolResultPart{
		ToolUseID: toolUseID,
		IsError:   true,
		Content:   []model.Part{model.TextPart{Text: message}},
	}
}
