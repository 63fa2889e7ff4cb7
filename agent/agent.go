// Package agent implements the agent core (component H): the deterministic
// step loop that ties the provider client, retrying driver, stream
// formatter, tool registry, compactor, policy engine, memory store, and
// storage adapters together into one resumable run. Grounded on the
// teacher's runtime/agent/runtime/runtime.go step loop (workflow_loop.go,
// tool_calls.go, workflow_await.go), collapsed from its Temporal-workflow
// shape down to a single in-process call since this runtime has no
// durable-workflow-engine dependency (spec §9's redesign note: the
// original's Temporal-backed planner loop becomes a plain Go loop backed by
// the storage package's pluggable adapters instead).
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"goa.design/agentrt/compactor"
	"goa.design/agentrt/filebackend"
	"goa.design/agentrt/memory"
	"goa.design/agentrt/model"
	"goa.design/agentrt/policy"
	"goa.design/agentrt/pricing"
	"goa.design/agentrt/retry"
	"goa.design/agentrt/storage"
	"goa.design/agentrt/stream"
	"goa.design/agentrt/telemetry"
	"goa.design/agentrt/tools"
)

// ErrBusy is returned by Run when the agent instance is already mid-run;
// spec §5 requires at most one in-flight stream per agent instance.
var ErrBusy = errors.New("agent: already running")

// ErrNotAwaitingFrontend is returned by Resume when the agent has no paused
// run to resume.
var ErrNotAwaitingFrontend = errors.New("agent: no run awaiting frontend tool results")

// ErrResultMismatch is returned by Resume when the supplied tool results do
// not exactly match the set of pending frontend tool_use ids (spec §4.H's
// AwaitingFrontend validation: count and id set must match exactly).
var ErrResultMismatch = errors.New("agent: tool results do not match pending frontend tool_use ids")

// Deps collects the agent core's wired dependencies. Client, Tools,
// ConfigStore, ConversationStore and RunLogStore are required. Logger,
// Metrics and Tracer default to no-ops, Shape to xml and Policy to an engine
// with no filters; FileBackend, Summarizer and Pricing may be left nil.
type Deps struct {
	Client      model.Client
	Tools       *tools.Registry
	Policy      *policy.Engine
	FileBackend filebackend.Backend

	ConfigStore       storage.ConfigStore
	ConversationStore storage.ConversationStore
	RunLogStore       storage.RunLogStore

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	// Shape selects the stream chunk wire format for every Run/Resume call.
	Shape stream.Shape

	// Summarizer backs the "summarizing" compaction strategy, if configured.
	// Left nil, Summarizing returns history unchanged (compactor package
	// behavior).
	Summarizer compactor.Summarizer

	// Pricing, if set, makes every RunResult carry a Cost breakdown computed
	// over the run's per-step model.Usage (spec §9's supplementary cost
	// reporting). Left nil, RunResult.Cost is always nil and no pricing
	// lookup is attempted.
	Pricing *pricing.Table
}

// PendingFrontendCall describes one frontend tool_use block a paused run is
// waiting on.
type PendingFrontendCall struct {
	ToolUseID string
	Name      string
	Input     map[string]any
}

// RunResult summarizes the outcome of a Run or Resume call.
type RunResult struct {
	RunID      string
	AgentUUID  string
	State      State
	StopFlag   StopFlag
	Steps      int
	StopReason string

	// Pending is populated when State == AwaitingFrontend.
	Pending []PendingFrontendCall

	// Cost is populated when Deps.Pricing is set and the run's model is
	// known to the table; nil otherwise.
	Cost *pricing.Breakdown
}

// pendingPause captures everything Resume needs to continue a paused run:
// the tool_use blocks the step produced (in original order) and the backend
// results already computed for the backend-executed subset. The working
// history is not carried here — it is reloaded from ConversationStore at
// Resume time, since every message through the paused step was already
// persisted by step(); this is what lets a pendingPause reconstructed from a
// persisted RelayState (pauseFromRelayState) resume exactly like one that
// never left memory.
type pendingPause struct {
	runID string
	step  int
	usage []model.Usage

	toolUse        []model.ToolUsePart
	backendResults map[string]model.ToolResultPart
	frontendIDs    map[string]struct{}
}

// Agent runs one configured agent's step loop. An Agent is safe for
// concurrent use: a Run call made while the instance is not idle returns
// ErrBusy instead of waiting, and Resume returns ErrNotAwaitingFrontend
// unless a run is paused (spec §5 — at most one in-flight stream per agent
// instance); the internal mutex guards only the state. Independent Agent
// instances never share mutable state beyond the storage adapters they were
// built with.
type Agent struct {
	deps Deps
	cfg  storage.AgentConfig

	retryDriver *retry.Driver
	policyEng   *policy.Engine
	memoryStore memory.Store
	compactor   compactor.Strategy

	runMu  sync.Mutex
	state  State
	paused *pendingPause
}

// New constructs an Agent from a persisted AgentConfig and its wired
// dependencies. cfg.Compactor and cfg.MemoryStore select the compaction
// strategy and memory hook via compactor.ForKind / memory.ForKind; an
// unrecognized name is an error at construction time rather than at first
// use.
func New(cfg storage.AgentConfig, deps Deps) (*Agent, error) {
	if cfg.AgentUUID == "" {
		return nil, fmt.Errorf("agent: AgentUUID is required")
	}
	if deps.Client == nil || deps.Tools == nil || deps.ConfigStore == nil ||
		deps.ConversationStore == nil || deps.RunLogStore == nil {
		return nil, fmt.Errorf("agent: Client, Tools, ConfigStore, ConversationStore, and RunLogStore are required")
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewNoopTracer()
	}
	if deps.Shape == "" {
		deps.Shape = stream.ShapeXML
	}
	if deps.Policy == nil {
		deps.Policy = policy.New(policy.Options{})
	}

	keepRecent := 20
	strategy, err := compactor.ForKind(compactor.Kind(cfg.Compactor), keepRecent)
	if err != nil {
		return nil, err
	}
	if s, ok := strategy.(compactor.Summarizing); ok {
		s.Summarizer = deps.Summarizer
		strategy = s
	}

	memStore, err := memory.ForKind(cfg.MemoryStore)
	if err != nil {
		return nil, err
	}

	retryCfg := retry.Config{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.BaseDelay}
	if retryCfg.MaxRetries <= 0 || retryCfg.BaseDelay <= 0 {
		d := retry.DefaultConfig()
		if retryCfg.MaxRetries <= 0 {
			retryCfg.MaxRetries = d.MaxRetries
		}
		if retryCfg.BaseDelay <= 0 {
			retryCfg.BaseDelay = d.BaseDelay
		}
	}

	a := &Agent{
		deps:        deps,
		cfg:         cfg,
		policyEng:   deps.Policy,
		memoryStore: memStore,
		compactor:   strategy,
		state:       Idle,
	}
	a.retryDriver = &retry.Driver{Config: retryCfg, OnRetry: a.onRetry}

	// A persisted relay state with Awaiting set means some earlier Agent
	// instance (possibly this one, before a restart) paused mid-run on a
	// frontend tool call and never observed a matching Resume. Reconstruct
	// that pause now so this instance's State() and a later Resume behave
	// identically to the instance that created it (spec §8 scenario 3).
	if cfg.Relay.Awaiting {
		a.state = AwaitingFrontend
		a.paused = pauseFromRelayState(cfg.Relay)
	}

	deps.Tools.BindAll(cfg.AgentUUID)

	return a, nil
}

// State reports the agent's current phase. Safe for concurrent use.
func (a *Agent) State() State {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.state
}

// Run starts a new run: optionally persists userMessage, then executes the
// step loop until the run is Done, Failed, or paused in AwaitingFrontend.
// Formatted chunks are written to sink as each step streams; sink.Close is
// never called by Run (the caller owns the sink's lifecycle across
// possible future Resume calls).
func (a *Agent) Run(ctx context.Context, sink stream.Sink, userMessage *model.Message) (RunResult, error) {
	a.runMu.Lock()
	if a.state != Idle {
		a.runMu.Unlock()
		return RunResult{}, ErrBusy
	}
	a.state = Preparing
	a.runMu.Unlock()

	history, err := a.loadHistory(ctx)
	if err != nil {
		a.setState(Idle)
		return RunResult{}, err
	}

	if userMessage != nil {
		if _, err := a.deps.ConversationStore.Save(ctx, a.cfg.AgentUUID, *userMessage); err != nil {
			a.setState(Idle)
			return RunResult{}, fmt.Errorf("agent: persist user message: %w", err)
		}
		history = append(history, *userMessage)
	}

	rs := runState{runID: uuid.NewString(), history: history}
	return a.loop(ctx, sink, rs)
}

// Resume supplies results for every pending frontend tool_use id of a
// paused run and continues the step loop. results must contain exactly one
// ToolResultPart per pending frontend call (order-independent; matched by
// ToolUseID) — spec §4.H's AwaitingFrontend validation.
func (a *Agent) Resume(ctx context.Context, sink stream.Sink, results []model.ToolResultPart) (RunResult, error) {
	a.runMu.Lock()
	if a.state != AwaitingFrontend || a.paused == nil {
		a.runMu.Unlock()
		return RunResult{}, ErrNotAwaitingFrontend
	}
	paused := a.paused
	a.paused = nil
	a.state = ToolDispatching
	a.runMu.Unlock()

	merged, err := mergeToolResults(paused, results)
	if err != nil {
		a.runMu.Lock()
		a.state = AwaitingFrontend
		a.paused = paused
		a.runMu.Unlock()
		return RunResult{}, err
	}

	resultMsg := model.Message{Role: model.RoleUser, Parts: merged}
	if _, err := a.deps.ConversationStore.Save(ctx, a.cfg.AgentUUID, resultMsg); err != nil {
		a.runMu.Lock()
		a.state = AwaitingFrontend
		a.paused = paused
		a.runMu.Unlock()
		return RunResult{}, fmt.Errorf("agent: persist tool results: %w", err)
	}

	// Reload rather than reuse an in-memory history: every message through
	// the paused step, plus the merge just saved above, is already in
	// ConversationStore, so this is correct whether paused came from this
	// same run or was reconstructed from a persisted RelayState.
	history, err := a.loadHistory(ctx)
	if err != nil {
		a.runMu.Lock()
		a.state = AwaitingFrontend
		a.paused = paused
		a.runMu.Unlock()
		return RunResult{}, err
	}

	runID := paused.runID
	if runID == "" {
		// A reconstructed pause has no claim on the original run's identity
		// (spec §8 scenario 3: the fresh instance observes the same pending
		// state, not the same run), so the resumed continuation mints one.
		runID = uuid.NewString()
	}

	// The pause is resolved: clear the persisted relay state immediately so
	// a crash between here and the run's next checkpoint can't replay a
	// stale AwaitingFrontend.
	a.persistConfig(ctx, paused.step, storage.RelayState{})

	rs := runState{runID: runID, history: history, step: paused.step, usage: paused.usage}
	return a.loop(ctx, sink, rs)
}

// runState is the agent's working copy of the transcript and step counter
// for one Run/Resume call. It is never shared across Agent instances.
type runState struct {
	runID   string
	history []model.Message
	step    int
	usage   []model.Usage
}

func (a *Agent) loop(ctx context.Context, sink stream.Sink, rs runState) (RunResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			a.logRun(ctx, rs.runID, "run_cancelled", 0, "", "", "", 0, nil)
			a.setState(Idle)
			return RunResult{RunID: rs.runID, AgentUUID: a.cfg.AgentUUID, State: Done, StopFlag: StopFlagCancelled, Steps: rs.step, Cost: a.costOf(rs.usage)}, err
		}
		if rs.step >= a.cfg.MaxSteps && a.cfg.MaxSteps > 0 {
			a.logRun(ctx, rs.runID, "max_steps_reached", rs.step, "", "", "", 0, nil)
			a.setState(Idle)
			return RunResult{RunID: rs.runID, AgentUUID: a.cfg.AgentUUID, State: Done, StopFlag: StopFlagMaxSteps, Steps: rs.step, Cost: a.costOf(rs.usage)}, nil
		}
		rs.step++

		outcome, next, err := a.step(ctx, sink, rs)
		if err != nil {
			a.logRun(ctx, rs.runID, "run_failed", rs.step, "", "", "", 0, map[string]any{"error": err.Error()})
			a.setState(Idle)
			return RunResult{RunID: rs.runID, AgentUUID: a.cfg.AgentUUID, State: Failed, Steps: rs.step, Cost: a.costOf(next.usage)}, err
		}

		switch outcome.kind {
		case outcomeContinue:
			rs = next
			continue
		case outcomePaused:
			a.runMu.Lock()
			a.state = AwaitingFrontend
			a.paused = outcome.pause
			a.runMu.Unlock()
			_ = sendAwaitingFrontend(ctx, a.deps.Shape, sink, outcome.pending)
			return RunResult{RunID: rs.runID, AgentUUID: a.cfg.AgentUUID, State: AwaitingFrontend, Steps: rs.step, Pending: outcome.pending, Cost: a.costOf(next.usage)}, nil
		case outcomeDone:
			a.logRun(ctx, rs.runID, "run_completed", rs.step, "", "", "", 0, map[string]any{"stop_reason": outcome.stopReason})
			a.setState(Idle)
			return RunResult{RunID: rs.runID, AgentUUID: a.cfg.AgentUUID, State: Done, StopFlag: outcome.stopFlag, Steps: rs.step, StopReason: outcome.stopReason, Cost: a.costOf(next.usage)}, nil
		}
	}
}

// costOf computes a cost breakdown over usage via the configured pricing
// table, if any. An unknown model or no table configured yields nil rather
// than an error: cost reporting is supplementary and must never fail a run.
func (a *Agent) costOf(usage []model.Usage) *pricing.Breakdown {
	if a.deps.Pricing == nil || len(usage) == 0 {
		return nil
	}
	b, err := a.deps.Pricing.Calculate(usage, a.cfg.Model)
	if err != nil {
		return nil
	}
	return &b
}

func (a *Agent) setState(s State) {
	a.runMu.Lock()
	a.state = s
	a.runMu.Unlock()
}

// persistConfig writes the agent's run counter and relay state to the
// ConfigStore, keeping a.cfg in sync so a fresh Agent built later with the
// same AgentUUID observes identical pending state (spec §4.H steps 5-6,
// §8 scenario 3). Called at the end of every step, with a zero RelayState
// once no pause is in effect. Persist failures are logged, not propagated,
// the same trade-off logRun makes for the run log: config persistence here
// is a durability convenience atop the authoritative ConversationStore
// records, not itself a correctness requirement of the in-memory run.
func (a *Agent) persistConfig(ctx context.Context, step int, relay storage.RelayState) {
	a.cfg.RunCounter = step
	a.cfg.Relay = relay
	if err := a.deps.ConfigStore.Save(ctx, a.cfg); err != nil {
		a.deps.Logger.Error(ctx, "failed to persist agent config", "err", err)
	}
}

func (a *Agent) loadHistory(ctx context.Context) ([]model.Message, error) {
	records, _, err := a.deps.ConversationStore.LoadCursor(ctx, a.cfg.AgentUUID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("agent: load history: %w", err)
	}
	out := make([]model.Message, len(records))
	for i, rec := range records {
		out[len(records)-1-i] = rec.Message
	}
	return out, nil
}

func (a *Agent) onRetry(ev retry.Event) {
	a.deps.Logger.Warn(context.Background(), "provider stream retry", "kind", ev.Kind, "attempt", ev.Attempt, "delay", ev.Delay.String())
	a.deps.Metrics.IncCounter("agent.retry", 1, "kind", string(ev.Kind))
}

func (a *Agent) logRun(ctx context.Context, runID, typ string, step int, toolName, toolUseID string, errKind model.ErrorKind, delaySeconds float64, details map[string]any) {
	line := storage.RunLogLine{
		AgentUUID:    a.cfg.AgentUUID,
		RunID:        runID,
		Type:         typ,
		Step:         step,
		ToolName:     toolName,
		ToolUseID:    toolUseID,
		ErrorKind:    errKind,
		DelaySeconds: delaySeconds,
		Details:      details,
	}
	if err := a.deps.RunLogStore.Save(ctx, line); err != nil {
		a.deps.Logger.Error(ctx, "failed to append run log line", "type", typ, "err", err)
	}
}

// relayStateFromPause converts an in-memory pendingPause into the persisted
// RelayState shape (spec §4.H step 5, §GLOSSARY's "Relay state").
func relayStateFromPause(p *pendingPause) storage.RelayState {
	toolUse := make([]storage.PendingToolCall, len(p.toolUse))
	for i, tu := range p.toolUse {
		toolUse[i] = storage.PendingToolCall{ToolUseID: tu.ID, Name: tu.Name, Input: tu.Input}
	}
	backend := make([]storage.ToolResultRecord, 0, len(p.backendResults))
	for id, r := range p.backendResults {
		backend = append(backend, storage.ToolResultRecord{ToolUseID: id, IsError: r.IsError, Content: r.Content})
	}
	frontend := make([]string, 0, len(p.frontendIDs))
	for id := range p.frontendIDs {
		frontend = append(frontend, id)
	}
	return storage.RelayState{
		Awaiting:           true,
		CurrentStep:        p.step,
		ToolUse:            toolUse,
		BackendResults:     backend,
		PendingFrontendIDs: frontend,
	}
}

// pauseFromRelayState reconstructs a pendingPause from a persisted
// RelayState. The reconstructed pause carries no runID: an Agent instance
// that observes a pause it did not itself create has no claim on the
// original run's identity, so Resume mints a fresh one.
func pauseFromRelayState(r storage.RelayState) *pendingPause {
	toolUse := make([]model.ToolUsePart, len(r.ToolUse))
	for i, t := range r.ToolUse {
		toolUse[i] = model.ToolUsePart{ID: t.ToolUseID, Name: t.Name, Input: t.Input}
	}
	backend := make(map[string]model.ToolResultPart, len(r.BackendResults))
	for _, rec := range r.BackendResults {
		backend[rec.ToolUseID] = model.ToolResultPart{ToolUseID: rec.ToolUseID, IsError: rec.IsError, Content: rec.Content}
	}
	frontend := make(map[string]struct{}, len(r.PendingFrontendIDs))
	for _, id := range r.PendingFrontendIDs {
		frontend[id] = struct{}{}
	}
	return &pendingPause{
		step:           r.CurrentStep,
		toolUse:        toolUse,
		backendResults: backend,
		frontendIDs:    frontend,
	}
}

// mergeToolResults validates that results covers exactly paused's pending
// frontend ids, then returns the step's complete ordered tool_result parts:
// backend results interleaved with the newly supplied frontend results, in
// the original tool_use order (spec §4.H: "order-independent merge
// preserving original tool_use order").
func mergeToolResults(paused *pendingPause, results []model.ToolResultPart) ([]model.Part, error) {
	if len(results) != len(paused.frontendIDs) {
		return nil, ErrResultMismatch
	}
	byID := make(map[string]model.ToolResultPart, len(results))
	for _, r := range results {
		if _, ok := paused.frontendIDs[r.ToolUseID]; !ok {
			return nil, ErrResultMismatch
		}
		byID[r.ToolUseID] = r
	}
	if len(byID) != len(paused.frontendIDs) {
		return nil, ErrResultMismatch
	}

	out := make([]model.Part, 0, len(paused.toolUse))
	for _, tu := range paused.toolUse {
		if r, ok := paused.backendResults[tu.ID]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, byID[tu.ID])
	}
	return out, nil
}
