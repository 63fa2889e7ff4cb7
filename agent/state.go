package agent

// State names one phase of the agent core's step loop (component H, spec
// §4.H). Every Run/Resume call transitions through a prefix of this
// sequence once per step, terminating in Done or Failed, or pausing in
// AwaitingFrontend.
type State string

const (
	// Idle is the state outside of any Run/Resume call, and the state the
	// agent reverts to once a run terminates (spec §7).
	Idle State = "idle"

	// Preparing covers the memory retrieve hook and request assembly.
	Preparing State = "preparing"

	// Streaming covers the retrying provider call and formatter drain.
	Streaming State = "streaming"

	// ToolDispatching covers backend execution and frontend stashing of
	// tool_use blocks from a tool_use-terminated step.
	ToolDispatching State = "tool_dispatching"

	// Compacting covers a compaction pass triggered by the token estimator.
	Compacting State = "compacting"

	// Persisting covers writing the step's new messages and run-log lines.
	Persisting State = "persisting"

	// AwaitingFrontend is the paused state: one or more frontend tool_use
	// blocks have no result yet and the caller must supply them via Resume.
	AwaitingFrontend State = "awaiting_frontend"

	// Done is a terminal success state (end_turn, stop_sequence, max_tokens,
	// max_steps exhaustion, or caller cancellation, which sets
	// StopFlagCancelled).
	Done State = "done"

	// Failed is a terminal failure state: a non-retryable or
	// retries-exhausted provider error, a storage write failure, or an
	// unrecognized stop reason.
	Failed State = "failed"
)

// StopFlag records why a Done run stopped, beyond the raw provider
// StopReason, for callers that need to distinguish a clean end_turn from a
// truncated max_tokens or max_steps response.
type StopFlag string

const (
	StopFlagNone       StopFlag = ""
	StopFlagMaxTokens  StopFlag = "max_tokens"
	StopFlagMaxSteps   StopFlag = "max_steps"
	StopFlagCancelled  StopFlag = "cancelled"
)
