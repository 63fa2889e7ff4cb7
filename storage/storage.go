// Package storage defines the storage adapter contracts (component F):
// independently pluggable Config, Conversation, and RunLog stores. Each
// interface mirrors the Mongo-backed contracts in the teacher's
// runtime/agent/{session,run,runlog} packages, narrowed to the spec's
// config/conversation/run-log shapes instead of the teacher's
// session/run-metadata shapes.
package storage

import (
	"context"
	"errors"
	"time"

	"goa.design/agentrt/model"
)

// AgentConfig is the persisted form of an agent's configuration (spec §3's
// Agent Config entity). AgentUUID is immutable once created (spec §3
// invariant 1). RunCounter and Relay are updated at the end of every step
// (spec §3's Config lifecycle, §4.H step 6) so that a fresh Agent built via
// New with the same AgentUUID observes the same pending state as the
// instance that paused (spec §8 scenario 3).
type AgentConfig struct {
	AgentUUID      string
	Title          string
	Model          string
	SystemPrompt   string
	MaxSteps       int
	MaxTokens      int
	ThinkingTokens int
	MaxRetries     int
	BaseDelay      time.Duration
	Formatter      string // "xml" | "raw"
	Compactor      string
	MemoryStore    string
	ServerTools    []map[string]any
	BetaHeaders    []string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// RunCounter is the step number last persisted at the end of a step
	// (spec §3's "run counter" field).
	RunCounter int

	// Relay is the checkpoint needed to resume a paused run from a fresh
	// Agent instance (spec §3's "relay state" field, §GLOSSARY's "Relay
	// state" entry). Relay.Awaiting is false outside of AwaitingFrontend.
	Relay RelayState
}

// PendingToolCall is a serializable {tool_use_id, name, input} descriptor —
// the wire/storage shape of a tool_use block awaiting dispatch or relay
// (spec §4.H step 5).
type PendingToolCall struct {
	ToolUseID string
	Name      string
	Input     map[string]any
}

// ToolResultRecord is a serializable tool_result block, keyed by the
// tool_use_id it answers.
type ToolResultRecord struct {
	ToolUseID string
	IsError   bool
	Content   []model.Part
}

// RelayState is the minimal checkpoint needed to pause the agent across an
// off-process frontend tool call and resume it later, from any Agent
// instance constructed with the same AgentUUID (spec §GLOSSARY's "Relay
// state", §4.H steps 5-6 and §8 scenario 3).
type RelayState struct {
	// Awaiting is true exactly when the agent is paused in AwaitingFrontend.
	Awaiting bool

	// CurrentStep is the step number that produced the pause.
	CurrentStep int

	// ToolUse is every tool_use block the paused step's assistant message
	// produced, in original order, so resume can rebuild the merged
	// tool_result message in that same order.
	ToolUse []PendingToolCall

	// BackendResults holds the already-computed backend tool_result
	// records for the ToolUse ids that were backend-executed before the
	// pause.
	BackendResults []ToolResultRecord

	// PendingFrontendIDs names the ToolUse ids still awaiting a frontend
	// result via Resume.
	PendingFrontendIDs []string
}

// ErrConfigNotFound indicates no AgentConfig exists for the given UUID.
var ErrConfigNotFound = errors.New("storage: config not found")

// ConfigStore persists AgentConfig records.
type ConfigStore interface {
	// Save inserts or overwrites cfg, keyed by cfg.AgentUUID. Implementations
	// set UpdatedAt to the current time; CreatedAt is preserved on overwrite.
	Save(ctx context.Context, cfg AgentConfig) error

	// Load returns the config for agentUUID, or ErrConfigNotFound.
	Load(ctx context.Context, agentUUID string) (AgentConfig, error)

	// Delete removes the config for agentUUID. Idempotent.
	Delete(ctx context.Context, agentUUID string) error

	// SetTitle updates only the Title and UpdatedAt fields.
	SetTitle(ctx context.Context, agentUUID, title string) error

	// List returns every config, sorted by UpdatedAt descending.
	List(ctx context.Context) ([]AgentConfig, error)
}

// ConversationRecord is one persisted message in an agent's transcript, keyed
// by (AgentUUID, Sequence) — the natural conversation-record key (spec §6).
type ConversationRecord struct {
	AgentUUID string
	Sequence  int64
	Message   model.Message
	CreatedAt time.Time
}

// ErrNoSuchAgent indicates a ConversationStore or RunLogStore operation
// targeted an agent_uuid with no records.
var ErrNoSuchAgent = errors.New("storage: no records for agent")

// ConversationStore persists the per-agent message transcript. Sequence
// numbers are strictly increasing with no gaps per agent_uuid (spec §3
// invariant 4); Save assigns the next sequence atomically.
type ConversationStore interface {
	// Save appends msg to agentUUID's transcript, auto-assigning the next
	// strictly-increasing sequence number, and returns the stored record.
	Save(ctx context.Context, agentUUID string, msg model.Message) (ConversationRecord, error)

	// LoadPage returns up to limit records for agentUUID, newest first.
	LoadPage(ctx context.Context, agentUUID string, limit int) ([]ConversationRecord, error)

	// LoadCursor returns up to limit records with Sequence < beforeSeq (or
	// all records when beforeSeq <= 0), newest first, plus whether more
	// records remain beyond the returned page.
	LoadCursor(ctx context.Context, agentUUID string, beforeSeq int64, limit int) ([]ConversationRecord, bool, error)
}

// RunLogLine is one immutable line in an agent's run log, matching spec
// §6's minimum schema: {ts,type,step?,tool_name?,tool_use_id?,error_kind?,
// delay_seconds?,details?}.
type RunLogLine struct {
	AgentUUID    string
	RunID        string
	Seq          int64
	Timestamp    time.Time
	Type         string
	Step         int
	ToolName     string
	ToolUseID    string
	ErrorKind    model.ErrorKind
	DelaySeconds float64
	Details      map[string]any
}

// RunLogStore persists the append-only run log for one run of one agent.
type RunLogStore interface {
	// Save appends line. Implementations assign Seq when zero.
	Save(ctx context.Context, line RunLogLine) error

	// Load returns every line for (agentUUID, runID) in append order.
	Load(ctx context.Context, agentUUID, runID string) ([]RunLogLine, error)
}
