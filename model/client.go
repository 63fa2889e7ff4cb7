package model

import "context"

// ToolDefinition is the wire shape of a tool as sent to the provider: the
// native form per spec §6. The tools package converts its richer
// tools.Descriptor down to this shape before building a Request.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolChoiceMode controls whether/how the model is nudged to call a tool.
type ToolChoiceMode string

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceNone ToolChoiceMode = "none"
	ToolChoiceAny  ToolChoiceMode = "any"
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice configures tool-use behavior for a Request. Nil means provider
// default (normally auto).
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // required when Mode == ToolChoiceTool
}

// Usage tracks per-step token consumption. CacheCreationTokens and
// CacheReadTokens are a subset of InputTokens by provider contract (spec §3
// invariant: InputTokens >= CacheCreationTokens + CacheReadTokens).
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// Request captures one call to a provider: a system prompt, the transcript,
// the tool schemas available this step, and per-call options.
type Request struct {
	Model        string
	System       string
	Messages     []Message
	Tools        []ToolDefinition
	ToolChoice   *ToolChoice
	MaxTokens    int
	Temperature  float64
	ThinkingTokens int
	// ServerTools is an opaque list passed through to the provider untouched
	// (web_search, code_execution, ...); the agent never interprets it.
	ServerTools []map[string]any
	// BetaHeaders is an opaque list of provider feature flags passed through.
	BetaHeaders []string
}

// Response is the fully assembled result of one step, whether obtained via
// streaming or not. StopReason is provider-specific but must be one of the
// values the agent core classifies in component H (end_turn, stop_sequence,
// max_tokens, tool_use, or an opaque "other" string for any remaining
// provider-specific terminal reason).
type Response struct {
	Message    Message
	Usage      Usage
	StopReason string
}

// Client is the Provider Client interface (component A). One implementation
// per provider (anthropic, bedrock, openai); the retrying driver and the
// agent core depend only on this interface.
type Client interface {
	// Stream starts a streaming call. The returned Streamer must be drained
	// to completion (Recv until io.EOF) and then closed.
	Stream(ctx context.Context, req Request) (Streamer, error)

	// CountTokens returns a best-effort input token estimate, or (0, false)
	// when the provider cannot or will not answer. A false result is never
	// retried by callers.
	CountTokens(ctx context.Context, req Request) (int, bool)
}

// Chunk is one normalized event emitted by a Streamer, the provider-facing
// counterpart of the string frames the formatter writes to a stream.Sink.
// Streamer emits these in provider order; the formatter (component B)
// subscribes to a Streamer and renders them into the wire shapes.
type Chunk struct {
	Type ChunkType

	// Index is the provider's content-block index; required for
	// ContentStart/Delta/Stop to track block lifecycle.
	Index int

	// BlockType names the content-block kind for ContentStart (text,
	// thinking, tool_use, server_tool_use, or a dynamic "*_tool_result").
	BlockType string

	Text          string // TextDelta, ThinkingDelta
	Signature     string // SignatureDelta
	ToolID        string // ContentStart for tool_use/server_tool_use
	ToolName      string
	ToolInputJSON string // InputJSONDelta, accumulated fragment

	ServerResultToolUseID string // ContentStart for *_tool_result
	ServerResultContent   any

	Usage      *Usage
	StopReason string // Stop

	Err error // Error
}

// ChunkType enumerates the Streamer event types the formatter understands.
// Mirrors the Anthropic-style event model (message_start/content_block_*
// /message_delta/message_stop/ping/error) collapsed to the subset that
// carries information (spec §4.B).
type ChunkType string

const (
	ChunkMessageStart   ChunkType = "message_start"
	ChunkContentStart   ChunkType = "content_block_start"
	ChunkTextDelta      ChunkType = "text_delta"
	ChunkThinkingDelta  ChunkType = "thinking_delta"
	ChunkSignatureDelta ChunkType = "signature_delta"
	ChunkInputJSONDelta ChunkType = "input_json_delta"
	ChunkContentStop    ChunkType = "content_block_stop"
	ChunkMessageDelta   ChunkType = "message_delta"
	ChunkMessageStop    ChunkType = "message_stop"
	ChunkPing           ChunkType = "ping"
	ChunkError          ChunkType = "error"
)

// Streamer delivers Chunks for one in-flight provider call.
type Streamer interface {
	// Recv returns the next Chunk. Returns (Chunk{}, io.EOF) when the
	// provider closes the stream normally.
	Recv() (Chunk, error)

	// Close releases the underlying connection. Idempotent.
	Close() error

	// FinalMessage returns the fully assembled message once Recv has
	// returned io.EOF. Calling it earlier is a programmer error.
	FinalMessage() (Response, error)
}

// Stop reasons the agent core (component H) classifies on. Providers map
// their own terminal reason strings onto these via their Client adapter.
const (
	StopEndTurn      = "end_turn"
	StopSequence     = "stop_sequence"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
)
