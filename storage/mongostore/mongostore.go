// Package mongostore implements storage's three adapter contracts on top of
// MongoDB via the official v2 driver, grounded on the teacher's
// features/session/mongo and features/run/mongo clients: one collection per
// contract, upsert-by-natural-key semantics, and a dedicated sequence
// counter document for the conversation store's atomic sequence assignment.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/agentrt/model"
	"goa.design/agentrt/storage"
)

const (
	defaultConfigsCollection  = "agentrt_configs"
	defaultConvCollection     = "agentrt_conversations"
	defaultConvSeqCollection  = "agentrt_conversation_seq"
	defaultRunLogCollection   = "agentrt_run_log"
	defaultOpTimeout          = 5 * time.Second
)

// Options configures every mongostore adapter constructed against the same
// database.
type Options struct {
	Database string
	Timeout  time.Duration
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultOpTimeout
	}
	return o.Timeout
}

// ConfigStore implements storage.ConfigStore on MongoDB.
type ConfigStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// NewConfigStore builds a ConfigStore and ensures its unique index on
// agent_uuid.
func NewConfigStore(ctx context.Context, client *mongo.Client, opts Options) (*ConfigStore, error) {
	if client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	coll := client.Database(opts.Database).Collection(defaultConfigsCollection)
	idx := mongo.IndexModel{Keys: bson.D{{Key: "agent_uuid", Value: 1}}, Options: options.Index().SetUnique(true)}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, fmt.Errorf("mongostore: ensure config index: %w", err)
	}
	return &ConfigStore{coll: coll, timeout: opts.timeout()}, nil
}

type pendingToolCallDoc struct {
	ToolUseID string         `bson:"tool_use_id"`
	Name      string         `bson:"name"`
	Input     map[string]any `bson:"input,omitempty"`
}

type toolResultRecordDoc struct {
	ToolUseID string     `bson:"tool_use_id"`
	IsError   bool       `bson:"is_error,omitempty"`
	Content   []bson.Raw `bson:"content,omitempty"`
}

type relayStateDoc struct {
	Awaiting           bool                  `bson:"awaiting,omitempty"`
	CurrentStep        int                   `bson:"current_step,omitempty"`
	ToolUse            []pendingToolCallDoc  `bson:"tool_use,omitempty"`
	BackendResults     []toolResultRecordDoc `bson:"backend_results,omitempty"`
	PendingFrontendIDs []string              `bson:"pending_frontend_ids,omitempty"`
}

func toRelayStateDoc(r storage.RelayState) (relayStateDoc, error) {
	toolUse := make([]pendingToolCallDoc, len(r.ToolUse))
	for i, t := range r.ToolUse {
		toolUse[i] = pendingToolCallDoc{ToolUseID: t.ToolUseID, Name: t.Name, Input: t.Input}
	}
	results := make([]toolResultRecordDoc, len(r.BackendResults))
	for i, res := range r.BackendResults {
		content := make([]bson.Raw, len(res.Content))
		for j, part := range res.Content {
			raw, err := bson.Marshal(part)
			if err != nil {
				return relayStateDoc{}, fmt.Errorf("mongostore: marshal relay content: %w", err)
			}
			content[j] = raw
		}
		results[i] = toolResultRecordDoc{ToolUseID: res.ToolUseID, IsError: res.IsError, Content: content}
	}
	return relayStateDoc{
		Awaiting: r.Awaiting, CurrentStep: r.CurrentStep, ToolUse: toolUse,
		BackendResults: results, PendingFrontendIDs: r.PendingFrontendIDs,
	}, nil
}

func (d relayStateDoc) toRelayState() (storage.RelayState, error) {
	toolUse := make([]storage.PendingToolCall, len(d.ToolUse))
	for i, t := range d.ToolUse {
		toolUse[i] = storage.PendingToolCall{ToolUseID: t.ToolUseID, Name: t.Name, Input: t.Input}
	}
	results := make([]storage.ToolResultRecord, len(d.BackendResults))
	for i, res := range d.BackendResults {
		content := make([]model.Part, len(res.Content))
		for j, raw := range res.Content {
			if err := bson.Unmarshal(raw, &content[j]); err != nil {
				return storage.RelayState{}, fmt.Errorf("mongostore: unmarshal relay content: %w", err)
			}
		}
		results[i] = storage.ToolResultRecord{ToolUseID: res.ToolUseID, IsError: res.IsError, Content: content}
	}
	return storage.RelayState{
		Awaiting: d.Awaiting, CurrentStep: d.CurrentStep, ToolUse: toolUse,
		BackendResults: results, PendingFrontendIDs: d.PendingFrontendIDs,
	}, nil
}

type configDoc struct {
	AgentUUID      string           `bson:"agent_uuid"`
	Title          string           `bson:"title,omitempty"`
	Model          string           `bson:"model"`
	SystemPrompt   string           `bson:"system_prompt,omitempty"`
	MaxSteps       int              `bson:"max_steps"`
	MaxTokens      int              `bson:"max_tokens"`
	ThinkingTokens int              `bson:"thinking_tokens"`
	MaxRetries     int              `bson:"max_retries"`
	BaseDelayMS    int64            `bson:"base_delay_ms"`
	Formatter      string           `bson:"formatter"`
	Compactor      string           `bson:"compactor"`
	MemoryStore    string           `bson:"memory_store,omitempty"`
	ServerTools    []map[string]any `bson:"server_tools,omitempty"`
	BetaHeaders    []string         `bson:"beta_headers,omitempty"`
	CreatedAt      time.Time        `bson:"created_at"`
	UpdatedAt      time.Time        `bson:"updated_at"`
	RunCounter     int              `bson:"run_counter,omitempty"`
	Relay          relayStateDoc    `bson:"relay,omitempty"`
}

func toConfigDoc(cfg storage.AgentConfig) (configDoc, error) {
	relay, err := toRelayStateDoc(cfg.Relay)
	if err != nil {
		return configDoc{}, err
	}
	return configDoc{
		AgentUUID: cfg.AgentUUID, Title: cfg.Title, Model: cfg.Model, SystemPrompt: cfg.SystemPrompt,
		MaxSteps: cfg.MaxSteps, MaxTokens: cfg.MaxTokens, ThinkingTokens: cfg.ThinkingTokens,
		MaxRetries: cfg.MaxRetries, BaseDelayMS: cfg.BaseDelay.Milliseconds(), Formatter: cfg.Formatter,
		Compactor: cfg.Compactor, MemoryStore: cfg.MemoryStore, ServerTools: cfg.ServerTools,
		BetaHeaders: cfg.BetaHeaders, CreatedAt: cfg.CreatedAt.UTC(), UpdatedAt: cfg.UpdatedAt.UTC(),
		RunCounter: cfg.RunCounter, Relay: relay,
	}, nil
}

func (d configDoc) toAgentConfig() (storage.AgentConfig, error) {
	relay, err := d.Relay.toRelayState()
	if err != nil {
		return storage.AgentConfig{}, err
	}
	return storage.AgentConfig{
		AgentUUID: d.AgentUUID, Title: d.Title, Model: d.Model, SystemPrompt: d.SystemPrompt,
		MaxSteps: d.MaxSteps, MaxTokens: d.MaxTokens, ThinkingTokens: d.ThinkingTokens,
		MaxRetries: d.MaxRetries, BaseDelay: time.Duration(d.BaseDelayMS) * time.Millisecond,
		Formatter: d.Formatter, Compactor: d.Compactor, MemoryStore: d.MemoryStore,
		ServerTools: d.ServerTools, BetaHeaders: d.BetaHeaders, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
		RunCounter: d.RunCounter, Relay: relay,
	}, nil
}

func (s *ConfigStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *ConfigStore) Save(ctx context.Context, cfg storage.AgentConfig) error {
	existing, err := s.Load(ctx, cfg.AgentUUID)
	switch {
	case err == nil:
		if cfg.CreatedAt.IsZero() {
			cfg.CreatedAt = existing.CreatedAt
		}
	case errors.Is(err, storage.ErrConfigNotFound):
		if cfg.CreatedAt.IsZero() {
			cfg.CreatedAt = time.Now()
		}
	default:
		return err
	}
	cfg.UpdatedAt = time.Now()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc, err := toConfigDoc(cfg)
	if err != nil {
		return err
	}
	_, err = s.coll.UpdateOne(ctx,
		bson.M{"agent_uuid": cfg.AgentUUID},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true))
	return err
}

func (s *ConfigStore) Load(ctx context.Context, agentUUID string) (storage.AgentConfig, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc configDoc
	err := s.coll.FindOne(ctx, bson.M{"agent_uuid": agentUUID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.AgentConfig{}, storage.ErrConfigNotFound
	}
	if err != nil {
		return storage.AgentConfig{}, err
	}
	return doc.toAgentConfig()
}

func (s *ConfigStore) Delete(ctx context.Context, agentUUID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"agent_uuid": agentUUID})
	return err
}

func (s *ConfigStore) SetTitle(ctx context.Context, agentUUID, title string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"agent_uuid": agentUUID},
		bson.M{"$set": bson.M{"title": title, "updated_at": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrConfigNotFound
	}
	return nil
}

func (s *ConfigStore) List(ctx context.Context) ([]storage.AgentConfig, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []storage.AgentConfig
	for cur.Next(ctx) {
		var doc configDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		cfg, err := doc.toAgentConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, cur.Err()
}

// ConversationStore implements storage.ConversationStore on MongoDB.
// Sequence assignment uses findAndModify against a per-agent counter
// document so concurrent Save calls for the same agent_uuid never collide
// (spec's single-writer-per-agent_uuid contract still permits defensive
// atomicity at the store level).
type ConversationStore struct {
	records *mongo.Collection
	seqs    *mongo.Collection
	timeout time.Duration
}

// NewConversationStore builds a ConversationStore and ensures its indexes.
func NewConversationStore(ctx context.Context, client *mongo.Client, opts Options) (*ConversationStore, error) {
	if client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	db := client.Database(opts.Database)
	records := db.Collection(defaultConvCollection)
	seqs := db.Collection(defaultConvSeqCollection)
	idx := mongo.IndexModel{
		Keys:    bson.D{{Key: "agent_uuid", Value: 1}, {Key: "sequence", Value: -1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := records.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, fmt.Errorf("mongostore: ensure conversation index: %w", err)
	}
	return &ConversationStore{records: records, seqs: seqs, timeout: opts.timeout()}, nil
}

type convDoc struct {
	AgentUUID string    `bson:"agent_uuid"`
	Sequence  int64     `bson:"sequence"`
	Message   bson.Raw  `bson:"message"`
	CreatedAt time.Time `bson:"created_at"`
}

func (s *ConversationStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *ConversationStore) Save(ctx context.Context, agentUUID string, msg model.Message) (storage.ConversationRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var seqDoc struct {
		Next int64 `bson:"next"`
	}
	err := s.seqs.FindOneAndUpdate(ctx,
		bson.M{"_id": agentUUID},
		bson.M{"$inc": bson.M{"next": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&seqDoc)
	if err != nil {
		return storage.ConversationRecord{}, fmt.Errorf("mongostore: assign sequence: %w", err)
	}

	msgBytes, err := bson.Marshal(msg)
	if err != nil {
		return storage.ConversationRecord{}, fmt.Errorf("mongostore: marshal message: %w", err)
	}
	rec := storage.ConversationRecord{AgentUUID: agentUUID, Sequence: seqDoc.Next, Message: msg, CreatedAt: time.Now()}
	_, err = s.records.InsertOne(ctx, convDoc{
		AgentUUID: agentUUID, Sequence: seqDoc.Next, Message: msgBytes, CreatedAt: rec.CreatedAt.UTC(),
	})
	if err != nil {
		return storage.ConversationRecord{}, err
	}
	return rec, nil
}

func (s *ConversationStore) LoadPage(ctx context.Context, agentUUID string, limit int) ([]storage.ConversationRecord, error) {
	out, _, err := s.LoadCursor(ctx, agentUUID, 0, limit)
	return out, err
}

func (s *ConversationStore) LoadCursor(ctx context.Context, agentUUID string, beforeSeq int64, limit int) ([]storage.ConversationRecord, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"agent_uuid": agentUUID}
	if beforeSeq > 0 {
		filter["sequence"] = bson.M{"$lt": beforeSeq}
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "sequence", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit) + 1)
	}

	cur, err := s.records.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []convDoc
	for cur.Next(ctx) {
		var d convDoc
		if err := cur.Decode(&d); err != nil {
			return nil, false, err
		}
		docs = append(docs, d)
	}
	if err := cur.Err(); err != nil {
		return nil, false, err
	}

	hasMore := limit > 0 && len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	out := make([]storage.ConversationRecord, 0, len(docs))
	for _, d := range docs {
		var msg model.Message
		if err := bson.Unmarshal(d.Message, &msg); err != nil {
			return nil, false, fmt.Errorf("mongostore: unmarshal message: %w", err)
		}
		out = append(out, storage.ConversationRecord{
			AgentUUID: d.AgentUUID, Sequence: d.Sequence, Message: msg, CreatedAt: d.CreatedAt,
		})
	}
	return out, hasMore, nil
}

// RunLogStore implements storage.RunLogStore on MongoDB.
type RunLogStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// NewRunLogStore builds a RunLogStore and ensures its index.
func NewRunLogStore(ctx context.Context, client *mongo.Client, opts Options) (*RunLogStore, error) {
	if client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	coll := client.Database(opts.Database).Collection(defaultRunLogCollection)
	idx := mongo.IndexModel{Keys: bson.D{{Key: "agent_uuid", Value: 1}, {Key: "run_id", Value: 1}, {Key: "seq", Value: 1}}}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, fmt.Errorf("mongostore: ensure run log index: %w", err)
	}
	return &RunLogStore{coll: coll, timeout: opts.timeout()}, nil
}

type runLogDoc struct {
	AgentUUID    string         `bson:"agent_uuid"`
	RunID        string         `bson:"run_id"`
	Seq          int64          `bson:"seq"`
	Timestamp    time.Time      `bson:"ts"`
	Type         string         `bson:"type"`
	Step         int            `bson:"step,omitempty"`
	ToolName     string         `bson:"tool_name,omitempty"`
	ToolUseID    string         `bson:"tool_use_id,omitempty"`
	ErrorKind    string         `bson:"error_kind,omitempty"`
	DelaySeconds float64        `bson:"delay_seconds,omitempty"`
	Details      map[string]any `bson:"details,omitempty"`
}

func (s *RunLogStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RunLogStore) Save(ctx context.Context, line storage.RunLogLine) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if line.Seq == 0 {
		n, err := s.coll.CountDocuments(ctx, bson.M{"agent_uuid": line.AgentUUID, "run_id": line.RunID})
		if err != nil {
			return err
		}
		line.Seq = n + 1
	}
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now()
	}

	_, err := s.coll.InsertOne(ctx, runLogDoc{
		AgentUUID: line.AgentUUID, RunID: line.RunID, Seq: line.Seq, Timestamp: line.Timestamp.UTC(),
		Type: line.Type, Step: line.Step, ToolName: line.ToolName, ToolUseID: line.ToolUseID,
		ErrorKind: string(line.ErrorKind), DelaySeconds: line.DelaySeconds, Details: line.Details,
	})
	return err
}

func (s *RunLogStore) Load(ctx context.Context, agentUUID, runID string) ([]storage.RunLogLine, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx,
		bson.M{"agent_uuid": agentUUID, "run_id": runID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []storage.RunLogLine
	for cur.Next(ctx) {
		var d runLogDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, storage.RunLogLine{
			AgentUUID: d.AgentUUID, RunID: d.RunID, Seq: d.Seq, Timestamp: d.Timestamp, Type: d.Type,
			Step: d.Step, ToolName: d.ToolName, ToolUseID: d.ToolUseID, ErrorKind: model.ErrorKind(d.ErrorKind),
			DelaySeconds: d.DelaySeconds, Details: d.Details,
		})
	}
	return out, cur.Err()
}
