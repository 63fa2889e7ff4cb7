// Package redisstore implements storage's three adapter contracts on top of
// Redis via go-redis/v9: a config hash keyed by agent_uuid plus an
// updated_at-scored sorted-set index for List, a per-agent sorted set for
// the conversation transcript (scored by sequence number, assigned via
// INCR for atomicity), and a per-run list for the run log.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/agentrt/model"
	"goa.design/agentrt/storage"
)

const keyPrefix = "agentrt:"

func configKey(agentUUID string) string   { return keyPrefix + "config:" + agentUUID }
func configIndexKey() string              { return keyPrefix + "config:index" }
func convKey(agentUUID string) string     { return keyPrefix + "conv:" + agentUUID }
func convSeqKey(agentUUID string) string  { return keyPrefix + "conv:" + agentUUID + ":seq" }
func runLogKey(agentUUID, runID string) string {
	return fmt.Sprintf("%sruntlog:%s:%s", keyPrefix, agentUUID, runID)
}

// ConfigStore implements storage.ConfigStore on Redis.
type ConfigStore struct{ rdb *redis.Client }

// NewConfigStore wraps rdb as a storage.ConfigStore.
func NewConfigStore(rdb *redis.Client) *ConfigStore { return &ConfigStore{rdb: rdb} }

func (s *ConfigStore) Save(ctx context.Context, cfg storage.AgentConfig) error {
	if existing, err := s.Load(ctx, cfg.AgentUUID); err == nil && cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = existing.CreatedAt
	} else if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	cfg.UpdatedAt = time.Now()

	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("redisstore: marshal config: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, configKey(cfg.AgentUUID), b, 0)
	pipe.ZAdd(ctx, configIndexKey(), redis.Z{Score: float64(cfg.UpdatedAt.UnixNano()), Member: cfg.AgentUUID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *ConfigStore) Load(ctx context.Context, agentUUID string) (storage.AgentConfig, error) {
	b, err := s.rdb.Get(ctx, configKey(agentUUID)).Bytes()
	if err == redis.Nil {
		return storage.AgentConfig{}, storage.ErrConfigNotFound
	}
	if err != nil {
		return storage.AgentConfig{}, err
	}
	var cfg storage.AgentConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return storage.AgentConfig{}, fmt.Errorf("redisstore: unmarshal config: %w", err)
	}
	return cfg, nil
}

func (s *ConfigStore) Delete(ctx context.Context, agentUUID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, configKey(agentUUID))
	pipe.ZRem(ctx, configIndexKey(), agentUUID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *ConfigStore) SetTitle(ctx context.Context, agentUUID, title string) error {
	cfg, err := s.Load(ctx, agentUUID)
	if err != nil {
		return err
	}
	cfg.Title = title
	return s.Save(ctx, cfg)
}

func (s *ConfigStore) List(ctx context.Context) ([]storage.AgentConfig, error) {
	ids, err := s.rdb.ZRevRange(ctx, configIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.AgentConfig, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.Load(ctx, id)
		if err == storage.ErrConfigNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// ConversationStore implements storage.ConversationStore on Redis.
type ConversationStore struct{ rdb *redis.Client }

// NewConversationStore wraps rdb as a storage.ConversationStore.
func NewConversationStore(rdb *redis.Client) *ConversationStore { return &ConversationStore{rdb: rdb} }

func (s *ConversationStore) Save(ctx context.Context, agentUUID string, msg model.Message) (storage.ConversationRecord, error) {
	seq, err := s.rdb.Incr(ctx, convSeqKey(agentUUID)).Result()
	if err != nil {
		return storage.ConversationRecord{}, err
	}
	rec := storage.ConversationRecord{AgentUUID: agentUUID, Sequence: seq, Message: msg, CreatedAt: time.Now()}
	b, err := json.Marshal(rec)
	if err != nil {
		return storage.ConversationRecord{}, fmt.Errorf("redisstore: marshal record: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, convKey(agentUUID), redis.Z{Score: float64(seq), Member: b}).Err(); err != nil {
		return storage.ConversationRecord{}, err
	}
	return rec, nil
}

func (s *ConversationStore) LoadPage(ctx context.Context, agentUUID string, limit int) ([]storage.ConversationRecord, error) {
	return s.LoadRangeDesc(ctx, agentUUID, 0, limit)
}

func (s *ConversationStore) LoadCursor(ctx context.Context, agentUUID string, beforeSeq int64, limit int) ([]storage.ConversationRecord, bool, error) {
	max := "+inf"
	if beforeSeq > 0 {
		max = fmt.Sprintf("(%d", beforeSeq)
	}
	count := int64(limit)
	if count <= 0 {
		count = -1
	}
	members, err := s.rdb.ZRevRangeByScore(ctx, convKey(agentUUID), &redis.ZRangeBy{
		Min: "-inf", Max: max, Offset: 0, Count: count,
	}).Result()
	if err != nil {
		return nil, false, err
	}
	out := make([]storage.ConversationRecord, 0, len(members))
	for _, m := range members {
		var rec storage.ConversationRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, false, fmt.Errorf("redisstore: unmarshal record: %w", err)
		}
		out = append(out, rec)
	}

	hasMore := false
	if len(out) > 0 {
		oldestReturned := out[len(out)-1].Sequence
		remaining, err := s.rdb.ZCount(ctx, convKey(agentUUID), "-inf", fmt.Sprintf("(%d", oldestReturned)).Result()
		if err != nil {
			return nil, false, err
		}
		hasMore = remaining > 0
	}
	return out, hasMore, nil
}

// LoadRangeDesc is a helper used by LoadPage; exported for callers that want
// the raw newest-first range without cursor semantics.
func (s *ConversationStore) LoadRangeDesc(ctx context.Context, agentUUID string, offset, limit int) ([]storage.ConversationRecord, error) {
	count := int64(limit)
	if count <= 0 {
		count = -1
	}
	members, err := s.rdb.ZRevRangeByScore(ctx, convKey(agentUUID), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Offset: int64(offset), Count: count,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.ConversationRecord, 0, len(members))
	for _, m := range members {
		var rec storage.ConversationRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("redisstore: unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// RunLogStore implements storage.RunLogStore on Redis.
type RunLogStore struct{ rdb *redis.Client }

// NewRunLogStore wraps rdb as a storage.RunLogStore.
func NewRunLogStore(rdb *redis.Client) *RunLogStore { return &RunLogStore{rdb: rdb} }

func (s *RunLogStore) Save(ctx context.Context, line storage.RunLogLine) error {
	key := runLogKey(line.AgentUUID, line.RunID)
	if line.Seq == 0 {
		n, err := s.rdb.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		line.Seq = n + 1
	}
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now()
	}
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("redisstore: marshal run log line: %w", err)
	}
	return s.rdb.RPush(ctx, key, b).Err()
}

func (s *RunLogStore) Load(ctx context.Context, agentUUID, runID string) ([]storage.RunLogLine, error) {
	members, err := s.rdb.LRange(ctx, runLogKey(agentUUID, runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.RunLogLine, 0, len(members))
	for _, m := range members {
		var line storage.RunLogLine
		if err := json.Unmarshal([]byte(m), &line); err != nil {
			return nil, fmt.Errorf("redisstore: unmarshal run log line: %w", err)
		}
		out = append(out, line)
	}
	return out, nil
}
