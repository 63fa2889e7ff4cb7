// Package inmem provides in-memory implementations of storage's three
// adapter contracts, for tests and local development. No durability across
// process restarts. Grounded on the teacher's runtime/agent/run/inmem and
// runtime/agent/runlog/inmem stores: map-backed, mutex-guarded, defensively
// copied on read and write.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/agentrt/model"
	"goa.design/agentrt/storage"
)

// ConfigStore implements storage.ConfigStore in memory.
type ConfigStore struct {
	mu      sync.RWMutex
	configs map[string]storage.AgentConfig
}

// NewConfigStore constructs an empty ConfigStore.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{configs: make(map[string]storage.AgentConfig)}
}

func (s *ConfigStore) Save(_ context.Context, cfg storage.AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.configs[cfg.AgentUUID]; ok && cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = existing.CreatedAt
	} else if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	s.configs[cfg.AgentUUID] = cfg
	return nil
}

func (s *ConfigStore) Load(_ context.Context, agentUUID string) (storage.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[agentUUID]
	if !ok {
		return storage.AgentConfig{}, storage.ErrConfigNotFound
	}
	return cfg, nil
}

func (s *ConfigStore) Delete(_ context.Context, agentUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, agentUUID)
	return nil
}

func (s *ConfigStore) SetTitle(_ context.Context, agentUUID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[agentUUID]
	if !ok {
		return storage.ErrConfigNotFound
	}
	cfg.Title = title
	cfg.UpdatedAt = time.Now()
	s.configs[agentUUID] = cfg
	return nil
}

func (s *ConfigStore) List(_ context.Context) ([]storage.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.AgentConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ConversationStore implements storage.ConversationStore in memory.
type ConversationStore struct {
	mu      sync.RWMutex
	records map[string][]storage.ConversationRecord // agentUUID -> ordered by sequence ascending
}

// NewConversationStore constructs an empty ConversationStore.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{records: make(map[string][]storage.ConversationRecord)}
}

func (s *ConversationStore) Save(_ context.Context, agentUUID string, msg model.Message) (storage.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.records[agentUUID]
	rec := storage.ConversationRecord{
		AgentUUID: agentUUID,
		Sequence:  int64(len(existing)) + 1,
		Message:   msg,
		CreatedAt: time.Now(),
	}
	s.records[agentUUID] = append(existing, rec)
	return rec, nil
}

func (s *ConversationStore) LoadPage(_ context.Context, agentUUID string, limit int) ([]storage.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.records[agentUUID]
	return newestFirst(all, limit), nil
}

func (s *ConversationStore) LoadCursor(_ context.Context, agentUUID string, beforeSeq int64, limit int) ([]storage.ConversationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.records[agentUUID]

	var eligible []storage.ConversationRecord
	if beforeSeq <= 0 {
		eligible = all
	} else {
		for _, r := range all {
			if r.Sequence < beforeSeq {
				eligible = append(eligible, r)
			}
		}
	}

	page := newestFirst(eligible, limit)
	hasMore := len(eligible) > len(page)
	return page, hasMore, nil
}

// newestFirst returns up to limit records from all, reversed to newest
// first. all must be stored in ascending-sequence order.
func newestFirst(all []storage.ConversationRecord, limit int) []storage.ConversationRecord {
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]storage.ConversationRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = all[len(all)-1-i]
	}
	return out
}

// RunLogStore implements storage.RunLogStore in memory.
type RunLogStore struct {
	mu    sync.RWMutex
	lines map[string][]storage.RunLogLine // agentUUID+"/"+runID -> ordered lines
}

// NewRunLogStore constructs an empty RunLogStore.
func NewRunLogStore() *RunLogStore {
	return &RunLogStore{lines: make(map[string][]storage.RunLogLine)}
}

func runLogKey(agentUUID, runID string) string { return agentUUID + "/" + runID }

func (s *RunLogStore) Save(_ context.Context, line storage.RunLogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runLogKey(line.AgentUUID, line.RunID)
	if line.Seq == 0 {
		line.Seq = int64(len(s.lines[key])) + 1
	}
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now()
	}
	s.lines[key] = append(s.lines[key], line)
	return nil
}

func (s *RunLogStore) Load(_ context.Context, agentUUID, runID string) ([]storage.RunLogLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lines := s.lines[runLogKey(agentUUID, runID)]
	out := make([]storage.RunLogLine, len(lines))
	copy(out, lines)
	return out, nil
}
