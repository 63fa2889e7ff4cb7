// Package memory defines the memory store's retrieve hook (spec §4.H step
// 1): a pluggable source of transient context messages injected into a
// step's request without being added to durable history. Grounded on the
// teacher's memory.Store/memory.Reader pair (runtime/agent/memory,
// features/memory/mongo/store.go), narrowed from the teacher's
// event-sourced snapshot+append model to the single Retrieve call this
// runtime's config surface (AgentConfig.MemoryStore: "none"|"placeholder")
// actually needs. A durable, event-sourced backend (e.g. a Mongo-backed
// Store mirroring features/memory/mongo) is a natural future ForKind case;
// this package only ships the two built-ins spec §6 names.
package memory

import (
	"context"
	"fmt"

	"goa.design/agentrt/model"
)

// Store is consulted once per step, in the Preparing state, before the
// request is built. Messages it returns are appended to the request's
// transcript for that step only; the agent core never persists them to the
// ConversationStore and never adds them to the in-memory working history
// carried into subsequent steps.
type Store interface {
	Retrieve(ctx context.Context, agentUUID string) ([]model.Message, error)
}

// None is the "none" store: it injects nothing. The default when
// AgentConfig.MemoryStore is empty or "none".
type None struct{}

func (None) Retrieve(context.Context, string) ([]model.Message, error) { return nil, nil }

// Placeholder is the "placeholder" store: it injects a single fixed
// transient notice so callers can exercise the retrieve-hook wiring (step
// ordering, transient-vs-durable separation) before a real memory backend
// is wired in. It never errors and never reads agentUUID.
type Placeholder struct{}

func (Placeholder) Retrieve(context.Context, string) ([]model.Message, error) {
	return []model.Message{
		{
			Role:  model.RoleUser,
			Parts: []model.Part{model.TextPart{Text: "[memory] no durable memory backend configured; this is a transient placeholder context message"}},
		},
	}, nil
}

// ForKind returns the built-in Store named by kind ("" and "none" both map
// to None), mirroring compactor.ForKind's selector pattern.
func ForKind(kind string) (Store, error) {
	switch kind {
	case "", "none":
		return None{}, nil
	case "placeholder":
		return Placeholder{}, nil
	default:
		return nil, fmt.Errorf("memory: unknown store kind %q", kind)
	}
}
