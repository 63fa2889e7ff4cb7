package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/agentrt/stream"
)

// metaInit is the envelope every step's chunk sequence opens with (spec
// §6's output chunk format): agent_uuid, model, run_id, and step_number.
// stream.Format has no notion of the agent/run identity it is being used
// for, so the agent core emits this frame itself, directly on the sink,
// before handing the stream over to the retrying driver.
type metaInit struct {
	AgentUUID string `json:"agent_uuid"`
	Model     string `json:"model"`
	RunID     string `json:"run_id"`
	Step      int    `json:"step_number"`
}

func sendMetaInit(ctx context.Context, shape stream.Shape, sink stream.Sink, m metaInit) error {
	switch shape {
	case stream.ShapeRaw:
		frame, err := json.Marshal(struct {
			Type string `json:"type"`
			metaInit
		}{Type: "meta_init", metaInit: m})
		if err != nil {
			return fmt.Errorf("agent: marshal meta_init: %w", err)
		}
		return sink.Send(ctx, string(frame))
	default:
		tag := fmt.Sprintf(`<meta-init agent_uuid=%q model=%q run_id=%q step_number="%d"></meta-init>`,
			m.AgentUUID, m.Model, m.RunID, m.Step)
		return sink.Send(ctx, tag)
	}
}

// pendingFrontendCallChunk renders the terminal chunk a paused step emits for
// each frontend tool_use block still waiting on a result (spec §6).
type pendingFrontendCallChunk struct {
	ToolUseID string         `json:"tool_use_id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

func sendAwaitingFrontend(ctx context.Context, shape stream.Shape, sink stream.Sink, pending []PendingFrontendCall) error {
	for _, p := range pending {
		c := pendingFrontendCallChunk{ToolUseID: p.ToolUseID, Name: p.Name, Input: p.Input}
		switch shape {
		case stream.ShapeRaw:
			frame, err := json.Marshal(struct {
				Type string `json:"type"`
				pendingFrontendCallChunk
			}{Type: "awaiting_frontend_tools", pendingFrontendCallChunk: c})
			if err != nil {
				return fmt.Errorf("agent: marshal awaiting_frontend_tools: %w", err)
			}
			if err := sink.Send(ctx, string(frame)); err != nil {
				return err
			}
		default:
			input, _ := json.Marshal(p.Input)
			tag := fmt.Sprintf(`<awaiting-frontend-tools tool_use_id=%q name=%q input=%q></awaiting-frontend-tools>`,
				p.ToolUseID, p.Name, string(input))
			if err := sink.Send(ctx, tag); err != nil {
				return err
			}
		}
	}
	return nil
}
