// Package policy implements a lightweight tool allow/block filter the agent
// core consults before building each step's tool schema list. Adapted from
// the teacher's features/policy/basic engine, narrowed to this runtime's
// flat per-step tool offering (the teacher's retry-hint/capability-budget
// machinery belonged to its multi-agent planner, which this runtime has no
// equivalent of).
package policy

import "strings"

// ToolMetadata is the subset of a tools.Descriptor the policy engine needs
// to decide admission, kept independent of the tools package to avoid an
// import cycle (tools may one day want to consult policy).
type ToolMetadata struct {
	Name string
	Tags []string
}

// Options configures Engine.
type Options struct {
	// AllowTags restricts admission to tools carrying one of these tags.
	// Empty means no tag filter.
	AllowTags []string
	// BlockTags excludes any tool carrying one of these tags.
	BlockTags []string
	// AllowTools explicitly allowlists tool names; when set, only these
	// names are admitted and AllowTags is ignored. BlockTools and BlockTags
	// still exclude a listed tool.
	AllowTools []string
	// BlockTools explicitly blocks tool names, taking precedence over
	// everything else.
	BlockTools []string
	// Label annotates the engine for run-log attribution; defaults to
	// "basic".
	Label string
}

// Engine decides, for a given step, which registered tools are offered to
// the model.
type Engine struct {
	allowTags  map[string]struct{}
	blockTags  map[string]struct{}
	allowTools map[string]struct{}
	blockTools map[string]struct{}
	label      string
}

// New builds an Engine from opts.
func New(opts Options) *Engine {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "basic"
	}
	return &Engine{
		allowTags:  toSet(opts.AllowTags),
		blockTags:  toSet(opts.BlockTags),
		allowTools: toSet(opts.AllowTools),
		blockTools: toSet(opts.BlockTools),
		label:      label,
	}
}

// Label identifies this engine for telemetry/run-log attribution.
func (e *Engine) Label() string { return e.label }

// Filter returns the subset of candidates this Engine admits, preserving
// order.
func (e *Engine) Filter(candidates []ToolMetadata) []ToolMetadata {
	out := make([]ToolMetadata, 0, len(candidates))
	for _, c := range candidates {
		if e.allowed(c) {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) allowed(meta ToolMetadata) bool {
	if len(e.blockTools) > 0 {
		if _, blocked := e.blockTools[meta.Name]; blocked {
			return false
		}
	}
	if len(e.blockTags) > 0 {
		for _, tag := range meta.Tags {
			if _, blocked := e.blockTags[tag]; blocked {
				return false
			}
		}
	}
	if len(e.allowTools) > 0 {
		_, ok := e.allowTools[meta.Name]
		return ok
	}
	if len(e.allowTags) > 0 {
		for _, tag := range meta.Tags {
			if _, ok := e.allowTags[tag]; ok {
				return true
			}
		}
		return false
	}
	return true
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
