// Package tools implements the tool registry (component D): descriptor
// storage, native/function-call schema conversion, and dispatch with
// file-backend persistence of multimodal results.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentrt/filebackend"
	"goa.design/agentrt/model"
)

// Executor identifies where a tool runs.
type Executor string

const (
	// ExecutorBackend tools run in the agent process via Callable.
	ExecutorBackend Executor = "backend"

	// ExecutorFrontend tools are schema-only: the agent stashes the call
	// and pauses; the result arrives later via the agent's resume API.
	ExecutorFrontend Executor = "frontend"
)

// Result is what a Callable returns: either a single text body, or an
// ordered list of multimodal parts (text/image/document) to be relayed to
// the stream consumer as references while the API payload keeps base64
// content.
type Result struct {
	Text  string
	Parts []model.Part
}

// Callable is implemented by every backend tool.
type Callable interface {
	Execute(ctx context.Context, input map[string]any) (Result, error)
}

// ScopedToAgent is implemented by stateful tools that need to know which
// agent_uuid they are bound to. Replaces the source's duck-typed
// "set_agent_uuid" hook with an explicit interface (spec §9).
type ScopedToAgent interface {
	Bind(agentUUID string)
}

// Descriptor describes one registered tool: name, schema, executor
// location, and (for backend tools) the callable implementation.
type Descriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
	Executor    Executor

	// Callable is required when Executor == ExecutorBackend and must be nil
	// for ExecutorFrontend (frontend tools have no in-process callable).
	Callable Callable

	Tags []string

	// Idempotent marks the tool as transcript-idempotent: identical calls
	// (equal Name and Input) may be satisfied from a prior tool_result
	// already present in history instead of re-executed. See
	// FindPriorResult.
	Idempotent bool
}

// ErrDuplicateName is returned by Register/RegisterAll for a name already
// present in the registry.
var ErrDuplicateName = fmt.Errorf("tools: duplicate name")

// ErrFrontendCallable is returned by Register when a frontend descriptor
// carries a Callable.
var ErrFrontendCallable = fmt.Errorf("tools: frontend tool must not have a callable")

// ErrMissingCallable is returned by Register for a backend descriptor with
// no Callable.
var ErrMissingCallable = fmt.Errorf("tools: backend tool requires a callable")

// ErrInvalidInput is returned by Execute when a tool_use's input fails
// validation against the descriptor's InputSchema. The caller (component H)
// folds this into a tool_result{is_error: true} rather than aborting the
// run, same as any other tool failure.
var ErrInvalidInput = fmt.Errorf("tools: invalid input")

// Registry holds immutable tool descriptors keyed by name. Registration
// order is irrelevant; names are unique within a registry (spec §3's Tool
// Descriptor lifecycle).
type Registry struct {
	mu    sync.RWMutex
	byName map[string]Descriptor
	order  []string
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{byName: make(map[string]Descriptor)}
}

// Register adds d, enforcing a unique name.
func (r *Registry) Register(d Descriptor) error {
	if d.Executor == ExecutorFrontend && d.Callable != nil {
		return fmt.Errorf("%w: %s", ErrFrontendCallable, d.Name)
	}
	if d.Executor == ExecutorBackend && d.Callable == nil {
		return fmt.Errorf("%w: %s", ErrMissingCallable, d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, d.Name)
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// RegisterAll registers every descriptor, stopping at the first error.
func (r *Registry) RegisterAll(ds []Descriptor) error {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the descriptor for name, if registered.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Descriptors returns every registered descriptor in registration order, for
// callers (the per-step policy filter) that need more than Schemas exposes.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// BindAll calls Bind(agentUUID) on every registered Callable implementing
// ScopedToAgent. Must be called once when the agent is initialized (spec
// §4.D).
func (r *Registry) BindAll(agentUUID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if scoped, ok := r.byName[name].Callable.(ScopedToAgent); ok {
			scoped.Bind(agentUUID)
		}
	}
}

// SchemaFormat selects the wire shape returned by Schemas.
type SchemaFormat string

const (
	// SchemaNative is {name, description, input_schema}.
	SchemaNative SchemaFormat = "native"

	// SchemaFunctionCall wraps the native shape in OpenAI's
	// {type: "function", function: {name, description, parameters}}.
	SchemaFunctionCall SchemaFormat = "function-call"
)

// Schemas returns every registered tool's schema in the requested format, in
// registration order.
func (r *Registry) Schemas(format SchemaFormat) []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		d := r.byName[name]
		switch format {
		case SchemaFunctionCall:
			out = append(out, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        d.Name,
					"description": d.Description,
					"parameters":  d.InputSchema,
				},
			})
		default:
			out = append(out, map[string]any{
				"name":         d.Name,
				"description":  d.Description,
				"input_schema": d.InputSchema,
			})
		}
	}
	return out
}

// NativeFromFunctionCall converts a single function-call-shaped schema back
// to the native shape. Paired with Schemas(SchemaFunctionCall), the two
// conversions round-trip losslessly over {name, description,
// parameters/input_schema} (spec §6, §8).
func NativeFromFunctionCall(fc map[string]any) (map[string]any, error) {
	fn, ok := fc["function"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tools: function-call schema missing function object")
	}
	return map[string]any{
		"name":         fn["name"],
		"description":  fn["description"],
		"input_schema": fn["parameters"],
	}, nil
}

// FunctionCallFromNative converts a single native-shaped schema to the
// function-call shape.
func FunctionCallFromNative(native map[string]any) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        native["name"],
			"description": native["description"],
			"parameters":  native["input_schema"],
		},
	}
}

// ToProviderDefinitions flattens the registry's backend+frontend schemas
// into model.ToolDefinition values for a provider Request. Both executor
// kinds are offered to the model identically; only dispatch differs.
func (r *Registry) ToProviderDefinitions() []model.ToolDefinition {
	native := r.Schemas(SchemaNative)
	out := make([]model.ToolDefinition, 0, len(native))
	for _, n := range native {
		schema, _ := n["input_schema"].(map[string]any)
		out = append(out, model.ToolDefinition{
			Name:        n["name"].(string),
			Description: n["description"].(string),
			InputSchema: schema,
		})
	}
	return out
}

// Execute dispatches a backend tool call by name. On success it returns the
// result as content parts suitable for a ToolResultPart; multimodal parts
// carrying inline bytes are persisted through fb (when non-nil) and
// replaced with reference parts, with the original bytes retained in the
// returned parts for the API payload. Tool panics/errors never unwind past
// this call: any internal failure is converted to an error-string result
// with isError=true by the caller (component H), matching spec §4.D.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any, fb filebackend.Backend, agentUUID string) ([]model.Part, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("tools: unknown tool %q", name)
	}
	if d.Executor != ExecutorBackend {
		return nil, fmt.Errorf("tools: %q is not a backend tool", name)
	}

	if err := validateInput(d, input); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidInput, name, err)
	}

	res, err := safeExecute(ctx, d.Callable, input)
	if err != nil {
		return nil, err
	}

	if res.Text != "" && res.Parts == nil {
		return []model.Part{model.TextPart{Text: res.Text}}, nil
	}

	if fb == nil {
		return res.Parts, nil
	}
	return persistParts(ctx, fb, agentUUID, res.Parts)
}

// validateInput compiles d.InputSchema with jsonschema/v6 and validates
// input against it, mirroring the registry service's
// validatePayloadJSONAgainstSchema. A descriptor with no schema admits
// anything. Compilation happens on every call rather than once at
// registration time, trading a little CPU for a registry that never needs a
// separate "compiled schemas" cache kept in sync with Descriptor.InputSchema.
func validateInput(d Descriptor, input map[string]any) error {
	if len(d.InputSchema) == 0 {
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(d.Name+".json", d.InputSchema); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(d.Name + ".json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return schema.Validate(input)
}

// safeExecute recovers from a panicking Callable so a single misbehaving
// tool cannot abort the step loop.
func safeExecute(ctx context.Context, c Callable, input map[string]any) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tools: panic executing tool: %v", r)
		}
	}()
	return c.Execute(ctx, input)
}

func persistParts(ctx context.Context, fb filebackend.Backend, agentUUID string, parts []model.Part) ([]model.Part, error) {
	out := make([]model.Part, len(parts))
	for i, p := range parts {
		switch v := p.(type) {
		case model.ImagePart:
			if len(v.Data) == 0 {
				out[i] = v
				continue
			}
			meta, err := fb.Store(ctx, agentUUID, fmt.Sprintf("img-%d", i), "", v.MediaType, v.Data)
			if err != nil {
				return nil, fmt.Errorf("tools: persist image: %w", err)
			}
			v.RefID, v.RefURL = meta.FileID, meta.StorageLocation
			out[i] = v
		case model.DocumentPart:
			if len(v.Data) == 0 {
				out[i] = v
				continue
			}
			meta, err := fb.Store(ctx, agentUUID, fmt.Sprintf("doc-%d", i), v.Name, v.MediaType, v.Data)
			if err != nil {
				return nil, fmt.Errorf("tools: persist document: %w", err)
			}
			v.RefID, v.RefURL = meta.FileID, meta.StorageLocation
			out[i] = v
		default:
			out[i] = p
		}
	}
	return out, nil
}

// FindPriorResult returns the ToolResultPart already produced for an
// equal-input call to an idempotent tool earlier in history, grounded on
// the teacher's transcript-idempotency tag. Equality is byte-equal
// canonical JSON of the input map.
func FindPriorResult(history []model.Message, d Descriptor, call model.ToolUsePart) (model.ToolResultPart, bool) {
	if !d.Idempotent {
		return model.ToolResultPart{}, false
	}
	want, err := json.Marshal(call.Input)
	if err != nil {
		return model.ToolResultPart{}, false
	}

	var priorUseID string
	for _, msg := range history {
		for _, part := range msg.Parts {
			if tu, ok := part.(model.ToolUsePart); ok && tu.Name == call.Name {
				if got, err := json.Marshal(tu.Input); err == nil && string(got) == string(want) {
					priorUseID = tu.ID
				}
			}
		}
	}
	if priorUseID == "" {
		return model.ToolResultPart{}, false
	}
	for _, msg := range history {
		for _, part := range msg.Parts {
			if tr, ok := part.(model.ToolResultPart); ok && tr.ToolUseID == priorUseID {
				return tr, true
			}
		}
	}
	return model.ToolResultPart{}, false
}
