// Package agent implements the Agent Loop: a single-threaded
// cooperative driver of a language-model conversation over the closed tool
// set, enforcing the workflow invariants, iteration caps, and
// repetition guard.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/llm"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/tools"
)

// ToolOutputLimit bounds how much of a tool's observation is sent back to
// the model, truncating from the middle with a warning marker.
type ToolOutputLimit struct {
	MaxChars int
}

// ToolExecResult is what executing one model-requested tool call produces.
type ToolExecResult struct {
	ToolName   string
	CallID     string
	Output     string
	FullOutput string
	IsError    bool

	// Fatal is set instead of Output when the failure must terminate the
	// run (infrastructure, not an agent-visible observation).
	Fatal error
}

type registeredTool struct {
	definition llm.ToolDefinition
	schema     *jsonschema.Schema
	limit      ToolOutputLimit
}

// Registry maps the six closed tool names onto their
// JSON-Schema argument shape and truncation policy, and dispatches calls
// into a tools.Layer.
type Registry struct {
	layer *tools.Layer
	defs  map[string]registeredTool
}

// NewRegistry builds the fixed tool registry bound to layer.
func NewRegistry(layer *tools.Layer) (*Registry, error) {
	r := &Registry{layer: layer, defs: map[string]registeredTool{}}
	for _, spec := range toolSpecs() {
		schema, err := compileSchema(spec.parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", spec.name, err)
		}
		r.defs[spec.name] = registeredTool{
			definition: llm.ToolDefinition{Name: spec.name, Description: spec.description, Parameters: spec.parameters},
			schema:     schema,
			limit:      spec.limit,
		}
	}
	return r, nil
}

// Definitions returns the tool catalog to advertise to the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(r.defs))
	for _, t := range r.defs {
		out = append(out, t.definition)
	}
	return out
}

// Execute validates a model tool call's arguments against the registered
// schema, extracts the single string argument the tools expect,
// and dispatches through the tool Layer.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCallData) ToolExecResult {
	callID := strings.TrimSpace(call.ID)
	if callID == "" {
		callID = "call_" + shortHash(call.Arguments)
	}

	t, ok := r.defs[call.Name]
	if !ok {
		return truncate(call.Name, callID, fmt.Sprintf("unknown tool: %s", call.Name), true, ToolOutputLimit{MaxChars: 2000})
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return truncate(call.Name, callID, fmt.Sprintf("invalid tool arguments JSON: %v", err), true, t.limit)
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.schema.Validate(args); err != nil {
		return truncate(call.Name, callID, fmt.Sprintf("tool args schema validation failed: %v", err), true, t.limit)
	}

	argument := stringArgument(call.Name, args)
	obs, err := r.layer.Invoke(ctx, call.Name, argument)
	if err != nil {
		// The layer only returns a Go error for failures that must end the
		// run; agent-visible failures come back as ERROR: observations.
		return ToolExecResult{ToolName: call.Name, CallID: callID, Fatal: err}
	}
	isErr := strings.HasPrefix(obs, "ERROR:")
	return truncate(call.Name, callID, obs, isErr, t.limit)
}

// stringArgument collapses a tool's JSON-Schema arguments object down to
// the single string argument the tool contract expects: write_file
// re-serializes {path, new_content} as JSON (its documented shape); every
// other tool takes its one declared parameter's raw value.
func stringArgument(name string, args map[string]any) string {
	switch name {
	case tools.WriteFile:
		b, _ := json.Marshal(args)
		return string(b)
	case tools.ReadFile:
		return fmt.Sprint(args["path"])
	case tools.ApplyPatch, tools.CriticReview:
		return fmt.Sprint(args["diff"])
	case tools.RunTests:
		if v, ok := args["selectors"]; ok {
			return fmt.Sprint(v)
		}
		return ""
	case tools.PlanTodo:
		return fmt.Sprint(args["plan"])
	default:
		b, _ := json.Marshal(args)
		return string(b)
	}
}

func truncate(toolName, callID, full string, isErr bool, lim ToolOutputLimit) ToolExecResult {
	out := full
	if lim.MaxChars > 0 && len(out) > lim.MaxChars {
		removed := len(out) - lim.MaxChars
		head := lim.MaxChars / 2
		tail := lim.MaxChars - head
		marker := fmt.Sprintf("\n\n[truncated: %d characters omitted from the middle]\n\n", removed)
		out = out[:head] + marker + out[len(out)-tail:]
	}
	return ToolExecResult{ToolName: toolName, CallID: callID, Output: out, FullOutput: full, IsError: isErr}
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func shortHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

type toolSpec struct {
	name        string
	description string
	parameters  map[string]any
	limit       ToolOutputLimit
}

func toolSpecs() []toolSpec {
	return []toolSpec{
		{
			name:        tools.ReadFile,
			description: "Read a file's contents from the repository.",
			parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
				"required":   []any{"path"},
			},
			limit: ToolOutputLimit{MaxChars: 50_000},
		},
		{
			name:        tools.WriteFile,
			description: "Overwrite a file's contents atomically.",
			parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":        map[string]any{"type": "string"},
					"new_content": map[string]any{"type": "string"},
				},
				"required": []any{"path", "new_content"},
			},
			limit: ToolOutputLimit{MaxChars: 2_000},
		},
		{
			name:        tools.ApplyPatch,
			description: "Apply a unified diff to the repository under safety review.",
			parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"diff": map[string]any{"type": "string"}},
				"required":   []any{"diff"},
			},
			limit: ToolOutputLimit{MaxChars: 4_000},
		},
		{
			name:        tools.RunTests,
			description: "Run the repository's test suite, optionally scoped to selectors.",
			parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"selectors": map[string]any{"type": "string"}},
			},
			limit: ToolOutputLimit{MaxChars: 20_000},
		},
		{
			name:        tools.CriticReview,
			description: "Ask the critic to review a unified diff without applying it.",
			parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"diff": map[string]any{"type": "string"}},
				"required":   []any{"diff"},
			},
			limit: ToolOutputLimit{MaxChars: 2_000},
		},
		{
			name:        tools.PlanTodo,
			description: "Record the next concrete step of the repair plan. Never the final action.",
			parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"plan": map[string]any{"type": "string"}},
				"required":   []any{"plan"},
			},
			limit: ToolOutputLimit{MaxChars: 1_000},
		},
	}
}
