// Package tools provides the tool registry and dispatcher. Tools are
// registered with a JSON-schema'd descriptor and executed with per-tool
// timeouts; failures are materialized as results, never panics or raised
// errors across the dispatcher boundary.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SideEffect classifies what a tool touches. Side-effect-free results
// can be re-derived by rerunning the tool, so the context window trims
// them ahead of mutation records.
type SideEffect string

const (
	// SideEffectNone marks pure read-only tools (searches, lookups).
	SideEffectNone SideEffect = "none"

	// SideEffectWorkspace marks tools that mutate the workspace.
	SideEffectWorkspace SideEffect = "workspace"

	// SideEffectExternal marks tools reaching outside the workspace
	// (network, sub-agents).
	SideEffectExternal SideEffect = "external"
)

// Handler executes a tool with decoded input. Returning an error marks the
// result as failed; the dispatcher converts it into a structured result.
type Handler func(ctx context.Context, input map[string]any) (string, error)

// Descriptor declares a tool's contract.
type Descriptor struct {
	// Name uniquely identifies the tool.
	Name string `json:"name"`

	// Description is shown to the model for tool selection.
	Description string `json:"description"`

	// InputSchema is the JSON schema validated before dispatch.
	InputSchema json.RawMessage `json:"input_schema"`

	// Positional lists schema property names in legacy colon-payload
	// order. The last listed field absorbs any remaining delimiters, so
	// payloads containing ':' survive the shim.
	Positional []string `json:"positional,omitempty"`

	// Timeout overrides the dispatcher default. nil means use the
	// default; an explicit zero expires immediately.
	Timeout *time.Duration `json:"timeout_ms,omitempty"`

	// SideEffects classifies the tool for result categorization.
	SideEffects SideEffect `json:"side_effects,omitempty"`

	// Category groups tools for timeout overrides (e.g. "code").
	Category string `json:"category,omitempty"`
}

// Equal reports whether two descriptors declare the same contract.
// Registration of an identical descriptor is a no-op; a differing one
// under the same name is a conflict.
func (d Descriptor) Equal(other Descriptor) bool {
	if d.Name != other.Name ||
		d.Description != other.Description ||
		d.SideEffects != other.SideEffects ||
		d.Category != other.Category {
		return false
	}
	if (d.Timeout == nil) != (other.Timeout == nil) {
		return false
	}
	if d.Timeout != nil && *d.Timeout != *other.Timeout {
		return false
	}
	if len(d.Positional) != len(other.Positional) {
		return false
	}
	for i := range d.Positional {
		if d.Positional[i] != other.Positional[i] {
			return false
		}
	}
	return jsonEqual(d.InputSchema, other.InputSchema)
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return string(a) == string(b)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ac, _ := json.Marshal(av)
	bc, _ := json.Marshal(bv)
	return string(ac) == string(bc)
}

var schemaCache sync.Map

// compileSchema compiles and caches a JSON schema by its source text.
func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateInput checks raw JSON input against the descriptor's schema.
func (d Descriptor) ValidateInput(input json.RawMessage) error {
	if len(d.InputSchema) == 0 {
		return nil
	}
	schema, err := compileSchema(d.InputSchema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", d.Name, err)
	}
	var decoded any
	if len(input) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("decode input for %s: %w", d.Name, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("input invalid for %s: %w", d.Name, err)
	}
	return nil
}
