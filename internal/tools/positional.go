package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// BindPayload converts a raw action payload into JSON input for the tool.
//
// JSON object payloads are canonical and pass through untouched. For
// legacy colon-separated positional payloads the descriptor's Positional
// field order applies: the payload splits on ':' into at most
// len(Positional) parts, the last field absorbing the remainder, so
// content containing ':' survives.
func BindPayload(desc Descriptor, payload string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return nil, fmt.Errorf("payload for %s is not a JSON object: %w", desc.Name, err)
		}
		return json.RawMessage(trimmed), nil
	}

	if len(desc.Positional) == 0 {
		// Single-field fallback: the whole payload is the lone schema
		// property when there is exactly one, otherwise it is opaque.
		props, err := schemaProperties(desc.InputSchema)
		if err == nil && len(props) == 1 {
			for name, typ := range props {
				return encodeFields(desc.Name, []string{name}, []string{payload}, map[string]string{name: typ})
			}
		}
		return nil, fmt.Errorf("tool %s declares no positional payload form", desc.Name)
	}

	parts := strings.SplitN(payload, ":", len(desc.Positional))
	props, _ := schemaProperties(desc.InputSchema)
	return encodeFields(desc.Name, desc.Positional, parts, props)
}

func encodeFields(tool string, names, parts []string, types map[string]string) (json.RawMessage, error) {
	obj := make(map[string]any, len(parts))
	for i, part := range parts {
		if i >= len(names) {
			break
		}
		name := names[i]
		obj[name] = coerce(part, types[name])
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", tool, err)
	}
	return b, nil
}

// coerce converts a positional string field to the schema's declared type.
// Unparseable values stay as strings and fail schema validation later,
// which produces a clearer error than a silent zero.
func coerce(value, typ string) any {
	v := strings.TrimSpace(value)
	switch typ {
	case "integer":
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	case "number":
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return value
}

// schemaProperties extracts property name -> declared type from a JSON
// schema object.
func schemaProperties(schema json.RawMessage) (map[string]string, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	var decoded struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &decoded); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(decoded.Properties))
	for name, prop := range decoded.Properties {
		out[name] = prop.Type
	}
	return out, nil
}
