package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"text": {"type": "string"}
	},
	"required": ["text"]
}`)

func echoDescriptor() Descriptor {
	return Descriptor{
		Name:        "echo",
		Description: "echoes text back",
		InputSchema: echoSchema,
		Positional:  []string{"text"},
	}
}

func echoHandler(_ context.Context, input map[string]any) (string, error) {
	text, _ := input["text"].(string)
	return text, nil
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(echoDescriptor(), echoHandler); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(echoDescriptor(), echoHandler); err != nil {
		t.Fatalf("identical re-Register should be a no-op, got: %v", err)
	}

	conflicting := echoDescriptor()
	conflicting.InputSchema = json.RawMessage(`{"type":"object","properties":{"other":{"type":"string"}}}`)
	err := r.Register(conflicting, echoHandler)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("conflicting Register = %v, want ErrConflict", err)
	}

	if got := len(r.List()); got != 1 {
		t.Errorf("List() has %d tools, want 1", got)
	}
}

func TestRegistry_SchemaFor(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoDescriptor(), echoHandler); err != nil {
		t.Fatal(err)
	}
	schema, err := r.SchemaFor("echo")
	if err != nil {
		t.Fatalf("SchemaFor: %v", err)
	}
	if !strings.Contains(string(schema), `"text"`) {
		t.Errorf("schema missing property: %s", schema)
	}
	if _, err := r.SchemaFor("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SchemaFor(missing) = %v, want ErrNotFound", err)
	}
}

func TestDispatcher_Execute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoDescriptor(), echoHandler); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, nil)

	res := d.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hello"}`))
	if !res.OK {
		t.Fatalf("Execute failed: %s", res.Err)
	}
	if res.Value != "hello" {
		t.Errorf("Value = %q, want hello", res.Value)
	}
}

func TestDispatcher_ValidationFailure(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoDescriptor(), echoHandler); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, nil)

	res := d.Execute(context.Background(), "echo", json.RawMessage(`{"text":42}`))
	if res.OK {
		t.Fatal("Execute should fail schema validation")
	}
	if res.TimedOut {
		t.Error("validation failure must not be marked timed out")
	}
}

func TestDispatcher_UnknownTool(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil)
	res := d.Execute(context.Background(), "nope", nil)
	if res.OK || !strings.Contains(res.Err, "tool not found") {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestDispatcher_ZeroTimeoutExpiresImmediately(t *testing.T) {
	r := NewRegistry()
	zero := time.Duration(0)
	desc := echoDescriptor()
	desc.Name = "slow"
	desc.Timeout = &zero
	invoked := false
	err := r.Register(desc, func(context.Context, map[string]any) (string, error) {
		invoked = true
		return "", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r, nil)
	res := d.Execute(context.Background(), "slow", json.RawMessage(`{"text":"x"}`))
	if !res.TimedOut {
		t.Fatalf("result = %+v, want timed_out", res)
	}
	if invoked {
		t.Error("handler must not run with a zero timeout")
	}
}

func TestDispatcher_TimeoutReturnsStructuredResult(t *testing.T) {
	r := NewRegistry()
	timeout := 20 * time.Millisecond
	desc := echoDescriptor()
	desc.Name = "hang"
	desc.Timeout = &timeout
	err := r.Register(desc, func(context.Context, map[string]any) (string, error) {
		// Ignores cancellation; the dispatcher must still return.
		time.Sleep(10 * time.Second)
		return "late", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r, nil)
	start := time.Now()
	res := d.Execute(context.Background(), "hang", json.RawMessage(`{"text":"x"}`))
	if !res.TimedOut || res.OK {
		t.Fatalf("result = %+v, want timed out failure", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("dispatcher blocked for %s waiting on a stuck tool", elapsed)
	}
	if !strings.Contains(res.Err, "timed out") {
		t.Errorf("Err = %q, want human-readable timeout", res.Err)
	}
}

func TestDispatcher_ShellExitError(t *testing.T) {
	r := NewRegistry()
	desc := echoDescriptor()
	desc.Name = "sh"
	err := r.Register(desc, func(context.Context, map[string]any) (string, error) {
		return "", NewExitError("partial out", "boom", 2)
	})
	if err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r, nil)
	res := d.Execute(context.Background(), "sh", json.RawMessage(`{"text":"x"}`))
	if res.OK {
		t.Fatal("non-zero exit must fail")
	}
	if res.ReturnCode != 2 {
		t.Errorf("ReturnCode = %d, want 2", res.ReturnCode)
	}

	var decoded ShellOutput
	if err := json.Unmarshal([]byte(res.Err), &decoded); err != nil {
		t.Fatalf("error payload is not the structured record: %q", res.Err)
	}
	if decoded.Stderr != "boom" || decoded.ReturnCode != 2 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDispatcher_PanicRecovered(t *testing.T) {
	r := NewRegistry()
	desc := echoDescriptor()
	desc.Name = "panics"
	err := r.Register(desc, func(context.Context, map[string]any) (string, error) {
		panic("kaboom")
	})
	if err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r, nil)
	res := d.Execute(context.Background(), "panics", json.RawMessage(`{"text":"x"}`))
	if res.OK {
		t.Fatal("panicking tool must fail")
	}
	if !strings.Contains(res.Err, "panicked") {
		t.Errorf("Err = %q", res.Err)
	}
}

func TestBindPayload(t *testing.T) {
	readDesc := Descriptor{
		Name: "enhanced_read",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"show_line_numbers": {"type": "boolean"},
				"max_lines": {"type": "integer"}
			}
		}`),
		Positional: []string{"path", "show_line_numbers", "max_lines"},
	}

	tests := []struct {
		name    string
		desc    Descriptor
		payload string
		want    map[string]any
		wantErr bool
	}{
		{
			name:    "colon positional with coercion",
			desc:    readDesc,
			payload: "/tmp/x.txt:true:10",
			want:    map[string]any{"path": "/tmp/x.txt", "show_line_numbers": true, "max_lines": float64(10)},
		},
		{
			name:    "json payload passes through",
			desc:    readDesc,
			payload: `{"path":"/tmp/y.txt","max_lines":5}`,
			want:    map[string]any{"path": "/tmp/y.txt", "max_lines": float64(5)},
		},
		{
			name: "last field absorbs delimiters",
			desc: Descriptor{
				Name: "enhanced_write",
				InputSchema: json.RawMessage(`{
					"type":"object",
					"properties":{"path":{"type":"string"},"content":{"type":"string"}}
				}`),
				Positional: []string{"path", "content"},
			},
			payload: "/tmp/f.txt:key: value: more",
			want:    map[string]any{"path": "/tmp/f.txt", "content": "key: value: more"},
		},
		{
			name:    "no positional form",
			desc:    Descriptor{Name: "opaque"},
			payload: "a:b",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := BindPayload(tt.desc, tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BindPayload: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatal(err)
			}
			for k, want := range tt.want {
				if got[k] != want {
					t.Errorf("field %s = %v (%T), want %v", k, got[k], got[k], want)
				}
			}
		})
	}
}
