package tools

import (
	"context"
	"strings"
	"testing"
)

type fakeTool struct {
	name    string
	params  map[string]interface{}
	execute func(args map[string]interface{}) *Result
}

func (f *fakeTool) Name() string                       { return f.name }
func (f *fakeTool) Description() string                { return "fake tool" }
func (f *fakeTool) Parameters() map[string]interface{} { return f.params }
func (f *fakeTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	return f.execute(args)
}

func stringParam(name string) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			name: map[string]interface{}{"type": "string"},
		},
		"required": []string{name},
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "nope", nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if res.ForLLM != "Error: Tool 'nope' not found" {
		t.Errorf("message = %q", res.ForLLM)
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{
		name:   "echo",
		params: stringParam("text"),
		execute: func(args map[string]interface{}) *Result {
			return NewResult(args["text"].(string))
		},
	})

	res := r.Execute(context.Background(), "echo", map[string]interface{}{})
	if !res.IsError || !strings.HasPrefix(res.ForLLM, "Error: invalid arguments for echo") {
		t.Errorf("missing-arg result = %+v", res)
	}

	res = r.Execute(context.Background(), "echo", map[string]interface{}{"text": 42})
	if !res.IsError {
		t.Errorf("wrong-type result = %+v", res)
	}

	res = r.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	if res.IsError || res.ForLLM != "hi" {
		t.Errorf("valid-arg result = %+v", res)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{
		name:    "boom",
		execute: func(map[string]interface{}) *Result { panic("kaboom") },
	})

	res := r.Execute(context.Background(), "boom", nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(res.ForLLM, "Error executing boom") || !strings.Contains(res.ForLLM, "kaboom") {
		t.Errorf("message = %q", res.ForLLM)
	}
}

func TestDefinitionsShape(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "alpha", params: stringParam("a"), execute: func(map[string]interface{}) *Result { return NewResult("") }})
	r.Register(&fakeTool{name: "beta", params: stringParam("b"), execute: func(map[string]interface{}) *Result { return NewResult("") }})

	defs := r.Definitions(nil)
	if len(defs) != 2 {
		t.Fatalf("defs = %d", len(defs))
	}
	if defs[0].Type != "function" || defs[0].Function.Name != "alpha" {
		t.Errorf("defs[0] = %+v", defs[0])
	}

	// Allowed filter preserves allowed order and skips unknowns.
	defs = r.Definitions([]string{"beta", "missing", "alpha"})
	if len(defs) != 2 || defs[0].Function.Name != "beta" || defs[1].Function.Name != "alpha" {
		t.Errorf("filtered defs = %+v", defs)
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "gone", execute: func(map[string]interface{}) *Result { return NewResult("") }})
	r.Unregister("gone")
	if _, ok := r.Get("gone"); ok {
		t.Error("tool still registered")
	}
	if len(r.Names()) != 0 {
		t.Errorf("names = %v", r.Names())
	}
}
