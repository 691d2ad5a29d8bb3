package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nanobot-ai/nanobot/internal/providers"
)

// Registry maps tool names to implementations and dispatches calls. Failures
// surface as "Error: ..." strings, never as errors or panics, so the model
// contract stays flat.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any previous registration of the same name.
// The parameters schema is compiled once here; a malformed schema disables
// validation for that tool rather than rejecting it.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t

	if schema := compileSchema(name, t.Parameters()); schema != nil {
		r.schemas[name] = schema
	} else {
		delete(r.schemas, name)
	}
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions exports OpenAI-style function-tool descriptors. When allowed
// is non-nil, only the named tools are included, in allowed order.
func (r *Registry) Definitions(allowed []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.order
	if allowed != nil {
		names = allowed
	}

	var defs []providers.ToolDefinition
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute validates args and runs the named tool. All failure paths return
// a Result whose ForLLM text starts with "Error".
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (result *Result) {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("Error: Tool '%s' not found", name))
	}

	if schema != nil {
		if err := validateArgs(schema, args); err != nil {
			return ErrorResult(fmt.Sprintf("Error: invalid arguments for %s: %v", name, err))
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			result = ErrorResult(fmt.Sprintf("Error executing %s: %v", name, rec))
		}
	}()

	res := t.Execute(ctx, args)
	if res == nil {
		return ErrorResult(fmt.Sprintf("Error executing %s: tool returned no result", name))
	}
	if res.IsError && !strings.HasPrefix(res.ForLLM, "Error") {
		res.ForLLM = fmt.Sprintf("Error executing %s: %s", name, res.ForLLM)
	}
	return res
}

func compileSchema(name string, params map[string]interface{}) *jsonschema.Schema {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		slog.Warn("tool schema not serializable, skipping validation", "tool", name, "error", err)
		return nil
	}

	compiler := jsonschema.NewCompiler()
	url := "mem://tools/" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(data))); err != nil {
		slog.Warn("tool schema rejected, skipping validation", "tool", name, "error", err)
		return nil
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		slog.Warn("tool schema failed to compile, skipping validation", "tool", name, "error", err)
		return nil
	}
	return schema
}

func validateArgs(schema *jsonschema.Schema, args map[string]interface{}) error {
	// Round-trip through JSON so numbers and nested types take the shapes
	// the validator expects.
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%s", summarizeValidationError(err))
	}
	return nil
}

// summarizeValidationError flattens a jsonschema error tree into one line.
func summarizeValidationError(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaves := collectLeaves(ve)
	sort.Strings(leaves)
	return strings.Join(leaves, "; ")
}

func collectLeaves(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, collectLeaves(c)...)
	}
	return out
}
