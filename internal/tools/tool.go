// Package tools defines the agent's tool interface and the registry the
// orchestration loop executes tool calls against.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	jsonschema "github.com/swaggest/jsonschema-go"

	"github.com/ashita-ai/koe/internal/llm"
)

// ProgressFunc reports tool execution progress as a 0-100 percentage with an
// optional human-readable message. Implementations must tolerate nil.
type ProgressFunc func(percent int, message string)

// Tool is a capability the model can invoke during a turn.
type Tool interface {
	// Name returns the function name advertised to the model.
	Name() string

	// Description returns the prompt describing when to use the tool.
	Description() string

	// Schema returns the JSON schema for the tool's arguments.
	Schema() *jsonschema.Schema

	// Execute runs the tool. The returned value is JSON-marshaled and fed
	// back to the model as the tool result.
	Execute(ctx context.Context, args json.RawMessage, report ProgressFunc) (any, error)
}

// Registry holds the tools available to the agent, keyed by name.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	if t.Name() == "" {
		return fmt.Errorf("tools: tool name cannot be empty")
	}
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tools: tool %s already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether the named tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ChatTools returns the registry's tools as chat-completion definitions.
func (r *Registry) ChatTools() []llm.ChatTool {
	list := r.List()
	out := make([]llm.ChatTool, 0, len(list))
	for _, t := range list {
		out = append(out, llm.ChatTool{
			Type: "function",
			Function: llm.ChatToolFunction{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
	}
	return out
}

// mustSchema reflects a JSON schema from the given input struct. Schemas are
// built at startup from static types, so a reflection failure is a bug.
func mustSchema(input any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{}
	schema, err := reflector.Reflect(input)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema for %T: %v", input, err))
	}
	return &schema
}
