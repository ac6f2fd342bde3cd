package tool

import (
	"fmt"
	"sort"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// Registry holds the tools available to one agent and converts them to
// Anthropic tool parameters. The agent loop is single-threaded, so the
// registry is populated once at construction and read afterwards.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if schema := t.InputSchema(); schema.Type != "object" {
		return fmt.Errorf("tool %s: schema type must be 'object', got %q", name, schema.Type)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

// RegisterAll adds multiple tools.
func (r *Registry) RegisterAll(tools []Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, exists := r.tools[name]
	return t, exists
}

// Count returns the number of registered tools.
func (r *Registry) Count() int { return len(r.tools) }

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToAnthropicTools converts the registry to API tool parameters, in name
// order so the request payload is deterministic.
func (r *Registry) ToAnthropicTools() []anthropic.ToolUnionParam {
	unions := make([]anthropic.ToolUnionParam, 0, len(r.tools))
	for _, name := range r.Names() {
		param := r.convertTool(r.tools[name])
		unions = append(unions, anthropic.ToolUnionParam{OfTool: &param})
	}
	return unions
}

func (r *Registry) convertTool(t Tool) anthropic.ToolParam {
	schema := t.InputSchema()

	properties := make(map[string]any, len(schema.Properties))
	for propName, def := range schema.Properties {
		prop := map[string]any{"type": def.Type}
		if def.Description != "" {
			prop["description"] = def.Description
		}
		if len(def.Enum) > 0 {
			prop["enum"] = def.Enum
		}
		properties[propName] = prop
	}

	inputSchema := anthropic.ToolInputSchemaParam{
		Type:       constant.Object("object"),
		Properties: properties,
	}
	if len(schema.Required) > 0 {
		inputSchema.Required = schema.Required
	}

	return anthropic.ToolParam{
		Name:        t.Name(),
		Description: anthropic.String(t.Description()),
		InputSchema: inputSchema,
	}
}
