// Package tool defines the interface between the session store's agent
// loop and the external capabilities the assistant can invoke. Tool
// implementations live with the caller; this package only carries the
// contract and the registry that converts it to API shape.
package tool

import (
	"context"
	"encoding/json"
)

// Tool is the interface all tools must implement.
type Tool interface {
	// Name returns the tool name used in API calls.
	Name() string

	// Description returns a human-readable description of the tool.
	Description() string

	// InputSchema returns the JSON Schema for the tool's input. Type must
	// be "object".
	InputSchema() Schema

	// Execute runs the tool and returns its output as a string. The
	// caller truncates oversized outputs before storing them.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Schema is the JSON Schema for a tool's input parameters.
type Schema struct {
	Type       string                 `json:"type"`
	Properties map[string]PropertyDef `json:"properties"`
	Required   []string               `json:"required,omitempty"`
}

// PropertyDef defines a single property in a tool schema.
type PropertyDef struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// funcTool is a Tool implemented by a plain function.
type funcTool struct {
	name        string
	description string
	schema      Schema
	fn          func(context.Context, json.RawMessage) (string, error)
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.description }
func (t *funcTool) InputSchema() Schema { return t.schema }
func (t *funcTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	return t.fn(ctx, input)
}

// New creates a Tool from a function.
func New(name, description string, schema Schema, fn func(context.Context, json.RawMessage) (string, error)) Tool {
	return &funcTool{name: name, description: description, schema: schema, fn: fn}
}
