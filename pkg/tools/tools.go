// Package tools implements the typed tool-invoke contract AgentCore dispatches
// model tool calls against.
package tools

import (
	"context"

	"github.com/mzechner/agentrepl/pkg/message"
)

// Tool defines the interface all agent tools must implement. Execute returns
// content blocks rather than a bare value so results can carry text, images
// or structured data the same way a model turn's own output does.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any // Simple representation of JSON schema
	Execute(ctx context.Context, input map[string]any) ([]message.ContentBlock, error)
}

// Registry manages the available tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	var list []Tool
	for _, t := range r.tools {
		list = append(list, t)
	}
	return list
}

// Specs returns the registered tools as models.ToolSpec-shaped data, ready to
// hand to a Driver request. Kept here (rather than in pkg/models, which must
// not import pkg/tools) to avoid a import cycle between the two packages.
func (r *Registry) Specs() []ToolSpec {
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, ToolSpec{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return specs
}

// ToolSpec mirrors models.ToolSpec's shape; agentcore converts between the two.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}
