// Package pipeline implements the tool-call orchestrator: every agent tool
// call flows through the pause check, the permission engine, rate limiting,
// and circuit-breaker-guarded execution, with audit and telemetry emitted
// after every call.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
)

// Tool is an executable tool handler. Governance metadata (category, risk,
// side effects) lives in the catalog, not on the tool value.
type Tool interface {
	// Name returns the tool's catalog id.
	Name() string

	// Execute runs the tool with the given JSON parameters.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the output of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Registry manages executable tools with thread-safe registration and
// lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool by its name, replacing any existing tool with the
// same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc struct {
	ToolName string
	Fn       func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// Name returns the tool's catalog id.
func (t ToolFunc) Name() string { return t.ToolName }

// Execute runs the wrapped function.
func (t ToolFunc) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return t.Fn(ctx, params)
}
