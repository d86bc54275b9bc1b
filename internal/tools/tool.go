// Package tools implements the dispatcher's closed tool set: filesystem,
// shell, device_api and cloud_request, plus the helpers the brain runtime
// executes directly (web search, user-root path resolution).
package tools

import (
	"context"
	"sync"

	"github.com/methings/agentd/pkg/protocol"
)

// Tool is the interface all dispatcher tools implement.
type Tool interface {
	// Name returns the tool's registry name.
	Name() string
	// Description returns a human-readable description.
	Description() string
	// Execute runs the tool. Args are decoded JSON; the result envelope is
	// always non-nil.
	Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult
	// ManagesPermissions reports whether the tool runs its own consent flow
	// (the dispatcher then passes through without acquiring a grant).
	ManagesPermissions() bool
}

// Registry holds the registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// OK builds a success result with tool-specific fields.
func OK(extra map[string]interface{}) *protocol.ToolResult {
	return &protocol.ToolResult{Status: protocol.ResultOK, Extra: extra}
}

// Errf builds an error result with a kind and optional detail.
func Errf(kind, detail string) *protocol.ToolResult {
	return &protocol.ToolResult{Status: protocol.ResultError, Error: kind, Detail: detail}
}

// PermissionRequired builds the 403-shaped refusal carrying the grant.
func PermissionRequired(g *protocol.Grant) *protocol.ToolResult {
	return &protocol.ToolResult{Status: protocol.ResultPermissionRequired, Request: g}
}

// PermissionExpired builds the expired refusal carrying the grant.
func PermissionExpired(g *protocol.Grant) *protocol.ToolResult {
	return &protocol.ToolResult{Status: protocol.ResultPermissionExpired, Request: g}
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argBool(args map[string]interface{}, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

func argInt(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func argMap(args map[string]interface{}, key string) map[string]interface{} {
	if v, ok := args[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}
