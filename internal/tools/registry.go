// Package tools implements the Tool Registry (spec §4.4): built-in tool
// plugins indexed by name, a policy layer that narrows what the agent loop
// may offer the LLM, and the ToolContext dispatch contract.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flashclaw/flashclaw/internal/providers"
)

// Tool is one dispatchable plugin. Implementations must be safe for
// concurrent Execute calls — request-scoped state (chat, group, user,
// workspace) travels through ctx, never through mutable fields.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry indexes tools by name. Built-ins are registered first; a later
// Register call with the same name overrides the earlier one, matching
// spec §4.4's "built-ins first, then user plugins of the same name
// override" rule.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string // registration order, for stable ProviderDefs output
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or overrides a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name, in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ProviderDefs returns the full, unfiltered set of tool definitions for the
// LLM request. Agent callers normally go through a PolicyEngine instead.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

// ToProviderDef converts a Tool into the wire schema the LLM provider port
// expects.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// ExecuteWithContext dispatches name with args, first injecting chatID/
// groupID/userID into ctx so the tool's ToolContext view (spec §4.4) is
// available without threading extra parameters through every Execute call.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, chatID, groupID, userID string) *Result {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("未知工具: %s", name))
	}

	ctx = WithToolChatID(ctx, chatID)
	ctx = WithToolGroupID(ctx, groupID)
	ctx = WithToolUserID(ctx, userID)

	return tool.Execute(ctx, args)
}
