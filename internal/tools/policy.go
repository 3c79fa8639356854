package tools

import (
	"log/slog"
	"strings"

	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/internal/providers"
)

// toolGroups map group names ("group:xxx" in a policy spec) to tool names.
var toolGroups = map[string][]string{
	"memory":    {"memory_remember", "memory_recall", "memory_forget"},
	"web":       {"web_fetch"},
	"messaging": {"send_message", "schedule_task"},
}

// toolProfiles define preset allow sets; "full" or "" means no restriction.
var toolProfiles = map[string][]string{
	"minimal":   {"group:messaging"},
	"messaging": {"group:messaging", "group:memory"},
	"full":      {},
}

// PolicyEngine evaluates tool access per spec §4.4: built-in tools are
// always available first, then the global allow/deny list narrows them,
// then a per-group override narrows further. There is no subagent or
// per-provider tier — one agent, one policy.
type PolicyEngine struct {
	global *config.ToolsConfig
}

// NewPolicyEngine creates a policy engine from the global tools config.
func NewPolicyEngine(cfg *config.ToolsConfig) *PolicyEngine {
	return &PolicyEngine{global: cfg}
}

// FilterTools returns the tool definitions a group's agent may call,
// applying the global policy and then groupAllow (a group-level override,
// e.g. from AgentSpec.Tools).
func (pe *PolicyEngine) FilterTools(registry *Registry, groupAllow []string) []providers.ToolDefinition {
	allTools := registry.List()
	allowed := pe.evaluate(allTools, groupAllow)

	var defs []providers.ToolDefinition
	for _, name := range allowed {
		if tool, ok := registry.Get(name); ok {
			defs = append(defs, ToProviderDef(tool))
		}
	}

	slog.Debug("tool policy applied", "total_tools", len(allTools), "allowed", len(defs))
	return defs
}

func (pe *PolicyEngine) evaluate(allTools []string, groupAllow []string) []string {
	g := pe.global

	allowed := pe.applyProfile(allTools, g.Profile)

	if len(g.Allow) > 0 {
		allowed = intersectWithSpec(allowed, g.Allow)
	}
	if len(groupAllow) > 0 {
		allowed = intersectWithSpec(allowed, groupAllow)
	}
	if len(g.Deny) > 0 {
		allowed = subtractSpec(allowed, g.Deny)
	}
	if len(g.AlsoAllow) > 0 {
		allowed = unionWithSpec(allowed, allTools, g.AlsoAllow)
	}

	return allowed
}

func (pe *PolicyEngine) applyProfile(allTools []string, profile string) []string {
	if profile == "" || profile == "full" {
		return copySlice(allTools)
	}
	spec, ok := toolProfiles[profile]
	if !ok {
		slog.Warn("unknown tool profile, using full", "profile", profile)
		return copySlice(allTools)
	}
	return expandSpec(allTools, spec)
}

// --- Set operations with group expansion ---

func expandSpec(available []string, spec []string) []string {
	expanded := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			if members, ok := toolGroups[strings.TrimPrefix(s, "group:")]; ok {
				for _, m := range members {
					expanded[m] = true
				}
			}
		} else {
			expanded[s] = true
		}
	}
	var result []string
	for _, t := range available {
		if expanded[t] {
			result = append(result, t)
		}
	}
	return result
}

func intersectWithSpec(current []string, spec []string) []string {
	expanded := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			if members, ok := toolGroups[strings.TrimPrefix(s, "group:")]; ok {
				for _, m := range members {
					expanded[m] = true
				}
			}
		} else {
			expanded[s] = true
		}
	}
	var result []string
	for _, t := range current {
		if expanded[t] {
			result = append(result, t)
		}
	}
	return result
}

func subtractSpec(current []string, spec []string) []string {
	denied := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			if members, ok := toolGroups[strings.TrimPrefix(s, "group:")]; ok {
				for _, m := range members {
					denied[m] = true
				}
			}
		} else {
			denied[s] = true
		}
	}
	var result []string
	for _, t := range current {
		if !denied[t] {
			result = append(result, t)
		}
	}
	return result
}

func unionWithSpec(current []string, allTools []string, spec []string) []string {
	existing := make(map[string]bool, len(current))
	for _, t := range current {
		existing[t] = true
	}
	for _, t := range expandSpec(allTools, spec) {
		if !existing[t] {
			current = append(current, t)
			existing[t] = true
		}
	}
	return current
}

func copySlice(s []string) []string {
	c := make([]string, len(s))
	copy(c, s)
	return c
}
