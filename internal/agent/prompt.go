package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flashclaw/flashclaw/internal/bootstrap"
)

// defaultPersonaTemplate is the built-in CLAUDE.md substitute used when a
// group has no local override, per spec §4.3 step 1.
const defaultPersonaTemplate = `You are FlashClaw, a helpful conversational agent running in a chat channel.
Respond directly and concisely. Use the available tools when they would get
a better answer than reasoning alone; never invent tool output.`

// scheduleHorizons are the "in Δ seconds" offsets spec §4.3 precomputes so
// the model can reason about schedule_task arguments without doing its own
// date arithmetic.
var scheduleHorizons = []time.Duration{10 * time.Second, 30 * time.Second, time.Minute, 5 * time.Minute}

// SystemPromptConfig carries everything BuildSystemPrompt needs to assemble
// one request's system prompt.
type SystemPromptConfig struct {
	Workspace       string   // group workspace root, for SOUL.md/CLAUDE.md lookup
	GroupID         string   // used for a per-session SOUL.md override
	Timezone        string   // IANA name, e.g. "Asia/Shanghai"; "" = UTC
	ToolLines       []string // "- name: description", one per active tool
	IsMain          bool     // admin-privilege sentence
	IsScheduledTask bool     // scheduled-task sentence
	Now             time.Time
}

// BuildSystemPrompt concatenates, in the exact order spec §4.3 step 1
// requires: persona override, time/timezone, active tool list, precomputed
// near-future timestamps, then the admin/scheduled-task sentences. Callers
// apply memory.Manager.BuildSystemPrompt on top of this to prepend the
// summary and long-term facts.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var sb strings.Builder

	if soul := readPersonaOverride(cfg.Workspace, cfg.GroupID, bootstrap.SoulFile); soul != "" {
		sb.WriteString(soul)
		sb.WriteString("\n\n")
	}

	if persona := readPersonaOverride(cfg.Workspace, cfg.GroupID, bootstrap.ClaudeFile); persona != "" {
		sb.WriteString(persona)
	} else {
		sb.WriteString(defaultPersonaTemplate)
	}
	sb.WriteString("\n\n")

	loc, tzName := resolveLocation(cfg.Timezone)
	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	local := now.In(loc)
	sb.WriteString(fmt.Sprintf("Current time: %s local (%s), timezone %s.\n\n",
		local.Format("2006-01-02 15:04:05"), local.Format(time.RFC3339), tzName))

	if len(cfg.ToolLines) > 0 {
		sb.WriteString("Active tools:\n")
		for _, line := range cfg.ToolLines {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Near-future timestamps, for scheduling tool arguments:\n")
	for _, d := range scheduleHorizons {
		sb.WriteString(fmt.Sprintf("- in %s: %s\n", d, local.Add(d).Format(time.RFC3339)))
	}
	sb.WriteString("\n")

	if cfg.IsMain {
		sb.WriteString("You are operating in the main chat with administrator privileges: you may register new groups and adjust scheduling without additional confirmation.\n")
	}
	if cfg.IsScheduledTask {
		sb.WriteString("This invocation is a scheduled task. Your plain reply text will NOT be delivered anywhere — you MUST call send_message to report any result to the user.\n")
	}

	return sb.String()
}

// readPersonaOverride looks up <workspace>/<groupID>/<name>, falling back to
// <workspace>/<name> (the global override), per spec §4.3's "per-session
// file overrides global" rule.
func readPersonaOverride(workspace, groupID, name string) string {
	if workspace == "" {
		return ""
	}
	if groupID != "" {
		if data, err := os.ReadFile(filepath.Join(workspace, groupID, name)); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	if data, err := os.ReadFile(filepath.Join(workspace, name)); err == nil {
		return strings.TrimSpace(string(data))
	}
	return ""
}

func resolveLocation(tz string) (*time.Location, string) {
	if tz == "" {
		return time.UTC, "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC, "UTC"
	}
	return loc, tz
}
