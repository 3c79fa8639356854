package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/flashclaw/flashclaw/internal/bus"
)

// compactAliases are the command names that trigger compaction; /压缩 is the
// documented Chinese alias for /compact.
var compactAliases = map[string]bool{
	"compact": true,
	"压缩":      true,
}

// isSlashCommand reports whether content should be routed to a command
// handler instead of a full agent turn.
func isSlashCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "/")
}

// handleCommand processes a slash command and publishes its reply directly,
// never enqueueing a full agent turn. Any "/"-prefixed text it doesn't
// recognize gets an unknown-command reply, matching the "MUST NOT enqueue a
// full agent turn" rule for anything starting with /.
func (d *Dispatcher) handleCommand(ctx context.Context, msg bus.InboundMessage, sessionKey string) {
	trimmed := strings.TrimSpace(msg.Content)
	fields := strings.Fields(trimmed)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))

	var reply string
	switch {
	case name == "stop":
		reply = d.runs.cancelOldest(msg.ChatID)
	case name == "stopall":
		reply = d.runs.cancelAll()
	case name == "stats":
		reply = d.statsReply(msg.ChatID)
	case name == "tasks":
		reply = d.tasksReply(ctx, msg.ChatID)
	case compactAliases[name]:
		reply = d.compactReply(ctx, sessionKey, msg.ChatID)
	default:
		reply = fmt.Sprintf("unrecognized command: /%s", name)
	}

	d.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply,
	})
}

func (d *Dispatcher) statsReply(chatID string) string {
	stats, ok := d.tracker.GetStats(chatID)
	if !ok {
		return "no usage recorded yet for this chat"
	}
	percent, _ := d.tracker.CheckCompactThreshold(chatID)
	return fmt.Sprintf("model: %s\ninput tokens: %d\noutput tokens: %d\ncontext window: %d\nusage: %d%%",
		stats.Model, stats.InputTokens, stats.OutputTokens, stats.ContextWindow, percent)
}

func (d *Dispatcher) tasksReply(ctx context.Context, chatID string) string {
	if d.store == nil {
		return "no task store configured"
	}
	tasks, err := d.store.GetAllTasks(ctx)
	if err != nil {
		return fmt.Sprintf("failed to list tasks: %v", err)
	}

	var sb strings.Builder
	count := 0
	for _, t := range tasks {
		if t.ChatID != chatID {
			continue
		}
		count++
		fmt.Fprintf(&sb, "- [%s] %s (%s)\n", t.Status, t.Description, t.ScheduleKind)
	}
	if count == 0 {
		return "no tasks scheduled for this chat"
	}
	return sb.String()
}

func (d *Dispatcher) compactReply(ctx context.Context, sessionKey, chatID string) string {
	result, err := d.mem.Compact(ctx, sessionKey, d.provider)
	if err != nil {
		return fmt.Sprintf("compaction failed: %v", err)
	}
	d.tracker.Reset(chatID)
	if result.NoOp {
		return "nothing to compact"
	}
	return fmt.Sprintf("## Conversation summary\n%s\n\n(%d messages condensed to %d, saved ~%d tokens)",
		result.Summary, result.OriginalCount, result.CompactedCount, result.SavedTokens)
}
