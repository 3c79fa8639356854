// Package dispatch wires inbound channel messages to the single agent.Loop
// and outbound results back to the channel manager. It is a narrowed
// version of the teacher's gateway-consumer shape: one agent, no
// subagent/delegate/handoff routing, per-chat ordering delegated entirely to
// internal/queue instead of a bespoke scheduling lane.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flashclaw/flashclaw/internal/agent"
	"github.com/flashclaw/flashclaw/internal/bus"
	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/internal/memory"
	"github.com/flashclaw/flashclaw/internal/providers"
	"github.com/flashclaw/flashclaw/internal/queue"
	"github.com/flashclaw/flashclaw/internal/sessions"
	"github.com/flashclaw/flashclaw/internal/store"
	"github.com/flashclaw/flashclaw/internal/tracker"
)

const groupThinkingPrompt = "You are in a GROUP chat (multiple participants), not a private 1-on-1 DM.\n" +
	"- The current message may be prefixed by recent group history for context.\n" +
	"- Keep responses concise; long replies are disruptive in groups."

// Dispatcher is the single entry point from bus.MessageBus inbound
// messages to the agent loop, and back out to outbound.
type Dispatcher struct {
	bus      *bus.MessageBus
	cfg      *config.Config
	loop     *agent.Loop
	provider providers.Provider
	mem      *memory.Manager
	tracker  *tracker.Tracker
	store    store.Store
	agentID  string

	queue     *queue.Queue
	debouncer *Debouncer
	dedupe    *DedupeCache
	groupGate *GroupGate
	runs      *runRegistry
}

// Config bundles everything the Dispatcher needs.
type Config struct {
	Bus      *bus.MessageBus
	Cfg      *config.Config
	Loop     *agent.Loop
	Provider providers.Provider
	Memory   *memory.Manager
	Tracker  *tracker.Tracker
	Store    store.Store // optional: nil disables /tasks
	AgentID  string
}

// New creates a Dispatcher and its backing queue.
func New(c Config) *Dispatcher {
	d := &Dispatcher{
		bus:      c.Bus,
		cfg:      c.Cfg,
		loop:     c.Loop,
		provider: c.Provider,
		mem:      c.Memory,
		tracker:  c.Tracker,
		store:    c.Store,
		agentID:  c.AgentID,
		dedupe:   NewDedupeCache(time.Duration(c.Cfg.Tuning.DedupeTTLMinutes)*time.Minute, c.Cfg.Tuning.DedupeMaxSize),
		groupGate: NewGroupGate(),
		runs:      newRunRegistry(),
	}

	d.queue = queue.New(queue.Config{
		MaxQueueSize:      c.Cfg.Tuning.MessageQueueMaxSize,
		MaxConcurrent:     c.Cfg.Tuning.MessageQueueMaxConcurrent,
		ProcessingTimeout: time.Duration(c.Cfg.Tuning.MessageQueueProcessingTimeoutMs) * time.Millisecond,
		MaxRetries:        c.Cfg.Tuning.MessageQueueMaxRetries,
	}, d.dispatchItem)

	d.debouncer = NewDebouncer(time.Duration(c.Cfg.Tuning.InboundDebounceMs)*time.Millisecond, d.processMessage)

	return d
}

// Run consumes inbound messages until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("dispatch: inbound consumer started")
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		d.handleInbound(ctx, msg)
	}
}

// Close drains the queue.
func (d *Dispatcher) Close() error {
	return d.queue.Close()
}

func (d *Dispatcher) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if mid := msg.Metadata["message_id"]; mid != "" {
		key := DedupeKey(msg.Channel, msg.SenderID, msg.ChatID, mid)
		if d.dedupe.Seen(key) {
			slog.Debug("dispatch: dropping duplicate inbound message", "channel", msg.Channel, "chat", msg.ChatID)
			return
		}
	}

	if isSlashCommand(msg.Content) {
		sessionKey := d.buildSessionKey(msg)
		d.handleCommand(ctx, msg, sessionKey)
		return
	}

	d.debouncer.Add(msg.Channel+":"+msg.ChatID+":"+msg.SenderID, msg)
}

// processMessage is the debouncer's flush callback: apply group-mention
// gating, then enqueue onto the per-chat queue lane.
func (d *Dispatcher) processMessage(msg bus.InboundMessage) {
	content, ok := d.groupGate.Admit(msg)
	if !ok {
		return // unmentioned group message, buffered into rolling history
	}
	msg.Content = content

	if err := d.queue.Enqueue(queue.Item{ChatID: msg.ChatID, Payload: msg}); err != nil {
		slog.Warn("dispatch: enqueue failed", "chat", msg.ChatID, "error", err)
	}
}

func (d *Dispatcher) buildSessionKey(msg bus.InboundMessage) string {
	peerKind := msg.PeerKind
	if peerKind == "" {
		peerKind = string(sessions.PeerDirect)
	}
	key := sessions.BuildScopedSessionKey(d.agentID, msg.Channel, sessions.PeerKind(peerKind), msg.ChatID,
		d.cfg.Sessions.Scope, d.cfg.Sessions.DmScope, d.cfg.Sessions.MainKey)

	if msg.Metadata["is_forum"] == "true" && peerKind == string(sessions.PeerGroup) {
		var topicID int
		fmt.Sscanf(msg.Metadata["message_thread_id"], "%d", &topicID)
		if topicID > 0 {
			key = sessions.BuildGroupTopicSessionKey(d.agentID, msg.Channel, msg.ChatID, topicID)
		}
	}
	return key
}

// dispatchItem is the queue.Handler: runs one message through the agent
// loop and publishes the outcome.
func (d *Dispatcher) dispatchItem(ctx context.Context, item queue.Item) error {
	msg, ok := item.Payload.(bus.InboundMessage)
	if !ok {
		return fmt.Errorf("dispatch: unexpected queue payload type")
	}

	sessionKey := d.buildSessionKey(msg)

	peerKind := msg.PeerKind
	if peerKind == "" {
		peerKind = string(sessions.PeerDirect)
	}

	userID := msg.UserID
	if peerKind == string(sessions.PeerGroup) && msg.ChatID != "" {
		userID = fmt.Sprintf("group:%s:%s", msg.Channel, msg.ChatID)
	}

	extraPrompt := ""
	if peerKind == string(sessions.PeerGroup) {
		extraPrompt = groupThinkingPrompt
	}

	runID := fmt.Sprintf("inbound-%s-%s-%s", msg.Channel, msg.ChatID, uuid.NewString()[:8])

	runCtx, cancel := context.WithCancel(ctx)
	d.runs.register(runID, msg.ChatID, cancel)
	defer d.runs.unregister(runID)
	defer cancel()

	result, err := d.loop.Run(runCtx, agent.RunRequest{
		Message: msg.Content + extraPromptSuffix(extraPrompt),
		ChatID:  msg.ChatID,
		GroupID: sessionKey,
		RunID:   runID,
		IsMain:  peerKind == string(sessions.PeerDirect),
		UserID:  userID,
		Platform: msg.Channel,
		Media:   msg.Media,
	})

	outMeta := outboundMetadata(msg)

	if err != nil {
		if runCtx.Err() == context.Canceled {
			d.bus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Metadata: outMeta})
			return nil
		}
		slog.Error("dispatch: agent run failed", "error", err, "channel", msg.Channel)
		d.bus.PublishOutbound(bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  formatAgentError(err),
			Metadata: outMeta,
		})
		return nil
	}

	if result.Content == "" {
		d.bus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Metadata: outMeta})
		return nil
	}

	d.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  result.Content,
		Media:    convertMedia(result.Media),
		Metadata: outMeta,
	})
	return nil
}

func extraPromptSuffix(extra string) string {
	if extra == "" {
		return ""
	}
	return "\n\n[" + extra + "]"
}

func outboundMetadata(msg bus.InboundMessage) map[string]string {
	meta := make(map[string]string)
	if mid := msg.Metadata["message_id"]; mid != "" {
		meta["reply_to_message_id"] = mid
	}
	for _, k := range []string{"message_thread_id", "conversation_id"} {
		if v := msg.Metadata[k]; v != "" {
			meta[k] = v
		}
	}
	return meta
}

func convertMedia(results []agent.MediaResult) []bus.MediaAttachment {
	if len(results) == 0 {
		return nil
	}
	out := make([]bus.MediaAttachment, 0, len(results))
	for _, r := range results {
		out = append(out, bus.MediaAttachment{URL: r.Path, ContentType: r.ContentType})
	}
	return out
}

func formatAgentError(err error) string {
	return fmt.Sprintf("Sorry, something went wrong processing that: %v", err)
}
