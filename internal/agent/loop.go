// Package agent implements the Agent Runner (spec §4.3): one LLM
// invocation end-to-end for one chat, built on the LLM Provider port's
// tool-use recursion contract (spec §4.2, internal/agent/toolloop.go).
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/flashclaw/flashclaw/internal/bus"
	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/internal/memory"
	"github.com/flashclaw/flashclaw/internal/providers"
	"github.com/flashclaw/flashclaw/internal/tools"
	"github.com/flashclaw/flashclaw/internal/tracker"
	"github.com/flashclaw/flashclaw/pkg/protocol"
)

// Loop is the agent execution loop: one Think→Act→Observe cycle per chat
// message, shared across every group this deployment serves.
type Loop struct {
	id       string
	provider providers.Provider
	cfg      *config.Config

	mem     *memory.Manager
	tracker *tracker.Tracker

	tools      *tools.Registry
	toolPolicy *tools.PolicyEngine

	eventPub bus.EventPublisher
	onEvent  func(AgentEvent)

	ownerIDs   []string // admin user IDs, for the isMain sentence's trust boundary
	activeRuns atomic.Int32
}

// AgentEvent is emitted during agent execution for downstream broadcast
// (dashboard WS, logs, etc.)
type AgentEvent struct {
	Type    string      `json:"type"`
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	ID       string
	Provider providers.Provider
	Config   *config.Config
	Memory   *memory.Manager
	Tracker  *tracker.Tracker
	Tools    *tools.Registry
	ToolPolicy *tools.PolicyEngine
	Bus        bus.EventPublisher
	OnEvent    func(AgentEvent)
	OwnerIDs   []string
}

// NewLoop creates an agent runner bound to one LLM provider and the shared
// memory/tracker/tool-registry state for this deployment.
func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{
		id:         cfg.ID,
		provider:   cfg.Provider,
		cfg:        cfg.Config,
		mem:        cfg.Memory,
		tracker:    cfg.Tracker,
		tools:      cfg.Tools,
		toolPolicy: cfg.ToolPolicy,
		eventPub:   cfg.Bus,
		onEvent:    cfg.OnEvent,
		ownerIDs:   cfg.OwnerIDs,
	}
}

// RunRequest is the input for processing one message through the agent,
// matching spec §4.3's `{prompt, chatId, groupFolder, isMain,
// isScheduledTask?, userId?, platform?, attachments?, onToken?}`.
type RunRequest struct {
	Message         string   // prompt
	ChatID          string
	GroupID         string // groupFolder: memory/session scoping key
	RunID           string
	IsMain          bool
	IsScheduledTask bool
	UserID          string
	Platform        string
	Media           []string // local file paths to images, already sanitized
	Stream          bool
	OnToken         func(string)
}

// RunResult is the output of a completed agent run: spec §4.3's
// `{status, result?, error?}`, with status folded into the error return.
type RunResult struct {
	Content    string
	RunID      string
	Usage      *providers.Usage
	Media      []MediaResult
}

// MediaResult is a media file a tool produced during the run (MEDIA: prefix
// convention, shared with the built-in image/audio tools).
type MediaResult struct {
	Path        string
	ContentType string
	AsVoice     bool
}

// Run executes runOnce wrapped in spec §4.3's retry policy.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	return runAgent(ctx, func(ctx context.Context) (*RunResult, error) {
		return l.runOnce(ctx, req)
	})
}

// runOnce is spec §4.3's numbered Procedure.
func (l *Loop) runOnce(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	l.emit(AgentEvent{Type: protocol.AgentEventRunStarted, AgentID: l.id, RunID: req.RunID})

	result, err := l.execute(ctx, req)
	if err != nil {
		l.emit(AgentEvent{
			Type:    protocol.AgentEventRunFailed,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	l.emit(AgentEvent{Type: protocol.AgentEventRunCompleted, AgentID: l.id, RunID: req.RunID})
	return result, nil
}

func (l *Loop) execute(ctx context.Context, req RunRequest) (*RunResult, error) {
	agentCfg := l.cfg.ResolveAgent(req.GroupID)

	// Step 1: build the system prompt.
	groupWorkspace := agentCfg.Workspace
	if groupWorkspace != "" {
		groupWorkspace = config.ExpandHome(groupWorkspace)
	}

	toolDefs := l.filterTools(req.GroupID)
	toolLines := make([]string, 0, len(toolDefs))
	for _, def := range toolDefs {
		toolLines = append(toolLines, fmt.Sprintf("- %s: %s", def.Function.Name, def.Function.Description))
	}

	basePrompt := BuildSystemPrompt(SystemPromptConfig{
		Workspace:       groupWorkspace,
		GroupID:         req.GroupID,
		Timezone:        l.cfg.Tuning.Timezone,
		ToolLines:       toolLines,
		IsMain:          req.IsMain,
		IsScheduledTask: req.IsScheduledTask,
	})
	systemPrompt := l.mem.BuildSystemPrompt(req.GroupID, basePrompt)

	messages := []providers.Message{{Role: "system", Content: systemPrompt}}
	messages = append(messages, sanitizeHistory(l.mem.GetContext(req.GroupID, memory.DefaultContextTokenLimit))...)

	// Step 2: build the user message, with vision fallback.
	userMsg := l.buildUserMessage(req, agentCfg.Model)
	messages = append(messages, userMsg)

	// Persist the text-only form to memory regardless of attachments.
	l.mem.AddMessage(req.GroupID, providers.Message{Role: "user", Content: req.Message})

	// Step 3: context budget check.
	contextWindow := agentCfg.ContextWindow
	if contextWindow <= 0 {
		contextWindow = tracker.DefaultContextWindow
	}
	usedTokens := memory.EstimateTokens(systemPrompt)/2 + estimateMessagesTokens(messages)
	remaining := contextWindow - usedTokens

	minTokens := l.cfg.Tuning.ContextMinTokens
	warnTokens := l.cfg.Tuning.ContextWarnTokens
	if remaining < minTokens {
		return nil, fmt.Errorf("上下文空间不足，请执行 /compact 清理历史记录后重试")
	}
	if remaining < warnTokens {
		if _, err := l.mem.Compact(ctx, req.GroupID, l.provider); err != nil {
			slog.Warn("agent: proactive compaction failed", "group", req.GroupID, "error", err)
		} else {
			messages = append([]providers.Message{messages[0]}, sanitizeHistory(l.mem.GetContext(req.GroupID, memory.DefaultContextTokenLimit))...)
			messages = append(messages, userMsg)
		}
	}

	// Step 4/5: activity timer + streaming call.
	timeoutMs := agentCfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = l.cfg.Tuning.AgentTimeoutMs
	}
	timer := newActivityTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go timer.watch(cancel)

	model := agentCfg.Model
	if model == "" {
		model = l.provider.DefaultModel()
	}

	maxTokens := agentCfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	chatReq := providers.ChatRequest{
		Messages: messages,
		Tools:    toolDefs,
		Model:    model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   maxTokens,
			providers.OptTemperature: agentCfg.Temperature,
		},
	}

	resp, err := l.provider.ChatStream(runCtx, chatReq, func(chunk providers.StreamChunk) {
		timer.reset()
		if req.OnToken != nil && chunk.Content != "" {
			req.OnToken(chunk.Content)
		}
		if chunk.Content != "" {
			l.emit(AgentEvent{Type: protocol.ChatEventChunk, AgentID: l.id, RunID: req.RunID, Payload: map[string]string{"content": chunk.Content}})
		}
	})
	if err != nil {
		if timer.timedOut.Load() {
			return nil, fmt.Errorf("agent run timed out after %dms", timeoutMs)
		}
		return nil, fmt.Errorf("LLM call failed: %w", err)
	}

	var finalContent string
	var totalUsage providers.Usage
	var mediaResults []MediaResult

	if resp.Usage != nil {
		accumulateUsage(&totalUsage, resp.Usage)
	}

	if len(resp.ToolCalls) > 0 {
		round, terr := l.handleToolUse(runCtx, req, resp, messages, toolDefs, model, maxTokens, agentCfg.Temperature, timer.reset, func(tok string) {
			if req.OnToken != nil {
				req.OnToken(tok)
			}
		})
		if terr != nil {
			if timer.timedOut.Load() {
				return nil, fmt.Errorf("agent run timed out after %dms", timeoutMs)
			}
			return nil, terr
		}
		finalContent = round.content
		totalUsage.PromptTokens += round.usage.PromptTokens
		totalUsage.CompletionTokens += round.usage.CompletionTokens
		totalUsage.TotalTokens += round.usage.TotalTokens
		totalUsage.ThinkingTokens += round.usage.ThinkingTokens
		mediaResults = round.mediaFiles
	} else {
		finalContent = resp.Content
	}

	// Step 6: record usage via the Session Tracker.
	if l.tracker != nil {
		l.tracker.RecordUsage(req.ChatID, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens), model)
	}

	finalContent = SanitizeAssistantContent(finalContent)
	isSilent := IsSilentReply(finalContent)
	if finalContent == "" {
		finalContent = "..."
	}

	// Step 7: append reply, maybe compact in background.
	l.mem.AddMessage(req.GroupID, providers.Message{Role: "assistant", Content: finalContent})
	if l.mem.NeedsCompaction(req.GroupID) {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := l.mem.Compact(bgCtx, req.GroupID, l.provider); err != nil {
				slog.Warn("agent: background compaction failed", "group", req.GroupID, "error", err)
			}
		}()
	}

	if isSilent {
		finalContent = ""
	}

	return &RunResult{
		Content: finalContent,
		RunID:   req.RunID,
		Usage:   &totalUsage,
		Media:   mediaResults,
	}, nil
}

// buildUserMessage constructs the user turn, attaching image content when
// attachments are present and the model is vision-capable, per spec §4.3
// step 2.
func (l *Loop) buildUserMessage(req RunRequest, model string) providers.Message {
	if len(req.Media) == 0 {
		return providers.Message{Role: "user", Content: req.Message}
	}

	vc, visionCapable := l.provider.(providers.VisionCapable)
	if !visionCapable || !vc.SupportsVision() {
		defer cleanupMedia(req.Media)
		fallback := fmt.Sprintf("[用户发送了 %d 张图片，但当前模型 %s 不支持图片输入]", len(req.Media), model)
		return providers.Message{Role: "user", Content: req.Message + "\n\n" + fallback}
	}

	images := loadImages(req.Media)
	defer cleanupMedia(req.Media)
	return providers.Message{Role: "user", Content: req.Message, Images: images}
}

func cleanupMedia(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			slog.Debug("agent: failed to clean temp media file", "path", p, "error", err)
		}
	}
}

func (l *Loop) filterTools(groupID string) []providers.ToolDefinition {
	if l.toolPolicy != nil {
		return l.toolPolicy.FilterTools(l.tools, nil)
	}
	return l.tools.ProviderDefs()
}

func estimateMessagesTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += memory.EstimateMessageTokens(m)
	}
	return total
}

func accumulateUsage(dst *providers.Usage, src *providers.Usage) {
	dst.PromptTokens += src.PromptTokens
	dst.CompletionTokens += src.CompletionTokens
	dst.TotalTokens += src.TotalTokens
	dst.ThinkingTokens += src.ThinkingTokens
}

func (l *Loop) emit(event AgentEvent) {
	if l.onEvent != nil {
		l.onEvent(event)
	}
	if l.eventPub != nil {
		l.eventPub.Broadcast(bus.Event{Name: event.Type, Payload: event})
	}
}

func (l *Loop) emitToolCall(req RunRequest, tc providers.ToolCall) {
	slog.Info("tool call", "agent", l.id, "tool", tc.Name)
	l.emit(AgentEvent{
		Type:    protocol.AgentEventToolCall,
		AgentID: l.id,
		RunID:   req.RunID,
		Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID},
	})
}

func (l *Loop) emitToolResult(req RunRequest, tc providers.ToolCall, isError bool) {
	if isError {
		slog.Warn("tool error", "agent", l.id, "tool", tc.Name)
	}
	l.emit(AgentEvent{
		Type:    protocol.AgentEventToolResult,
		AgentID: l.id,
		RunID:   req.RunID,
		Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID, "is_error": isError},
	})
}

// parseMediaResult extracts a MediaResult from a tool result string
// containing a "MEDIA:" prefix convention, e.g. "MEDIA:/path/to/file" or
// "[[audio_as_voice]]\nMEDIA:/path/to/file".
func parseMediaResult(toolOutput string) *MediaResult {
	s := toolOutput
	asVoice := false

	if strings.Contains(s, "[[audio_as_voice]]") {
		asVoice = true
		s = strings.TrimSpace(strings.ReplaceAll(s, "[[audio_as_voice]]", ""))
	}

	idx := strings.Index(s, "MEDIA:")
	if idx < 0 {
		return nil
	}
	path := strings.TrimSpace(s[idx+6:])
	if path == "" {
		return nil
	}
	if nl := strings.IndexByte(path, '\n'); nl >= 0 {
		path = strings.TrimSpace(path[:nl])
	}

	return &MediaResult{
		Path:        path,
		ContentType: mimeFromExt(filepath.Ext(path)),
		AsVoice:     asVoice,
	}
}

func mimeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
