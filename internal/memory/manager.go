// Package memory implements the per-chat Memory Manager: a short-term
// message ring kept in process memory, a long-term key/value store
// persisted as Markdown, and LLM-backed summarisation when the short-term
// buffer grows past its token ceiling.
//
// Grounded on internal/sessions.Manager's locking and atomic-write idiom,
// generalised with the long-term KV layer and the compaction protocol the
// teacher's history-compression code (internal/agent/loop_history.go)
// hints at but does not itself own.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flashclaw/flashclaw/internal/providers"
)

const (
	// DefaultContextTokenLimit bounds GetContext's returned suffix.
	DefaultContextTokenLimit = 100_000
	// CompactThreshold is the estimated-token ceiling that triggers
	// NeedsCompaction.
	CompactThreshold = 150_000
	// CompactKeepTokens bounds how much of the newest history survives a
	// compaction pass uncompressed.
	CompactKeepTokens = 30_000
	// maxCachedScopes bounds the short-term cache and the long-term cache
	// to 200 keys each. Group and user long-term scopes share the one
	// long-term cache ("group:<id>" / "user:<id>" keys), so together they
	// hold at most 200; there is no separate user cache. Long-term keys are
	// evicted oldest-loaded first; a short-term key moves to the back of
	// the eviction order each time AddMessage writes to it.
	maxCachedScopes = 200
)

// conversation is the short-term message ring for one group/chat.
type conversation struct {
	messages     []providers.Message
	summary      string
	tokenEstimate int // incremental running total, avoids O(n^2) re-scans
}

// Manager owns all persisted and in-memory conversational state.
type Manager struct {
	dataRoot string // <root>/data/memory

	mu         sync.RWMutex
	shortTerm  map[string]*conversation
	shortOrder []string // eviction order, least recently written first

	longTerm   map[string]*kvStore // "group:<id>" / "user:<id>" -> loaded KV file
	longOrder  []string

	compactLocks sync.Map // groupID -> *sync.Mutex
}

// NewManager creates a Memory Manager rooted at dataRoot (typically
// "<state root>/data/memory").
func NewManager(dataRoot string) *Manager {
	if dataRoot != "" {
		_ = os.MkdirAll(dataRoot, 0o755)
		_ = os.MkdirAll(filepath.Join(dataRoot, "users"), 0o755)
		_ = os.MkdirAll(filepath.Join(dataRoot, "sessions"), 0o755)
	}
	return &Manager{
		dataRoot:  dataRoot,
		shortTerm: make(map[string]*conversation),
		longTerm:  make(map[string]*kvStore),
	}
}

func (m *Manager) conv(groupID string, create bool) *conversation {
	c, ok := m.shortTerm[groupID]
	if !ok {
		if !create {
			return nil
		}
		c = &conversation{}
		m.shortTerm[groupID] = c
		m.touchShort(groupID)
	}
	return c
}

// touchShort records groupID as most-recently-used and evicts the oldest
// entry past maxCachedScopes. Caller must hold m.mu (write lock).
func (m *Manager) touchShort(groupID string) {
	for i, k := range m.shortOrder {
		if k == groupID {
			m.shortOrder = append(m.shortOrder[:i], m.shortOrder[i+1:]...)
			break
		}
	}
	m.shortOrder = append(m.shortOrder, groupID)
	if len(m.shortOrder) > maxCachedScopes {
		evict := m.shortOrder[0]
		m.shortOrder = m.shortOrder[1:]
		delete(m.shortTerm, evict)
	}
}

// GetContext returns the most-recent suffix of groupID's history whose
// estimated token cost is ≤ maxTokens. If a single message exceeds the
// limit on its own, that one message is returned. maxTokens ≤ 0 uses
// DefaultContextTokenLimit.
func (m *Manager) GetContext(groupID string, maxTokens int) []providers.Message {
	if maxTokens <= 0 {
		maxTokens = DefaultContextTokenLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.shortTerm[groupID]
	if c == nil || len(c.messages) == 0 {
		return nil
	}

	total := 0
	start := len(c.messages)
	for i := len(c.messages) - 1; i >= 0; i-- {
		cost := EstimateMessageTokens(c.messages[i])
		if total+cost > maxTokens {
			if start == len(c.messages) {
				// Even the single newest message exceeds the limit —
				// return exactly that message.
				start = i
			}
			break
		}
		total += cost
		start = i
	}

	out := make([]providers.Message, len(c.messages)-start)
	copy(out, c.messages[start:])
	return out
}

// AddMessage appends msg to groupID's short-term buffer. If the running
// token estimate exceeds 2×CompactThreshold and the buffer holds more than
// 10 messages, the oldest messages are shifted out until the estimate is
// back under the ceiling — an incremental O(1)-per-call trim rather than a
// full rescan.
func (m *Manager) AddMessage(groupID string, msg providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conv(groupID, true)
	m.touchShort(groupID)

	c.messages = append(c.messages, msg)
	c.tokenEstimate += EstimateMessageTokens(msg)

	ceiling := 2 * CompactThreshold
	for c.tokenEstimate > ceiling && len(c.messages) > 10 {
		dropped := c.messages[0]
		c.messages = c.messages[1:]
		c.tokenEstimate -= EstimateMessageTokens(dropped)
	}
}

// GetSummary returns the cached compaction summary for groupID, if any.
func (m *Manager) GetSummary(groupID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.shortTerm[groupID]; c != nil {
		return c.summary
	}
	return ""
}

// History returns a defensive copy of groupID's full short-term buffer.
func (m *Manager) History(groupID string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.shortTerm[groupID]
	if c == nil {
		return nil
	}
	out := make([]providers.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Reset clears groupID's short-term buffer and summary.
func (m *Manager) Reset(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.shortTerm[groupID]; c != nil {
		c.messages = nil
		c.summary = ""
		c.tokenEstimate = 0
	}
}

// NeedsCompaction reports whether groupID's estimated token count exceeds
// CompactThreshold.
func (m *Manager) NeedsCompaction(groupID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.shortTerm[groupID]
	if c == nil {
		return false
	}
	return c.tokenEstimate > CompactThreshold
}

// CompactResult reports the outcome of a Compact call.
type CompactResult struct {
	OriginalCount  int
	CompactedCount int
	Summary        string
	SavedTokens    int
	NoOp           bool
}

// groupLock returns (creating if necessary) the non-reentrant mutex
// guarding compaction for groupID.
func (m *Manager) groupLock(groupID string) *sync.Mutex {
	l, _ := m.compactLocks.LoadOrStore(groupID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Compact runs the compaction protocol for groupID: newest-first messages
// are kept up to CompactKeepTokens, the remainder is summarised by llm and
// replaced with a single cached summary. A held per-group lock makes
// concurrent Compact calls for the same group a no-op rather than racing.
func (m *Manager) Compact(ctx context.Context, groupID string, llm providers.Provider) (CompactResult, error) {
	lock := m.groupLock(groupID)
	if !lock.TryLock() {
		return CompactResult{NoOp: true}, nil
	}
	defer lock.Unlock()

	m.mu.Lock()
	c := m.shortTerm[groupID]
	if c == nil || len(c.messages) == 0 {
		m.mu.Unlock()
		return CompactResult{NoOp: true}, nil
	}
	msgs := make([]providers.Message, len(c.messages))
	copy(msgs, c.messages)
	m.mu.Unlock()

	kept := 0
	split := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := EstimateMessageTokens(msgs[i])
		if kept+cost > CompactKeepTokens {
			break
		}
		kept += cost
		split = i
	}
	toCompress := msgs[:split]
	toKeep := msgs[split:]

	if len(toCompress) == 0 {
		return CompactResult{NoOp: true}, nil
	}

	var sb strings.Builder
	for _, msg := range toCompress {
		switch msg.Role {
		case "user":
			sb.WriteString("用户: " + msg.Content + "\n")
		case "assistant":
			sb.WriteString("助手: " + msg.Content + "\n")
		}
	}

	prompt := "请用简洁的中文总结以下对话内容，保留关键信息，以 \"## 对话摘要\" 开头：\n\n" + sb.String()
	resp, err := llm.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Options: map[string]interface{}{
			providers.OptTemperature: 0.3,
			providers.OptMaxTokens:   1024,
		},
	})
	if err != nil {
		slog.Warn("memory: compaction summarize failed, state unchanged", "group", groupID, "error", err)
		return CompactResult{}, fmt.Errorf("memory: compact %s: %w", groupID, err)
	}

	originalTokens := 0
	for _, msg := range msgs {
		originalTokens += EstimateMessageTokens(msg)
	}

	m.mu.Lock()
	c = m.shortTerm[groupID]
	keptTokens := 0
	if c != nil {
		c.messages = toKeep
		c.summary = resp.Content
		for _, msg := range toKeep {
			keptTokens += EstimateMessageTokens(msg)
		}
		c.tokenEstimate = keptTokens
	}
	m.mu.Unlock()

	return CompactResult{
		OriginalCount:  len(msgs),
		CompactedCount: len(toKeep),
		Summary:        resp.Content,
		SavedTokens:    originalTokens - keptTokens,
	}, nil
}

// BuildSystemPrompt concatenates base with the cached compaction summary
// (if present) and the group's long-term facts, matching the order the
// agent runner expects to feed an LLM call.
func (m *Manager) BuildSystemPrompt(groupID, base string) string {
	var sb strings.Builder
	sb.WriteString(base)

	if summary := m.GetSummary(groupID); summary != "" {
		sb.WriteString("\n\n## 之前对话的摘要\n" + summary)
	}

	if facts := m.RecallAll(groupID); facts != "" {
		sb.WriteString("\n\n## 关于这个群组/用户的记忆\n" + facts)
	}

	return sb.String()
}

// safeID sanitizes an identifier for use as a filename component.
func safeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ExportSession writes the short-term log for groupID to
// <root>/data/memory/sessions/<date>-<safeName>.md.
func (m *Manager) ExportSession(groupID, displayName string) error {
	if m.dataRoot == "" {
		return nil
	}
	msgs := m.History(groupID)

	var sb strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			sb.WriteString("## 👤 用户\n\n")
			if len(msg.Images) > 0 {
				sb.WriteString("[包含图片/媒体内容]\n\n")
			}
			sb.WriteString(msg.Content + "\n\n")
		case "assistant":
			sb.WriteString("## 🤖 助手\n\n" + msg.Content + "\n\n")
		}
	}

	name := fmt.Sprintf("%s-%s.md", time.Now().UTC().Format("2006-01-02"), safeID(displayName))
	path := filepath.Join(m.dataRoot, "sessions", name)
	return atomicWriteFile(path, []byte(sb.String()))
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".memory-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
