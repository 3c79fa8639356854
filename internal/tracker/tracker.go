// Package tracker implements the Session Tracker (spec §4.10): per-chat
// token accounting against each model's context window, and a one-shot
// "you should compact soon" signal. It is grounded on internal/sessions's
// debounced atomic-write idiom, narrowed to the tracker's own cache file
// instead of full conversation history (that responsibility now belongs to
// internal/memory.Manager).
package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultContextWindow is used for any model not listed in contextWindows.
const DefaultContextWindow = 200000

// compactThresholdRatio is the usage/limit ratio at or above which
// checkCompactThreshold fires once per session.
const compactThresholdRatio = 0.70

// idleEvictAfter is how long a session may sit unused before the
// background sweep evicts it from memory (not from disk history).
const idleEvictAfter = 24 * time.Hour

// saveDebounce batches bursts of RecordUsage calls into one disk write.
const saveDebounce = 1 * time.Second

// maxCacheFileBytes: loading a cache file larger than this is skipped
// silently and the tracker starts cold, per spec.
const maxCacheFileBytes = 10 * 1024 * 1024

var contextWindows = map[string]int{
	"claude-opus-4":       200000,
	"claude-opus-4-1":     200000,
	"claude-sonnet-4":     200000,
	"claude-sonnet-4-5":   200000,
	"claude-3-7-sonnet":   200000,
	"claude-3-5-sonnet":   200000,
	"claude-3-5-haiku":    200000,
	"claude-3-opus":       200000,
	"claude-3-haiku":      200000,
}

// ContextWindowFor returns the known context window for a model id, falling
// back to DefaultContextWindow for anything unrecognized.
func ContextWindowFor(model string) int {
	if w, ok := contextWindows[model]; ok {
		return w
	}
	return DefaultContextWindow
}

// Stats is the snapshot returned by GetStats.
type Stats struct {
	ChatID           string    `json:"chatId"`
	Model            string    `json:"model"`
	MessageCount     int64     `json:"messageCount"`
	InputTokens      int64     `json:"inputTokens"`
	OutputTokens     int64     `json:"outputTokens"`
	TotalTokens      int64     `json:"totalTokens"`
	ContextWindow    int       `json:"contextWindow"`
	StartedAt        time.Time `json:"startedAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
	CompactSuggested bool      `json:"compactSuggested"`
}

type entry struct {
	ChatID            string    `json:"chatId"`
	Model             string    `json:"model"`
	MessageCount      int64     `json:"messageCount"`
	InputTokens       int64     `json:"inputTokens"`
	OutputTokens      int64     `json:"outputTokens"`
	ContextWindow     int       `json:"contextWindow"`
	StartedAt         time.Time `json:"startedAt"`
	LastActivity      time.Time `json:"lastActivity"`
	CompactSuggested  bool      `json:"compactSuggested"`
}

// Tracker is the Session Tracker. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*entry
	cachePath string

	saveTimer *time.Timer
	dirty     bool

	stopSweep chan struct{}
}

// New creates a Tracker persisting to cachePath (spec §6.5:
// cache/session-tracker.json). Pass "" to disable persistence (tests).
func New(cachePath string) *Tracker {
	t := &Tracker{
		sessions:  make(map[string]*entry),
		cachePath: cachePath,
		stopSweep: make(chan struct{}),
	}
	t.load()
	go t.sweepLoop()
	return t
}

// Shutdown stops the background idle-eviction sweep and flushes any
// pending save.
func (t *Tracker) Shutdown() {
	close(t.stopSweep)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.saveTimer != nil {
		t.saveTimer.Stop()
	}
	if t.dirty {
		t.saveLocked()
	}
}

// GetOrCreate returns the tracked entry for chatID, creating it with model's
// context window if it doesn't exist yet.
func (t *Tracker) GetOrCreate(chatID, model string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.getOrCreateLocked(chatID, model)
	return statsFromEntry(e)
}

func (t *Tracker) getOrCreateLocked(chatID, model string) *entry {
	e, ok := t.sessions[chatID]
	if !ok {
		now := time.Now()
		e = &entry{ChatID: chatID, Model: model, ContextWindow: ContextWindowFor(model), StartedAt: now, LastActivity: now}
		t.sessions[chatID] = e
	}
	e.LastActivity = time.Now()
	return e
}

// RecordUsage accumulates token usage for chatID and counts it as one
// tracked message (one LLM call), scheduling a debounced save.
func (t *Tracker) RecordUsage(chatID string, inputTokens, outputTokens int64, model string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.getOrCreateLocked(chatID, model)
	e.MessageCount++
	e.InputTokens += inputTokens
	e.OutputTokens += outputTokens
	if model != "" {
		e.Model = model
		e.ContextWindow = ContextWindowFor(model)
	}
	t.scheduleSaveLocked()
	return statsFromEntry(e)
}

// GetStats returns the current accounting for chatID.
func (t *Tracker) GetStats(chatID string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[chatID]
	if !ok {
		return Stats{}, false
	}
	return statsFromEntry(e), true
}

// CheckCompactThreshold returns the rounded percent-used (0-100) exactly
// once per session, the first time usage/limit reaches 0.70. Subsequent
// calls return (0, false) until Reset.
func (t *Tracker) CheckCompactThreshold(chatID string) (percent int, suggested bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[chatID]
	if !ok || e.CompactSuggested {
		return 0, false
	}
	total := e.InputTokens + e.OutputTokens
	limit := e.ContextWindow
	if limit <= 0 {
		limit = DefaultContextWindow
	}
	ratio := float64(total) / float64(limit)
	if ratio < compactThresholdRatio {
		return 0, false
	}
	e.CompactSuggested = true
	return int(ratio*100 + 0.5), true
}

// Reset clears accounting and the compact-suggested flag for chatID
// (called after a compaction completes).
func (t *Tracker) Reset(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.sessions[chatID]; ok {
		e.InputTokens = 0
		e.OutputTokens = 0
		e.CompactSuggested = false
	}
	t.scheduleSaveLocked()
}

func statsFromEntry(e *entry) Stats {
	return Stats{
		ChatID:           e.ChatID,
		Model:            e.Model,
		MessageCount:     e.MessageCount,
		InputTokens:      e.InputTokens,
		OutputTokens:     e.OutputTokens,
		TotalTokens:      e.InputTokens + e.OutputTokens,
		ContextWindow:    e.ContextWindow,
		StartedAt:        e.StartedAt,
		LastActivityAt:   e.LastActivity,
		CompactSuggested: e.CompactSuggested,
	}
}

// sweepLoop evicts sessions idle for more than idleEvictAfter once an hour,
// without blocking process exit (it's a plain goroutine reading stopSweep).
func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopSweep:
			return
		case <-ticker.C:
			t.evictIdle()
		}
	}
}

func (t *Tracker) evictIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-idleEvictAfter)
	for key, e := range t.sessions {
		if e.LastActivity.Before(cutoff) {
			delete(t.sessions, key)
		}
	}
	t.scheduleSaveLocked()
}

// scheduleSaveLocked debounces persistence: a burst of calls within
// saveDebounce collapses into a single write. Caller must hold t.mu.
func (t *Tracker) scheduleSaveLocked() {
	t.dirty = true
	if t.cachePath == "" {
		return
	}
	if t.saveTimer != nil {
		return
	}
	t.saveTimer = time.AfterFunc(saveDebounce, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.saveTimer = nil
		if t.dirty {
			t.saveLocked()
		}
	})
}

// saveLocked writes the full session map atomically via tmp+rename.
// Caller must hold t.mu.
func (t *Tracker) saveLocked() {
	if t.cachePath == "" {
		return
	}
	data, err := json.Marshal(t.sessions)
	if err != nil {
		return
	}
	dir := filepath.Dir(t.cachePath)
	tmp, err := os.CreateTemp(dir, "session-tracker-*.tmp")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	tmp.Close()
	if err := os.Rename(tmpPath, t.cachePath); err == nil {
		t.dirty = false
	} else {
		os.Remove(tmpPath)
	}
}

// load reads the cache file if present, silently starting cold on any
// error or if the file exceeds maxCacheFileBytes.
func (t *Tracker) load() {
	if t.cachePath == "" {
		return
	}
	info, err := os.Stat(t.cachePath)
	if err != nil || info.Size() > maxCacheFileBytes {
		return
	}
	data, err := os.ReadFile(t.cachePath)
	if err != nil {
		return
	}
	var sessions map[string]*entry
	if err := json.Unmarshal(data, &sessions); err != nil {
		return
	}
	t.sessions = sessions
}
