package channels

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultGroupHistoryLimit bounds how many unmentioned group messages are
// buffered as context for the next mentioned message, when a channel config
// leaves history_limit unset.
const DefaultGroupHistoryLimit = 50

// HistoryEntry is one buffered group message recorded while the bot wasn't
// mentioned.
type HistoryEntry struct {
	Sender    string
	Body      string
	Timestamp time.Time
	MessageID string
}

// PendingHistory buffers recent unmentioned group messages per chat (or
// per-topic key), so that once the bot is finally mentioned it can see the
// conversation that led up to it. Safe for concurrent use.
type PendingHistory struct {
	mu      sync.Mutex
	entries map[string][]HistoryEntry
}

func NewPendingHistory() *PendingHistory {
	return &PendingHistory{entries: make(map[string][]HistoryEntry)}
}

// Record appends an entry under key, dropping the oldest once limit is
// exceeded. limit<=0 disables buffering.
func (h *PendingHistory) Record(key string, entry HistoryEntry, limit int) {
	if limit <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.entries[key], entry)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	h.entries[key] = entries
}

// BuildContext prefixes latest with any buffered history under key, rendered
// as a transcript, then clears nothing (callers clear explicitly via Clear).
func (h *PendingHistory) BuildContext(key, latest string, limit int) string {
	if limit <= 0 {
		return latest
	}
	h.mu.Lock()
	entries := h.entries[key]
	h.mu.Unlock()

	if len(entries) == 0 {
		return latest
	}

	var b strings.Builder
	b.WriteString("[Recent group messages before this one]\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.Sender, e.Body)
	}
	b.WriteString("\n")
	b.WriteString(latest)
	return b.String()
}

// Clear drops all buffered entries for key.
func (h *PendingHistory) Clear(key string) {
	h.mu.Lock()
	delete(h.entries, key)
	h.mu.Unlock()
}
