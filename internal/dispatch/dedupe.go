package dispatch

import (
	"fmt"
	"sync"
	"time"
)

// DedupeCache is a TTL+size-bounded set of seen inbound message keys,
// preventing a webhook retry or a double-tap from the platform side from
// producing two agent runs for the same platform message.
type DedupeCache struct {
	ttl     time.Duration
	maxSize int

	mu      sync.Mutex
	entries map[string]time.Time
	order   []string // insertion order, for maxSize eviction
}

// NewDedupeCache creates a cache that remembers a key for ttl, evicting the
// oldest entry once more than maxSize keys are held.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]time.Time),
	}
}

// DedupeKey builds the cache key for one inbound message: channel, sender,
// chat, and the platform's own message ID (when the channel supplies one).
func DedupeKey(channel, senderID, chatID, platformMessageID string) string {
	return fmt.Sprintf("%s|%s|%s|%s", channel, senderID, chatID, platformMessageID)
}

// Seen reports whether key was already recorded within the TTL window,
// recording it with the current time when it was not; a key found within
// the window keeps its first timestamp. An empty
// platformMessageID component in key means the channel gave no dedupe
// signal — callers should skip the check entirely rather than calling this
// with an always-empty key, since that would dedupe unrelated messages.
func (c *DedupeCache) Seen(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpired(now)

	if ts, ok := c.entries[key]; ok && now.Sub(ts) < c.ttl {
		return true
	}

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = now

	for len(c.order) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	return false
}

func (c *DedupeCache) evictExpired(now time.Time) {
	if len(c.entries) == 0 {
		return
	}
	kept := c.order[:0]
	for _, k := range c.order {
		if ts, ok := c.entries[k]; ok && now.Sub(ts) < c.ttl {
			kept = append(kept, k)
			continue
		}
		delete(c.entries, k)
	}
	c.order = kept
}
