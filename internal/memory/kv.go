package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// MemoryEntry is one long-term fact.
type MemoryEntry struct {
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// kvStore is one scope's (group or user) long-term facts, backed by a
// single Markdown file.
type kvStore struct {
	scopeLabel string // e.g. "telegram-group-123" used in the file heading
	path       string
	entries    map[string]*MemoryEntry
	order      []string // insertion order, for recallAll()'s stable listing
	loaded     bool
}

func (m *Manager) groupKVPath(groupID string) string {
	return filepath.Join(m.dataRoot, safeID(groupID)+".md")
}

func (m *Manager) userKVPath(userID string) string {
	return filepath.Join(m.dataRoot, "users", safeID(userID)+".md")
}

// kv returns (loading and creating if necessary) the kvStore for scopeKey,
// backed by path. Caller must hold m.mu.
func (m *Manager) kv(scopeKey, path, label string) *kvStore {
	s, ok := m.longTerm[scopeKey]
	if !ok {
		s = &kvStore{scopeLabel: label, path: path, entries: make(map[string]*MemoryEntry)}
		if m.dataRoot != "" {
			loadKVFile(s)
		}
		s.loaded = true
		m.longTerm[scopeKey] = s
		m.touchLong(scopeKey)
	}
	return s
}

func (m *Manager) touchLong(scopeKey string) {
	for i, k := range m.longOrder {
		if k == scopeKey {
			m.longOrder = append(m.longOrder[:i], m.longOrder[i+1:]...)
			break
		}
	}
	m.longOrder = append(m.longOrder, scopeKey)
	if len(m.longOrder) > maxCachedScopes {
		evict := m.longOrder[0]
		m.longOrder = m.longOrder[1:]
		delete(m.longTerm, evict)
	}
}

// Remember upserts a long-term fact for groupID, preserving CreatedAt
// across updates.
func (m *Manager) Remember(groupID, key, value string) error {
	return m.remember("group:"+groupID, m.groupKVPath(groupID), groupID, key, value)
}

// Recall returns one fact for groupID.
func (m *Manager) Recall(groupID, key string) (string, bool) {
	return m.recall("group:"+groupID, m.groupKVPath(groupID), groupID, key)
}

// RecallAll returns every fact for groupID formatted as "- k: v" lines,
// sorted by insertion order. Empty string if there are no facts.
func (m *Manager) RecallAll(groupID string) string {
	return m.recallAll("group:"+groupID, m.groupKVPath(groupID), groupID)
}

// Forget removes a fact for groupID.
func (m *Manager) Forget(groupID, key string) error {
	return m.forget("group:"+groupID, m.groupKVPath(groupID), groupID, key)
}

// RememberUser, RecallUser, RecallAllUser, ForgetUser are the identical
// operations scoped to a user (cross-chat) rather than a group/chat.
func (m *Manager) RememberUser(userID, key, value string) error {
	return m.remember("user:"+userID, m.userKVPath(userID), userID, key, value)
}

func (m *Manager) RecallUser(userID, key string) (string, bool) {
	return m.recall("user:"+userID, m.userKVPath(userID), userID, key)
}

func (m *Manager) RecallAllUser(userID string) string {
	return m.recallAll("user:"+userID, m.userKVPath(userID), userID)
}

func (m *Manager) ForgetUser(userID, key string) error {
	return m.forget("user:"+userID, m.userKVPath(userID), userID, key)
}

func (m *Manager) remember(scopeKey, path, label, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.kv(scopeKey, path, label)
	now := time.Now().UTC()
	if existing, ok := s.entries[key]; ok {
		existing.Value = value
		existing.UpdatedAt = now
	} else {
		s.entries[key] = &MemoryEntry{Key: key, Value: value, CreatedAt: now, UpdatedAt: now}
		s.order = append(s.order, key)
	}
	return m.saveKV(s)
}

func (m *Manager) recall(scopeKey, path, label, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.kv(scopeKey, path, label)
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	return e.Value, true
}

func (m *Manager) recallAll(scopeKey, path, label string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.kv(scopeKey, path, label)
	if len(s.order) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, key := range s.order {
		e := s.entries[key]
		if e == nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: %s\n", e.Key, e.Value))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (m *Manager) forget(scopeKey, path, label, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.kv(scopeKey, path, label)
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return m.saveKV(s)
}

// saveKV writes s to disk atomically in the Markdown format the spec
// requires. Caller must hold m.mu.
func (m *Manager) saveKV(s *kvStore) error {
	if m.dataRoot == "" {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s 的长期记忆\n\n", s.scopeLabel)
	fmt.Fprintf(&sb, "> 最后更新: %s\n\n", time.Now().UTC().Format(time.RFC3339))

	for _, key := range s.order {
		e := s.entries[key]
		if e == nil {
			continue
		}
		fmt.Fprintf(&sb, "### %s\n\n%s\n\n<!-- created: %s, updated: %s -->\n\n",
			e.Key, e.Value, e.CreatedAt.Format(time.RFC3339), e.UpdatedAt.Format(time.RFC3339))
	}

	return atomicWriteFile(s.path, []byte(sb.String()))
}

var headingRe = regexp.MustCompile(`^### (.+)$`)
var metaRe = regexp.MustCompile(`<!--\s*created:\s*([^,]+),\s*updated:\s*([^\s]+)\s*-->`)

// loadKVFile tolerantly parses s.path into s.entries/s.order. Missing or
// unparseable metadata falls back to the current time, per the spec's
// "parser tolerates missing metadata" rule.
func loadKVFile(s *kvStore) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}

	lines := strings.Split(string(data), "\n")
	var curKey string
	var curValue []string
	now := time.Now().UTC()

	flush := func() {
		if curKey == "" {
			return
		}
		body := strings.TrimRight(strings.Join(curValue, "\n"), "\n")
		created, updated := now, now
		if m := metaRe.FindStringSubmatch(body); m != nil {
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(m[1])); err == nil {
				created = t
			}
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(m[2])); err == nil {
				updated = t
			}
			body = strings.TrimSpace(metaRe.ReplaceAllString(body, ""))
		}
		if _, exists := s.entries[curKey]; !exists {
			s.order = append(s.order, curKey)
		}
		s.entries[curKey] = &MemoryEntry{Key: curKey, Value: body, CreatedAt: created, UpdatedAt: updated}
		curKey = ""
		curValue = nil
	}

	for _, line := range lines {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			curKey = strings.TrimSpace(m[1])
			continue
		}
		if curKey != "" {
			curValue = append(curValue, line)
		}
	}
	flush()
}
