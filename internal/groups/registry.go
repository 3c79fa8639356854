// Package groups implements the chat registry that backs the IPC bus's
// register_group operation (spec §4.7/§6.6): a JSON file mapping a chat JID
// to the local group folder that owns it, persisted the same tmp+rename way
// internal/tracker persists its cache.
package groups

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Group is one registered chat→folder binding.
type Group struct {
	JID         string          `json:"jid"`
	Name        string          `json:"name"`
	Folder      string          `json:"folder"`
	Trigger     string          `json:"trigger,omitempty"`
	AgentConfig json.RawMessage `json:"agentConfig,omitempty"`
}

// Registry is a file-backed set of registered groups, safe for concurrent
// use. Unlike tracker's debounced writer, registration is rare and
// user-visible, so every Register call saves synchronously.
type Registry struct {
	mu    sync.Mutex
	path  string
	byJID map[string]Group
}

// Load reads path if it exists, starting with an empty registry otherwise.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, byJID: make(map[string]Group)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("groups: read registry: %w", err)
	}
	var list []Group
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("groups: parse registry: %w", err)
	}
	for _, g := range list {
		r.byJID[g.JID] = g
	}
	return r, nil
}

// Get returns the group registered for jid, if any.
func (r *Registry) Get(jid string) (Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byJID[jid]
	return g, ok
}

// Register upserts g and persists the registry, keyed on g.JID.
func (r *Registry) Register(g Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byJID[g.JID] = g
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	list := make([]Group, 0, len(r.byJID))
	for _, g := range r.byJID {
		list = append(list, g)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("groups: marshal registry: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("groups: create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "registered-groups-*.tmp")
	if err != nil {
		return fmt.Errorf("groups: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("groups: write temp file: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("groups: rename temp file: %w", err)
	}
	return nil
}
