package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, for allow-list
// fields that may come from loosely-typed external config.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the FlashClaw gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Sessions  SessionsConfig  `json:"sessions,omitempty"`
	Tuning    TuningConfig    `json:"tuning,omitempty"`
	mu        sync.RWMutex
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are the default settings applied to every group's agent run,
// per spec §4.3/§6.2's scope: one conversational loop, one provider, one
// context-window budget — no sandboxing, subagents, or managed-mode tenancy.
type AgentDefaults struct {
	Workspace         string  `json:"workspace"`
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"max_tool_iterations"` // clamps to spec's MAX_TOOL_CALL_DEPTH=20
	ContextWindow     int     `json:"context_window"`
	TimeoutMs         int     `json:"timeout_ms"` // AGENT_TIMEOUT, spec §6.6
	Identity          *IdentityConfig `json:"identity,omitempty"`
}

// AgentSpec is a per-group override of AgentDefaults. Zero fields inherit.
type AgentSpec struct {
	DisplayName       string          `json:"displayName,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	Model             string          `json:"model,omitempty"`
	MaxTokens         int             `json:"max_tokens,omitempty"`
	Temperature       float64         `json:"temperature,omitempty"`
	MaxToolIterations int             `json:"max_tool_iterations,omitempty"`
	ContextWindow     int             `json:"context_window,omitempty"`
	Workspace         string          `json:"workspace,omitempty"`
	Default           bool            `json:"default,omitempty"`
	Identity          *IdentityConfig `json:"identity,omitempty"`
}

// IdentityConfig defines a group's agent persona / display identity.
type IdentityConfig struct {
	Name  string `json:"name,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}

// TuningConfig carries the environment tuning knobs from spec §6.6, with
// the spec's stated defaults.
type TuningConfig struct {
	ContextMinTokens              int `json:"context_min_tokens,omitempty"`
	ContextWarnTokens             int `json:"context_warn_tokens,omitempty"`
	AgentTimeoutMs                int `json:"agent_timeout_ms,omitempty"`
	MaxOutputTokens               int `json:"max_output_tokens,omitempty"`
	MessageQueueMaxSize           int `json:"message_queue_max_size,omitempty"`
	MessageQueueMaxConcurrent     int `json:"message_queue_max_concurrent,omitempty"`
	MessageQueueProcessingTimeoutMs int `json:"message_queue_processing_timeout_ms,omitempty"`
	MessageQueueMaxRetries        int `json:"message_queue_max_retries,omitempty"`
	IPCPollIntervalMs             int `json:"ipc_poll_interval_ms,omitempty"`
	ThinkingThresholdMs           int `json:"thinking_threshold_ms,omitempty"`
	MaxIPCFileBytes               int `json:"max_ipc_file_bytes,omitempty"`
	MaxIPCMessageChars            int `json:"max_ipc_message_chars,omitempty"`
	MaxIPCChatIDChars             int `json:"max_ipc_chat_id_chars,omitempty"`
	MaxImageBytes                 int `json:"max_image_bytes,omitempty"`
	Timezone                      string `json:"timezone,omitempty"`
	InboundDebounceMs             int `json:"inbound_debounce_ms,omitempty"`
	DedupeTTLMinutes              int `json:"dedupe_ttl_minutes,omitempty"`
	DedupeMaxSize                 int `json:"dedupe_max_size,omitempty"`
}

func defaultTuning() TuningConfig {
	return TuningConfig{
		ContextMinTokens:                16000,
		ContextWarnTokens:               32000,
		AgentTimeoutMs:                  300000,
		MaxOutputTokens:                 4096,
		MessageQueueMaxSize:             1000,
		MessageQueueMaxConcurrent:       5,
		MessageQueueProcessingTimeoutMs: 120000,
		MessageQueueMaxRetries:          2,
		IPCPollIntervalMs:               2000,
		ThinkingThresholdMs:             3000,
		MaxIPCFileBytes:                 256 * 1024,
		MaxIPCMessageChars:              8000,
		MaxIPCChatIDChars:               256,
		MaxImageBytes:                   10 * 1024 * 1024,
		Timezone:                        "UTC",
		InboundDebounceMs:               1000,
		DedupeTTLMinutes:                20,
		DedupeMaxSize:                   5000,
	}
}

// ResolveAgent returns the effective settings for groupID, merging defaults
// with any per-group override.
func (c *Config) ResolveAgent(groupID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[groupID]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.MaxToolIterations > 0 {
			d.MaxToolIterations = spec.MaxToolIterations
		}
		if spec.ContextWindow > 0 {
			d.ContextWindow = spec.ContextWindow
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
		if spec.Identity != nil {
			d.Identity = spec.Identity
		}
	}
	return d
}

// ResolveDisplayName returns the agent's display name for groupID, falling
// back to "FlashClaw".
func (c *Config) ResolveDisplayName(groupID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[groupID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return "FlashClaw"
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used after a config reload so existing pointers to c stay valid.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Sessions = src.Sessions
	c.Tuning = src.Tuning
}

// Hash returns a short digest of the config for optimistic-concurrency
// checks (e.g. before writing plugins.json back out).
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
