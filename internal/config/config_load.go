package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const DefaultAgentID = "default"

// ToolsConfig narrows built-in tool access: per spec §4.4, built-ins are
// always available first, then Profile/Allow/Deny/AlsoAllow narrow the set.
type ToolsConfig struct {
	Profile   string   `json:"profile,omitempty"` // "minimal", "messaging", "full" (default)
	Allow     []string `json:"allow,omitempty"`
	Deny      []string `json:"deny,omitempty"`
	AlsoAllow []string `json:"also_allow,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:         "~/.flashclaw/workspace",
				Provider:          "anthropic",
				Model:             "claude-sonnet-4-5-20250929",
				MaxTokens:         8192,
				Temperature:       0.7,
				MaxToolIterations: 20,
				ContextWindow:     200000,
				TimeoutMs:         300000,
			},
		},
		Channels: ChannelsConfig{
			Terminal: TerminalConfig{
				Prompt: "flashclaw> ",
				ChatID: "terminal-local",
			},
		},
		Sessions: SessionsConfig{
			Storage: "~/.flashclaw/data/sessions.json",
			Scope:   "per-sender",
			DmScope: "per-channel-peer",
			MainKey: "main",
		},
		Tuning: defaultTuning(),
	}
}

// Load reads config from a YAML or JSON file (chosen by extension), then
// overlays env vars. A missing file is not an error — env-only config is
// valid for container deployments.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Tuning == (TuningConfig{}) {
		cfg.Tuning = defaultTuning()
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values, and are re-applied after every reload since
// secrets are never persisted to disk.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("FLASHCLAW_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("FLASHCLAW_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("FLASHCLAW_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("FLASHCLAW_OPENAI_BASE_URL", &c.Providers.OpenAI.APIBase)

	envStr("FLASHCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	envStr("FLASHCLAW_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("FLASHCLAW_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("FLASHCLAW_FEISHU_ENCRYPT_KEY", &c.Channels.Feishu.EncryptKey)
	envStr("FLASHCLAW_FEISHU_VERIFICATION_TOKEN", &c.Channels.Feishu.VerificationToken)
	if c.Channels.Feishu.AppID != "" && c.Channels.Feishu.AppSecret != "" {
		c.Channels.Feishu.Enabled = true
	}
	envStr("FLASHCLAW_DINGTALK_CLIENT_ID", &c.Channels.DingTalk.ClientID)
	envStr("FLASHCLAW_DINGTALK_CLIENT_SECRET", &c.Channels.DingTalk.ClientSecret)
	if c.Channels.DingTalk.ClientID != "" && c.Channels.DingTalk.ClientSecret != "" {
		c.Channels.DingTalk.Enabled = true
	}

	envStr("FLASHCLAW_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("FLASHCLAW_MODEL", &c.Agents.Defaults.Model)
	envStr("FLASHCLAW_WORKSPACE", &c.Agents.Defaults.Workspace)

	if v := os.Getenv("FLASHCLAW_TIMEZONE"); v != "" {
		c.Tuning.Timezone = v
	}
	if v := os.Getenv("FLASHCLAW_AGENT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Tuning.AgentTimeoutMs = ms
		}
	}
}

// Save writes the config to a YAML file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// ResolveDefaultAgentID returns the ID of the agent marked as default, or
// DefaultAgentID if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
