package config

// ChannelsConfig contains per-channel configuration for the channels spec
// §4.8/§6.1 names: Telegram and Feishu (chat platforms retrieved for this
// spec), DingTalk (enterprise chat, same shape as Feishu's bot model), and
// Terminal (local readline REPL, for development/ops use).
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Feishu   FeishuConfig   `json:"feishu"`
	DingTalk DingTalkConfig `json:"dingtalk"`
	Terminal TerminalConfig `json:"terminal"`
}

type TelegramConfig struct {
	Enabled           bool                `json:"enabled"`
	Token             string              `json:"token"`
	Proxy             string              `json:"proxy,omitempty"`
	AllowFrom         FlexibleStringSlice `json:"allow_from"`
	DMPolicy          string              `json:"dm_policy,omitempty"`       // "allowlist" (default), "open", "disabled"
	GroupPolicy       string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention    *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	HistoryLimit      int                 `json:"history_limit,omitempty"`   // max pending group messages for context (default 50, 0=disabled)
	MediaMaxBytes     int64               `json:"media_max_bytes,omitempty"` // max media download size in bytes (default 20MB)
	StreamMode        string              `json:"stream_mode,omitempty"`     // "off" (default), "partial" — streaming preview via message edits
	VoiceAgentID      string              `json:"voice_agent_id,omitempty"`  // route voice/audio inbound to a dedicated speaking agent
	STTProxyURL       string              `json:"stt_proxy_url,omitempty"`   // speech-to-text proxy base URL (empty disables transcription)
	STTTimeoutSeconds int                 `json:"stt_timeout_seconds,omitempty"`
	STTTenantID       string              `json:"stt_tenant_id,omitempty"`
	STTAPIKey         string              `json:"stt_api_key,omitempty"`
}

type FeishuConfig struct {
	Enabled           bool                `json:"enabled"`
	AppID             string              `json:"app_id"`
	AppSecret         string              `json:"app_secret"`
	EncryptKey        string              `json:"encrypt_key,omitempty"`
	VerificationToken string              `json:"verification_token,omitempty"`
	Domain            string              `json:"domain,omitempty"`          // "lark" (default/global), "feishu" (China)
	ConnectionMode    string              `json:"connection_mode,omitempty"` // "websocket" (default), "webhook"
	WebhookPort       int                 `json:"webhook_port,omitempty"`
	WebhookPath       string              `json:"webhook_path,omitempty"`
	AllowFrom         FlexibleStringSlice `json:"allow_from"`
	GroupAllowFrom    FlexibleStringSlice `json:"group_allow_from,omitempty"`
	DMPolicy          string              `json:"dm_policy,omitempty"`
	GroupPolicy       string              `json:"group_policy,omitempty"`
	RequireMention    *bool               `json:"require_mention,omitempty"`
	RenderMode        string              `json:"render_mode,omitempty"` // "auto" (default), "card", "text"
	TextChunkLimit    int                 `json:"text_chunk_limit,omitempty"` // default 4000
	MediaMaxMB        int                 `json:"media_max_mb,omitempty"`     // default 30
	HistoryLimit      int                 `json:"history_limit,omitempty"`
	TopicSessionMode  string              `json:"topic_session_mode,omitempty"` // "enabled" scopes a thread's root_id to its own chat session
}

// DingTalkConfig configures the DingTalk (enterprise chat) channel, which
// uses the same app-credential + webhook-or-stream shape as Feishu's bot.
// DingTalk's group robot model is inbound-webhook (the server receives a
// POST per message) + outbound-webhook (replies are POSTed to a URL carrying
// the robot's access_token, optionally HMAC-signed with Secret).
type DingTalkConfig struct {
	Enabled        bool                `json:"enabled"`
	ClientID       string              `json:"client_id"`
	ClientSecret   string              `json:"client_secret"`
	WebhookURL     string              `json:"webhook_url"`               // outbound send endpoint (includes access_token)
	Secret         string              `json:"secret,omitempty"`          // HMAC-SHA256 signing secret for outbound sends
	InboundPort    int                 `json:"inbound_port,omitempty"`    // default 3001
	InboundPath    string              `json:"inbound_path,omitempty"`    // default "/dingtalk/events"
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`
	GroupPolicy    string              `json:"group_policy,omitempty"`
	RequireMention *bool               `json:"require_mention,omitempty"`
	HistoryLimit   int                 `json:"history_limit,omitempty"`
}

// TerminalConfig configures the local readline-backed channel, used for
// development and single-operator deployments.
type TerminalConfig struct {
	Enabled bool   `json:"enabled"`
	Prompt  string `json:"prompt,omitempty"` // default "flashclaw> "
	ChatID  string `json:"chat_id,omitempty"` // default "terminal-local"
}

// SessionsConfig controls session-key scoping for inbound dispatch.
type SessionsConfig struct {
	Storage string `json:"storage"`            // path of the session store file
	Scope   string `json:"scope,omitempty"`    // "per-sender" (default), "global"
	DmScope string `json:"dm_scope,omitempty"` // "main", "per-peer", "per-channel-peer" (default), "per-account-channel-peer"
	MainKey string `json:"main_key,omitempty"` // main session key suffix (default "main", used when dm_scope="main")
}

// ProvidersConfig maps provider name to its config. Scoped to Anthropic
// (the primary provider, tool-use loop driver) plus one generic
// OpenAI-compatible provider for self-hosted/alternate models.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	return c.Providers.Anthropic.APIKey != "" || c.Providers.OpenAI.APIKey != ""
}
