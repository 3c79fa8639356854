// Package dingtalk implements the DingTalk enterprise-chat channel.
// DingTalk's group "custom robot" model has no dedicated webhook event
// schema document in this pack; the shape here — inbound HTTP push +
// outbound HMAC-signed webhook POST — follows the same native-HTTP pattern
// the Feishu channel uses for its own webhook mode.
package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flashclaw/flashclaw/internal/bus"
	"github.com/flashclaw/flashclaw/internal/channels"
	"github.com/flashclaw/flashclaw/internal/config"
)

const (
	defaultInboundPort = 3001
	defaultInboundPath = "/dingtalk/events"
)

// Channel connects to DingTalk via an inbound webhook server and an
// outbound signed-webhook sender.
type Channel struct {
	*channels.BaseChannel
	cfg          config.DingTalkConfig
	groupHistory *channels.PendingHistory
	historyLimit int
	httpServer   *http.Server
	httpClient   *http.Client
}

// New creates a new DingTalk channel from config.
func New(cfg config.DingTalkConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("dingtalk webhook_url is required")
	}

	base := channels.NewBaseChannel("dingtalk", msgBus, cfg.AllowFrom)
	base.ValidatePolicy(cfg.DMPolicy, cfg.GroupPolicy)

	historyLimit := cfg.HistoryLimit
	if historyLimit == 0 {
		historyLimit = channels.DefaultGroupHistoryLimit
	}

	return &Channel{
		BaseChannel:  base,
		cfg:          cfg,
		groupHistory: channels.NewPendingHistory(),
		historyLimit: historyLimit,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Start begins listening for DingTalk's inbound webhook pushes.
func (c *Channel) Start(ctx context.Context) error {
	port := c.cfg.InboundPort
	if port <= 0 {
		port = defaultInboundPort
	}
	path := c.cfg.InboundPath
	if path == "" {
		path = defaultInboundPath
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, c.handleInbound)

	c.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("dingtalk inbound server error", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("dingtalk channel listening", "port", port, "path", path)
	return nil
}

// Stop shuts down the inbound webhook server.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.httpServer != nil {
		return c.httpServer.Shutdown(ctx)
	}
	return nil
}

// Send posts an outbound message to DingTalk's robot webhook, optionally
// HMAC-signed per cfg.Secret.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("dingtalk channel not running")
	}
	if msg.Content == "" {
		return nil
	}

	url := c.cfg.WebhookURL
	if c.cfg.Secret != "" {
		ts := time.Now().UnixMilli()
		sign, err := signRequest(ts, c.cfg.Secret)
		if err != nil {
			return fmt.Errorf("dingtalk sign: %w", err)
		}
		sep := "&"
		if !strings.Contains(url, "?") {
			sep = "?"
		}
		url = fmt.Sprintf("%s%stimestamp=%d&sign=%s", url, sep, ts, sign)
	}

	payload := map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": msg.Content},
	}
	if msg.ChatID != "" {
		payload["at"] = map[string]interface{}{"atUserIds": []string{msg.ChatID}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal dingtalk payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dingtalk send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dingtalk send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Ensure Channel implements the channels.Channel interface at compile time.
var _ channels.Channel = (*Channel)(nil)
