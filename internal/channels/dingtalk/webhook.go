package dingtalk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashclaw/flashclaw/internal/channels"
)

// inboundEvent is the subset of DingTalk's group-robot inbound push this
// channel understands: a plain-text message with sender/conversation info.
type inboundEvent struct {
	MsgID            string `json:"msgId"`
	ConversationID   string `json:"conversationId"`
	ConversationType string `json:"conversationType"` // "1" = 1:1, "2" = group
	SenderID         string `json:"senderId"`
	SenderNick       string `json:"senderNick"`
	Text             struct {
		Content string `json:"content"`
	} `json:"text"`
	IsInAtList bool `json:"isInAtList"`
}

func (c *Channel) handleInbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var event inboundEvent
	if err := json.Unmarshal(body, &event); err != nil {
		slog.Debug("dingtalk: parse inbound event failed", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"msgtype":"text","text":{"content":""}}`)

	if event.MsgID == "" {
		return
	}

	isGroup := event.ConversationType == "2"
	content := event.Text.Content

	if isGroup {
		if !c.checkGroupPolicy(event.SenderID) {
			slog.Debug("dingtalk group message rejected by policy", "sender_id", event.SenderID)
			return
		}

		requireMention := true
		if c.cfg.RequireMention != nil {
			requireMention = *c.cfg.RequireMention
		}
		if requireMention && !event.IsInAtList {
			c.groupHistory.Record(event.ConversationID, channels.HistoryEntry{
				Sender:    event.SenderNick,
				Body:      content,
				Timestamp: time.Now(),
				MessageID: event.MsgID,
			}, c.historyLimit)
			return
		}
	} else if !c.checkDMPolicy(event.SenderID) {
		slog.Debug("dingtalk DM rejected by policy", "sender_id", event.SenderID)
		return
	}

	if content == "" {
		content = "[empty message]"
	}

	peerKind := "direct"
	if isGroup {
		peerKind = "group"
		annotated := fmt.Sprintf("[From: %s]\n%s", event.SenderNick, content)
		if c.historyLimit > 0 {
			content = c.groupHistory.BuildContext(event.ConversationID, annotated, c.historyLimit)
		} else {
			content = annotated
		}
	}

	metadata := map[string]string{
		"message_id":      event.MsgID,
		"sender_nick":     event.SenderNick,
		"conversation_id": event.ConversationID,
		"platform":        "dingtalk",
	}

	c.HandleMessage(event.SenderID, event.ConversationID, content, nil, metadata, peerKind)

	if isGroup {
		c.groupHistory.Clear(event.ConversationID)
	}
}

// signRequest computes DingTalk's HMAC-SHA256 outbound-webhook signature:
// base64(hmac_sha256(secret, "{timestamp}\n{secret}")).
func signRequest(timestampMillis int64, secret string) (string, error) {
	strToSign := fmt.Sprintf("%d\n%s", timestampMillis, secret)
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(strToSign)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
