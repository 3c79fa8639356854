package dispatch

import (
	"fmt"
	"time"

	"github.com/flashclaw/flashclaw/internal/bus"
	"github.com/flashclaw/flashclaw/internal/channels"
)

// GroupGate buffers unmentioned group messages into rolling history instead
// of dispatching them, so a channel adapter that doesn't gate mentions
// itself (it publishes every group message and flags mention status via
// Metadata["mentioned"]) still gets mention-gated behavior centrally. A
// channel that already gates at the edge (telegram, feishu, dingtalk all
// filter before publishing) simply never sends a "mentioned"="false"
// message here, so this is a no-op pass-through for them.
type GroupGate struct {
	history *channels.PendingHistory
}

// NewGroupGate creates a GroupGate backed by a fresh PendingHistory buffer.
func NewGroupGate() *GroupGate {
	return &GroupGate{history: channels.NewPendingHistory()}
}

// Admit returns the (possibly history-prefixed) content to dispatch, or ok
// false if msg should instead be buffered and dropped because it's an
// unmentioned group message.
func (g *GroupGate) Admit(msg bus.InboundMessage) (content string, ok bool) {
	if msg.PeerKind != "group" {
		return msg.Content, true
	}

	limit := msg.HistoryLimit
	if limit == 0 {
		limit = channels.DefaultGroupHistoryLimit
	}
	key := msg.Channel + ":" + msg.ChatID

	if msg.Metadata["mentioned"] == "false" {
		g.history.Record(key, channels.HistoryEntry{
			Sender:    msg.SenderID,
			Body:      msg.Content,
			Timestamp: time.Now(),
			MessageID: msg.Metadata["message_id"],
		}, limit)
		return "", false
	}

	annotated := msg.Content
	if sender := msg.Metadata["sender_name"]; sender != "" {
		annotated = fmt.Sprintf("[From: %s]\n%s", sender, msg.Content)
	}
	content = g.history.BuildContext(key, annotated, limit)
	g.history.Clear(key)
	return content, true
}
