package telegram

import (
	"fmt"

	"github.com/mymmrac/telego"
)

// replyContext describes the message a user replied to, if any.
type replyContext struct {
	IsBotReply bool
	Preview    string
}

// messageContext carries the extra context (reply/forward/location) attached
// to a Telegram message, surfaced to the agent alongside the plain text.
type messageContext struct {
	ReplyInfo   *replyContext
	ForwardFrom string
	Location    string
}

// buildMessageContext extracts reply/forward/location context from a
// Telegram message so handleMessage can both gate on implicit mentions
// (reply-to-bot) and annotate the outgoing content.
func buildMessageContext(msg *telego.Message, botUsername string) *messageContext {
	mc := &messageContext{}

	if reply := msg.ReplyToMessage; reply != nil {
		isBotReply := reply.From != nil && botUsername != "" && reply.From.Username == botUsername
		preview := reply.Text
		if preview == "" {
			preview = reply.Caption
		}
		mc.ReplyInfo = &replyContext{
			IsBotReply: isBotReply,
			Preview:    channelsTruncate(preview, 120),
		}
	}

	if msg.ForwardOrigin != nil {
		mc.ForwardFrom = "forwarded message"
	}

	if msg.Location != nil {
		mc.Location = fmt.Sprintf("%.5f,%.5f", msg.Location.Latitude, msg.Location.Longitude)
	} else if msg.Venue != nil {
		mc.Location = msg.Venue.Title
	}

	return mc
}

// enrichContentWithContext prepends reply/forward/location annotations to
// content so the agent sees what the user was responding to.
func enrichContentWithContext(content string, mc *messageContext) string {
	if mc == nil {
		return content
	}

	prefix := ""
	if mc.ReplyInfo != nil && mc.ReplyInfo.Preview != "" {
		prefix += fmt.Sprintf("[Replying to: %s]\n", mc.ReplyInfo.Preview)
	}
	if mc.ForwardFrom != "" {
		prefix += fmt.Sprintf("[%s]\n", mc.ForwardFrom)
	}
	if mc.Location != "" {
		prefix += fmt.Sprintf("[Location: %s]\n", mc.Location)
	}

	if prefix == "" {
		return content
	}
	return prefix + content
}

func channelsTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
