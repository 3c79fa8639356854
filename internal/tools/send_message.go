package tools

import (
	"context"
	"fmt"
)

// sendMessageTool lets the model push a message to the current chat outside
// its normal reply turn (e.g. a progress note before a long tool call). It
// dispatches through the SendFuncs injected by the channel dispatcher, per
// spec §4.4's ToolContext.sendMessage contract.
type sendMessageTool struct{}

// NewSendMessageTool returns the send_message builtin.
func NewSendMessageTool() Tool { return &sendMessageTool{} }

func (t *sendMessageTool) Name() string { return "send_message" }

func (t *sendMessageTool) Description() string {
	return "Send a standalone message to the current chat, separate from your reply. Use for progress updates during long-running work."
}

func (t *sendMessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{"type": "string", "description": "Message text to send."},
		},
		"required": []string{"text"},
	}
}

func (t *sendMessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text, _ := args["text"].(string)
	if text == "" {
		return ErrorResult("text is required")
	}
	fns := SendFuncsFromCtx(ctx)
	if fns.SendMessage == nil {
		return ErrorResult("send_message is unavailable in this context")
	}
	if err := fns.SendMessage(text); err != nil {
		return ErrorResult(fmt.Sprintf("send failed: %v", err))
	}
	return NewResult("已发送")
}
