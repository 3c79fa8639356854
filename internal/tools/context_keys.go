package tools

import "context"

// Tool execution context keys.
// These replace mutable setter fields on tool instances, making tools thread-safe
// for concurrent execution. Values are injected by the registry before Execute
// and read by individual tools, per spec §4.4's ToolContext{chatId, groupId,
// userId, sendMessage, sendImage} contract.

type toolContextKey string

const (
	ctxChatID    toolContextKey = "tool_chat_id"
	ctxGroupID   toolContextKey = "tool_group_id"
	ctxUserID    toolContextKey = "tool_user_id"
	ctxAsyncCB   toolContextKey = "tool_async_cb"
	ctxWorkspace toolContextKey = "tool_workspace"
	ctxSendFns   toolContextKey = "tool_send_fns"
)

// AsyncCallback lets a long-running tool report its eventual result after
// Execute has already returned an AsyncResult placeholder.
type AsyncCallback func(result string, isError bool)

func WithToolChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ctxChatID, chatID)
}

func ToolChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}

func WithToolGroupID(ctx context.Context, groupID string) context.Context {
	return context.WithValue(ctx, ctxGroupID, groupID)
}

func ToolGroupIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxGroupID).(string)
	return v
}

func WithToolUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

func ToolUserIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

func WithToolAsyncCB(ctx context.Context, cb AsyncCallback) context.Context {
	return context.WithValue(ctx, ctxAsyncCB, cb)
}

func ToolAsyncCBFromCtx(ctx context.Context) AsyncCallback {
	v, _ := ctx.Value(ctxAsyncCB).(AsyncCallback)
	return v
}

func WithToolWorkspace(ctx context.Context, ws string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, ws)
}

func ToolWorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}

// SendFuncs carries the two IPC-backed emitters spec §4.4's ToolContext
// names: sendMessage(text) and sendImage(data, caption?). They write IPC
// envelopes and never block on network I/O themselves.
type SendFuncs struct {
	SendMessage func(text string) error
	SendImage   func(data []byte, caption string) error
}

func WithSendFuncs(ctx context.Context, fns SendFuncs) context.Context {
	return context.WithValue(ctx, ctxSendFns, fns)
}

func SendFuncsFromCtx(ctx context.Context) SendFuncs {
	v, _ := ctx.Value(ctxSendFns).(SendFuncs)
	return v
}
