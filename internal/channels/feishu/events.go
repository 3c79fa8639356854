package feishu

// MessageEvent is the subset of Feishu's "im.message.receive_v1" event
// payload this channel understands, delivered over both the WebSocket
// long connection and the webhook callback.
type MessageEvent struct {
	Schema string      `json:"schema"`
	Header EventHeader `json:"header"`
	Event  struct {
		Sender  EventSender  `json:"sender"`
		Message EventMessage `json:"message"`
	} `json:"event"`
}

type EventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
	TenantKey  string `json:"tenant_key"`
}

type EventSender struct {
	SenderID struct {
		UnionID string `json:"union_id"`
		UserID  string `json:"user_id"`
		OpenID  string `json:"open_id"`
	} `json:"sender_id"`
	SenderType string `json:"sender_type"`
	TenantKey  string `json:"tenant_key"`
}

type EventMessage struct {
	MessageID   string            `json:"message_id"`
	RootID      string            `json:"root_id,omitempty"`
	ParentID    string            `json:"parent_id,omitempty"`
	CreateTime  string            `json:"create_time"`
	ChatID      string            `json:"chat_id"`
	ChatType    string            `json:"chat_type"` // "p2p" or "group"
	MessageType string            `json:"message_type"`
	Content     string            `json:"content"`
	Mentions    []EventMention    `json:"mentions,omitempty"`
}

type EventMention struct {
	Key string `json:"key"` // "@_user_1" placeholder in Content
	ID  struct {
		UnionID string `json:"union_id"`
		UserID  string `json:"user_id"`
		OpenID  string `json:"open_id"`
	} `json:"id"`
	Name      string `json:"name"`
	TenantKey string `json:"tenant_key"`
}
