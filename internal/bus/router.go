package bus

import (
	"context"
	"sync"
)

// MessageBus is the concrete, in-process implementation of MessageRouter and
// EventPublisher. Channels publish inbound messages and consume outbound
// ones; the agent runtime does the opposite. Everything is buffered
// channels, matching the rest of this codebase's fan-out/collect idiom
// (see internal/queue's per-chat lanes).
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]EventHandler
}

const defaultBusBuffer = 256

// NewMessageBus creates a MessageBus with the default channel buffer size.
func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultBusBuffer)
}

// NewMessageBusSize creates a MessageBus with a caller-chosen buffer size,
// useful for tests that want PublishInbound to block after fewer messages.
func NewMessageBusSize(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = defaultBusBuffer
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, buffer),
		outbound: make(chan OutboundMessage, buffer),
		subs:     make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message from a channel adapter for the dispatch
// loop to pick up. Messages are never dropped: if the buffer is full, the
// caller blocks until ConsumeInbound frees a slot.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for the channel manager's dispatch loop.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound blocks until an outbound message is available or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers handler under id for every broadcast Event. Re-registering
// the same id replaces the previous handler.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes id's handler, if any.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast fans event out to every subscriber synchronously. Handlers must
// not block; long work belongs in the handler's own goroutine.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, handler := range b.subs {
		handler(event)
	}
}

var (
	_ MessageRouter  = (*MessageBus)(nil)
	_ EventPublisher = (*MessageBus)(nil)
)
