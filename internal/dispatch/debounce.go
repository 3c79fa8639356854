package dispatch

import (
	"sync"
	"time"

	"github.com/flashclaw/flashclaw/internal/bus"
)

// Debouncer merges rapid-fire messages from the same sender within a short
// window into one flush, so a user who sends three messages in two seconds
// triggers one agent run instead of three. Keyed on channel+chatID+senderID
// so two different chats, or two senders in one chat, never merge.
type Debouncer struct {
	window time.Duration
	flush  func(bus.InboundMessage)

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	msg   bus.InboundMessage
	timer *time.Timer
}

// NewDebouncer creates a Debouncer that calls flush once window has elapsed
// since the last message for a given chat. window<=0 disables merging: every
// message flushes immediately.
func NewDebouncer(window time.Duration, flush func(bus.InboundMessage)) *Debouncer {
	return &Debouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*pendingEntry),
	}
}

// Add queues msg for key (normally channel+":"+chatID+":"+senderID), merging its content
// onto an in-flight pending message for the same key if one exists within
// the window, or flushing immediately if window<=0.
func (d *Debouncer) Add(key string, msg bus.InboundMessage) {
	if d.window <= 0 {
		d.flush(msg)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.pending[key]; ok {
		existing.timer.Stop()
		existing.msg = mergeMessages(existing.msg, msg)
		existing.timer = time.AfterFunc(d.window, func() { d.fire(key) })
		return
	}

	entry := &pendingEntry{msg: msg}
	entry.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.pending[key] = entry
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		d.flush(entry.msg)
	}
}

// mergeMessages joins base and next's text content with a newline and
// appends next's media onto base's, taking the identity (sender, chat,
// metadata) from next, the latest message; both arrived from the same
// conversation within the debounce window.
func mergeMessages(base, next bus.InboundMessage) bus.InboundMessage {
	merged := next
	if base.Content != "" && next.Content != "" {
		merged.Content = base.Content + "\n" + next.Content
	} else if base.Content != "" {
		merged.Content = base.Content
	}
	merged.Media = append(append([]string{}, base.Media...), next.Media...)
	return merged
}
