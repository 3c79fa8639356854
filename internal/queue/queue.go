// Package queue implements the Message Queue (spec §4.5): a per-chat FIFO
// with a global concurrency cap, a processing timeout per dispatch, and a
// bounded retry budget. Each chat with pending work gets its own lane,
// drained by one goroutine, so at most one message per chatId is in flight;
// a semaphore channel caps how many lanes dispatch at once.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull is returned by Enqueue when maxQueueSize is exceeded.
var ErrQueueFull = errors.New("queue: at capacity")

// Handler processes one item. A non-nil error triggers a retry (up to
// MaxRetries) or, once exhausted, a drop.
type Handler func(ctx context.Context, item Item) error

// Item is one unit of work, identified by ChatID for per-chat ordering.
type Item struct {
	ChatID  string
	Payload interface{}
	retries int
}

// Config tunes the queue, per spec §6.6's MESSAGE_QUEUE_* knobs.
type Config struct {
	MaxQueueSize       int
	MaxConcurrent      int
	ProcessingTimeout  time.Duration
	MaxRetries         int
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 120 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 2
	}
	return c
}

// chatLane serializes items for a single chat: enqueue appends, the lane's
// own goroutine drains it one at a time, honoring the global semaphore.
type chatLane struct {
	mu      sync.Mutex
	pending []Item
	active  bool
}

// Queue is the Message Queue.
type Queue struct {
	cfg     Config
	handler Handler

	mu    sync.Mutex
	lanes map[string]*chatLane
	size  int // total pending+active items, for maxQueueSize backpressure

	sem chan struct{} // global concurrency cap

	wg     sync.WaitGroup
	closed bool
}

// New creates a Queue that dispatches to handler.
func New(cfg Config, handler Handler) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:     cfg,
		handler: handler,
		lanes:   make(map[string]*chatLane),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Enqueue adds item to its chat's lane, failing fast if the queue is at
// capacity or closed.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue: closed")
	}
	if q.size >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.size++
	lane, ok := q.lanes[item.ChatID]
	if !ok {
		lane = &chatLane{}
		q.lanes[item.ChatID] = lane
	}
	q.mu.Unlock()

	lane.mu.Lock()
	lane.pending = append(lane.pending, item)
	shouldStart := !lane.active
	if shouldStart {
		lane.active = true
	}
	lane.mu.Unlock()

	if shouldStart {
		q.wg.Add(1)
		go q.drainLane(item.ChatID, lane)
	}
	return nil
}

// drainLane processes lane's items strictly in order, one at a time,
// acquiring the global semaphore slot for each dispatch.
func (q *Queue) drainLane(chatID string, lane *chatLane) {
	defer q.wg.Done()
	for {
		lane.mu.Lock()
		if len(lane.pending) == 0 {
			lane.active = false
			lane.mu.Unlock()
			return
		}
		item := lane.pending[0]
		lane.pending = lane.pending[1:]
		lane.mu.Unlock()

		q.sem <- struct{}{}
		q.dispatch(item)
		<-q.sem

		q.mu.Lock()
		q.size--
		q.mu.Unlock()
	}
}

// dispatch runs handler under ProcessingTimeout, retrying on error up to
// MaxRetries. A retried item is appended to the back of its chat's lane,
// so items enqueued for that chat after it run before the retry.
func (q *Queue) dispatch(item Item) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ProcessingTimeout)
	defer cancel()

	err := q.handler(ctx, item)
	if err == nil {
		return
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		slog.Warn("queue: processing timeout", "chatId", item.ChatID)
	}

	item.retries++
	if item.retries > q.cfg.MaxRetries {
		slog.Error("queue: dropping item after exhausting retries",
			"chatId", item.ChatID, "retries", item.retries, "error", err)
		return
	}
	slog.Warn("queue: retrying item", "chatId", item.ChatID, "attempt", item.retries, "error", err)

	q.mu.Lock()
	lane := q.lanes[item.ChatID]
	q.size++
	q.mu.Unlock()

	lane.mu.Lock()
	lane.pending = append(lane.pending, item)
	lane.mu.Unlock()
}

// Len returns the current total pending+in-flight item count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close marks the queue closed to new Enqueue calls and waits for all lanes
// to drain.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
