// Package typing drives a channel's "typing..." indicator with a keepalive
// loop, since most chat platforms expire the indicator after a few seconds
// and expect it to be resent while a response is still being generated.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// MaxDuration bounds how long the indicator keeps refreshing, as a
	// safety net against a stuck controller outliving its turn.
	MaxDuration time.Duration
	// KeepaliveInterval is how often StartFn is re-invoked to refresh the
	// indicator before the platform expires it.
	KeepaliveInterval time.Duration
	// StartFn sends one "typing" action to the platform.
	StartFn func() error
}

// Controller runs a keepalive loop calling StartFn until Stop is called or
// MaxDuration elapses.
type Controller struct {
	opts    Options
	stop    chan struct{}
	stopped sync.Once
}

// New creates a Controller. Call Start to begin the keepalive loop.
func New(opts Options) *Controller {
	return &Controller{opts: opts, stop: make(chan struct{})}
}

// Start launches the keepalive loop in a background goroutine.
func (c *Controller) Start() {
	if c.opts.StartFn == nil {
		return
	}
	if err := c.opts.StartFn(); err != nil {
		slog.Debug("typing indicator send failed", "error", err)
	}

	go func() {
		interval := c.opts.KeepaliveInterval
		if interval <= 0 {
			interval = 4 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		deadline := time.NewTimer(c.opts.MaxDuration)
		defer deadline.Stop()
		if c.opts.MaxDuration <= 0 {
			deadline.Stop()
		}

		for {
			select {
			case <-c.stop:
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				if err := c.opts.StartFn(); err != nil {
					slog.Debug("typing indicator keepalive failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the keepalive loop. Safe to call multiple times.
func (c *Controller) Stop() {
	c.stopped.Do(func() {
		close(c.stop)
	})
}
