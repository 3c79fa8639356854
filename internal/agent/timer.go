package agent

import (
	"sync/atomic"
	"time"
)

// activityTimer aborts a run when no stream event, tool start, or tool end
// has reset it within the configured duration (spec §5's "agent activity
// timer" cancellation rule). A zero duration disables the timer.
type activityTimer struct {
	d        time.Duration
	reset_   chan struct{}
	done     chan struct{}
	timedOut atomic.Bool
}

func newActivityTimer(d time.Duration) *activityTimer {
	return &activityTimer{
		d:      d,
		reset_: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// reset restarts the countdown. Safe to call from stream/tool callbacks.
func (t *activityTimer) reset() {
	if t.d <= 0 {
		return
	}
	select {
	case t.reset_ <- struct{}{}:
	default:
	}
}

// watch runs until stop() is called, invoking cancel() once the timer fires
// without an intervening reset.
func (t *activityTimer) watch(cancel func()) {
	if t.d <= 0 {
		<-t.done
		return
	}
	timer := time.NewTimer(t.d)
	defer timer.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-t.reset_:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(t.d)
		case <-timer.C:
			t.timedOut.Store(true)
			cancel()
			return
		}
	}
}

func (t *activityTimer) stop() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}
