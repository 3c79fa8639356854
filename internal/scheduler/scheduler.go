// Package scheduler implements the Task Scheduler (spec §4.6): a single
// armed timer instead of polling. It re-arms itself to the next due task on
// every wake and after every mutation, runs due tasks through a concurrency
// limiter, and re-reads each task immediately before execution in case its
// status changed underneath it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	cronparser "github.com/robfig/cron/v3"

	"github.com/flashclaw/flashclaw/internal/store"
)

// cronFieldParser additionally validates cron field syntax at task-create
// time (gronx.IsValid is more lenient about macros like @daily than we want
// to advertise in ValidateSchedule's error messages).
var cronFieldParser = cronparser.NewParser(cronparser.Minute | cronparser.Hour | cronparser.Dom | cronparser.Month | cronparser.Dow)

// maxTimerDelay is the largest delay a single time.Timer can be armed for
// (time.Duration is int64 nanoseconds but Go's runtime timer wheel only
// reliably supports up to roughly this on 32-bit builds; the spec asks for
// the same 2^31-1 ms clamp regardless of platform).
const maxTimerDelay = (1<<31 - 1) * time.Millisecond

const (
	scheduleKindCron     = "cron"
	scheduleKindInterval = "interval"
	scheduleKindOnce     = "once"
)

const (
	retryBaseDelay = 60 * time.Second
	retryMaxDelay  = 1 * time.Hour
)

// Runner executes one due task and returns a truncated result or an error.
type Runner func(ctx context.Context, task store.Task) (result string, err error)

// Scheduler arms a single timer for the next due task across the whole
// store, rather than polling.
type Scheduler struct {
	st            store.Store
	run           Runner
	concurrency   int
	timezone      *time.Location
	defaultTimeout time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	stopped  bool
	wakeCh   chan struct{}
	doneCh   chan struct{}
}

// Config tunes the scheduler.
type Config struct {
	Concurrency    int           // default 3
	DefaultTimeout time.Duration // used when a task carries no timeout
	Timezone       *time.Location
}

// New creates a Scheduler backed by st, invoking run for each due task.
func New(st store.Store, run Runner, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &Scheduler{
		st:             st,
		run:            run,
		concurrency:    cfg.Concurrency,
		timezone:       cfg.Timezone,
		defaultTimeout: cfg.DefaultTimeout,
		wakeCh:         make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
	}
}

// Start arms the initial timer and begins the wake loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
	s.Wake()
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	close(s.doneCh)
}

// Wake is the external trigger (e.g. on task create) that re-arms
// immediately instead of waiting for the current timer to fire.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		fireCh := s.arm(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.doneCh:
			return
		case <-s.wakeCh:
			continue
		case <-fireCh:
			s.runDue(ctx)
		}
	}
}

// arm computes nextWakeTime = min(task.nextRun where status=pending) and
// returns a channel that fires when that timer elapses (or never, if there
// are no pending tasks — the loop just waits on wakeCh/ctx.Done instead).
func (s *Scheduler) arm(ctx context.Context) <-chan time.Time {
	wake, ok, err := s.st.GetNextWakeTime(ctx)
	if err != nil {
		slog.Error("scheduler: get next wake time", "error", err)
		return make(chan time.Time) // never fires; next Wake()/ctx.Done() drives the loop
	}
	if !ok {
		return make(chan time.Time)
	}

	delay := time.Until(time.UnixMilli(wake))
	if delay < 0 {
		delay = 0
	}
	if delay > maxTimerDelay {
		delay = maxTimerDelay // re-arms on wake to cover longer horizons
	}

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.NewTimer(delay)
	t := s.timer
	s.mu.Unlock()
	return t.C
}

// runDue runs all currently-due tasks through a concurrency limiter, then
// re-arms.
func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now().UnixMilli()
	due, err := s.st.GetDueTasks(ctx, now)
	if err != nil {
		slog.Error("scheduler: get due tasks", "error", err)
		return
	}

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, task := range due {
		task := task
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.execute(ctx, task.ID)
		}()
	}
	wg.Wait()
}

// execute re-reads the task before running it (spec: "Each task is
// re-read before execution — if status changed to paused/completed
// meanwhile, it is skipped"), then dispatches and records the outcome.
func (s *Scheduler) execute(ctx context.Context, taskID string) {
	task, found, err := s.st.GetTaskByID(ctx, taskID)
	if err != nil {
		slog.Error("scheduler: re-read task", "task", taskID, "error", err)
		return
	}
	if !found || task.Status != store.TaskStatusPending {
		return
	}

	timeout := s.defaultTimeout
	if task.TimeoutMs > 0 {
		timeout = time.Duration(task.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, runErr := s.run(runCtx, task)
	finished := time.Now()

	taskRun := store.TaskRun{
		TaskID:     task.ID,
		StartedAt:  start.UnixMilli(),
		FinishedAt: finished.UnixMilli(),
		Success:    runErr == nil,
	}
	if runErr != nil {
		taskRun.Error = runErr.Error()
		s.onFailure(ctx, task, taskRun)
		return
	}
	if len(result) > 200 {
		result = result[:200]
	}
	taskRun.Error = result

	next, status, err := s.nextRunAfterSuccess(task)
	if err != nil {
		slog.Error("scheduler: compute next run", "task", task.ID, "error", err)
		status = store.TaskStatusFailed
	}
	if err := s.st.UpdateTaskAfterRun(ctx, task.ID, taskRun, next, status); err != nil {
		slog.Error("scheduler: update task after run", "task", task.ID, "error", err)
	}
}

func (s *Scheduler) onFailure(ctx context.Context, task store.Task, run store.TaskRun) {
	retryCount := task.RetryCount + 1
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	if retryCount >= maxRetries {
		if task.ScheduleKind == scheduleKindOnce {
			task.Status = store.TaskStatusDone
		} else {
			next, _, err := s.nextRunAfterSuccess(task)
			if err != nil {
				next = time.Now().Add(retryBaseDelay).UnixMilli()
			}
			task.NextRunAt = next
			task.Status = store.TaskStatusPending
		}
		task.RetryCount = 0
		task.LastError = run.Error
		task.UpdatedAt = time.Now().UnixMilli()
		if err := s.st.UpdateTask(ctx, task); err != nil {
			slog.Error("scheduler: reset task after retry exhaustion", "task", task.ID, "error", err)
		}
		if err := s.st.LogTaskRun(ctx, run); err != nil {
			slog.Error("scheduler: log task run", "task", task.ID, "error", err)
		}
		return
	}

	backoff := retryBaseDelay * time.Duration(1<<uint(retryCount-1))
	if backoff > retryMaxDelay {
		backoff = retryMaxDelay
	}
	nextRun := time.Now().Add(backoff).UnixMilli()
	if err := s.st.UpdateTaskRetry(ctx, task.ID, retryCount, run.Error, nextRun); err != nil {
		slog.Error("scheduler: update task retry", "task", task.ID, "error", err)
	}
	if err := s.st.LogTaskRun(ctx, run); err != nil {
		slog.Error("scheduler: log task run", "task", task.ID, "error", err)
	}
}

// nextRunAfterSuccess computes the next run time per the task's schedule
// kind: cron via gronx with the scheduler's timezone, interval as
// now+value, once → task becomes done.
func (s *Scheduler) nextRunAfterSuccess(task store.Task) (nextRunAt int64, status string, err error) {
	switch task.ScheduleKind {
	case scheduleKindCron:
		ref := time.Now().In(s.timezone)
		next, err := gronx.NextTickAfter(task.Schedule, ref, false)
		if err != nil {
			return 0, store.TaskStatusFailed, fmt.Errorf("compute next cron tick: %w", err)
		}
		return next.UnixMilli(), store.TaskStatusPending, nil
	case scheduleKindInterval:
		var ms int64
		if _, scanErr := fmt.Sscanf(task.Schedule, "%d", &ms); scanErr != nil || ms <= 0 {
			return 0, store.TaskStatusFailed, fmt.Errorf("invalid interval schedule %q", task.Schedule)
		}
		return time.Now().Add(time.Duration(ms) * time.Millisecond).UnixMilli(), store.TaskStatusPending, nil
	case scheduleKindOnce:
		return 0, store.TaskStatusDone, nil
	default:
		return 0, store.TaskStatusFailed, fmt.Errorf("unknown schedule kind %q", task.ScheduleKind)
	}
}

// FirstRunAt computes the initial nextRunAt for a newly created task, given
// an already-validated (kind, value) pair: "once" is the ISO-8601 timestamp
// itself, "interval" is now+value-ms, "cron" is the next tick after now.
func FirstRunAt(kind, value string) (int64, error) {
	switch kind {
	case scheduleKindOnce:
		ts, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return 0, err
		}
		return ts.UnixMilli(), nil
	case scheduleKindInterval:
		var ms int64
		if _, err := fmt.Sscanf(value, "%d", &ms); err != nil || ms <= 0 {
			return 0, fmt.Errorf("interval must be a positive integer (ms)")
		}
		return time.Now().Add(time.Duration(ms) * time.Millisecond).UnixMilli(), nil
	case scheduleKindCron:
		next, err := gronx.NextTickAfter(value, time.Now(), false)
		if err != nil {
			return 0, err
		}
		return next.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// ValidateSchedule checks a (kind, value) pair before a task is inserted,
// per spec §4.7: "Task create must validate the cron/interval/once value
// before insertion."
func ValidateSchedule(kind, value string) error {
	switch kind {
	case scheduleKindCron:
		if !gronx.IsValid(value) {
			return errors.New("invalid cron expression")
		}
		if _, err := cronFieldParser.Parse(value); err != nil {
			return fmt.Errorf("invalid cron fields: %w", err)
		}
	case scheduleKindInterval:
		var ms int64
		if _, err := fmt.Sscanf(value, "%d", &ms); err != nil || ms <= 0 {
			return errors.New("interval must be a positive integer (ms)")
		}
	case scheduleKindOnce:
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return fmt.Errorf("once schedule must be ISO-8601: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", kind)
	}
	return nil
}
