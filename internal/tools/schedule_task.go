package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flashclaw/flashclaw/internal/scheduler"
	"github.com/flashclaw/flashclaw/internal/store"
)

// scheduleTaskTool lets the model register a future reminder or recurring
// job against the Task Scheduler (spec §4.6/§4.7): cron, interval, or
// one-shot ("once"), validated before insertion.
type scheduleTaskTool struct {
	st  store.Store
	wake func()
}

// NewScheduleTaskTool returns the schedule_task builtin, bound to st for
// persistence and wake to nudge the scheduler's sleep timer after insert.
func NewScheduleTaskTool(st store.Store, wake func()) Tool {
	return &scheduleTaskTool{st: st, wake: wake}
}

func (t *scheduleTaskTool) Name() string { return "schedule_task" }

func (t *scheduleTaskTool) Description() string {
	return "Schedule a future one-shot reminder or a recurring job (cron or interval) that will run in this chat."
}

func (t *scheduleTaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"description": map[string]interface{}{"type": "string", "description": "What the task should do when it runs."},
			"scheduleKind": map[string]interface{}{
				"type":        "string",
				"description": `"cron", "interval", or "once".`,
				"enum":        []string{"cron", "interval", "once"},
			},
			"schedule": map[string]interface{}{
				"type":        "string",
				"description": `Cron expression, interval in milliseconds, or ISO-8601 timestamp, matching scheduleKind.`,
			},
		},
		"required": []string{"description", "scheduleKind", "schedule"},
	}
}

func (t *scheduleTaskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	description, _ := args["description"].(string)
	kind, _ := args["scheduleKind"].(string)
	value, _ := args["schedule"].(string)
	if description == "" || kind == "" || value == "" {
		return ErrorResult("description, scheduleKind and schedule are all required")
	}

	if err := scheduler.ValidateSchedule(kind, value); err != nil {
		return ErrorResult(fmt.Sprintf("invalid schedule: %v", err))
	}

	nextRunAt, err := scheduler.FirstRunAt(kind, value)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid schedule: %v", err))
	}

	chatID := ToolChatIDFromCtx(ctx)
	groupID := ToolGroupIDFromCtx(ctx)
	now := time.Now().UnixMilli()

	task := store.Task{
		ID:           uuid.NewString(),
		ChatID:       chatID,
		GroupFolder:  groupID,
		Description:  description,
		Schedule:     value,
		ScheduleKind: kind,
		NextRunAt:    nextRunAt,
		Status:       store.TaskStatusPending,
		ContextMode:  store.ContextModeGroup,
		TimeoutMs:    store.DefaultTaskTimeoutMs,
		MaxRetries:   3,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	created, err := t.st.CreateTask(ctx, task)
	if err != nil {
		return ErrorResult(fmt.Sprintf("create task failed: %v", err))
	}
	if t.wake != nil {
		t.wake()
	}
	return NewResult(fmt.Sprintf("已创建任务 %s，下次运行: %s", created.ID, time.UnixMilli(created.NextRunAt).Format(time.RFC3339)))
}
