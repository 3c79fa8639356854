package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/flashclaw/flashclaw/internal/agent"
	"github.com/flashclaw/flashclaw/internal/bootstrap"
	"github.com/flashclaw/flashclaw/internal/bus"
	"github.com/flashclaw/flashclaw/internal/channels"
	"github.com/flashclaw/flashclaw/internal/channels/dingtalk"
	"github.com/flashclaw/flashclaw/internal/channels/feishu"
	"github.com/flashclaw/flashclaw/internal/channels/telegram"
	"github.com/flashclaw/flashclaw/internal/channels/terminal"
	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/internal/dispatch"
	"github.com/flashclaw/flashclaw/internal/groups"
	"github.com/flashclaw/flashclaw/internal/ipc"
	"github.com/flashclaw/flashclaw/internal/memory"
	"github.com/flashclaw/flashclaw/internal/paths"
	"github.com/flashclaw/flashclaw/internal/providers"
	"github.com/flashclaw/flashclaw/internal/scheduler"
	"github.com/flashclaw/flashclaw/internal/sessions"
	"github.com/flashclaw/flashclaw/internal/store"
	"github.com/flashclaw/flashclaw/internal/store/sqlite"
	"github.com/flashclaw/flashclaw/internal/tools"
	"github.com/flashclaw/flashclaw/internal/tracker"
)

// runGateway loads config, wires every component, and serves until a
// shutdown signal arrives. Unlike the teacher's multi-tenant managed mode,
// there is exactly one agent loop, one provider, and one store here.
func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.HasAnyProvider() {
		slog.Error("no provider API key configured", "hint", "set FLASHCLAW_ANTHROPIC_API_KEY or FLASHCLAW_OPENAI_API_KEY")
		os.Exit(1)
	}

	root := paths.Root()
	if err := paths.EnsureRoot(root); err != nil {
		slog.Error("failed to set up state root", "root", root, "error", err)
		os.Exit(1)
	}

	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	if workspace == "" {
		workspace = paths.GroupsDir(root)
	}
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("failed to create workspace", "error", err)
		os.Exit(1)
	}
	if _, err := bootstrap.EnsureGroupFiles(workspace); err != nil {
		slog.Warn("failed to seed workspace persona files", "error", err)
	}

	provider := resolveProvider(cfg)
	slog.Info("provider selected", "name", provider.Name(), "model", provider.DefaultModel())

	msgBus := bus.NewMessageBus()

	st, err := sqlite.Open(paths.DBFile(root))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	memMgr := memory.NewManager(paths.MemoryDir(root))
	trackerMgr := tracker.New(paths.SessionTrackerCacheFile(root))
	defer trackerMgr.Shutdown()

	toolsReg := tools.NewRegistry()

	for _, t := range tools.NewMemoryTools(memMgr) {
		toolsReg.Register(t)
	}
	toolsReg.Register(tools.NewSendMessageTool())
	toolsReg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))

	var sched *scheduler.Scheduler
	toolsReg.Register(tools.NewScheduleTaskTool(st, func() {
		if sched != nil {
			sched.Wake()
		}
	}))

	toolPE := tools.NewPolicyEngine(&config.ToolsConfig{})

	loop := agent.NewLoop(agent.LoopConfig{
		ID:         config.DefaultAgentID,
		Provider:   provider,
		Config:     cfg,
		Memory:     memMgr,
		Tracker:    trackerMgr,
		Tools:      toolsReg,
		ToolPolicy: toolPE,
		Bus:        msgBus,
	})

	d := dispatch.New(dispatch.Config{
		Bus:      msgBus,
		Cfg:      cfg,
		Loop:     loop,
		Provider: provider,
		Memory:   memMgr,
		Tracker:  trackerMgr,
		Store:    st,
		AgentID:  config.DefaultAgentID,
	})
	defer d.Close()

	sched = scheduler.New(st, makeSchedulerRunner(loop, msgBus), scheduler.Config{})
	defer sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channelMgr := channels.NewManager(msgBus)
	registerChannels(channelMgr, cfg, msgBus)

	groupRegistry, err := groups.Load(paths.RegisteredGroupsFile(root))
	if err != nil {
		slog.Error("failed to load group registry", "error", err)
		os.Exit(1)
	}

	ipcBus, err := ipc.New(ipc.Config{
		Root:            paths.IPCDir(root),
		MaxFileBytes:    int64(cfg.Tuning.MaxIPCFileBytes),
		MaxMessageChars: cfg.Tuning.MaxIPCMessageChars,
		MaxChatIDChars:  cfg.Tuning.MaxIPCChatIDChars,
	}, makeIPCHandler(msgBus, st, sched, groupRegistry, root))
	if err != nil {
		slog.Warn("ipc bus unavailable", "error", err)
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	sched.Start(ctx)
	if ipcBus != nil {
		stopIPC := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(stopIPC)
		}()
		go func() {
			if err := ipcBus.Run(stopIPC); err != nil {
				slog.Warn("ipc bus stopped", "error", err)
			}
		}()
	}

	go d.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("flashclaw gateway starting",
		"version", Version,
		"channels", channelMgr.GetEnabledChannels(),
		"workspace", workspace,
	)

	<-sigCh
	slog.Info("graceful shutdown initiated")
	channelMgr.StopAll(context.Background())
	sched.Stop()
	cancel()
}

// resolveProvider picks the configured provider: Anthropic takes precedence
// per spec §6.2's default, falling back to the OpenAI-compatible provider.
func resolveProvider(cfg *config.Config) providers.Provider {
	if cfg.Providers.Anthropic.APIKey != "" {
		opts := []providers.AnthropicOption{providers.WithAnthropicModel(cfg.Agents.Defaults.Model)}
		if cfg.Providers.Anthropic.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.APIBase))
		}
		return providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, opts...)
	}
	return providers.NewOpenAIProvider("openai", cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Agents.Defaults.Model)
}

func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus) {
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			mgr.RegisterChannel("telegram", ch)
			slog.Info("telegram channel enabled")
		}
	}
	if cfg.Channels.Feishu.Enabled && cfg.Channels.Feishu.AppID != "" {
		ch, err := feishu.New(cfg.Channels.Feishu, msgBus)
		if err != nil {
			slog.Error("failed to initialize feishu channel", "error", err)
		} else {
			mgr.RegisterChannel("feishu", ch)
			slog.Info("feishu channel enabled")
		}
	}
	if cfg.Channels.DingTalk.Enabled && cfg.Channels.DingTalk.ClientID != "" {
		ch, err := dingtalk.New(cfg.Channels.DingTalk, msgBus)
		if err != nil {
			slog.Error("failed to initialize dingtalk channel", "error", err)
		} else {
			mgr.RegisterChannel("dingtalk", ch)
			slog.Info("dingtalk channel enabled")
		}
	}
	if cfg.Channels.Terminal.Enabled {
		ch, err := terminal.New(cfg.Channels.Terminal, msgBus)
		if err != nil {
			slog.Error("failed to initialize terminal channel", "error", err)
		} else {
			mgr.RegisterChannel("terminal", ch)
			slog.Info("terminal channel enabled")
		}
	}
}

// makeSchedulerRunner adapts a due store.Task into one agent.Loop run,
// publishing the result (or a failure note) back to the task's origin chat.
func makeSchedulerRunner(loop *agent.Loop, msgBus *bus.MessageBus) scheduler.Runner {
	return func(ctx context.Context, task store.Task) (string, error) {
		agentID := config.DefaultAgentID
		channel := "cron"
		if task.GroupFolder != "" {
			channel = task.GroupFolder
		}

		// contextMode "isolated" runs with no prior session (a fresh
		// per-run key); "group" (the default) rejoins the task's own
		// chat session so the run sees the same memory/history a normal
		// turn would.
		groupID := task.GroupFolder
		if task.ContextMode == store.ContextModeIsolated {
			groupID = sessions.BuildCronSessionKey(agentID, task.ID, fmt.Sprintf("%d", task.NextRunAt))
		}

		result, err := loop.Run(ctx, agent.RunRequest{
			Message:         task.Description,
			ChatID:          task.ChatID,
			GroupID:         groupID,
			RunID:           fmt.Sprintf("task-%s-%d", task.ID, task.NextRunAt),
			IsScheduledTask: true,
		})
		if err != nil {
			return "", err
		}

		if result.Content != "" && task.ChatID != "" {
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: channel,
				ChatID:  task.ChatID,
				Content: result.Content,
			})
		}
		return result.Content, nil
	}
}

// makeIPCHandler dispatches file-dropped envelopes (spec §4.7): plain
// messages go straight to the bus as inbound traffic; schedule_task mirrors
// the schedule_task builtin tool's own validated create path;
// pause/resume/cancel mutate the task's stored status and wake the
// scheduler; register_group upserts the chat registry and seeds the
// group's workspace directory.
func makeIPCHandler(msgBus *bus.MessageBus, st store.Store, sched *scheduler.Scheduler, registry *groups.Registry, root string) ipc.Handler {
	return func(sourceGroup string, env ipc.Envelope) error {
		ctx := context.Background()
		switch env.Type {
		case ipc.TypeMessage, ipc.TypeImage:
			msgBus.PublishInbound(bus.InboundMessage{
				Channel:  env.Platform,
				SenderID: "ipc:" + sourceGroup,
				ChatID:   env.ChatJID,
				Content:  env.Text,
				PeerKind: "direct",
			})
			return nil

		case ipc.TypeScheduleTask:
			if err := scheduler.ValidateSchedule(env.ScheduleType, env.ScheduleValue); err != nil {
				return fmt.Errorf("ipc: invalid schedule: %w", err)
			}
			nextRunAt, err := scheduler.FirstRunAt(env.ScheduleType, env.ScheduleValue)
			if err != nil {
				return fmt.Errorf("ipc: invalid schedule: %w", err)
			}
			contextMode := env.ContextMode
			if contextMode == "" {
				contextMode = store.ContextModeGroup
			}
			maxRetries := 3
			if env.MaxRetries != nil {
				maxRetries = *env.MaxRetries
			}
			timeoutMs := store.DefaultTaskTimeoutMs
			if env.TimeoutMs != nil {
				timeoutMs = *env.TimeoutMs
			}
			now := time.Now().UnixMilli()
			_, err = st.CreateTask(ctx, store.Task{
				ID:           uuid.NewString(),
				ChatID:       env.ChatJID,
				GroupFolder:  sourceGroup,
				Description:  env.Prompt,
				Schedule:     env.ScheduleValue,
				ScheduleKind: env.ScheduleType,
				NextRunAt:    nextRunAt,
				Status:       store.TaskStatusPending,
				ContextMode:  contextMode,
				TimeoutMs:    timeoutMs,
				MaxRetries:   maxRetries,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
			if err == nil && sched != nil {
				sched.Wake()
			}
			return err

		case ipc.TypePauseTask:
			return setTaskStatus(ctx, st, sched, env.TaskID, store.TaskStatusPaused)

		case ipc.TypeResumeTask:
			return setTaskStatus(ctx, st, sched, env.TaskID, store.TaskStatusPending)

		case ipc.TypeCancelTask:
			if _, found, err := st.GetTaskByID(ctx, env.TaskID); err != nil {
				return fmt.Errorf("ipc: look up task: %w", err)
			} else if !found {
				return fmt.Errorf("ipc: task %q not found", env.TaskID)
			}
			return st.DeleteTask(ctx, env.TaskID)

		case ipc.TypeRegisterGroup:
			groupDir := paths.GroupDir(root, env.Folder)
			if _, err := bootstrap.EnsureGroupFiles(groupDir); err != nil {
				return fmt.Errorf("ipc: seed group workspace: %w", err)
			}
			if err := registry.Register(groups.Group{
				JID:         env.JID,
				Name:        env.Name,
				Folder:      env.Folder,
				Trigger:     env.Trigger,
				AgentConfig: env.AgentConfig,
			}); err != nil {
				return fmt.Errorf("ipc: register group: %w", err)
			}
			return st.StoreChatMetadata(ctx, env.JID, time.Now().UnixMilli())

		default:
			return fmt.Errorf("ipc: unsupported envelope type %q", env.Type)
		}
	}
}

// setTaskStatus re-reads a task by id, flips its status, persists, and
// wakes the scheduler so a resume takes effect without waiting for the
// next natural timer fire.
func setTaskStatus(ctx context.Context, st store.Store, sched *scheduler.Scheduler, taskID, status string) error {
	task, found, err := st.GetTaskByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("ipc: look up task: %w", err)
	}
	if !found {
		return fmt.Errorf("ipc: task %q not found", taskID)
	}
	task.Status = status
	task.UpdatedAt = time.Now().UnixMilli()
	if err := st.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("ipc: update task: %w", err)
	}
	if sched != nil {
		sched.Wake()
	}
	return nil
}
