// Package ipc implements the IPC Bus (spec §4.7): a file-drop channel under
// <root>/data/ipc/<groupFolder>/{messages,tasks}/*.json that other
// processes (plugins, external scripts) use to inject messages or schedule
// tasks without going through a channel adapter. It polls via fsnotify with
// a plain interval fallback, validates a discriminated-union JSON schema,
// and enforces the "only the main group may target other groups" rule.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
)

// MainGroupFolder is the privileged source group allowed to target other
// groups and register new ones.
const MainGroupFolder = "main"

// Limits, per spec §6.6 (defaults; override via Config).
const (
	DefaultMaxFileBytes    = 256 * 1024
	DefaultMaxMessageChars = 8000
	DefaultMaxChatIDChars  = 256
)

// Envelope kinds (the "type" discriminant).
const (
	TypeMessage      = "message"
	TypeImage        = "image"
	TypeScheduleTask = "schedule_task"
	TypePauseTask    = "pause_task"
	TypeResumeTask   = "resume_task"
	TypeCancelTask   = "cancel_task"
	TypeRegisterGroup = "register_group"
)

// Envelope is the raw, partially-parsed IPC file contents. Handler
// implementations type-switch on Type and read the field they need.
type Envelope struct {
	Type string `json:"type"`

	// message / image
	ChatJID     string `json:"chatJid"`
	Text        string `json:"text"`
	GroupFolder string `json:"groupFolder"`
	Platform    string `json:"platform"`
	ImageData   string `json:"imageData"`
	Caption     string `json:"caption"`

	// schedule_task
	Prompt       string `json:"prompt"`
	ScheduleType string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode  string `json:"context_mode"`
	MaxRetries   *int   `json:"max_retries"`
	TimeoutMs    *int   `json:"timeout_ms"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"taskId"`

	// register_group
	JID          string          `json:"jid"`
	Name         string          `json:"name"`
	Folder       string          `json:"folder"`
	Trigger      string          `json:"trigger"`
	AgentConfig  json.RawMessage `json:"agentConfig,omitempty"`
}

var folderRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Handler dispatches a validated envelope whose source group is
// sourceGroup (derived from the directory it was dropped in).
type Handler func(sourceGroup string, env Envelope) error

// Config tunes file-size/field limits and the poll fallback interval.
type Config struct {
	Root            string // <root>/data/ipc
	PollInterval    time.Duration
	MaxFileBytes    int64
	MaxMessageChars int
	MaxChatIDChars  int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = DefaultMaxFileBytes
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = DefaultMaxMessageChars
	}
	if c.MaxChatIDChars <= 0 {
		c.MaxChatIDChars = DefaultMaxChatIDChars
	}
	return c
}

// Bus watches Config.Root for dropped envelope files and dispatches them to
// a Handler.
type Bus struct {
	cfg     Config
	handler Handler
	watcher *fsnotify.Watcher
}

// New creates a Bus rooted at cfg.Root (e.g. paths.IPCDir(root)).
func New(cfg Config, handler Handler) (*Bus, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("ipc: create root: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ipc: create watcher: %w", err)
	}
	return &Bus{cfg: cfg, handler: handler, watcher: watcher}, nil
}

// Run watches for new files and also sweeps on PollInterval as a fallback
// for filesystems/editors whose writes fsnotify misses. Blocks until stop
// is closed.
func (b *Bus) Run(stop <-chan struct{}) error {
	if err := b.addWatches(); err != nil {
		slog.Warn("ipc: could not add all watches", "error", err)
	}

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	b.sweep()
	for {
		select {
		case <-stop:
			return b.watcher.Close()
		case event, ok := <-b.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && filepath.Ext(event.Name) == ".json" {
				b.processFile(event.Name)
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("ipc: watcher error", "error", err)
		case <-ticker.C:
			b.sweep()
			b.addWatches() // pick up newly-created group folders
		}
	}
}

func (b *Bus) addWatches() error {
	groups, err := os.ReadDir(b.cfg.Root)
	if err != nil {
		return err
	}
	var firstErr error
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		for _, sub := range []string{"messages", "tasks"} {
			dir := filepath.Join(b.cfg.Root, g.Name(), sub)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				continue
			}
			if err := b.watcher.Add(dir); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// sweep scans every messages/tasks directory for .json files, in case
// fsnotify dropped an event (e.g. under heavy write bursts).
func (b *Bus) sweep() {
	groups, err := os.ReadDir(b.cfg.Root)
	if err != nil {
		return
	}
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		for _, sub := range []string{"messages", "tasks"} {
			dir := filepath.Join(b.cfg.Root, g.Name(), sub)
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
					b.processFile(filepath.Join(dir, e.Name()))
				}
			}
		}
	}
}

// processFile implements the per-file pipeline from spec §4.7: size check,
// parse+validate, authorise, dispatch, unlink (or quarantine on any
// failure).
func (b *Bus) processFile(path string) {
	sourceGroup := sourceGroupFromPath(b.cfg.Root, path)
	if sourceGroup == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return // already consumed by a concurrent sweep/event
	}
	if info.Size() > b.cfg.MaxFileBytes {
		b.quarantine(sourceGroup, path, errors.New("file exceeds MAX_IPC_FILE_BYTES"))
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.quarantine(sourceGroup, path, fmt.Errorf("invalid json: %w", err))
		return
	}

	if err := b.validate(env); err != nil {
		b.quarantine(sourceGroup, path, err)
		return
	}

	if err := b.authorise(sourceGroup, env); err != nil {
		slog.Warn("ipc: dropping unauthorised envelope", "source", sourceGroup, "type", env.Type, "error", err)
		os.Remove(path)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				b.quarantine(sourceGroup, path, fmt.Errorf("handler panic: %v", r))
			}
		}()
		if err := b.handler(sourceGroup, env); err != nil {
			b.quarantine(sourceGroup, path, err)
			return
		}
		os.Remove(path)
	}()
}

func (b *Bus) validate(env Envelope) error {
	switch env.Type {
	case TypeMessage, TypeImage:
		if env.ChatJID == "" || len(env.ChatJID) > b.cfg.MaxChatIDChars {
			return errors.New("chatJid missing or too long")
		}
		if env.Type == TypeMessage && (env.Text == "" || len(env.Text) > b.cfg.MaxMessageChars) {
			return errors.New("text missing or too long")
		}
		if env.Type == TypeImage && env.ImageData == "" {
			return errors.New("imageData missing")
		}
	case TypeScheduleTask:
		if len(env.Prompt) == 0 || len(env.Prompt) > 10000 {
			return errors.New("prompt must be 1..10000 chars")
		}
		switch env.ScheduleType {
		case "cron", "interval", "once":
		default:
			return errors.New("schedule_type must be cron, interval, or once")
		}
		if len(env.ScheduleValue) == 0 || len(env.ScheduleValue) > 200 {
			return errors.New("schedule_value must be 1..200 chars")
		}
		if env.GroupFolder == "" {
			return errors.New("groupFolder required")
		}
		if env.MaxRetries != nil && (*env.MaxRetries < 0 || *env.MaxRetries > 10) {
			return errors.New("max_retries must be 0..10")
		}
		if env.TimeoutMs != nil && (*env.TimeoutMs < 1000 || *env.TimeoutMs > 3600000) {
			return errors.New("timeout_ms must be 1000..3600000")
		}
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		if len(env.TaskID) == 0 || len(env.TaskID) > 100 {
			return errors.New("taskId must be 1..100 chars")
		}
	case TypeRegisterGroup:
		if env.JID == "" || env.Folder == "" {
			return errors.New("jid and folder required")
		}
		if !folderRe.MatchString(env.Folder) {
			return errors.New("folder must match ^[A-Za-z0-9_-]+$")
		}
	default:
		return fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return nil
}

// authorise applies spec §4.7 step 3: only the main group may target a
// different folder than its own, and only the main group may register
// groups at all.
func (b *Bus) authorise(sourceGroup string, env Envelope) error {
	isMain := sourceGroup == MainGroupFolder

	if env.Type == TypeRegisterGroup {
		if !isMain {
			return errors.New("register_group is main-only")
		}
		return nil
	}

	target := env.GroupFolder
	if target == "" || isMain {
		return nil
	}
	if target != sourceGroup {
		return fmt.Errorf("cross-group target %q from source %q", target, sourceGroup)
	}
	return nil
}

// quarantine moves a bad file to errors/<source>-<name> and logs at WARN,
// per spec §4.7 step 1/4.
func (b *Bus) quarantine(sourceGroup, path string, cause error) {
	slog.Warn("ipc: quarantining envelope", "source", sourceGroup, "path", path, "error", cause)
	errDir := filepath.Join(b.cfg.Root, sourceGroup, "errors")
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		os.Remove(path)
		return
	}
	dest := filepath.Join(errDir, sourceGroup+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		os.Remove(path)
	}
}

func sourceGroupFromPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	// rel is like "<group>/messages/<file>.json" — take the first segment.
	first := rel
	if idx := indexOfSeparator(rel); idx >= 0 {
		first = rel[:idx]
	}
	return first
}

func indexOfSeparator(s string) int {
	for i, r := range s {
		if r == os.PathSeparator {
			return i
		}
	}
	return -1
}

// WriteEnvelope atomically writes env to dir/<name>.json via tmp+rename, for
// producers inside this process (e.g. the schedule_task builtin tool) that
// want to go through the same validated path as external writers.
func WriteEnvelope(dir, name string, env Envelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ipc: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return fmt.Errorf("ipc: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ipc: write temp file: %w", err)
	}
	tmp.Close()
	dest := filepath.Join(dir, name+".json")
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ipc: rename temp file: %w", err)
	}
	return nil
}
