// Package terminal implements a local readline-backed channel, for
// development and single-operator deployments where no chat platform is
// configured.
package terminal

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/chzyer/readline"

	"github.com/flashclaw/flashclaw/internal/bus"
	"github.com/flashclaw/flashclaw/internal/channels"
	"github.com/flashclaw/flashclaw/internal/config"
)

const (
	defaultPrompt = "flashclaw> "
	defaultChatID = "terminal-local"
)

// Channel reads lines from stdin via readline and publishes them as inbound
// messages, printing outbound replies back to stdout.
type Channel struct {
	*channels.BaseChannel
	cfg      config.TerminalConfig
	chatID   string
	rl       *readline.Instance
	readDone chan struct{}
}

// New creates a new terminal channel from config.
func New(cfg config.TerminalConfig, msgBus *bus.MessageBus) (*Channel, error) {
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}
	chatID := cfg.ChatID
	if chatID == "" {
		chatID = defaultChatID
	}

	rl, err := readline.New(prompt)
	if err != nil {
		return nil, fmt.Errorf("create readline instance: %w", err)
	}

	base := channels.NewBaseChannel("terminal", msgBus, nil)

	return &Channel{
		BaseChannel: base,
		cfg:         cfg,
		chatID:      chatID,
		rl:          rl,
		readDone:    make(chan struct{}),
	}, nil
}

// Start begins the stdin read loop.
func (c *Channel) Start(ctx context.Context) error {
	c.SetRunning(true)

	go func() {
		defer close(c.readDone)
		for {
			line, err := c.rl.Readline()
			if err != nil {
				if err != io.EOF && err != readline.ErrInterrupt {
					slog.Warn("terminal readline error", "error", err)
				}
				return
			}
			if line == "" {
				continue
			}

			select {
			case <-ctx.Done():
				return
			default:
			}

			c.HandleMessage(c.chatID, c.chatID, line, nil, map[string]string{
				"platform": "terminal",
			}, "direct")
		}
	}()

	return nil
}

// Stop closes the readline instance, ending the read loop.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	c.rl.Close()
	<-c.readDone
	return nil
}

// Send prints an outbound message to stdout.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	fmt.Fprintf(c.rl.Stdout(), "\n%s\n", msg.Content)
	return nil
}

// Ensure Channel implements the channels.Channel interface at compile time.
var _ channels.Channel = (*Channel)(nil)
