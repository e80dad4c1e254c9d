// Package output applies reply side effects outside the indicator (clipboard copy).
package output

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rbright/parley/internal/config"
	"github.com/rbright/parley/internal/conversation"
	"github.com/rbright/parley/internal/fsm"
)

const clipboardTimeout = 2 * time.Second

// Clipboard copies each reply's text with the configured clipboard command.
// It only acts on Reply; other updates are ignored.
type Clipboard struct {
	argv   []string
	logger *slog.Logger

	mu sync.Mutex // one clipboard write at a time
	wg sync.WaitGroup
}

var _ conversation.Reporter = (*Clipboard)(nil)

// NewClipboard constructs a reply clipboard reporter from runtime config.
func NewClipboard(cmd config.CommandConfig, logger *slog.Logger) *Clipboard {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Clipboard{argv: cmd.Argv, logger: logger}
}

// Copy writes text to the clipboard, skipping blank text.
func (c *Clipboard) Copy(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, clipboardTimeout)
	defer cancel()
	if err := runCommandWithInput(ctx, c.argv, text); err != nil {
		return fmt.Errorf("set clipboard: %w", err)
	}
	return nil
}

// Reply copies the reply text in the background so the loop never waits on the clipboard.
func (c *Clipboard) Reply(ctx context.Context, reply conversation.TurnReply) {
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.Copy(ctx, reply.Text); err != nil {
			c.logger.Error("reply clipboard copy failed", "error", err.Error())
			return
		}
		c.logger.Debug("reply copied to clipboard", "reply_length", len(reply.Text))
	}()
}

// Wait blocks until every pending copy has finished.
func (c *Clipboard) Wait() {
	c.wg.Wait()
}

func (c *Clipboard) Status(context.Context, fsm.State, string) {}
func (c *Clipboard) Error(context.Context, string)              {}
func (c *Clipboard) Clear(context.Context)                      {}

// runCommandWithInput executes argv and optionally writes input to stdin.
func runCommandWithInput(ctx context.Context, argv []string, input string) error {
	if len(argv) == 0 {
		return fmt.Errorf("command argv cannot be empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin for %s: %w", argv[0], err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start command %s: %w", argv[0], err)
	}

	if input != "" {
		if _, err := stdin.Write([]byte(input)); err != nil {
			_ = stdin.Close()
			_ = cmd.Wait()
			return fmt.Errorf("write stdin for %s: %w", argv[0], err)
		}
	}
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait for %s: %w", argv[0], err)
	}
	return nil
}
