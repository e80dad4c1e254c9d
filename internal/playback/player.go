// Package playback plays reply audio through an external player command.
package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbright/parley/internal/config"
	"github.com/rbright/parley/internal/conversation"
)

// ErrStopped is the completion error of a playback stopped before it finished.
var ErrStopped = errors.New("playback stopped")

const stderrLimit = 512

// Player runs the configured command with "--" and the audio reference appended.
// At most one playback runs at a time.
type Player struct {
	argv   []string
	logger *slog.Logger

	mu      sync.Mutex
	current *Handle
}

// New constructs a player from playback.cmd.
func New(cmd config.CommandConfig, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Player{argv: append([]string(nil), cmd.Argv...), logger: logger}
}

// Play stops any previous playback and starts audioRef immediately.
func (p *Player) Play(ctx context.Context, audioRef string) (conversation.PlaybackHandle, error) {
	if len(p.argv) == 0 {
		return nil, errors.New("playback command argv cannot be empty")
	}
	audioRef = strings.TrimSpace(audioRef)
	if audioRef == "" {
		return nil, errors.New("audio reference cannot be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.stopAndWait(time.Second)
		p.current = nil
	}

	// "--" keeps a server-supplied ref from being read as a player option.
	argv := append(append([]string(nil), p.argv...), "--", audioRef)
	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	cmd.WaitDelay = 500 * time.Millisecond

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	h := &Handle{
		audioRef: audioRef,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	started := time.Now()
	go func() {
		err := cmd.Wait()
		switch {
		case h.stopped.Load():
			err = ErrStopped
		case err != nil:
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%s: %w: %s", argv[0], err, msg)
			} else {
				err = fmt.Errorf("%s: %w", argv[0], err)
			}
		}
		h.err = err
		cancel()
		close(h.done)
		p.logger.Debug("playback finished",
			"audio_ref", audioRef,
			"duration_ms", time.Since(started).Milliseconds(),
			"stopped", h.stopped.Load(),
		)
	}()

	p.current = h
	return h, nil
}

// Stop ends the active playback, if any, and waits briefly for it to exit.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.stopAndWait(time.Second)
		p.current = nil
	}
}

// Handle tracks one started playback.
type Handle struct {
	audioRef string
	cancel   context.CancelFunc
	stopped  atomic.Bool

	done chan struct{}
	err  error
}

// AudioRef returns the reference being played.
func (h *Handle) AudioRef() string { return h.audioRef }

// Done is closed when the player process exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the completion error once Done is closed, nil before.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// OnCompletion calls cb exactly once, from another goroutine, after playback ends.
func (h *Handle) OnCompletion(cb func(error)) {
	if cb == nil {
		return
	}
	go func() {
		<-h.done
		cb(h.err)
	}()
}

// Stop kills the player process without waiting.
func (h *Handle) Stop() {
	h.stopped.Store(true)
	h.cancel()
}

func (h *Handle) stopAndWait(timeout time.Duration) {
	select {
	case <-h.done:
		return
	default:
	}
	h.Stop()
	select {
	case <-h.done:
	case <-time.After(timeout):
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
