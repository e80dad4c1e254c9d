// Package indicator reports conversation status through notifications, audio cues, and the console.
package indicator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbright/parley/internal/config"
	"github.com/rbright/parley/internal/conversation"
	"github.com/rbright/parley/internal/fsm"
	"github.com/rbright/parley/internal/hypr"
)

// Supported indicator.backend values.
const (
	BackendHypr    = "hypr"
	BackendDesktop = "desktop"
	BackendConsole = "console"
)

const (
	statusTimeoutMS = 300000
	colorListening  = "rgb(89b4fa)"
	colorThinking   = "rgb(cba6f7)"
	colorReply      = "rgb(a6e3a1)"
	colorError      = "rgb(f38ba8)"
)

// HyprNotify renders loop updates as Hyprland or desktop notifications with audio cues.
type HyprNotify struct {
	cfg      config.IndicatorConfig
	logger   *slog.Logger
	messages messages
	cue      func(context.Context, cueKind) error

	mu                    sync.Mutex
	lastState             fsm.State
	desktopNotificationID uint32
	soundMu               sync.Mutex
}

var _ conversation.Reporter = (*HyprNotify)(nil)

// NewHyprNotify creates a notification reporter from config.
func NewHyprNotify(cfg config.IndicatorConfig, logger *slog.Logger) *HyprNotify {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HyprNotify{
		cfg:       cfg,
		logger:    logger,
		messages:  indicatorMessagesFromEnv(),
		cue:       emitCue,
		lastState: fsm.StateIdle,
	}
}

// Status publishes a loop state change.
func (h *HyprNotify) Status(ctx context.Context, state fsm.State, _ string) {
	h.mu.Lock()
	previous := h.lastState
	h.lastState = state
	h.mu.Unlock()

	switch state {
	case fsm.StateCapturing:
		h.playCue(cueStart)
		h.show(ctx, hypr.IconInfo, statusTimeoutMS, colorListening, h.messages.listening)
	case fsm.StateSubmitting:
		h.playCue(cueStop)
		h.show(ctx, hypr.IconInfo, statusTimeoutMS, colorThinking, h.messages.thinking)
	case fsm.StateReplying:
		h.playCue(cueComplete)
	case fsm.StateIdle:
		if previous == fsm.StateCapturing {
			h.playCue(cueCancel)
		}
		h.Clear(ctx)
	}
}

// Reply shows the (truncated) reply text for the duration of playback.
func (h *HyprNotify) Reply(ctx context.Context, reply conversation.TurnReply) {
	text := TruncateReply(reply.Text, h.cfg.ReplyMaxChars)
	if text == "" {
		text = h.messages.speaking
	}
	h.show(ctx, hypr.IconOK, statusTimeoutMS, colorReply, text)
}

// Error displays an error-state message.
func (h *HyprNotify) Error(ctx context.Context, detail string) {
	h.mu.Lock()
	h.lastState = fsm.StateFailed
	h.mu.Unlock()

	h.playCue(cueError)
	timeout := h.cfg.ErrorTimeoutMS
	if timeout <= 0 {
		timeout = 1200
	}
	h.show(ctx, hypr.IconError, timeout, colorError, ErrorText(detail))
}

// Clear dismisses the active indicator surface.
func (h *HyprNotify) Clear(ctx context.Context) {
	if !h.cfg.Enable {
		return
	}
	h.run(ctx, h.dismiss)
}

func (h *HyprNotify) show(ctx context.Context, icon int, timeoutMS int, color string, text string) {
	if !h.cfg.Enable {
		return
	}
	h.run(ctx, func(ctx context.Context) error {
		return h.notify(ctx, icon, timeoutMS, color, text)
	})
}

func (h *HyprNotify) desktopBackend() bool {
	return strings.EqualFold(strings.TrimSpace(h.cfg.Backend), BackendDesktop)
}

// notify dispatches indicator output through the configured backend.
// Hyprland notifications stack, so the previous one is dismissed first.
func (h *HyprNotify) notify(ctx context.Context, icon int, timeoutMS int, color string, text string) error {
	if h.desktopBackend() {
		return h.notifyDesktop(ctx, icon, timeoutMS, text)
	}
	if err := hypr.DismissNotify(ctx); err != nil {
		h.log("indicator dismiss failed", err)
	}
	return hypr.Notify(ctx, icon, timeoutMS, color, text)
}

// dismiss removes indicator output from the configured backend.
func (h *HyprNotify) dismiss(ctx context.Context) error {
	if h.desktopBackend() {
		return h.dismissDesktop(ctx)
	}
	return hypr.DismissNotify(ctx)
}

// notifyDesktop replaces the previous desktop notification and stores the new ID.
func (h *HyprNotify) notifyDesktop(ctx context.Context, icon int, timeoutMS int, text string) error {
	h.mu.Lock()
	replaceID := h.desktopNotificationID
	h.mu.Unlock()

	appName := strings.TrimSpace(h.cfg.DesktopAppName)
	if appName == "" {
		appName = "parley"
	}

	id, err := desktopNotify(ctx, desktopNoteFor(appName, replaceID, icon, timeoutMS, text, h.messages))
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.desktopNotificationID = id
	h.mu.Unlock()
	return nil
}

// dismissDesktop closes the current desktop notification ID when present.
func (h *HyprNotify) dismissDesktop(ctx context.Context) error {
	h.mu.Lock()
	id := h.desktopNotificationID
	h.desktopNotificationID = 0
	h.mu.Unlock()

	if id == 0 {
		return nil
	}
	return desktopDismiss(ctx, id)
}

// run executes an indicator operation with a bounded timeout.
func (h *HyprNotify) run(ctx context.Context, fn func(context.Context) error) {
	runCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	if err := fn(runCtx); err != nil {
		h.log("indicator dispatch failed", err)
	}
}

// playCue serializes cue playback and emits audio asynchronously.
func (h *HyprNotify) playCue(kind cueKind) {
	if !h.cfg.SoundEnable {
		return
	}
	go func() {
		h.soundMu.Lock()
		defer h.soundMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		if err := h.cue(ctx, kind); err != nil {
			h.log("indicator audio cue failed", err)
		}
	}()
}

// log emits debug-only indicator failures to the runtime logger.
func (h *HyprNotify) log(message string, err error) {
	if err == nil {
		return
	}
	h.logger.Debug(message, "error", err.Error())
}
