// Package conversation runs the hands-free capture, submit, and playback loop.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbright/parley/internal/fsm"
	"github.com/rbright/parley/internal/ipc"
)

// Control commands accepted by Handle.
const (
	CommandStatus = "status"
	CommandStart  = "start"
	CommandStop   = "stop"
	CommandToggle = "toggle"
	CommandEnd    = "end"
	CommandCancel = "cancel"
)

// Status labels published to the Reporter.
const (
	LabelRecording  = "recording"
	LabelProcessing = "processing"
	LabelReplying   = "replying"
	LabelReady      = "ready"
)

// DefaultGrace is the pause between reply playback and re-armed capture.
const DefaultGrace = 500 * time.Millisecond

// Reporter receives user-visible loop updates.
type Reporter interface {
	Status(context.Context, fsm.State, string)
	Reply(context.Context, TurnReply)
	Error(context.Context, string)
	Clear(context.Context)
}

type noopReporter struct{}

func (noopReporter) Status(context.Context, fsm.State, string) {}
func (noopReporter) Reply(context.Context, TurnReply)          {}
func (noopReporter) Error(context.Context, string)             {}
func (noopReporter) Clear(context.Context)                     {}

// Options tunes loop behavior.
type Options struct {
	SessionID   string
	Grace       time.Duration
	AutoRestart bool
}

// Summary is the lifecycle output returned by one Run invocation.
type Summary struct {
	SessionID  string
	Turns      int
	Failures   int
	LastErr    error
	StartedAt  time.Time
	FinishedAt time.Time
}

type command struct {
	kind  string
	reply chan ipc.Response
}

type eventKind int

const (
	eventSubmitted eventKind = iota + 1
	eventPlayed
	eventGraceElapsed
)

type event struct {
	kind    eventKind
	turn    uint64
	reply   TurnReply
	err     error
	bytes   int
	chunks  int
	latency time.Duration
}

// Controller owns the loop state and serializes every transition through Run.
type Controller struct {
	logger    *slog.Logger
	sessionID string
	capture   Capturer
	submit    Submitter
	player    Player
	reporter  Reporter

	grace       time.Duration
	autoRestart bool
	afterFunc   func(time.Duration, func()) func() bool

	mu        sync.RWMutex
	state     fsm.State
	lastReply TurnReply

	// Owned by the Run goroutine.
	turn       uint64
	stopIntent bool
	handle     CaptureHandle
	stopGrace  func() bool
	summary    Summary

	running  atomic.Bool
	commands chan command
	events   chan event
	finished chan struct{}
}

// NewController constructs a loop controller with safe default fallbacks.
func NewController(
	logger *slog.Logger,
	opts Options,
	capture Capturer,
	submit Submitter,
	player Player,
	reporter Reporter,
) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if capture == nil {
		capture = unavailableCapturer{}
	}
	if submit == nil {
		submit = SubmitFunc(func(context.Context, string, Recording) (TurnReply, error) {
			return TurnReply{}, &RequestError{Detail: "no turn processor configured"}
		})
	}
	if player == nil {
		player = unavailablePlayer{}
	}
	if reporter == nil {
		reporter = noopReporter{}
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}

	return &Controller{
		logger:      logger,
		sessionID:   opts.SessionID,
		capture:     capture,
		submit:      submit,
		player:      player,
		reporter:    reporter,
		grace:       opts.Grace,
		autoRestart: opts.AutoRestart,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		state:    fsm.StateIdle,
		commands: make(chan command),
		events:   make(chan event, 4),
		finished: make(chan struct{}),
	}
}

// State returns the current FSM state snapshot.
func (c *Controller) State() fsm.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastReply returns the most recent successful reply of the current turn.
func (c *Controller) LastReply() TurnReply {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReply
}

// SessionID returns the conversation identifier sent with every turn.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// transition applies one FSM event to the controller state.
func (c *Controller) transition(event fsm.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := fsm.Transition(c.state, event)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

func (c *Controller) setLastReply(reply TurnReply) {
	c.mu.Lock()
	c.lastReply = reply
	c.mu.Unlock()
}

// Run processes commands and turn events until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) Summary {
	if !c.running.CompareAndSwap(false, true) {
		return Summary{SessionID: c.sessionID, LastErr: errors.New("conversation loop already running")}
	}
	defer close(c.finished)

	c.summary = Summary{SessionID: c.sessionID, StartedAt: time.Now()}
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.summary.FinishedAt = time.Now()
			return c.summary
		case cmd := <-c.commands:
			cmd.reply <- c.dispatch(ctx, cmd.kind)
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		}
	}
}

// Handle serves IPC commands for the running loop.
func (c *Controller) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case CommandStatus:
		return ipc.Response{
			OK:        true,
			State:     string(c.State()),
			Message:   "status",
			SessionID: c.sessionID,
			Reply:     c.LastReply().Text,
		}
	case CommandStart, CommandStop, CommandToggle, CommandEnd, CommandCancel:
		return c.request(ctx, req.Command)
	default:
		return ipc.Response{OK: false, State: string(c.State()), Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

// Start requests a new capture from idle.
func (c *Controller) Start(ctx context.Context) error {
	return responseErr(c.request(ctx, CommandStart))
}

// Stop ends the current capture segment and submits it.
func (c *Controller) Stop(ctx context.Context) error {
	return responseErr(c.request(ctx, CommandStop))
}

// End stops the conversation after the in-flight turn, if any.
func (c *Controller) End(ctx context.Context) error {
	return responseErr(c.request(ctx, CommandEnd))
}

// Cancel discards the current capture segment.
func (c *Controller) Cancel(ctx context.Context) error {
	return responseErr(c.request(ctx, CommandCancel))
}

func responseErr(resp ipc.Response) error {
	if resp.OK {
		return nil
	}
	return errors.New(resp.Error)
}

// request hands one command to the Run goroutine and waits for its answer.
func (c *Controller) request(ctx context.Context, kind string) ipc.Response {
	cmd := command{kind: kind, reply: make(chan ipc.Response, 1)}
	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return ipc.Response{OK: false, State: string(c.State()), Error: ctx.Err().Error()}
	case <-c.finished:
		return ipc.Response{OK: false, State: string(c.State()), Error: "conversation loop is not running"}
	}

	select {
	case resp := <-cmd.reply:
		return resp
	case <-ctx.Done():
		return ipc.Response{OK: false, State: string(c.State()), Error: ctx.Err().Error()}
	}
}

func (c *Controller) dispatch(ctx context.Context, kind string) ipc.Response {
	switch kind {
	case CommandStart:
		return c.requestStart(ctx)
	case CommandStop:
		return c.requestStop(ctx, "stop")
	case CommandToggle:
		if c.State() == fsm.StateCapturing {
			return c.requestStop(ctx, "toggle")
		}
		return c.requestStart(ctx)
	case CommandEnd:
		return c.requestEnd(ctx)
	case CommandCancel:
		return c.requestCancel(ctx)
	default:
		return ipc.Response{OK: false, State: string(c.State()), Error: fmt.Sprintf("unknown command: %s", kind)}
	}
}

func (c *Controller) requestStart(ctx context.Context) ipc.Response {
	state := c.State()
	if state == fsm.StateCapturing {
		return ipc.Response{OK: false, State: string(state), Error: "already capturing"}
	}
	if !fsm.AcceptsStart(state) {
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot start from state %s", state)}
	}

	c.stopIntent = false
	if err := c.beginCapture(ctx, fsm.EventStart); err != nil {
		return ipc.Response{OK: false, State: string(c.State()), Error: err.Error()}
	}
	return ipc.Response{OK: true, State: string(c.State()), Message: "capture started"}
}

func (c *Controller) requestStop(ctx context.Context, source string) ipc.Response {
	state := c.State()
	if state == fsm.StateSubmitting {
		return ipc.Response{OK: false, State: string(state), Error: "already processing"}
	}
	if state != fsm.StateCapturing {
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot %s from state %s", source, state)}
	}

	if err := c.transition(fsm.EventStop); err != nil {
		return ipc.Response{OK: false, State: string(c.State()), Error: err.Error()}
	}
	c.reporter.Status(ctx, fsm.StateSubmitting, LabelProcessing)

	handle := c.handle
	c.handle = nil
	go c.runTurn(ctx, c.turn, handle)

	return ipc.Response{OK: true, State: string(c.State()), Message: "stop requested"}
}

func (c *Controller) requestEnd(ctx context.Context) ipc.Response {
	c.stopIntent = true

	switch state := c.State(); state {
	case fsm.StateCapturing:
		resp := c.requestStop(ctx, "end")
		if resp.OK {
			resp.Message = "conversation ends after this turn"
		}
		return resp
	case fsm.StateReplying:
		if c.cancelGrace() {
			c.settle(ctx)
			return ipc.Response{OK: true, State: string(c.State()), Message: "conversation ended"}
		}
		return ipc.Response{OK: true, State: string(state), Message: "conversation ends after reply"}
	case fsm.StateSubmitting:
		return ipc.Response{OK: true, State: string(state), Message: "conversation ends after reply"}
	default:
		return ipc.Response{OK: true, State: string(state), Message: "conversation ended"}
	}
}

func (c *Controller) requestCancel(ctx context.Context) ipc.Response {
	state := c.State()
	if state == fsm.StateSubmitting {
		return ipc.Response{OK: false, State: string(state), Error: "cannot cancel while processing"}
	}
	if state != fsm.StateCapturing {
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot cancel from state %s", state)}
	}

	handle := c.handle
	c.handle = nil
	if _, err := c.capture.End(ctx, handle); err != nil {
		c.logger.Warn("discard capture failed", "turn", c.turn, "error", err.Error())
	}
	_ = c.transition(fsm.EventCancel)
	c.reporter.Status(ctx, fsm.StateIdle, LabelReady)
	return ipc.Response{OK: true, State: string(c.State()), Message: "capture cancelled"}
}

// beginCapture enters capturing via event and opens the input device.
func (c *Controller) beginCapture(ctx context.Context, event fsm.Event) error {
	if err := c.transition(event); err != nil {
		return err
	}
	c.turn++
	c.setLastReply(TurnReply{})
	c.reporter.Clear(ctx)
	c.reporter.Status(ctx, fsm.StateCapturing, LabelRecording)

	handle, err := c.capture.Begin(ctx)
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) {
			err = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		_ = c.transition(fsm.EventDenied)
		c.stopIntent = true
		c.summary.Failures++
		c.summary.LastErr = err
		c.logger.Error("capture start failed", "turn", c.turn, "session_id", c.sessionID, "error", err.Error())
		c.reporter.Error(ctx, err.Error())
		return err
	}

	c.handle = handle
	c.logger.Info("capture started", "turn", c.turn, "session_id", c.sessionID, "audio_device", handle.AudioDevice())
	return nil
}

// runTurn drains the capture and performs the remote call off the loop goroutine.
func (c *Controller) runTurn(ctx context.Context, turn uint64, handle CaptureHandle) {
	rec, err := c.capture.End(ctx, handle)
	if err != nil {
		c.post(event{kind: eventSubmitted, turn: turn, err: fmt.Errorf("finish capture: %w", err)})
		return
	}

	started := time.Now()
	reply, err := c.submit.Submit(ctx, c.sessionID, rec)
	c.post(event{
		kind:    eventSubmitted,
		turn:    turn,
		reply:   reply,
		err:     err,
		bytes:   len(rec.Data),
		chunks:  rec.Chunks,
		latency: time.Since(started),
	})
}

// post delivers an async task result unless the loop has exited.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.finished:
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev event) {
	if ev.turn != c.turn {
		c.logger.Debug("dropping stale turn event", "turn", ev.turn, "current_turn", c.turn, "kind", int(ev.kind))
		return
	}

	switch ev.kind {
	case eventSubmitted:
		c.onSubmitted(ctx, ev)
	case eventPlayed:
		c.onPlayed(ctx, ev)
	case eventGraceElapsed:
		c.onGraceElapsed(ctx)
	}
}

func (c *Controller) onSubmitted(ctx context.Context, ev event) {
	if c.State() != fsm.StateSubmitting {
		return
	}
	if ev.err != nil {
		c.fail(ctx, ev.err)
		return
	}
	if !ev.reply.Valid() {
		c.fail(ctx, &RequestError{Detail: IncompleteResponseDetail})
		return
	}

	if err := c.transition(fsm.EventReplied); err != nil {
		c.fail(ctx, err)
		return
	}
	c.summary.Turns++
	c.setLastReply(ev.reply)
	c.logger.Info("turn replied",
		"turn", ev.turn,
		"session_id", c.sessionID,
		"bytes", ev.bytes,
		"chunks", ev.chunks,
		"submit_latency_ms", ev.latency.Milliseconds(),
		"reply_length", len(ev.reply.Text),
	)
	c.reporter.Reply(ctx, ev.reply)
	c.reporter.Status(ctx, fsm.StateReplying, LabelReplying)

	handle, err := c.player.Play(ctx, ev.reply.AudioRef)
	if err != nil {
		c.fail(ctx, &PlaybackError{AudioRef: ev.reply.AudioRef, Err: err})
		return
	}
	turn := ev.turn
	handle.OnCompletion(func(err error) {
		c.post(event{kind: eventPlayed, turn: turn, err: err})
	})
}

func (c *Controller) onPlayed(ctx context.Context, ev event) {
	if c.State() != fsm.StateReplying {
		return
	}
	if ev.err != nil {
		c.fail(ctx, &PlaybackError{AudioRef: c.LastReply().AudioRef, Err: ev.err})
		return
	}
	if c.stopIntent || !c.autoRestart {
		c.settle(ctx)
		return
	}

	turn := c.turn
	c.stopGrace = c.afterFunc(c.grace, func() {
		c.post(event{kind: eventGraceElapsed, turn: turn})
	})
}

func (c *Controller) onGraceElapsed(ctx context.Context) {
	c.stopGrace = nil
	if c.State() != fsm.StateReplying {
		return
	}
	if c.stopIntent {
		c.settle(ctx)
		return
	}
	_ = c.beginCapture(ctx, fsm.EventRestart)
}

// cancelGrace stops a pending auto-restart and reports whether one was pending.
func (c *Controller) cancelGrace() bool {
	if c.stopGrace == nil {
		return false
	}
	c.stopGrace()
	c.stopGrace = nil
	return true
}

func (c *Controller) settle(ctx context.Context) {
	if err := c.transition(fsm.EventSettle); err != nil {
		c.logger.Warn("settle failed", "error", err.Error())
		return
	}
	c.reporter.Status(ctx, fsm.StateIdle, LabelReady)
}

// fail reports err and returns the loop to a startable state.
func (c *Controller) fail(ctx context.Context, err error) {
	_ = c.transition(fsm.EventFail)
	c.summary.Failures++
	c.summary.LastErr = err
	c.logger.Error("turn failed", "turn", c.turn, "session_id", c.sessionID, "error", err.Error())
	c.reporter.Error(ctx, err.Error())
	_ = c.transition(fsm.EventReset)
}

// shutdown releases the input device when the loop exits mid-capture.
func (c *Controller) shutdown() {
	c.cancelGrace()
	if c.handle == nil {
		return
	}
	handle := c.handle
	c.handle = nil

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
	defer cancel()
	if _, err := c.capture.End(cleanupCtx, handle); err != nil {
		c.logger.Warn("release capture on shutdown failed", "error", err.Error())
	}
	_ = c.transition(fsm.EventCancel)
}

type unavailableCapturer struct{}

func (unavailableCapturer) Begin(context.Context) (CaptureHandle, error) {
	return nil, fmt.Errorf("%w: no capture device configured", ErrPermissionDenied)
}

func (unavailableCapturer) End(context.Context, CaptureHandle) (Recording, error) {
	return Recording{}, errors.New("no capture in progress")
}

type unavailablePlayer struct{}

func (unavailablePlayer) Play(context.Context, string) (PlaybackHandle, error) {
	return nil, errors.New("no playback configured")
}
