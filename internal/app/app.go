// Package app wires the command line to the conversation loop and its collaborators.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rbright/parley/internal/audio"
	"github.com/rbright/parley/internal/cli"
	"github.com/rbright/parley/internal/config"
	"github.com/rbright/parley/internal/conversation"
	"github.com/rbright/parley/internal/doctor"
	"github.com/rbright/parley/internal/identity"
	"github.com/rbright/parley/internal/indicator"
	"github.com/rbright/parley/internal/ipc"
	"github.com/rbright/parley/internal/logging"
	"github.com/rbright/parley/internal/output"
	"github.com/rbright/parley/internal/playback"
	"github.com/rbright/parley/internal/recorder"
	"github.com/rbright/parley/internal/remote"
	"github.com/rbright/parley/internal/version"
)

const binaryName = "parley"

const forwardTimeout = 1500 * time.Millisecond

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	// capture replaces the Pulse recorder when set.
	capture conversation.Capturer
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText(binaryName))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText(binaryName))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		loc, err := identity.Open(parsed.LocationURL, cfgLoaded.Config.Session.LocationFile)
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		report := doctor.Run(cfgLoaded, loc)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandSession:
		return r.commandSession(parsed, cfgLoaded.Config, logger)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandStart, cli.CommandStop, cli.CommandEnd, cli.CommandCancel:
		return r.forwardOrFail(ctx, string(parsed.Command))
	case cli.CommandToggle:
		return r.commandToggle(ctx, parsed, cfgLoaded.Config, logger)
	case cli.CommandRun:
		return r.commandRun(ctx, parsed, cfgLoaded.Config, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		availability := "yes"
		if !device.Available {
			availability = "no"
		}
		muted := "no"
		if device.Muted {
			muted = "yes"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
			defaultMark,
			device.ID,
			device.Description,
			device.State,
			availability,
			muted,
		)
	}

	return 0
}

// commandSession resolves (creating if needed) and prints the session id and its location.
func (r Runner) commandSession(parsed cli.Parsed, cfg config.Config, logger *slog.Logger) int {
	loc, err := identity.Open(parsed.LocationURL, cfg.Session.LocationFile)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	id := identity.Resolve(loc, cfg.Session.Param, logger)
	fmt.Fprintln(r.Stdout, id)
	fmt.Fprintf(r.Stdout, "location: %s\n", loc.Current())
	if file, ok := loc.(*identity.FileLocation); ok {
		fmt.Fprintf(r.Stdout, "file: %s\n", file.Path())
	}
	return 0
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, conversation.CommandStatus)
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		if resp.State == "" {
			resp.State = "idle"
		}
		fmt.Fprintln(r.Stdout, resp.State)
		return 0
	}

	fmt.Fprintln(r.Stdout, "idle")
	return 0
}

func (r Runner) forwardOrFail(ctx context.Context, command string) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, command)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: no active parley conversation\n")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// commandToggle forwards to a running owner, or becomes the owner and starts listening.
func (r Runner) commandToggle(ctx context.Context, parsed cli.Parsed, cfg config.Config, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, conversation.CommandToggle)
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		if resp.Message != "" {
			fmt.Fprintln(r.Stdout, resp.Message)
		}
		return 0
	}

	return r.own(ctx, socketPath, parsed, cfg, logger, ownOptions{
		startNow:       true,
		forwardOnClash: conversation.CommandToggle,
	})
}

// commandRun owns the loop in the foreground, printing updates to stdout.
func (r Runner) commandRun(ctx context.Context, parsed cli.Parsed, cfg config.Config, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	return r.own(ctx, socketPath, parsed, cfg, logger, ownOptions{
		startNow: cfg.Conversation.StartOnLaunch,
		console:  true,
	})
}

type ownOptions struct {
	startNow       bool
	console        bool
	forwardOnClash string
}

// own binds the control socket and runs the loop until ctx is done.
func (r Runner) own(
	ctx context.Context,
	socketPath string,
	parsed cli.Parsed,
	cfg config.Config,
	logger *slog.Logger,
	opts ownOptions,
) int {
	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8, nil)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) && opts.forwardOnClash != "" {
			resp, _, forwardErr := tryForward(ctx, socketPath, opts.forwardOnClash)
			if forwardErr != nil {
				fmt.Fprintf(r.Stderr, "error: %v\n", forwardErr)
				return 1
			}
			if resp.Message != "" {
				fmt.Fprintln(r.Stdout, resp.Message)
			}
			return 0
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	loc, err := identity.Open(parsed.LocationURL, cfg.Session.LocationFile)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	sessionID := identity.Resolve(loc, cfg.Session.Param, logger)

	client, err := remote.NewClient(cfg.Server.URL, nil, logger)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	capture := r.capture
	if capture == nil {
		capture = recorder.New(cfg, logger)
	}
	player := playback.New(cfg.Playback, logger)
	defer player.Stop()

	reporter, clipboard := r.reporters(cfg, logger, opts.console)
	if clipboard != nil {
		defer clipboard.Wait()
	}

	controller := conversation.NewController(logger, conversation.Options{
		SessionID:   sessionID,
		Grace:       time.Duration(cfg.Conversation.GraceMS) * time.Millisecond,
		AutoRestart: cfg.Conversation.AutoRestart,
	}, capture, client, player, reporter)

	loopCtx, loopCancel := context.WithCancel(ctx)
	defer loopCancel()

	summaryCh := make(chan conversation.Summary, 1)
	go func() {
		summaryCh <- controller.Run(loopCtx)
	}()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(loopCtx, listener, controller, logger)
	}()

	logger.Info("conversation owner ready", "session_id", sessionID, "socket", socketPath)

	exitCode := 0
	if opts.startNow {
		if err := controller.Start(loopCtx); err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			exitCode = 1
			loopCancel()
		}
	}

	<-loopCtx.Done()
	summary := <-summaryCh
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		exitCode = 1
	}

	logRunSummary(logger, summary)
	if opts.console {
		fmt.Fprintf(r.Stdout, "session %s: %d turns, %d failures\n", summary.SessionID, summary.Turns, summary.Failures)
	}
	return exitCode
}

// reporters builds the status fan-out for the configured indicator and reply sinks.
func (r Runner) reporters(cfg config.Config, logger *slog.Logger, console bool) (conversation.Reporter, *output.Clipboard) {
	var sinks []conversation.Reporter

	backend := strings.ToLower(strings.TrimSpace(cfg.Indicator.Backend))
	if console || (cfg.Indicator.Enable && backend == indicator.BackendConsole) {
		sinks = append(sinks, indicator.NewConsole(r.Stdout))
	}
	if backend != indicator.BackendConsole && (cfg.Indicator.Enable || cfg.Indicator.SoundEnable) {
		sinks = append(sinks, indicator.NewHyprNotify(cfg.Indicator, logger))
	}

	var clipboard *output.Clipboard
	if cfg.Reply.Clipboard {
		clipboard = output.NewClipboard(cfg.Clipboard, logger)
		sinks = append(sinks, clipboard)
	}
	return indicator.NewFanout(sinks...), clipboard
}

func logRunSummary(logger *slog.Logger, summary conversation.Summary) {
	if logger == nil {
		return
	}
	fields := []any{
		"session_id", summary.SessionID,
		"turns", summary.Turns,
		"failures", summary.Failures,
		"started_at", summary.StartedAt.Format(time.RFC3339Nano),
		"finished_at", summary.FinishedAt.Format(time.RFC3339Nano),
		"duration_ms", summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
	}

	if summary.LastErr != nil {
		logger.Warn("conversation finished with errors", append(fields, "last_error", summary.LastErr.Error())...)
		return
	}
	logger.Info("conversation finished", fields...)
}

func tryForward(ctx context.Context, socketPath string, command string) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, ipc.Request{Command: command}, forwardTimeout)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if errors.Is(err, ipc.ErrNoOwner) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", command, err)
}
