package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/rbright/parley/internal/conversation"
	"github.com/rbright/parley/internal/identity"
	"github.com/rbright/parley/internal/ipc"
)

func TestExecuteHelp(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"--help"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "Usage:")
	require.Empty(t, stderr.String())
}

func TestExecuteVersion(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"version"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "parley")
	require.Empty(t, stderr.String())
}

func TestExecuteUnknownCommand(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"definitely-not-a-command"}, &stdout, &stderr)
	require.Equal(t, 2, exitCode)
	require.Contains(t, stderr.String(), "unknown command")
	require.Contains(t, stderr.String(), "Usage:")
}

func TestExecuteInvalidConfigFails(t *testing.T) {
	paths := setupRunnerEnv(t)
	require.NoError(t, os.WriteFile(paths.configPath, []byte(`{"server": {"url": "ftp://nope"}}`), 0o600))

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "status"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "server.url")
}

func TestRunnerStatusIdleWhenSocketUnavailable(t *testing.T) {
	paths := setupRunnerEnv(t)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "status"})
	require.Equal(t, 0, exitCode)
	require.Equal(t, "idle\n", stdout.String())
	require.Empty(t, stderr.String())
}

func TestRunnerStopReturnsNoActiveConversation(t *testing.T) {
	paths := setupRunnerEnv(t)

	for _, cmd := range []string{"start", "stop", "end", "cancel"} {
		var stdout bytes.Buffer
		var stderr bytes.Buffer
		runner := Runner{Stdout: &stdout, Stderr: &stderr}

		exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, cmd})
		require.Equal(t, 1, exitCode, cmd)
		require.Contains(t, stderr.String(), "no active parley conversation", cmd)
	}
}

func TestRunnerForwardsCommandsToActiveOwner(t *testing.T) {
	paths := setupRunnerEnv(t)
	commands := make(chan string, 8)

	shutdown := startIPCServerForRunnerTest(t, filepath.Join(paths.runtimeDir, ipc.SocketName), func(_ context.Context, req ipc.Request) ipc.Response {
		commands <- req.Command
		switch req.Command {
		case "status":
			return ipc.Response{OK: true, State: "capturing"}
		case "start", "stop", "end", "cancel", "toggle":
			return ipc.Response{OK: true, Message: req.Command + " handled"}
		default:
			return ipc.Response{OK: false, Error: "unsupported"}
		}
	})
	defer shutdown()

	all := []string{"status", "start", "stop", "end", "cancel", "toggle"}
	for _, cmd := range all {
		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		runner := Runner{Stdout: stdout, Stderr: stderr}

		exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, cmd})
		require.Equal(t, 0, exitCode, cmd)
		require.Empty(t, stderr.String(), cmd)
		if cmd == "status" {
			require.Equal(t, "capturing\n", stdout.String())
		} else {
			require.Equal(t, cmd+" handled\n", stdout.String())
		}
	}

	got := make([]string, 0, len(all))
	for range all {
		got = append(got, <-commands)
	}
	require.ElementsMatch(t, all, got)
}

func TestRunnerForwardReportsOwnerRejection(t *testing.T) {
	paths := setupRunnerEnv(t)

	shutdown := startIPCServerForRunnerTest(t, filepath.Join(paths.runtimeDir, ipc.SocketName), func(_ context.Context, req ipc.Request) ipc.Response {
		return ipc.Response{OK: false, State: "submitting", Error: "cannot cancel while processing"}
	})
	defer shutdown()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "cancel"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "cannot cancel while processing")
}

func TestTryForwardSuccessAndFailureResponses(t *testing.T) {
	runtimeDir := t.TempDir()
	socketPath := filepath.Join(runtimeDir, ipc.SocketName)

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	serverCtx, cancelServer := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- ipc.Serve(serverCtx, listener, ipc.HandlerFunc(func(_ context.Context, req ipc.Request) ipc.Response {
			switch req.Command {
			case "status":
				return ipc.Response{OK: true, State: "replying"}
			default:
				return ipc.Response{OK: false, Error: "unsupported"}
			}
		}), nil)
	}()

	resp, handled, err := tryForward(context.Background(), socketPath, "status")
	require.True(t, handled)
	require.NoError(t, err)
	require.Equal(t, "replying", resp.State)

	_, handled, err = tryForward(context.Background(), socketPath, "cancel")
	require.True(t, handled)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported")

	cancelServer()
	require.NoError(t, <-serverDone)
}

func TestTryForwardDoesNotRemoveSocketPathOnForwardFailure(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), ipc.SocketName)
	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0o600))

	_, handled, err := tryForward(context.Background(), socketPath, "status")
	require.False(t, handled)
	require.NoError(t, err)

	_, statErr := os.Stat(socketPath)
	require.NoError(t, statErr)
}

func TestTryForwardTreatsReadFailuresAsHandledErrors(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), ipc.SocketName)

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, acceptErr := listener.Accept()
		if acceptErr == nil {
			_ = conn.Close()
		}
	}()

	_, handled, err := tryForward(context.Background(), socketPath, "status")
	require.True(t, handled)
	require.Error(t, err)
	require.Contains(t, err.Error(), "forward command \"status\":")

	<-done
	_, statErr := os.Stat(socketPath)
	require.NoError(t, statErr)
	require.NoError(t, listener.Close())
}

func TestRunnerDoctorCommandDispatchesAndPrintsReport(t *testing.T) {
	paths := setupRunnerEnv(t)
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")
	t.Setenv("HYPRLAND_INSTANCE_SIGNATURE", "")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "doctor"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stdout.String(), "config: loaded")
	require.Contains(t, stdout.String(), "HYPRLAND_INSTANCE_SIGNATURE")
	require.Contains(t, stdout.String(), "session:")
}

func TestRunnerDevicesCommandDispatches(t *testing.T) {
	paths := setupRunnerEnv(t)
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "devices"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "error:")
}

func TestRunnerSessionCreatesIdOnceAndReusesIt(t *testing.T) {
	paths := setupRunnerEnv(t)

	run := func() []string {
		var stdout bytes.Buffer
		var stderr bytes.Buffer
		runner := Runner{Stdout: &stdout, Stderr: &stderr}
		exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "session"})
		require.Equal(t, 0, exitCode, stderr.String())
		return strings.Split(strings.TrimSpace(stdout.String()), "\n")
	}

	first := run()
	second := run()
	require.Len(t, first, 3)
	require.Equal(t, first, second)
	require.NotEmpty(t, first[0])
	require.Equal(t, "location: "+identity.DefaultURL+"?session_id="+first[0], first[1])
	require.True(t, strings.HasPrefix(first[2], "file: "))
}

func TestRunnerSessionWithLocationOverride(t *testing.T) {
	paths := setupRunnerEnv(t)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{
		"--config", paths.configPath,
		"--location", "https://app.example/chat?session_id=existing",
		"session",
	})
	require.Equal(t, 0, exitCode)
	require.Equal(t, "existing\nlocation: https://app.example/chat?session_id=existing\n", stdout.String())
}

func TestRunnerToggleOwnerPathReturnsErrorWhenCaptureStartupFails(t *testing.T) {
	paths := setupRunnerEnv(t)
	writeQuietConfig(t, paths.configPath, "http://127.0.0.1:1", "true", 500)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr, capture: deniedCapturer{}}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "toggle"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "microphone access denied")

	// owner path should clean up runtime socket on exit
	_, statErr := os.Stat(filepath.Join(paths.runtimeDir, ipc.SocketName))
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestRunnerRunOwnsConversationLoop(t *testing.T) {
	paths := setupRunnerEnv(t)

	var (
		mu       sync.Mutex
		sessions []string
	)
	router := chi.NewRouter()
	router.Post("/agent/chat/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Len(t, r.MultipartForm.File["file"], 1)
		mu.Lock()
		sessions = append(sessions, chi.URLParam(r, "sessionID"))
		n := len(sessions)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"gemini_text": fmt.Sprintf("reply %d", n),
			"audio_url":   fmt.Sprintf("/static/u%d.mp3", n),
		})
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	playedPath := filepath.Join(t.TempDir(), "played.log")
	player := writePlayerStub(t, playedPath)
	writeQuietConfig(t, paths.configPath, server.URL, "true", 50)
	cfgBody, err := os.ReadFile(paths.configPath)
	require.NoError(t, err)
	cfgBody = bytes.Replace(cfgBody, []byte(`"cmd": "true"`), []byte(`"cmd": "`+player+`"`), 1)
	require.NoError(t, os.WriteFile(paths.configPath, cfgBody, 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stdout := &lockedBuffer{}
	stderr := &lockedBuffer{}
	runner := Runner{Stdout: stdout, Stderr: stderr, capture: &stubCapturer{}}

	exitCh := make(chan int, 1)
	go func() {
		exitCh <- runner.Execute(ctx, []string{
			"--config", paths.configPath,
			"--location", "https://app.example/chat",
			"run",
		})
	}()

	socketPath := filepath.Join(paths.runtimeDir, ipc.SocketName)
	waitForOwnerState(t, socketPath, "capturing")

	resp := sendOwner(t, socketPath, "stop")
	require.True(t, resp.OK, resp.Error)

	waitForFileContains(t, playedPath, server.URL+"/static/u1.mp3")
	waitForOwnerState(t, socketPath, "capturing")

	resp = sendOwner(t, socketPath, "end")
	require.True(t, resp.OK, resp.Error)
	require.Equal(t, "conversation ends after this turn", resp.Message)

	waitForFileContains(t, playedPath, server.URL+"/static/u2.mp3")
	waitForOwnerState(t, socketPath, "idle")

	status := sendOwner(t, socketPath, "status")
	require.Equal(t, "reply 2", status.Reply)
	require.NotEmpty(t, status.SessionID)

	cancel()
	select {
	case code := <-exitCh:
		require.Equal(t, 0, code, stderr.String())
	case <-time.After(5 * time.Second):
		t.Fatal("owner did not exit")
	}

	mu.Lock()
	require.Equal(t, []string{status.SessionID, status.SessionID}, sessions)
	mu.Unlock()

	out := stdout.String()
	require.Contains(t, out, "status: recording")
	require.Contains(t, out, "reply: reply 1")
	require.Contains(t, out, "reply: reply 2")
	require.Contains(t, out, fmt.Sprintf("session %s: 2 turns, 0 failures", status.SessionID))

	_, statErr := os.Stat(socketPath)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestTryForwardWithoutOwner(t *testing.T) {
	runtimeDir := t.TempDir()

	_, handled, err := tryForward(context.Background(), filepath.Join(runtimeDir, "missing.sock"), "status")
	require.NoError(t, err)
	require.False(t, handled)

	stalePath := filepath.Join(runtimeDir, ipc.SocketName)
	listener, err := net.Listen("unix", stalePath)
	require.NoError(t, err)
	listener.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, listener.Close())

	_, handled, err = tryForward(context.Background(), stalePath, "toggle")
	require.NoError(t, err)
	require.False(t, handled)
}

func TestLogRunSummaryWritesFailureAndSuccess(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	started := time.Now()
	finished := started.Add(1500 * time.Millisecond)

	logRunSummary(logger, conversation.Summary{
		SessionID:  "s1",
		Turns:      3,
		StartedAt:  started,
		FinishedAt: finished,
	})

	require.Contains(t, logBuf.String(), "conversation finished")
	require.Contains(t, logBuf.String(), `"turns":3`)
	require.Contains(t, logBuf.String(), `"duration_ms":1500`)

	logBuf.Reset()
	logRunSummary(logger, conversation.Summary{
		SessionID:  "s1",
		Failures:   1,
		StartedAt:  started,
		FinishedAt: finished,
		LastErr:    errors.New("quota exceeded"),
	})
	require.Contains(t, logBuf.String(), "conversation finished with errors")
	require.Contains(t, logBuf.String(), "quota exceeded")
}

type runnerPaths struct {
	configPath string
	runtimeDir string
}

func setupRunnerEnv(t *testing.T) runnerPaths {
	t.Helper()

	xdgStateHome := t.TempDir()
	runtimeDir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", xdgStateHome)
	t.Setenv("XDG_RUNTIME_DIR", runtimeDir)
	for _, key := range []string{"PARLEY_SERVER_URL", "PARLEY_PLAYBACK_CMD", "PARLEY_AUDIO_INPUT", "PARLEY_LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	configPath := filepath.Join(t.TempDir(), "config.jsonc")
	require.NoError(t, os.WriteFile(configPath, []byte("\n"), 0o600))

	return runnerPaths{configPath: configPath, runtimeDir: runtimeDir}
}

// writeQuietConfig disables notifications and cues so owner tests stay headless.
func writeQuietConfig(t *testing.T, path, serverURL, playbackCmd string, graceMS int) {
	t.Helper()
	body := fmt.Sprintf(`{
  // headless test owner
  "server": { "url": %q },
  "conversation": { "grace_ms": %d },
  "playback": { "cmd": %q },
  "indicator": { "enable": false, "sound_enable": false },
}
`, serverURL, graceMS, playbackCmd)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func writePlayerStub(t *testing.T, logPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "player.sh")
	script := "#!/usr/bin/env bash\nset -euo pipefail\nprintf '%s\\n' \"${@: -1}\" >> " + logPath + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type stubHandle struct{}

func (stubHandle) AudioDevice() string { return "stub mic" }

type stubCapturer struct{}

func (*stubCapturer) Begin(context.Context) (conversation.CaptureHandle, error) {
	return stubHandle{}, nil
}

func (*stubCapturer) End(context.Context, conversation.CaptureHandle) (conversation.Recording, error) {
	return conversation.Recording{
		Data:        []byte("RIFF....WAVE"),
		MediaType:   "audio/wav",
		Filename:    "recording.wav",
		Chunks:      1,
		AudioDevice: "stub mic",
	}, nil
}

type deniedCapturer struct{}

func (deniedCapturer) Begin(context.Context) (conversation.CaptureHandle, error) {
	return nil, fmt.Errorf("%w: input device busy", conversation.ErrPermissionDenied)
}

func (deniedCapturer) End(context.Context, conversation.CaptureHandle) (conversation.Recording, error) {
	return conversation.Recording{}, errors.New("no capture")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func sendOwner(t *testing.T, socketPath, command string) ipc.Response {
	t.Helper()
	resp, err := ipc.Send(context.Background(), socketPath, ipc.Request{Command: command}, time.Second)
	require.NoError(t, err)
	return resp
}

func waitForOwnerState(t *testing.T, socketPath, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	last := ""
	for time.Now().Before(deadline) {
		resp, err := ipc.Send(context.Background(), socketPath, ipc.Request{Command: "status"}, 200*time.Millisecond)
		if err == nil {
			last = resp.State
			if resp.State == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for owner state %s (last=%q)", want, last)
}

func waitForFileContains(t *testing.T, path, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && strings.Contains(string(data), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in %s", want, path)
}

func startIPCServerForRunnerTest(t *testing.T, socketPath string, handler func(context.Context, ipc.Request) ipc.Response) func() {
	t.Helper()

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ipc.Serve(ctx, listener, ipc.HandlerFunc(handler), nil)
	}()

	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}
