package conversation

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbright/parley/internal/fsm"
)

type fakeHandle struct{ device string }

func (h fakeHandle) AudioDevice() string { return h.device }

type fakeCapturer struct {
	beginErr error
	chunks   [][]byte

	begins atomic.Int32
	ends   atomic.Int32
}

func (f *fakeCapturer) Begin(context.Context) (CaptureHandle, error) {
	f.begins.Add(1)
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return fakeHandle{device: "test mic"}, nil
}

func (f *fakeCapturer) End(context.Context, CaptureHandle) (Recording, error) {
	f.ends.Add(1)
	var data bytes.Buffer
	count := 0
	for _, chunk := range f.chunks {
		if len(chunk) == 0 {
			continue
		}
		data.Write(chunk)
		count++
	}
	return Recording{Data: data.Bytes(), Chunks: count, AudioDevice: "test mic"}, nil
}

type submission struct {
	sessionID string
	rec       Recording
}

type fakeSubmitter struct {
	reply TurnReply
	err   error
	gate  chan struct{}

	mu    sync.Mutex
	calls []submission
}

func (f *fakeSubmitter) Submit(ctx context.Context, sessionID string, rec Recording) (TurnReply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, submission{sessionID: sessionID, rec: rec})
	f.mu.Unlock()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return TurnReply{}, ctx.Err()
		}
	}
	return f.reply, f.err
}

func (f *fakeSubmitter) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.calls...)
}

type fakePlayback struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFakePlayback() *fakePlayback {
	return &fakePlayback{done: make(chan struct{})}
}

func (h *fakePlayback) Done() <-chan struct{} { return h.done }

func (h *fakePlayback) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *fakePlayback) OnCompletion(cb func(error)) {
	go func() {
		<-h.done
		cb(h.err)
	}()
}

func (h *fakePlayback) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

type fakePlayer struct {
	playErr error

	mu      sync.Mutex
	refs    []string
	handles []*fakePlayback
}

func (f *fakePlayer) Play(_ context.Context, audioRef string) (PlaybackHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, audioRef)
	if f.playErr != nil {
		return nil, f.playErr
	}
	h := newFakePlayback()
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakePlayer) played() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refs...)
}

func (f *fakePlayer) handle(i int) *fakePlayback {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.handles) {
		return nil
	}
	return f.handles[i]
}

type reportEntry struct {
	kind  string
	state fsm.State
	text  string
}

type fakeReporter struct {
	mu      sync.Mutex
	entries []reportEntry
}

func (f *fakeReporter) add(entry reportEntry) {
	f.mu.Lock()
	f.entries = append(f.entries, entry)
	f.mu.Unlock()
}

func (f *fakeReporter) Status(_ context.Context, state fsm.State, label string) {
	f.add(reportEntry{kind: "status", state: state, text: label})
}

func (f *fakeReporter) Reply(_ context.Context, reply TurnReply) {
	f.add(reportEntry{kind: "reply", text: reply.Text})
}

func (f *fakeReporter) Error(_ context.Context, detail string) {
	f.add(reportEntry{kind: "error", text: detail})
}

func (f *fakeReporter) Clear(context.Context) {
	f.add(reportEntry{kind: "clear"})
}

func (f *fakeReporter) texts(kind string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, entry := range f.entries {
		if entry.kind == kind {
			out = append(out, entry.text)
		}
	}
	return out
}

// manualTimer captures grace timers so tests decide when they fire.
type manualTimer struct {
	mu        sync.Mutex
	durations []time.Duration
	pending   []func()
	stopped   atomic.Int32
}

func (m *manualTimer) after(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations = append(m.durations, d)
	m.pending = append(m.pending, f)
	return func() bool {
		m.stopped.Add(1)
		return true
	}
}

func (m *manualTimer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *manualTimer) fire(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		t.Fatalf("no pending grace timer")
	}
	f := m.pending[len(m.pending)-1]
	m.pending = m.pending[:len(m.pending)-1]
	m.mu.Unlock()
	f()
}

func waitForState(t *testing.T, ctrl *Controller, desired fsm.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.State() == desired {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s (current=%s)", desired, ctrl.State())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startLoop runs ctrl in the background and returns a stop func yielding its summary.
func startLoop(t *testing.T, ctrl *Controller) func() Summary {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	summaryCh := make(chan Summary, 1)
	go func() {
		summaryCh <- ctrl.Run(ctx)
	}()

	var once sync.Once
	var summary Summary
	stop := func() Summary {
		once.Do(func() {
			cancel()
			summary = <-summaryCh
		})
		return summary
	}
	t.Cleanup(func() { stop() })
	return stop
}
