package indicator

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rbright/parley/internal/conversation"
	"github.com/rbright/parley/internal/fsm"
)

// Console writes loop updates as plain lines, one per update.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

var _ conversation.Reporter = (*Console)(nil)

// NewConsole returns a reporter writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Status(_ context.Context, _ fsm.State, label string) {
	c.printf("status: %s\n", label)
}

func (c *Console) Reply(_ context.Context, reply conversation.TurnReply) {
	c.printf("reply: %s\n", reply.Text)
}

func (c *Console) Error(_ context.Context, detail string) {
	c.printf("%s\n", ErrorText(detail))
}

// Clear is a no-op; console history is not rewritten.
func (c *Console) Clear(context.Context) {}

func (c *Console) printf(format string, args ...any) {
	if c.w == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, format, args...)
}

// Fanout forwards every update to each reporter in order.
type Fanout []conversation.Reporter

var _ conversation.Reporter = Fanout(nil)

// NewFanout drops nil reporters.
func NewFanout(reporters ...conversation.Reporter) Fanout {
	out := make(Fanout, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (f Fanout) Status(ctx context.Context, state fsm.State, label string) {
	for _, r := range f {
		r.Status(ctx, state, label)
	}
}

func (f Fanout) Reply(ctx context.Context, reply conversation.TurnReply) {
	for _, r := range f {
		r.Reply(ctx, reply)
	}
}

func (f Fanout) Error(ctx context.Context, detail string) {
	for _, r := range f {
		r.Error(ctx, detail)
	}
}

func (f Fanout) Clear(ctx context.Context) {
	for _, r := range f {
		r.Clear(ctx)
	}
}
