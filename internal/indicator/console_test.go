package indicator

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/parley/internal/conversation"
	"github.com/rbright/parley/internal/fsm"
)

func TestConsoleWritesOneLinePerUpdate(t *testing.T) {
	var out bytes.Buffer
	console := NewConsole(&out)
	ctx := context.Background()

	console.Clear(ctx)
	console.Status(ctx, fsm.StateCapturing, conversation.LabelRecording)
	console.Reply(ctx, conversation.TurnReply{Text: "hi there", AudioRef: "u1"})
	console.Error(ctx, "quota exceeded")

	require.Equal(t, "status: recording\nreply: hi there\nerror: quota exceeded\n", out.String())
}

func TestFanoutForwardsToEveryReporter(t *testing.T) {
	var first, second bytes.Buffer
	fan := NewFanout(NewConsole(&first), nil, NewConsole(&second))
	require.Len(t, fan, 2)

	ctx := context.Background()
	fan.Status(ctx, fsm.StateSubmitting, conversation.LabelProcessing)
	fan.Reply(ctx, conversation.TurnReply{Text: "ok", AudioRef: "u"})
	fan.Error(ctx, "boom")
	fan.Clear(ctx)

	want := "status: processing\nreply: ok\nerror: boom\n"
	require.Equal(t, want, first.String())
	require.Equal(t, want, second.String())
}
