package indicator

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rbright/parley/internal/hypr"
)

// Freedesktop urgency hint values.
const (
	urgencyLow      byte = 0
	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

const (
	notificationsDest  = "org.freedesktop.Notifications"
	notificationsPath  = "/org/freedesktop/Notifications"
	notifySignature    = "susssasa{sv}i"
	iconListening      = "audio-input-microphone"
	iconReply          = "audio-headset"
	iconConversationKO = "dialog-error"
)

// desktopNote is one freedesktop notification. Status notes are transient;
// replies and errors stay in the notification history.
type desktopNote struct {
	AppName   string
	ReplaceID uint32
	Icon      string
	Summary   string
	Body      string
	Urgency   byte
	Transient bool
	TimeoutMS int
}

// desktopNoteFor maps an indicator update onto a desktop notification.
func desktopNoteFor(appName string, replaceID uint32, icon int, timeoutMS int, text string, msgs messages) desktopNote {
	note := desktopNote{
		AppName:   appName,
		ReplaceID: replaceID,
		TimeoutMS: timeoutMS,
	}
	switch icon {
	case hypr.IconError:
		note.Icon = iconConversationKO
		note.Summary = text
		note.Urgency = urgencyCritical
	case hypr.IconOK:
		note.Icon = iconReply
		note.Summary = msgs.speaking
		note.Body = text
		note.Urgency = urgencyNormal
	default:
		note.Icon = iconListening
		note.Summary = text
		note.Urgency = urgencyLow
		note.Transient = true
	}
	return note
}

// args renders the note as busctl Notify arguments.
func (n desktopNote) args() []string {
	hints := []string{"urgency", "y", strconv.Itoa(int(n.Urgency))}
	if n.Transient {
		hints = append(hints, "transient", "b", "true")
	}

	args := []string{
		n.AppName,
		strconv.FormatUint(uint64(n.ReplaceID), 10),
		n.Icon,
		n.Summary,
		n.Body,
		"0",
		strconv.Itoa(len(hints) / 3),
	}
	args = append(args, hints...)
	return append(args, strconv.Itoa(n.TimeoutMS))
}

// desktopNotify sends note over the session bus and returns the server-assigned ID.
func desktopNotify(ctx context.Context, note desktopNote) (uint32, error) {
	out, err := callNotifications(ctx, "Notify", notifySignature, note.args()...)
	if err != nil {
		return 0, err
	}
	return parseNotificationID(out)
}

// desktopDismiss closes the notification with id.
func desktopDismiss(ctx context.Context, id uint32) error {
	_, err := callNotifications(ctx, "CloseNotification", "u", strconv.FormatUint(uint64(id), 10))
	return err
}

func callNotifications(ctx context.Context, method string, signature string, args ...string) (string, error) {
	argv := append([]string{
		"--user", "call",
		notificationsDest, notificationsPath, notificationsDest,
		method, signature,
	}, args...)

	out, err := exec.CommandContext(ctx, "busctl", argv...).CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		if trimmed == "" {
			return "", fmt.Errorf("busctl %s: %w", method, err)
		}
		return "", fmt.Errorf("busctl %s: %w (%s)", method, err, trimmed)
	}
	return trimmed, nil
}

// parseNotificationID reads busctl's "u <id>" reply.
func parseNotificationID(out string) (uint32, error) {
	fields := strings.Fields(out)
	if len(fields) < 2 || fields[0] != "u" {
		return 0, fmt.Errorf("unexpected notify reply %q", out)
	}
	value, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse notification id %q: %w", fields[1], err)
	}
	return uint32(value), nil
}
