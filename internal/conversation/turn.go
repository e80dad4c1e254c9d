package conversation

import (
	"context"
	"errors"
	"fmt"
)

const (
	// DefaultFilename is the multipart filename used when a recording does not declare one.
	DefaultFilename = "recording.webm"
	// DefaultMediaType is the recording media type used when a recording does not declare one.
	DefaultMediaType = "audio/webm"
	// IncompleteResponseDetail is surfaced when the server gives no detail of its own.
	IncompleteResponseDetail = "incomplete response from server"
)

// ErrPermissionDenied indicates the input device could not be opened for capture.
var ErrPermissionDenied = errors.New("microphone access denied")

// Recording is one turn's captured audio, concatenated from its chunks.
type Recording struct {
	Data        []byte
	MediaType   string
	Filename    string
	Chunks      int
	AudioDevice string
}

// TurnReply is the remote turn-processor output for one turn.
type TurnReply struct {
	Text     string
	AudioRef string
}

// Valid reports whether both reply fields are present.
func (r TurnReply) Valid() bool {
	return r.Text != "" && r.AudioRef != ""
}

// RequestError is returned for any failed remote turn submission.
type RequestError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *RequestError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return IncompleteResponseDetail
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// PlaybackError wraps a reply playback failure.
type PlaybackError struct {
	AudioRef string
	Err      error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback failed: %v", e.Err)
}

func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// CaptureHandle identifies one in-progress capture owned by a Capturer.
type CaptureHandle interface {
	AudioDevice() string
}

// Capturer owns the input device for the duration of one turn.
type Capturer interface {
	Begin(context.Context) (CaptureHandle, error)
	End(context.Context, CaptureHandle) (Recording, error)
}

// Submitter performs the single remote call for a turn.
type Submitter interface {
	Submit(ctx context.Context, sessionID string, rec Recording) (TurnReply, error)
}

// SubmitFunc adapts a function to the Submitter interface.
type SubmitFunc func(context.Context, string, Recording) (TurnReply, error)

func (f SubmitFunc) Submit(ctx context.Context, sessionID string, rec Recording) (TurnReply, error) {
	return f(ctx, sessionID, rec)
}

// PlaybackHandle tracks one started reply playback.
type PlaybackHandle interface {
	Done() <-chan struct{}
	Err() error
	OnCompletion(func(error))
}

// Player starts reply playback.
type Player interface {
	Play(ctx context.Context, audioRef string) (PlaybackHandle, error)
}
