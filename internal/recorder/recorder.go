// Package recorder turns one Pulse capture into a conversation recording.
package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/parley/internal/audio"
	"github.com/rbright/parley/internal/config"
	"github.com/rbright/parley/internal/conversation"
)

// Payload media types and filenames per audio.format.
const (
	MediaTypeWAV = "audio/wav"
	MediaTypePCM = "audio/L16;rate=16000;channels=1"
	FilenameWAV  = "recording.wav"
	FilenamePCM  = "recording.pcm"
)

// chunkSource is the capture surface the recorder drains.
type chunkSource interface {
	Chunks() <-chan []byte
	Stop() error
}

// Recorder owns the input device for one turn at a time.
type Recorder struct {
	cfg    config.Config
	logger *slog.Logger

	selectDevice func(ctx context.Context, input string, fallback string) (audio.Selection, error)
	startCapture func(ctx context.Context, device audio.Device) (chunkSource, error)

	mu     sync.Mutex
	active *take
}

// New constructs a recorder bound to the audio and debug config.
func New(cfg config.Config, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{
		cfg:          cfg,
		logger:       logger,
		selectDevice: audio.SelectDevice,
		startCapture: func(ctx context.Context, device audio.Device) (chunkSource, error) {
			return audio.StartCapture(ctx, device)
		},
	}
}

// take is one in-progress capture; it implements conversation.CaptureHandle.
type take struct {
	device  audio.Device
	source  chunkSource
	started time.Time

	done   chan struct{}
	pcm    bytes.Buffer
	chunks int
}

func (t *take) AudioDevice() string {
	return describeDevice(t.device)
}

// collect concatenates non-empty chunks until the source closes its channel.
func (t *take) collect() {
	defer close(t.done)
	for chunk := range t.source.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		t.pcm.Write(chunk)
		t.chunks++
	}
}

// Begin selects the input device and starts capturing. Every failure wraps
// conversation.ErrPermissionDenied.
func (r *Recorder) Begin(ctx context.Context) (conversation.CaptureHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, fmt.Errorf("%w: input device busy", conversation.ErrPermissionDenied)
	}

	selection, err := r.selectDevice(ctx, r.cfg.Audio.Input, r.cfg.Audio.Fallback)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", conversation.ErrPermissionDenied, err)
	}
	if selection.Warning != "" {
		r.logger.Warn(selection.Warning)
	}

	source, err := r.startCapture(ctx, selection.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", conversation.ErrPermissionDenied, err)
	}

	t := &take{
		device:  selection.Device,
		source:  source,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go t.collect()
	r.active = t
	return t, nil
}

// End stops the capture and waits until every chunk, including late ones, is drained.
func (r *Recorder) End(ctx context.Context, handle conversation.CaptureHandle) (conversation.Recording, error) {
	t, ok := handle.(*take)
	if !ok || t == nil {
		return conversation.Recording{}, errors.New("unknown capture handle")
	}

	r.mu.Lock()
	if r.active != t {
		r.mu.Unlock()
		return conversation.Recording{}, errors.New("capture already ended")
	}
	r.active = nil
	r.mu.Unlock()

	if err := t.source.Stop(); err != nil {
		r.logger.Warn("stop capture failed", "error", err.Error())
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return conversation.Recording{}, fmt.Errorf("drain capture: %w", ctx.Err())
	}

	pcm := t.pcm.Bytes()
	rec := conversation.Recording{
		Chunks:      t.chunks,
		AudioDevice: describeDevice(t.device),
	}
	switch r.cfg.Audio.Format {
	case config.AudioFormatPCM:
		rec.Data = pcm
		rec.MediaType = MediaTypePCM
		rec.Filename = FilenamePCM
	default:
		var buf bytes.Buffer
		buf.Grow(wavHeaderSize + len(pcm))
		if err := writePCM16WAV(&buf, pcm, audio.SampleRate, audio.Channels); err != nil {
			return conversation.Recording{}, fmt.Errorf("encode wav: %w", err)
		}
		rec.Data = buf.Bytes()
		rec.MediaType = MediaTypeWAV
		rec.Filename = FilenameWAV
	}

	r.logger.Debug("capture drained",
		"audio_device", rec.AudioDevice,
		"chunks", rec.Chunks,
		"pcm_bytes", len(pcm),
		"capture_ms", time.Since(t.started).Milliseconds(),
	)
	r.writeDebugAudio(pcm)
	return rec, nil
}

// describeDevice formats device metadata for logs and handles.
func describeDevice(device audio.Device) string {
	switch {
	case device.Description != "" && device.ID != "":
		return fmt.Sprintf("%s (%s)", device.Description, device.ID)
	case device.Description != "":
		return device.Description
	default:
		return device.ID
	}
}
