package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

// Capture stream format: 16 kHz mono signed 16-bit little endian.
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
)

// ChunkBytes is one 100ms frame at the capture format.
const ChunkBytes = SampleRate * Channels * BitsPerSample / 8 / 10

// Capture streams PCM chunks from one selected Pulse source.
type Capture struct {
	device Device

	client *pulse.Client
	stream *pulse.RecordStream

	chunks chan []byte
	done   chan struct{}

	mu      sync.Mutex
	pending []byte
	stopped bool

	inflight sync.WaitGroup
	bytes    atomic.Int64
}

// StartCapture opens a record stream on selected and starts delivering chunks.
// The stream stops when ctx is cancelled or Stop is called.
func StartCapture(ctx context.Context, selected Device) (*Capture, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}

	source, err := client.SourceByID(selected.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", selected.ID, err)
	}

	capture := &Capture{
		device: selected,
		client: client,
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	writer := pulse.NewWriter(writerFunc(capture.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(ChunkBytes),
		pulse.RecordMediaName("parley conversation"),
	)
	if err != nil {
		_ = capture.Stop()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}

	capture.stream = stream
	stream.Start()

	go capture.watch(ctx)

	return capture, nil
}

// watch stops the capture when ctx ends and exits as soon as the capture is stopped.
func (c *Capture) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = c.Stop()
	case <-c.done:
	}
}

// Device returns the source this capture records from.
func (c *Capture) Device() Device {
	return c.device
}

// Chunks delivers PCM in arrival order and is closed after Stop has flushed everything.
// Callers must keep draining it until closed.
func (c *Capture) Chunks() <-chan []byte {
	return c.chunks
}

// BytesCaptured reports total bytes accepted from Pulse.
func (c *Capture) BytesCaptured() int64 {
	return c.bytes.Load()
}

// Stop halts the stream, waits for in-flight writes, flushes the residual partial chunk,
// and closes Chunks. It is safe to call more than once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	if c.done != nil {
		close(c.done)
	}
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()

	c.mu.Lock()
	residual := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(residual) > 0 {
		c.chunks <- residual
	}
	close(c.chunks)
	return nil
}

// onPCM buffers raw Pulse frames and emits ChunkBytes slices.
// Frames accepted before Stop are always delivered.
func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same mutex as c.stopped so Stop's Wait sees it.
	c.inflight.Add(1)

	c.pending = append(c.pending, buffer...)
	var ready [][]byte
	for len(c.pending) >= ChunkBytes {
		chunk := make([]byte, ChunkBytes)
		copy(chunk, c.pending[:ChunkBytes])
		c.pending = c.pending[ChunkBytes:]
		ready = append(ready, chunk)
	}
	c.mu.Unlock()
	defer c.inflight.Done()

	c.bytes.Add(int64(len(buffer)))
	for _, chunk := range ready {
		c.chunks <- chunk
	}
	return len(buffer), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
