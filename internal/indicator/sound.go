package indicator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
)

type cueKind int

const (
	cueStart cueKind = iota + 1
	cueStop
	cueComplete
	cueCancel
	cueError
)

func (k cueKind) String() string {
	switch k {
	case cueStart:
		return "start"
	case cueStop:
		return "stop"
	case cueComplete:
		return "complete"
	case cueCancel:
		return "cancel"
	case cueError:
		return "error"
	default:
		return fmt.Sprintf("cue(%d)", int(k))
	}
}

const (
	cueSampleRate = 16000
	cueToneGap    = 22 * time.Millisecond
	cueRamp       = 5 * time.Millisecond
	cueGain       = 0.18
)

type tone struct {
	hz     float64
	length time.Duration
	gain   float64
}

// Listening rises, cancel falls, and an error is a low double beep.
var cueTones = map[cueKind][]tone{
	cueStart:    {{880, 70 * time.Millisecond, cueGain}, {1175, 70 * time.Millisecond, cueGain}},
	cueStop:     {{620, 120 * time.Millisecond, cueGain}},
	cueComplete: {{740, 65 * time.Millisecond, cueGain}, {988, 90 * time.Millisecond, cueGain}},
	cueCancel:   {{480, 75 * time.Millisecond, cueGain}, {360, 90 * time.Millisecond, cueGain}},
	cueError:    {{330, 110 * time.Millisecond, 0.2}, {330, 110 * time.Millisecond, 0.2}},
}

var cuePCM = sync.OnceValue(func() map[cueKind][]int16 {
	pcm := make(map[cueKind][]int16, len(cueTones))
	for kind, tones := range cueTones {
		pcm[kind] = renderTones(tones)
	}
	return pcm
})

func cueSamples(kind cueKind) []int16 {
	return cuePCM()[kind]
}

// emitCue plays one cue on the default Pulse sink unless ctx is already done.
func emitCue(ctx context.Context, kind cueKind) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("emit %s cue: %w", kind, err)
	}
	samples := cueSamples(kind)
	if len(samples) == 0 {
		return nil
	}
	if err := playPCM(samples); err != nil {
		return fmt.Errorf("emit %s cue: %w", kind, err)
	}
	return nil
}

func playPCM(samples []int16) error {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("parley"),
		pulse.ClientApplicationIconName("audio-headset"),
	)
	if err != nil {
		return fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	cursor := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		n := copy(buf, samples[cursor:])
		cursor += n
		if cursor >= len(samples) {
			return n, pulse.EndOfData
		}
		return n, nil
	})

	stream, err := client.NewPlayback(
		reader,
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(cueSampleRate),
		pulse.PlaybackLatency(0.02),
		pulse.PlaybackMediaName("parley status cue"),
	)
	if err != nil {
		return fmt.Errorf("create pulse playback stream: %w", err)
	}
	defer stream.Close()

	stream.Start()
	stream.Drain()
	return stream.Error()
}

// renderTones concatenates tones with a short silence between them.
func renderTones(tones []tone) []int16 {
	gap := make([]int16, sampleCount(cueToneGap))
	var pcm []int16
	for i, t := range tones {
		if i > 0 {
			pcm = append(pcm, gap...)
		}
		pcm = append(pcm, renderTone(t)...)
	}
	return pcm
}

// renderTone synthesizes a sine with linear attack and release ramps.
func renderTone(t tone) []int16 {
	n := sampleCount(t.length)
	if n <= 0 || t.hz <= 0 || t.gain <= 0 {
		return nil
	}

	ramp := max(1, min(n/10, sampleCount(cueRamp)))
	step := 2 * math.Pi * t.hz / cueSampleRate

	pcm := make([]int16, n)
	for i := range pcm {
		envelope := 1.0
		if edge := min(i, n-1-i); edge < ramp {
			envelope = float64(edge) / float64(ramp)
		}
		pcm[i] = int16(math.Round(math.Sin(step*float64(i)) * t.gain * envelope * math.MaxInt16))
	}
	return pcm
}

func sampleCount(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds() * cueSampleRate))
}
