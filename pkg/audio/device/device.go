// Package device binds the capture and playback pipelines to the host's sound
// hardware through PortAudio.
//
// Call [Init] once at process start and the returned release function at exit.
// [Input] implements [capture.Device]; [Output] implements [playback.Output].
// Both select the system default device unless a device name is configured.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/jarvis/pkg/audio/capture"
	"github.com/MrWong99/jarvis/pkg/audio/playback"
)

var (
	_ capture.Device  = (*Input)(nil)
	_ playback.Output = (*Output)(nil)
)

// Init initialises PortAudio. The returned function terminates it.
func Init() (release func() error, err error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("device: initialise portaudio: %w", err)
	}
	return portaudio.Terminate, nil
}

// find returns the named device, or the default one when name is empty.
func find(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if !strings.EqualFold(d.Name, name) {
			continue
		}
		if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no device named %q", name)
}

// ── Input ──────────────────────────────────────────────────────────────────────

// Input opens a mono microphone stream.
//
// PortAudio exposes no echo cancellation, noise suppression or gain control of
// its own; those hints are honoured only when the selected host device applies
// them itself.
type Input struct {
	// Name selects a device by name. Empty means the system default.
	Name string
}

// Open implements [capture.Device].
func (d *Input) Open(_ context.Context, cfg capture.DeviceConfig, onBlock func([]float32)) (capture.Stream, error) {
	info, err := find(d.Name, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrDeviceUnavailable, err)
	}

	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.BlockSize

	stream, err := portaudio.OpenStream(params, func(in []float32) { onBlock(in) })
	if err != nil {
		// Fall back to the device's native rate; the pipeline resamples.
		params.SampleRate = info.DefaultSampleRate
		stream, err = portaudio.OpenStream(params, func(in []float32) { onBlock(in) })
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %w", capture.ErrDeviceUnavailable, info.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: start %q: %w", capture.ErrDeviceUnavailable, info.Name, err)
	}
	return &inputStream{stream: stream, rate: int(params.SampleRate)}, nil
}

type inputStream struct {
	stream    *portaudio.Stream
	rate      int
	closeOnce sync.Once
	closeErr  error
}

func (s *inputStream) SampleRate() int { return s.rate }

func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.stream.Stop(), s.stream.Close())
	})
	return s.closeErr
}

// ── Output ─────────────────────────────────────────────────────────────────────

// Output is a pull-mode speaker stream.
type Output struct {
	name     string
	rate     int
	channels int
	frames   int

	mu     sync.Mutex
	stream *portaudio.Stream
}

// NewOutput returns an Output for the named device (empty for the default)
// that will open at rate with the given channel count. framesPerBuffer of zero
// lets PortAudio choose.
func NewOutput(name string, rate, channels, framesPerBuffer int) *Output {
	return &Output{name: name, rate: rate, channels: max(channels, 1), frames: framesPerBuffer}
}

// SampleRate implements [playback.Output].
func (o *Output) SampleRate() int { return o.rate }

// Channels implements [playback.Output].
func (o *Output) Channels() int { return o.channels }

// Start implements [playback.Output].
func (o *Output) Start(render func([]float32)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream != nil {
		return errors.New("device: output already started")
	}

	info, err := find(o.name, false)
	if err != nil {
		return fmt.Errorf("device: output: %w", err)
	}
	params := portaudio.HighLatencyParameters(nil, info)
	params.Output.Channels = o.channels
	params.SampleRate = float64(o.rate)
	params.FramesPerBuffer = o.frames

	stream, err := portaudio.OpenStream(params, func(out []float32) { render(out) })
	if err != nil {
		return fmt.Errorf("device: open output %q: %w", info.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("device: start output %q: %w", info.Name, err)
	}
	o.stream = stream
	return nil
}

// Close implements [playback.Output]. It is safe to call more than once.
func (o *Output) Close() error {
	o.mu.Lock()
	stream := o.stream
	o.stream = nil
	o.mu.Unlock()
	if stream == nil {
		return nil
	}
	return errors.Join(stream.Stop(), stream.Close())
}
