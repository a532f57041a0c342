// Package mock provides in-memory implementations of [capture.Device] and
// [playback.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	p := capture.New(dev)
//	_ = p.Start(ctx, 0.5, onFrame)
//	dev.Emit(loudBlock) // drives one device callback
//
//	out := &mock.Output{Rate: 24000, ChannelCount: 1}
//	s, _ := playback.New(out)
//	out.Pull(2400) // renders 100 ms of the timeline
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/jarvis/pkg/audio/capture"
	"github.com/MrWong99/jarvis/pkg/audio/playback"
)

var (
	_ capture.Device  = (*Device)(nil)
	_ capture.Stream  = (*Stream)(nil)
	_ playback.Output = (*Output)(nil)
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [capture.Device].
type Device struct {
	mu sync.Mutex

	// OpenErr is returned by [Device.Open] when non-nil.
	OpenErr error

	// NativeRate is reported by opened streams. Zero means the requested rate.
	NativeRate int

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Configs records the config of every Open call, in order.
	Configs []capture.DeviceConfig

	// LastStream is the most recently opened stream.
	LastStream *Stream

	onBlock func([]float32)
}

// Open implements [capture.Device].
func (d *Device) Open(_ context.Context, cfg capture.DeviceConfig, onBlock func([]float32)) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	d.Configs = append(d.Configs, cfg)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	rate := d.NativeRate
	if rate == 0 {
		rate = cfg.SampleRate
	}
	d.onBlock = onBlock
	d.LastStream = &Stream{Rate: rate}
	return d.LastStream, nil
}

// Emit invokes the installed block callback once, as the driver would. It is
// a no-op before Open. Emit keeps calling the callback after the stream is
// closed so tests can check late callbacks are ignored.
func (d *Device) Emit(samples []float32) {
	d.mu.Lock()
	cb := d.onBlock
	d.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

// OpenCount returns CallCountOpen under the lock.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountOpen
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [capture.Stream].
type Stream struct {
	mu sync.Mutex

	// Rate is returned by [Stream.SampleRate].
	Rate int

	// CloseErr is returned by [Stream.Close].
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SampleRate implements [capture.Stream].
func (s *Stream) SampleRate() int { return s.Rate }

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseErr
}

// CloseCount returns CallCountClose under the lock.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [playback.Output]. Nothing is rendered
// unless the test calls [Output.Pull].
type Output struct {
	mu sync.Mutex

	// Rate and ChannelCount describe the device format.
	Rate         int
	ChannelCount int

	// StartErr is returned by [Output.Start].
	StartErr error

	// CloseErr is returned by [Output.Close].
	CloseErr error

	// CallCountStart and CallCountClose record method calls.
	CallCountStart int
	CallCountClose int

	// Rendered accumulates every sample produced by Pull, interleaved.
	Rendered []float32

	render func([]float32)
}

// SampleRate implements [playback.Output].
func (o *Output) SampleRate() int { return o.Rate }

// Channels implements [playback.Output].
func (o *Output) Channels() int { return o.ChannelCount }

// Start implements [playback.Output].
func (o *Output) Start(render func([]float32)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountStart++
	if o.StartErr != nil {
		return o.StartErr
	}
	o.render = render
	return nil
}

// Close implements [playback.Output]. Pull is a no-op afterwards.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.render = nil
	return o.CloseErr
}

// Pull renders frames of output through the installed callback and returns
// the interleaved samples.
func (o *Output) Pull(frames int) []float32 {
	o.mu.Lock()
	render := o.render
	channels := max(o.ChannelCount, 1)
	o.mu.Unlock()
	if render == nil {
		return nil
	}

	buf := make([]float32, frames*channels)
	render(buf)

	o.mu.Lock()
	o.Rendered = append(o.Rendered, buf...)
	o.mu.Unlock()
	return buf
}

// CloseCount returns CallCountClose under the lock.
func (o *Output) CloseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}
