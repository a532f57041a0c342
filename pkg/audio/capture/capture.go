// Package capture owns the microphone for the lifetime of one session and turns
// its fixed-size sample blocks into encoded transport frames.
//
// A [Pipeline] opens a [Device], applies an RMS noise gate to each block, and
// hands every block that passes to the caller as an [audio.Blob], in capture
// order. Blocks below the gate threshold are dropped rather than sent as
// silence.
//
// The device callback never blocks on encoding or on the caller: blocks are
// copied onto a bounded queue and a single worker goroutine gates, resamples
// and encodes them. Once [Pipeline.Stop] returns, the device is released and
// any callback still arriving from the driver is a no-op.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/audio"
)

// ErrDeviceUnavailable is returned when the microphone cannot be acquired,
// either because access was denied or because no input device exists.
var ErrDeviceUnavailable = errors.New("capture: device unavailable")

const (
	defaultBlockSize  = 4096
	defaultQueueDepth = 32
)

// DeviceConfig is the stream request passed to [Device.Open].
type DeviceConfig struct {
	// SampleRate is the preferred capture rate. Devices may open at a
	// different native rate; the pipeline resamples to
	// [audio.InputSampleRate].
	SampleRate int

	// BlockSize is the number of mono samples per callback.
	BlockSize int

	// Processing hints. Backends without the feature ignore them.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Stream is an open input stream.
type Stream interface {
	// SampleRate reports the rate the device actually opened at.
	SampleRate() int

	// Close stops the stream and releases the device. It must be safe to call
	// while a block callback is executing.
	Close() error
}

// Device opens an exclusive mono input stream. onBlock is invoked on the
// driver's thread with one block of samples in [-1, 1]; the slice is only valid
// for the duration of the call.
//
// Implementations return an error wrapping [ErrDeviceUnavailable] when access
// is denied or no device exists.
type Device interface {
	Open(ctx context.Context, cfg DeviceConfig, onBlock func(samples []float32)) (Stream, error)
}

// Threshold returns the RMS gate threshold for a sensitivity in [0, 1]. Higher
// sensitivity lowers the threshold, letting quieter blocks through. Values
// outside the range are clamped.
func Threshold(sensitivity float64) float64 {
	s := min(max(sensitivity, 0), 1)
	return 0.001 + (1-s)*0.05
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithBlockSize sets the number of samples per device callback. Default: 4096.
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithSampleRate sets the preferred device rate. Default: [audio.InputSampleRate].
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithQueueDepth bounds the number of blocks buffered between the device
// callback and the encoder. When the queue is full, new blocks are dropped.
func WithQueueDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueDepth = n
		}
	}
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// ── Pipeline ───────────────────────────────────────────────────────────────────

// Pipeline is a single-use capture session. Call [Pipeline.Start] once and
// [Pipeline.Stop] any number of times.
type Pipeline struct {
	device     Device
	blockSize  int
	sampleRate int
	queueDepth int
	metrics    *observe.Metrics

	mu      sync.Mutex
	started bool
	stream  Stream
	blocks  chan []float32
	done    chan struct{}

	stopped  atomic.Bool
	stopOnce sync.Once
}

// New creates a Pipeline that will capture from device.
func New(device Device, opts ...Option) *Pipeline {
	p := &Pipeline{
		device:     device,
		blockSize:  defaultBlockSize,
		sampleRate: audio.InputSampleRate,
		queueDepth: defaultQueueDepth,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Start acquires the microphone with echo cancellation, noise suppression and
// auto gain requested, and begins delivering gated frames to onFrame.
//
// The gate threshold is computed once from sensitivity and stays fixed for the
// lifetime of the pipeline. onFrame runs on a single goroutine, one call per
// accepted block, in capture order.
func (p *Pipeline) Start(ctx context.Context, sensitivity float64, onFrame func(audio.Blob)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("capture: pipeline already started")
	}
	if p.stopped.Load() {
		return errors.New("capture: pipeline stopped")
	}
	p.started = true

	p.blocks = make(chan []float32, p.queueDepth)
	p.done = make(chan struct{})

	stream, err := p.device.Open(ctx, DeviceConfig{
		SampleRate:       p.sampleRate,
		BlockSize:        p.blockSize,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}, p.onBlock)
	if err != nil {
		close(p.done)
		p.stopped.Store(true)
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	p.stream = stream

	threshold := Threshold(sensitivity)
	slog.Debug("capture started",
		"device_rate", stream.SampleRate(),
		"block_size", p.blockSize,
		"threshold", threshold,
	)
	go p.run(stream.SampleRate(), threshold, onFrame)
	return nil
}

// onBlock runs on the driver's thread. It copies the block because drivers
// reuse their buffers between callbacks.
func (p *Pipeline) onBlock(samples []float32) {
	if p.stopped.Load() {
		return
	}
	block := make([]float32, len(samples))
	copy(block, samples)

	// Stop closes p.done before it drains; the select keeps a late callback
	// from sending on a queue nobody reads.
	select {
	case <-p.done:
	case p.blocks <- block:
	default:
		p.metrics.RecordAudioFrame(context.Background(), observe.DirectionIn, observe.OutcomeDropped)
	}
}

// run is the single encoder worker.
func (p *Pipeline) run(deviceRate int, threshold float64, onFrame func(audio.Blob)) {
	ctx := context.Background()
	for {
		select {
		case <-p.done:
			return
		case block := <-p.blocks:
			if p.stopped.Load() {
				return
			}
			if audio.RMS(block) <= threshold {
				p.metrics.RecordAudioFrame(ctx, observe.DirectionIn, observe.OutcomeGated)
				continue
			}
			samples := audio.Resample(block, deviceRate, audio.InputSampleRate)
			onFrame(audio.Frame(audio.Encode(samples)))
			p.metrics.RecordAudioFrame(ctx, observe.DirectionIn, observe.OutcomeSent)
		}
	}
}

// Stop releases the device and stops frame delivery. It is idempotent and
// safe to call from any goroutine, including from within onFrame. Blocks still
// queued when Stop is called are discarded.
func (p *Pipeline) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.stopped.Store(true)

		p.mu.Lock()
		stream := p.stream
		done := p.done
		p.stream = nil
		p.mu.Unlock()

		if done != nil && stream != nil {
			close(done)
		}
		if stream != nil {
			if cerr := stream.Close(); cerr != nil {
				err = fmt.Errorf("capture: close stream: %w", cerr)
			}
		}
	})
	return err
}
