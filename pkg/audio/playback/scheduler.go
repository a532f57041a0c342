// Package playback renders the remote session's audio chunks as one continuous
// stream on an output device.
//
// The [Scheduler] keeps a sample-accurate timeline driven by the device's own
// render callback. Every chunk is placed at max(now, next) and the cursor
// advances by the chunk's length, so chunks never overlap and a late network
// resumes at the current position instead of replaying a stale schedule.
// Everything rendered passes through an [Analyser] for visualisation.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Enqueue] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Output is an audio sink that pulls samples. Start installs render, which
// the device calls from its own thread with an interleaved buffer of
// frames*Channels() samples to fill. Close stops the device; render is never
// called after Close returns.
type Output interface {
	SampleRate() int
	Channels() int
	Start(render func(out []float32)) error
	Close() error
}

// Slot is the placement of one scheduled chunk on the output timeline.
type Slot struct {
	Start    time.Duration
	Duration time.Duration
}

// End returns the time at which the chunk finishes playing.
func (s Slot) End() time.Duration { return s.Start + s.Duration }

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Scheduler].
type Option func(*Scheduler)

// WithChunkFormat sets the layout of inbound chunks. Default: 24 kHz mono.
func WithChunkFormat(f audio.Format) Option {
	return func(s *Scheduler) { s.chunk = f }
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// ── Scheduler ──────────────────────────────────────────────────────────────────

type node struct {
	start  int64 // first frame on the timeline
	frames int64
	data   [][]float32 // planar, device layout
}

// Scheduler places decoded chunks on the output timeline. It is safe for
// concurrent use; chunks play in the order Enqueue is called.
type Scheduler struct {
	out      Output
	chunk    audio.Format
	conv     audio.Converter
	analyser *Analyser
	metrics  *observe.Metrics

	mu     sync.Mutex
	now    int64 // frames rendered so far
	next   int64 // earliest frame a new chunk may start at
	nodes  map[uint64]*node
	seq    uint64
	closed bool
	mix    []float32
}

// New creates a Scheduler and starts out. The analysis tap is available
// immediately, before anything is enqueued.
func New(out Output, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		out:      out,
		chunk:    audio.Format{SampleRate: audio.OutputSampleRate, Channels: 1},
		analyser: newAnalyser(),
		nodes:    make(map[uint64]*node),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.conv = audio.Converter{Target: audio.Format{SampleRate: out.SampleRate(), Channels: out.Channels()}}

	if err := out.Start(s.render); err != nil {
		return nil, fmt.Errorf("playback: start output: %w", err)
	}
	return s, nil
}

// Tap returns the shared analysis node. It is never nil.
func (s *Scheduler) Tap() *Analyser { return s.analyser }

// Now returns the current playback position.
func (s *Scheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toDuration(s.now)
}

// Pending returns the number of chunks scheduled or playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Enqueue decodes a base64 PCM chunk and schedules it gap-free after the
// previous chunk, or at the current position if playback has caught up.
//
// A chunk that fails to decode is logged and dropped: the returned error wraps
// [audio.ErrDecode], no node is created and the cursor is unchanged.
func (s *Scheduler) Enqueue(chunk string) (Slot, error) {
	buf, err := audio.Decode(chunk, s.chunk.SampleRate, s.chunk.Channels)
	if err != nil {
		s.metrics.RecordAudioFrame(context.Background(), observe.DirectionOut, observe.OutcomeDecodeError)
		slog.Warn("playback: dropping undecodable chunk", "err", err)
		return Slot{}, err
	}
	buf = s.conv.Convert(buf)
	frames := int64(buf.Frames())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Slot{}, ErrClosed
	}
	if frames == 0 {
		start := max(s.now, s.next)
		return Slot{Start: s.toDuration(start)}, nil
	}

	start := max(s.now, s.next)
	s.next = start + frames
	s.seq++
	s.nodes[s.seq] = &node{start: start, frames: frames, data: buf.Data}

	return Slot{Start: s.toDuration(start), Duration: s.toDuration(frames)}, nil
}

// Flush stops every scheduled chunk without closing the scheduler, e.g. when
// the remote side reports that the user interrupted the answer. The cursor
// moves back to the current position, so the next chunk starts immediately
// rather than after the discarded audio. No node survives to overlap it.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.nodes)
	s.next = s.now
}

// Close stops every live chunk, resets the cursor and stops the output. It is
// idempotent; after Close, Enqueue returns [ErrClosed].
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clear(s.nodes)
	s.next = 0
	s.mu.Unlock()

	if err := s.out.Close(); err != nil {
		return fmt.Errorf("playback: close output: %w", err)
	}
	return nil
}

// render fills out from the live nodes and advances the clock by one device
// buffer. It is the Output's pull callback.
func (s *Scheduler) render(out []float32) {
	channels := s.out.Channels()
	if channels <= 0 {
		return
	}
	clear(out)
	frames := int64(len(out) / channels)

	s.mu.Lock()
	if cap(s.mix) < int(frames) {
		s.mix = make([]float32, frames)
	}
	mix := s.mix[:frames]
	clear(mix)

	blockStart, blockEnd := s.now, s.now+frames
	finished := 0
	for id, n := range s.nodes {
		from := max(n.start, blockStart)
		to := min(n.start+n.frames, blockEnd)
		for f := from; f < to; f++ {
			src := f - n.start
			dst := f - blockStart
			var sum float32
			for ch := range channels {
				v := n.data[min(ch, len(n.data)-1)][src]
				out[dst*int64(channels)+int64(ch)] += v
				sum += v
			}
			mix[dst] += sum / float32(channels)
		}
		if n.start+n.frames <= blockEnd {
			delete(s.nodes, id)
			finished++
		}
	}
	s.now = blockEnd
	s.analyser.write(mix)
	s.mu.Unlock()

	for range finished {
		s.metrics.RecordAudioFrame(context.Background(), observe.DirectionOut, observe.OutcomePlayed)
	}
}

// toDuration converts a frame count on the device timeline to a duration.
func (s *Scheduler) toDuration(frames int64) time.Duration {
	rate := int64(s.conv.Target.SampleRate)
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / rate)
}
