package playback_test

import (
	"encoding/base64"
	"errors"
	"math"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/audio/mock"
	"github.com/MrWong99/jarvis/pkg/audio/playback"
)

// chunk returns a base64 24 kHz mono chunk of n frames at a constant level.
func chunk(n int, level float32) string {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = level
	}
	return audio.FrameAt(audio.Encode(samples), audio.OutputSampleRate).Data
}

func newScheduler(t *testing.T, channels int) (*playback.Scheduler, *mock.Output) {
	t.Helper()
	out := &mock.Output{Rate: audio.OutputSampleRate, ChannelCount: channels}
	s, err := playback.New(out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, out
}

func TestScheduler_TapAvailableBeforeEnqueue(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t, 1)
	if s.Tap() == nil {
		t.Fatal("Tap() returned nil")
	}
	if n := len(s.Tap().ByteFrequencyData()); n != playback.FrequencyBins {
		t.Errorf("bins = %d; want %d", n, playback.FrequencyBins)
	}
}

func TestScheduler_BackToBack(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t, 1)

	first, err := s.Enqueue(chunk(2400, 0.1)) // 100 ms
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := s.Enqueue(chunk(4800, 0.1)) // 200 ms
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if first.Start != 0 || first.Duration != 100*time.Millisecond {
		t.Errorf("first = %+v", first)
	}
	if second.Start != first.End() {
		t.Errorf("second.Start = %v; want %v", second.Start, first.End())
	}
	if s.Pending() != 2 {
		t.Errorf("Pending = %d; want 2", s.Pending())
	}
}

func TestScheduler_LateChunkStartsNow(t *testing.T) {
	t.Parallel()
	s, out := newScheduler(t, 1)

	if _, err := s.Enqueue(chunk(2400, 0.1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	out.Pull(12000) // 500 ms, the first chunk has long finished

	slot, err := s.Enqueue(chunk(2400, 0.1))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if slot.Start != 500*time.Millisecond {
		t.Errorf("Start = %v; want 500ms (resume at now)", slot.Start)
	}
}

func TestScheduler_DecodeErrorLeavesCursor(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t, 1)

	first, err := s.Enqueue(chunk(2400, 0.1))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	odd := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	if _, err := s.Enqueue(odd); !errors.Is(err, audio.ErrDecode) {
		t.Fatalf("err = %v; want ErrDecode", err)
	}
	if s.Pending() != 1 {
		t.Errorf("Pending = %d; want 1 (no node for the bad chunk)", s.Pending())
	}

	next, err := s.Enqueue(chunk(2400, 0.1))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if next.Start != first.End() {
		t.Errorf("cursor moved: next.Start = %v; want %v", next.Start, first.End())
	}
}

func TestScheduler_RendersAndCompletes(t *testing.T) {
	t.Parallel()
	s, out := newScheduler(t, 2)

	if _, err := s.Enqueue(chunk(240, 0.5)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	buf := out.Pull(480)

	for f := range 240 {
		for ch := range 2 {
			if v := buf[f*2+ch]; math.Abs(float64(v-0.5)) > 1e-3 {
				t.Fatalf("frame %d ch %d = %v; want 0.5", f, ch, v)
			}
		}
	}
	for i := 240 * 2; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("sample %d = %v after chunk end; want silence", i, buf[i])
		}
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d; want 0 after natural completion", s.Pending())
	}
	if lvl := s.Tap().Level(); lvl <= 0 {
		t.Errorf("Level = %v; want > 0 after rendering audio", lvl)
	}
}

func TestScheduler_NoOverlap_Property(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		out := &mock.Output{Rate: audio.OutputSampleRate, ChannelCount: 1}
		s, err := playback.New(out)
		if err != nil {
			rt.Fatalf("New: %v", err)
		}
		defer s.Close()

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		var prev playback.Slot
		for i := range steps {
			if rapid.Bool().Draw(rt, "pull") {
				out.Pull(rapid.IntRange(1, 4800).Draw(rt, "pullFrames"))
			}
			now := s.Now()
			slot, err := s.Enqueue(chunk(rapid.IntRange(1, 4800).Draw(rt, "frames"), 0.1))
			if err != nil {
				rt.Fatalf("Enqueue: %v", err)
			}
			if slot.Start < now {
				rt.Fatalf("chunk %d starts at %v before now %v", i, slot.Start, now)
			}
			if i > 0 && slot.Start < prev.End() {
				rt.Fatalf("chunk %d starts at %v, overlapping previous ending %v", i, slot.Start, prev.End())
			}
			prev = slot
		}
	})
}

func TestScheduler_FlushStopsLiveChunks(t *testing.T) {
	t.Parallel()
	s, out := newScheduler(t, 1)

	if _, err := s.Enqueue(chunk(24000, 0.5)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	out.Pull(2400)
	s.Flush()
	if s.Pending() != 0 {
		t.Fatalf("Pending = %d after Flush", s.Pending())
	}
	for i, v := range out.Pull(240) {
		if v != 0 {
			t.Fatalf("sample %d = %v after Flush; want silence", i, v)
		}
	}
	slot, err := s.Enqueue(chunk(240, 0.5))
	if err != nil {
		t.Fatalf("Enqueue after Flush: %v", err)
	}
	if slot.Start != s.Now() {
		t.Errorf("Start = %v; want now %v", slot.Start, s.Now())
	}
}

// A flush rewinds a cursor that ran ahead of the output.
func TestScheduler_FlushRewindsCursor(t *testing.T) {
	t.Parallel()
	s, out := newScheduler(t, 1)

	if _, err := s.Enqueue(chunk(24000, 0.5)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	queued, err := s.Enqueue(chunk(24000, 0.5))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	out.Pull(2400)
	s.Flush()

	slot, err := s.Enqueue(chunk(240, 0.25))
	if err != nil {
		t.Fatalf("Enqueue after Flush: %v", err)
	}
	if slot.Start >= queued.Start {
		t.Errorf("Start = %v; want before the flushed chunk at %v", slot.Start, queued.Start)
	}
	for i, v := range out.Pull(240) {
		if math.Abs(float64(v-0.25)) > 1e-3 {
			t.Fatalf("sample %d = %v; want the new chunk right away", i, v)
		}
	}
}

func TestScheduler_CloseIdempotent(t *testing.T) {
	t.Parallel()
	out := &mock.Output{Rate: audio.OutputSampleRate, ChannelCount: 1}
	s, err := playback.New(out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Enqueue(chunk(2400, 0.1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for range 3 {
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if out.CloseCount() != 1 {
		t.Errorf("output closed %d times; want 1", out.CloseCount())
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d after Close", s.Pending())
	}
	if _, err := s.Enqueue(chunk(10, 0.1)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Enqueue after Close: err = %v; want ErrClosed", err)
	}
	if s.Tap() == nil {
		t.Error("Tap() nil after Close")
	}
}

func TestScheduler_ResamplesToDeviceRate(t *testing.T) {
	t.Parallel()
	out := &mock.Output{Rate: 48000, ChannelCount: 1}
	s, err := playback.New(out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	slot, err := s.Enqueue(chunk(2400, 0.1))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if slot.Duration != 100*time.Millisecond {
		t.Errorf("Duration = %v; want 100ms at any device rate", slot.Duration)
	}
}

func TestNew_StartError(t *testing.T) {
	t.Parallel()
	out := &mock.Output{Rate: 24000, ChannelCount: 1, StartErr: errors.New("no output device")}
	if _, err := playback.New(out); err == nil {
		t.Fatal("expected error when output fails to start")
	}
}
