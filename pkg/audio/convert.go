package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "24000Hz mono".
func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// Converter adapts decoded buffers to a device format. It logs a warning on
// the first mismatch so a misconfigured device shows up once in the logs.
// Create one per output stream.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert returns buf in the target format. If buf already matches, it is
// returned unchanged. Resampling happens before the channel mapping so mono
// sources are never resampled twice.
func (c *Converter) Convert(buf *Buffer) *Buffer {
	if buf == nil {
		return nil
	}
	if buf.SampleRate == c.Target.SampleRate && buf.Channels() == c.Target.Channels {
		return buf
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(buf.SampleRate, buf.Channels()),
			"to", c.Target.String(),
		)
	})

	out := &Buffer{SampleRate: c.Target.SampleRate, Data: make([][]float32, len(buf.Data))}
	for ch, samples := range buf.Data {
		out.Data[ch] = Resample(samples, buf.SampleRate, c.Target.SampleRate)
	}
	out.Data = MapChannels(out.Data, c.Target.Channels)
	return out
}

// MapChannels adapts planar channel data to n channels. Going up, the last
// source channel is repeated; going down to mono, channels are averaged;
// otherwise surplus channels are dropped.
func MapChannels(data [][]float32, n int) [][]float32 {
	if n <= 0 || len(data) == n || len(data) == 0 {
		return data
	}
	if n == 1 {
		frames := len(data[0])
		mono := make([]float32, frames)
		for i := range frames {
			var sum float32
			for _, ch := range data {
				sum += ch[i]
			}
			mono[i] = sum / float32(len(data))
		}
		return [][]float32{mono}
	}
	out := make([][]float32, n)
	for ch := range n {
		src := min(ch, len(data)-1)
		out[ch] = data[src]
	}
	return out
}

// Interleave writes planar data into dst as frame-interleaved samples
// (L R L R ...). It returns the number of frames written, bounded by both the
// source length and the capacity of dst.
func Interleave(dst []float32, data [][]float32) int {
	channels := len(data)
	if channels == 0 {
		return 0
	}
	frames := min(len(data[0]), len(dst)/channels)
	for i := range frames {
		for ch := range channels {
			dst[i*channels+ch] = data[ch][i]
		}
	}
	return frames
}

// Resample converts float samples from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 || channels <= 0 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
