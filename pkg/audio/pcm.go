package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	// InputSampleRate is the rate of every frame sent to the remote session.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of every audio chunk the remote session
	// sends back.
	OutputSampleRate = 24000
)

// InputMIMEType is the descriptor attached to every outbound audio blob.
var InputMIMEType = PCMMIMEType(InputSampleRate)

// ErrDecode is returned by [Decode] when a chunk is not valid base64 16-bit
// PCM for the requested channel count. A decode failure is local to one chunk.
var ErrDecode = errors.New("audio: decode error")

// PCMMIMEType returns the descriptor for 16-bit little-endian PCM at rate,
// e.g. "audio/pcm;rate=16000".
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// Blob is an encoded transport-ready audio chunk. It is immutable once built.
type Blob struct {
	// Data is base64 (standard encoding) of little-endian int16 samples.
	Data string

	// MIMEType describes sample width and rate.
	MIMEType string
}

// Encode converts float samples in [-1, 1] to int16 PCM. Values outside the
// range are clamped. Negative samples scale by 0x8000 and positive samples by
// 0x7FFF, truncating toward zero.
func Encode(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		if v < 0 {
			out[i] = int16(v * 0x8000)
		} else {
			out[i] = int16(v * 0x7FFF)
		}
	}
	return out
}

// Frame packs int16 samples into a [Blob] tagged with [InputMIMEType].
func Frame(pcm []int16) Blob {
	return FrameAt(pcm, InputSampleRate)
}

// FrameAt is like [Frame] but tags the blob with an arbitrary sample rate.
func FrameAt(pcm []int16, rate int) Blob {
	raw := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(raw),
		MIMEType: PCMMIMEType(rate),
	}
}

// Buffer is a decoded multi-channel playback buffer. Data holds one slice per
// channel, all of equal length.
type Buffer struct {
	SampleRate int
	Data       [][]float32
}

// Channels returns the number of channels in the buffer.
func (b *Buffer) Channels() int { return len(b.Data) }

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}

// Decode reverses [Frame]: it base64-decodes chunk, de-interleaves the int16
// samples into channels and rescales them to floats by dividing by 32768.
//
// The decoded byte length must be a multiple of 2*channels; anything else is
// reported as [ErrDecode].
func Decode(chunk string, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid layout %s", ErrDecode, formatString(sampleRate, channels))
	}
	raw, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	stride := 2 * channels
	if len(raw)%stride != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of the %d byte frame stride", ErrDecode, len(raw), stride)
	}

	frames := len(raw) / stride
	buf := &Buffer{SampleRate: sampleRate, Data: make([][]float32, channels)}
	for ch := range buf.Data {
		buf.Data[ch] = make([]float32, frames)
	}
	for i := range frames {
		for ch := range channels {
			off := i*stride + ch*2
			s := int16(binary.LittleEndian.Uint16(raw[off:]))
			buf.Data[ch][i] = float32(s) / 32768
		}
	}
	return buf, nil
}

// RMS returns the root-mean-square energy of samples. An empty block has zero
// energy.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
