package playback

import (
	"math"
	"sync"

	"github.com/MrWong99/jarvis/pkg/audio"
)

const (
	// FFTSize is the analysis window length in samples.
	FFTSize = 256

	// FrequencyBins is the number of bins reported by
	// [Analyser.ByteFrequencyData].
	FrequencyBins = FFTSize / 2

	minDecibels    = -100.0
	maxDecibels    = -30.0
	smoothingConst = 0.8
)

// Analyser is the live spectral and amplitude tap over everything the
// scheduler renders. It keeps the most recent [FFTSize] mono samples and
// computes a Blackman-windowed spectrum on demand. The spectrum is smoothed
// across reads, so callers polling at a steady rate see stable bars.
//
// An Analyser is safe for concurrent use.
type Analyser struct {
	mu       sync.Mutex
	window   [FFTSize]float32
	pos      int
	smoothed [FrequencyBins]float64
	blackman [FFTSize]float64
}

func newAnalyser() *Analyser {
	a := &Analyser{}
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	for i := range FFTSize {
		x := 2 * math.Pi * float64(i) / FFTSize
		a.blackman[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return a
}

// write appends rendered mono samples to the analysis window.
func (a *Analyser) write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.window[a.pos] = s
		a.pos = (a.pos + 1) % FFTSize
	}
}

// ordered returns the window oldest sample first. Caller holds a.mu.
func (a *Analyser) ordered() [FFTSize]float64 {
	var out [FFTSize]float64
	for i := range FFTSize {
		out[i] = float64(a.window[(a.pos+i)%FFTSize])
	}
	return out
}

// ByteFrequencyData returns [FrequencyBins] magnitudes scaled to 0..255 over
// the -100..-30 dB range.
func (a *Analyser) ByteFrequencyData() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	samples := a.ordered()
	for i := range samples {
		samples[i] *= a.blackman[i]
	}

	out := make([]byte, FrequencyBins)
	for k := range FrequencyBins {
		var re, im float64
		for n, x := range samples {
			angle := 2 * math.Pi * float64(k*n) / FFTSize
			re += x * math.Cos(angle)
			im -= x * math.Sin(angle)
		}
		mag := math.Hypot(re, im) / FFTSize
		a.smoothed[k] = smoothingConst*a.smoothed[k] + (1-smoothingConst)*mag

		db := minDecibels
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		out[k] = byte(min(max(scaled, 0), 255))
	}
	return out
}

// Level returns the RMS amplitude of the current window in [0, 1].
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return audio.RMS(a.window[:])
}
