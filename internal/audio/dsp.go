// Package audio is the capture and render pipeline: a voice activity
// gate and encoder on the way out, per-sender decode, mix and soft clip
// on the way in.
package audio

import "math"

const (
	SampleRate   = 8000
	FrameSamples = 160 // 20ms at 8kHz
	FrameMillis  = 20

	DefaultVADThreshold = 0.01
	DefaultHangover     = 8

	// SoftClipDrive and SoftClipCeiling shape the mix limiter.
	SoftClipDrive   = 1.0
	SoftClipCeiling = 0.99
)

// RMS is the root mean square of a frame.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// SoftClip bounds x below SoftClipCeiling for any input.
func SoftClip(x float64) float64 {
	return SoftClipCeiling * math.Tanh(SoftClipDrive*x)
}

// Mix sums sources into dst and soft clips the result.
// dst is zeroed first; shorter sources contribute only their length.
func Mix(dst []float32, sources ...[]float32) {
	acc := make([]float64, len(dst))
	for _, src := range sources {
		for i := 0; i < len(dst) && i < len(src); i++ {
			acc[i] += float64(src[i])
		}
	}
	for i := range dst {
		dst[i] = float32(SoftClip(acc[i]))
	}
}

// Gate is a voice activity detector with hangover. Not safe for concurrent use.
type Gate struct {
	Threshold float64
	Hangover  int

	remaining int
	open      bool
}

func NewGate(threshold float64, hangover int) *Gate {
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	if hangover < 0 {
		hangover = 0
	}
	return &Gate{Threshold: threshold, Hangover: hangover}
}

// Process reports whether the frame should be sent and whether it starts a talk spurt.
func (g *Gate) Process(samples []float32) (active, start bool) {
	if RMS(samples) >= g.Threshold {
		start = !g.open
		g.open = true
		g.remaining = g.Hangover
		return true, start
	}
	if g.open && g.remaining > 0 {
		g.remaining--
		return true, false
	}
	g.open = false
	return false, false
}
