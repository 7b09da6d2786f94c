package audio

import (
	"errors"
	"math"

	"github.com/zaf/g711"
)

var ErrDecode = errors.New("audio: cannot decode frame")

// Codec turns linear frames into payload bytes and back.
// Implementations may keep per-stream state, so use one per direction and sender.
type Codec interface {
	Encode(pcm []float32) ([]byte, error)
	Decode(payload []byte) ([]float32, error)
}

// PCMU is G.711 mu-law at 64 kbit/s.
type PCMU struct{}

func NewPCMU() Codec { return PCMU{} }

func (PCMU) Encode(pcm []float32) ([]byte, error) {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = g711.EncodeUlawFrame(toInt16(s))
	}
	return out, nil
}

func (PCMU) Decode(payload []byte) ([]float32, error) {
	if len(payload) == 0 || len(payload) > 4*FrameSamples {
		return nil, ErrDecode
	}
	out := make([]float32, len(payload))
	for i, b := range payload {
		out[i] = float32(g711.DecodeUlawFrame(b)) / 32768
	}
	return out, nil
}

func toInt16(s float32) int16 {
	v := math.Round(float64(s) * 32767)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
