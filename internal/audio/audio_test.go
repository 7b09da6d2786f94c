package audio

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/media"
)

func tone(amp float32) []float32 {
	buf := make([]float32, FrameSamples)
	for i := range buf {
		buf[i] = amp * float32(math.Sin(2*math.Pi*440*float64(i)/SampleRate))
	}
	return buf
}

func TestSoftClipBounded(t *testing.T) {
	for _, x := range []float64{-1e9, -10000, -1, 0, 0.5, 1, 10000, 1e9} {
		y := SoftClip(x)
		assert.Less(t, math.Abs(y), 1.0, "x=%v", x)
	}
	assert.Zero(t, SoftClip(0))
}

func TestMixBoundedForManySources(t *testing.T) {
	for _, n := range []int{1, 2, 10, 100, 1000, 10000} {
		sources := make([][]float32, n)
		for i := range sources {
			sources[i] = tone(1)
		}
		out := make([]float32, FrameSamples)
		Mix(out, sources...)
		for i, s := range out {
			require.Less(t, math.Abs(float64(s)), 1.0, "n=%d i=%d", n, i)
		}
	}
}

func TestMixShortSource(t *testing.T) {
	out := make([]float32, 4)
	Mix(out, []float32{0.1, 0.1})
	assert.NotZero(t, out[0])
	assert.Zero(t, out[3])
}

func TestGateHangover(t *testing.T) {
	g := NewGate(0.01, 2)
	silence := make([]float32, FrameSamples)

	active, start := g.Process(silence)
	assert.False(t, active)
	assert.False(t, start)

	active, start = g.Process(tone(0.5))
	assert.True(t, active)
	assert.True(t, start)

	active, start = g.Process(tone(0.5))
	assert.True(t, active)
	assert.False(t, start)

	for i := 0; i < 2; i++ {
		active, _ = g.Process(silence)
		assert.True(t, active, "hangover frame %d", i)
	}
	active, _ = g.Process(silence)
	assert.False(t, active)

	_, start = g.Process(tone(0.5))
	assert.True(t, start)
}

func TestPCMURoundTrip(t *testing.T) {
	c := NewPCMU()
	in := tone(0.5)
	enc, err := c.Encode(in)
	require.NoError(t, err)
	assert.Len(t, enc, FrameSamples)

	dec, err := c.Decode(enc)
	require.NoError(t, err)
	require.Len(t, dec, FrameSamples)
	for i := range in {
		assert.InDelta(t, in[i], dec[i], 0.03)
	}

	_, err = c.Decode(nil)
	assert.ErrorIs(t, err, ErrDecode)
}

func encodeFrame(t *testing.T, origin domain.PeerID, seq uint16, amp float32) media.AudioFrame {
	t.Helper()
	payload, err := NewPCMU().Encode(tone(amp))
	require.NoError(t, err)
	return media.AudioFrame{Origin: origin, Seq: seq, Payload: payload}
}

func TestMixOnceExcludesSelfAndDropsLate(t *testing.T) {
	now := time.Unix(100, 0)
	p := NewPipeline("me", nil, nil, nil, WithClock(func() time.Time { return now }))

	assert.False(t, p.Deliver(encodeFrame(t, "me", 1, 0.5)))
	assert.True(t, p.Deliver(encodeFrame(t, "alice", 5, 0.5)))

	out := p.MixOnce()
	assert.Greater(t, RMS(out), 0.01)
	assert.True(t, p.Speaking("alice"))
	assert.False(t, p.Speaking("me"))

	// Same or older sequence numbers are late.
	p.Deliver(encodeFrame(t, "alice", 5, 0.5))
	p.Deliver(encodeFrame(t, "alice", 3, 0.5))
	assert.Zero(t, RMS(p.MixOnce()))

	now = now.Add(SpeakingWindow)
	assert.False(t, p.Speaking("alice"))
}

func TestPendingBoundedPerOrigin(t *testing.T) {
	p := NewPipeline("me", nil, nil, nil)
	for seq := uint16(1); seq <= 10; seq++ {
		p.Deliver(encodeFrame(t, "bob", seq, 0.5))
	}
	mixed := 0
	for i := 0; i < 10; i++ {
		if RMS(p.MixOnce()) > 0 {
			mixed++
		}
	}
	assert.Equal(t, pendingPerPeer, mixed)
}

type scriptedCapture struct {
	frames [][]float32
	err    error
}

func (s *scriptedCapture) Read(ctx context.Context, buf []float32) error {
	if len(s.frames) == 0 {
		if s.err != nil {
			return s.err
		}
		<-ctx.Done()
		return ctx.Err()
	}
	copy(buf, s.frames[0])
	s.frames = s.frames[1:]
	return nil
}

func TestCaptureToSend(t *testing.T) {
	capture := &scriptedCapture{
		frames: [][]float32{make([]float32, FrameSamples), tone(0.5), tone(0.5)},
		err:    errors.New("unplugged"),
	}
	var mu sync.Mutex
	var sent []media.AudioFrame
	p := NewPipeline("me", capture, nil, func(raw []byte) {
		f, err := media.ParseAudioFrame(raw)
		if err == nil {
			mu.Lock()
			sent = append(sent, f)
			mu.Unlock()
		}
	}, WithGate(0.01, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, p.Err(), ErrCaptureDevice)

	mu.Lock()
	assert.Equal(t, domain.PeerID("me"), sent[0].Origin)
	assert.True(t, sent[0].Start)
	assert.False(t, sent[1].Start)
	assert.True(t, media.SeqNewer(sent[1].Seq, sent[0].Seq))
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, ErrCaptureDevice)
}
