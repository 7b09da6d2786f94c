package audio

import (
	"context"
	"sync"
	"time"
)

// CaptureDevice fills buf with the next frame, blocking at the device rate.
type CaptureDevice interface {
	Read(ctx context.Context, buf []float32) error
}

// RenderDevice plays one mixed frame.
type RenderDevice interface {
	Write(buf []float32) error
}

// Silence is a paced capture device that produces zeros, for listen-only peers.
type Silence struct {
	once   sync.Once
	ticker *time.Ticker
}

func (s *Silence) Read(ctx context.Context, buf []float32) error {
	s.once.Do(func() { s.ticker = time.NewTicker(FrameMillis * time.Millisecond) })
	select {
	case <-ctx.Done():
		s.ticker.Stop()
		return ctx.Err()
	case <-s.ticker.C:
	}
	clear(buf)
	return nil
}

// Discard drops rendered frames.
type Discard struct{}

func (Discard) Write([]float32) error { return nil }
