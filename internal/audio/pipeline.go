package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/metrics"
)

const (
	inboxSize      = 32
	outboxSize     = 32
	pendingPerPeer = 4

	SpeakingWindow = 400 * time.Millisecond
)

var ErrCaptureDevice = errors.New("capture device")
var ErrRenderDevice = errors.New("render device")

type Option func(*Pipeline)

func WithCodec(factory func() Codec) Option {
	return func(p *Pipeline) { p.newCodec = factory }
}

func WithGate(threshold float64, hangover int) Option {
	return func(p *Pipeline) { p.gate = NewGate(threshold, hangover) }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

type originState struct {
	decoder    Codec
	pending    []media.AudioFrame
	lastPlayed uint16
	played     bool
	voicedAt   time.Time
}

// Pipeline moves audio between the local devices and the mesh.
// Outbound frames go to the send func; inbound frames come in through Deliver.
type Pipeline struct {
	self    domain.PeerID
	capture CaptureDevice
	render  RenderDevice
	send    func([]byte)

	newCodec func() Codec
	gate     *Gate
	now      func() time.Time

	inbox  chan media.AudioFrame
	outbox chan []byte

	mu      sync.Mutex
	origins map[domain.PeerID]*originState
	errs    []error

	logger zerolog.Logger
}

func NewPipeline(self domain.PeerID, capture CaptureDevice, render RenderDevice, send func([]byte), opts ...Option) *Pipeline {
	p := &Pipeline{
		self:     self,
		capture:  capture,
		render:   render,
		send:     send,
		newCodec: NewPCMU,
		gate:     NewGate(DefaultVADThreshold, DefaultHangover),
		now:      time.Now,
		inbox:    make(chan media.AudioFrame, inboxSize),
		outbox:   make(chan []byte, outboxSize),
		origins:  make(map[domain.PeerID]*originState),
		logger:   log.With().Str("module", "audio").Str("peer", string(self)).Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run blocks until ctx ends. A failing device stops its own loop only.
func (p *Pipeline) Run(ctx context.Context) error {
	var g errgroup.Group
	if p.capture != nil {
		g.Go(func() error { return p.captureLoop(ctx) })
		g.Go(func() error { return p.sendLoop(ctx) })
	}
	if p.render != nil {
		g.Go(func() error { return p.mixLoop(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Err reports device failures seen so far.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

func (p *Pipeline) fail(err error) error {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
	p.logger.Error().Err(err).Msg("device loop stopped")
	return err
}

func (p *Pipeline) captureLoop(ctx context.Context) error {
	buf := make([]float32, FrameSamples)
	codec := p.newCodec()
	var seq uint16
	var ts uint32
	for {
		if err := p.capture.Read(ctx, buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return p.fail(fmt.Errorf("%w: %w", ErrCaptureDevice, err))
		}
		ts += FrameSamples
		active, start := p.gate.Process(buf)
		if !active {
			continue
		}
		metrics.AudioFrames.WithLabelValues("captured").Inc()
		payload, err := codec.Encode(buf)
		if err != nil {
			p.logger.Debug().Err(err).Msg("encode failed")
			continue
		}
		seq++
		raw, err := media.AudioFrame{
			Origin: p.self, Seq: seq, Timestamp: ts, Start: start, Payload: payload,
		}.Marshal()
		if err != nil {
			p.logger.Debug().Err(err).Msg("marshal failed")
			continue
		}
		select {
		case p.outbox <- raw:
		default:
			metrics.AudioFrames.WithLabelValues("dropped").Inc()
		}
	}
}

func (p *Pipeline) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-p.outbox:
			p.send(raw)
			metrics.AudioFrames.WithLabelValues("sent").Inc()
		}
	}
}

func (p *Pipeline) mixLoop(ctx context.Context) error {
	t := time.NewTicker(FrameMillis * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if err := p.render.Write(p.MixOnce()); err != nil {
			return p.fail(fmt.Errorf("%w: %w", ErrRenderDevice, err))
		}
	}
}

// Deliver queues an inbound frame for the mixer without blocking.
// Frames from self and frames beyond the queue bound are dropped.
func (p *Pipeline) Deliver(frame media.AudioFrame) bool {
	if frame.Origin == p.self || frame.Origin == "" {
		return false
	}
	select {
	case p.inbox <- frame:
		return true
	default:
		metrics.AudioFrames.WithLabelValues("dropped").Inc()
		return false
	}
}

func (p *Pipeline) drainInbox() {
	for {
		select {
		case f := <-p.inbox:
			p.enqueue(f)
		default:
			return
		}
	}
}

func (p *Pipeline) enqueue(f media.AudioFrame) {
	st, ok := p.origins[f.Origin]
	if !ok {
		st = &originState{decoder: p.newCodec()}
		p.origins[f.Origin] = st
	}
	if st.played && !media.SeqNewer(f.Seq, st.lastPlayed) {
		metrics.AudioFrames.WithLabelValues("late").Inc()
		return
	}
	if len(st.pending) == pendingPerPeer {
		st.pending = st.pending[1:]
		metrics.AudioFrames.WithLabelValues("dropped").Inc()
	}
	st.pending = append(st.pending, f)
}

// MixOnce produces one output frame from at most one pending frame per origin.
func (p *Pipeline) MixOnce() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainInbox()

	now := p.now()
	var sources [][]float32
	for origin, st := range p.origins {
		f, ok := st.next()
		if !ok {
			continue
		}
		pcm, err := st.decoder.Decode(f.Payload)
		if err != nil {
			p.logger.Debug().Err(err).Str("origin", string(origin)).Msg("decode failed")
			continue
		}
		st.voicedAt = now
		sources = append(sources, pcm)
		metrics.AudioFrames.WithLabelValues("mixed").Inc()
	}
	out := make([]float32, FrameSamples)
	Mix(out, sources...)
	return out
}

func (st *originState) next() (media.AudioFrame, bool) {
	for len(st.pending) > 0 {
		f := st.pending[0]
		st.pending = st.pending[1:]
		if st.played && !media.SeqNewer(f.Seq, st.lastPlayed) {
			metrics.AudioFrames.WithLabelValues("late").Inc()
			continue
		}
		st.lastPlayed, st.played = f.Seq, true
		return f, true
	}
	return media.AudioFrame{}, false
}

// Speaking reports whether origin was mixed within SpeakingWindow.
func (p *Pipeline) Speaking(origin domain.PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.origins[origin]
	return ok && !st.voicedAt.IsZero() && p.now().Sub(st.voicedAt) < SpeakingWindow
}

// Forget drops the mixer state of a departed peer.
func (p *Pipeline) Forget(origin domain.PeerID) {
	p.mu.Lock()
	delete(p.origins, origin)
	p.mu.Unlock()
}
