package fragment

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
)

const (
	DefaultIdleTimeout = 60 * time.Second
	DefaultMaxBuffers  = 128

	// completedPerBuffer bounds remembered message ids relative to maxBuffers.
	completedPerBuffer = 8
)

var ErrTotalMismatch = errors.New("fragment total differs from buffer")

type bufferKey struct {
	peer domain.PeerID
	id   string
}

type buffer struct {
	slots   [][]byte
	filled  []bool
	count   int
	updated time.Time
}

// Reassembler collects fragments per (peer, message id). A completed id is
// remembered for the idle window; frames carrying it are ignored.
type Reassembler struct {
	mu         sync.Mutex
	buffers    map[bufferKey]*buffer
	completed  map[bufferKey]time.Time
	idle       time.Duration
	maxBuffers int
	now        func() time.Time
}

type Option func(*Reassembler)

func WithIdleTimeout(d time.Duration) Option {
	return func(r *Reassembler) { r.idle = d }
}

func WithMaxBuffers(n int) Option {
	return func(r *Reassembler) { r.maxBuffers = n }
}

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reassembler) { r.now = now }
}

func NewReassembler(opts ...Option) *Reassembler {
	r := &Reassembler{
		buffers:    make(map[bufferKey]*buffer),
		completed:  make(map[bufferKey]time.Time),
		idle:       DefaultIdleTimeout,
		maxBuffers: DefaultMaxBuffers,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Feed decodes raw and adds it. complete is true once the whole payload is available.
func (r *Reassembler) Feed(peer domain.PeerID, raw string) ([]byte, bool, error) {
	f, err := Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return r.Add(peer, f)
}

func (r *Reassembler) Add(peer domain.PeerID, f Frame) ([]byte, bool, error) {
	if f.Total < 1 || f.Total > MaxFragments || f.Seq < 0 || f.Seq >= f.Total {
		return nil, false, fmt.Errorf("%w: seq %d total %d", ErrMalformed, f.Seq, f.Total)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := bufferKey{peer: peer, id: f.MessageID}
	if at, ok := r.completed[key]; ok {
		if now.Sub(at) <= r.idle {
			return nil, false, nil
		}
		delete(r.completed, key)
	}
	buf, ok := r.buffers[key]
	if !ok {
		if f.Total == 1 {
			out := make([]byte, len(f.Chunk))
			copy(out, f.Chunk)
			r.markCompletedLocked(key, now)
			return out, true, nil
		}
		if len(r.buffers) >= r.maxBuffers {
			r.expireLocked(now)
		}
		if len(r.buffers) >= r.maxBuffers {
			return nil, false, fmt.Errorf("fragment buffers: %w", domain.ErrCapacity)
		}
		buf = &buffer{
			slots:  make([][]byte, f.Total),
			filled: make([]bool, f.Total),
		}
		r.buffers[key] = buf
	}
	if len(buf.slots) != f.Total {
		return nil, false, fmt.Errorf("%w: %d != %d", ErrTotalMismatch, f.Total, len(buf.slots))
	}

	buf.slots[f.Seq] = append([]byte(nil), f.Chunk...)
	if !buf.filled[f.Seq] {
		buf.filled[f.Seq] = true
		buf.count++
	}
	buf.updated = now
	if buf.count < len(buf.slots) {
		return nil, false, nil
	}

	size := 0
	for _, s := range buf.slots {
		size += len(s)
	}
	out := make([]byte, 0, size)
	for _, s := range buf.slots {
		out = append(out, s...)
	}
	delete(r.buffers, key)
	r.markCompletedLocked(key, now)
	return out, true, nil
}

func (r *Reassembler) markCompletedLocked(key bufferKey, now time.Time) {
	limit := r.maxBuffers * completedPerBuffer
	if len(r.completed) >= limit {
		r.expireLocked(now)
	}
	if len(r.completed) >= limit {
		var oldest bufferKey
		var at time.Time
		for k, t := range r.completed {
			if at.IsZero() || t.Before(at) {
				oldest, at = k, t
			}
		}
		delete(r.completed, oldest)
	}
	r.completed[key] = now
}

// Expire drops buffers idle for longer than the idle window and returns how many were dropped.
func (r *Reassembler) Expire() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked(r.now())
}

func (r *Reassembler) expireLocked(now time.Time) int {
	n := 0
	for k, b := range r.buffers {
		if now.Sub(b.updated) > r.idle {
			delete(r.buffers, k)
			n++
		}
	}
	for k, at := range r.completed {
		if now.Sub(at) > r.idle {
			delete(r.completed, k)
		}
	}
	return n
}

// DropPeer releases every buffer and remembered id owned by peer.
func (r *Reassembler) DropPeer(peer domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.buffers {
		if k.peer == peer {
			delete(r.buffers, k)
		}
	}
	for k := range r.completed {
		if k.peer == peer {
			delete(r.completed, k)
		}
	}
}

func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
