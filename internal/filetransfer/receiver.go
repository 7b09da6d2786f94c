package filetransfer

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/domain"
)

// Result is a completed or failed incoming transfer.
type Result struct {
	From domain.PeerID
	Name string
	Size int64
	Err  error
}

type transfer struct {
	name     string
	size     int64
	received int64
	file     File
}

// Receiver assembles incoming files, one active transfer per link.
type Receiver struct {
	sink Sink

	mu     sync.Mutex
	active map[domain.LinkKey]*transfer
}

func NewReceiver(sink Sink) *Receiver {
	return &Receiver{sink: sink, active: make(map[domain.LinkKey]*transfer)}
}

// Handle consumes one frame from peer from on link key.
// done is non-nil when a transfer finished, successfully or not; the caller
// answers with FILE_OK or FILE_FAIL accordingly.
func (r *Receiver) Handle(key domain.LinkKey, from domain.PeerID, body []byte) (done *Result, err error) {
	f, err := ParseFrame(body)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.active[key]
	switch f.Type {
	case FrameHeader:
		if cur != nil {
			r.abortLocked(key, cur)
			return &Result{From: from, Name: cur.name, Size: cur.size, Err: ErrTransferActive}, ErrTransferActive
		}
		raw, size, err := ParseHeader(f.Body)
		if err != nil {
			return nil, err
		}
		name, err := SanitizeName(raw)
		if err != nil {
			return &Result{From: from, Name: raw, Size: size, Err: err}, err
		}
		file, err := r.sink.Create(from, name, size)
		if err != nil {
			return &Result{From: from, Name: name, Size: size, Err: err}, err
		}
		r.active[key] = &transfer{name: name, size: size, file: file}
		return nil, nil

	case FrameChunk:
		if cur == nil {
			return nil, ErrNoTransfer
		}
		if cur.received+int64(len(f.Body)) > cur.size {
			err := fmt.Errorf("%w: %d bytes over %d", ErrSizeMismatch, cur.received+int64(len(f.Body)), cur.size)
			r.abortLocked(key, cur)
			return &Result{From: from, Name: cur.name, Size: cur.size, Err: err}, err
		}
		if _, err := cur.file.Write(f.Body); err != nil {
			r.abortLocked(key, cur)
			return &Result{From: from, Name: cur.name, Size: cur.size, Err: err}, err
		}
		cur.received += int64(len(f.Body))
		return nil, nil

	case FrameEnd:
		if cur == nil {
			return nil, ErrNoTransfer
		}
		delete(r.active, key)
		if cur.received != cur.size {
			err := fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, cur.received, cur.size)
			_ = cur.file.Abort()
			return &Result{From: from, Name: cur.name, Size: cur.size, Err: err}, err
		}
		if err := cur.file.Commit(); err != nil {
			return &Result{From: from, Name: cur.name, Size: cur.size, Err: err}, err
		}
		return &Result{From: from, Name: cur.name, Size: cur.size}, nil
	}
	return nil, fmt.Errorf("%w: unexpected type %#x", ErrMalformed, byte(f.Type))
}

func (r *Receiver) abortLocked(key domain.LinkKey, t *transfer) {
	delete(r.active, key)
	if err := t.file.Abort(); err != nil {
		log.Warn().Str("module", "filetransfer").Err(err).Str("file", t.name).Msg("abort failed")
	}
}

// Drop aborts any transfer on a closed link.
func (r *Receiver) Drop(key domain.LinkKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.active[key]; ok {
		r.abortLocked(key, t)
	}
}

func (r *Receiver) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
