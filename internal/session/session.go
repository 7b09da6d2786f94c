// Package session is the live channel of one link, direct or relayed,
// carrying an audio flow and a file flow.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/negotiation"
)

const audioQueue = 32

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("session closed")
)

// Sender is the outbound half of a relay connection. Send is the lossy
// path used for audio; SendContext waits for room and carries files.
type Sender interface {
	Send([]byte) error
	SendContext(ctx context.Context, payload []byte) error
}

type Handlers struct {
	OnAudio func(from domain.PeerID, frame media.AudioFrame, raw []byte)
	OnFile  func(from domain.PeerID, body []byte)
}

type Session struct {
	Key    domain.LinkKey
	Local  domain.PeerID
	Remote domain.PeerID
	Path   negotiation.Path

	sendAudio func([]byte) error
	sendFile  func(context.Context, []byte) error
	closers   []func() error
	handlers  Handlers

	audioQ chan []byte
	done   chan struct{}

	// fileMu keeps file frames in order across concurrent senders.
	fileMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
	logger    zerolog.Logger
}

func newSession(local, remote domain.PeerID, path negotiation.Path, h Handlers) *Session {
	return &Session{
		Key:      domain.NewLinkKey(local, remote),
		Local:    local,
		Remote:   remote,
		Path:     path,
		handlers: h,
		audioQ:   make(chan []byte, audioQueue),
		done:     make(chan struct{}),
		logger: log.With().Str("module", "session").
			Str("peer", string(remote)).Str("path", path.String()).Logger(),
	}
}

// NewDirect wraps the channels of an established transport.
func NewDirect(local, remote domain.PeerID, ch core.Channels, h Handlers) *Session {
	s := newSession(local, remote, negotiation.Direct, h)
	s.sendAudio = ch.Audio.Send
	s.sendFile = func(_ context.Context, b []byte) error { return ch.File.Send(b) }
	s.closers = []func() error{ch.Audio.Close, ch.File.Close}
	ch.Audio.OnMessage(s.Deliver)
	ch.File.OnMessage(s.Deliver)
	s.start()
	return s
}

// NewRelayed routes both flows through a shared relay connection.
// Inbound frames arrive through Deliver after the caller matched the relay sender.
func NewRelayed(local, remote domain.PeerID, rc Sender, h Handlers) *Session {
	s := newSession(local, remote, negotiation.Relay, h)
	s.sendAudio = rc.Send
	s.sendFile = rc.SendContext
	s.start()
	return s
}

func (s *Session) start() {
	go s.pumpAudio()
}

func (s *Session) pumpAudio() {
	for {
		select {
		case <-s.done:
			return
		case b := <-s.audioQ:
			if s.closed.Load() {
				return
			}
			if err := s.sendAudio(b); err != nil {
				s.logger.Debug().Err(err).Msg("audio send failed")
			}
		}
	}
}

func (s *Session) envelope(kind media.Kind, body []byte) ([]byte, error) {
	return media.Packet{Kind: kind, Target: s.Remote, Body: body}.Marshal()
}

// SendAudio queues an encoded audio frame. It never blocks; a full queue drops.
func (s *Session) SendAudio(frame []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	b, err := s.envelope(media.KindAudio, frame)
	if err != nil {
		return err
	}
	select {
	case s.audioQ <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// SendFile writes one file sub-frame on the reliable flow and returns the
// transport's error. It blocks while the transport applies backpressure.
func (s *Session) SendFile(ctx context.Context, body []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	b, err := s.envelope(media.KindFile, body)
	if err != nil {
		return err
	}
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.sendFile(ctx, b); err != nil {
		return fmt.Errorf("file flow: %w", err)
	}
	return nil
}

// Deliver handles one inbound envelope. Packets for another target are dropped.
func (s *Session) Deliver(b []byte) {
	if s.closed.Load() {
		return
	}
	p, err := media.ParsePacket(b)
	if err != nil {
		s.logger.Debug().Err(err).Msg("dropping malformed packet")
		return
	}
	if p.Target != s.Local {
		s.logger.Debug().Str("target", string(p.Target)).Msg("dropping packet for another peer")
		return
	}
	switch p.Kind {
	case media.KindAudio:
		frame, err := media.ParseAudioFrame(p.Body)
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping bad audio frame")
			return
		}
		if s.handlers.OnAudio != nil {
			s.handlers.OnAudio(s.Remote, frame, p.Body)
		}
	case media.KindFile:
		if s.handlers.OnFile != nil {
			s.handlers.OnFile(s.Remote, p.Body)
		}
	}
}

func (s *Session) Closed() bool { return s.closed.Load() }

// Close stops both flows. Any later inbound frame is ignored.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		for _, c := range s.closers {
			if err := c(); err != nil {
				s.logger.Debug().Err(err).Msg("close channel")
			}
		}
		s.logger.Info().Msg("session closed")
	})
}
