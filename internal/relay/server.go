package relay

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/metrics"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	clientQueue      = 256
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("relay connection closed")
)

type peerConn struct {
	conn net.Conn
	nick string
	room string
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// enqueue waits up to wait for room in the send queue.
func (p *peerConn) enqueue(b []byte, wait time.Duration) error {
	select {
	case p.send <- b:
		return nil
	case <-p.done:
		return ErrClosed
	default:
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case p.send <- b:
		return nil
	case <-p.done:
		return ErrClosed
	case <-t.C:
		return ErrBackpressure
	}
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// Server forwards every frame to all other clients of the sender's room.
// It has no topology awareness; receivers filter by the embedded target.
// Forwarding never drops a frame for a live client: a full queue stalls the
// sender for up to writeTimeout, after which the slow client is disconnected.
type Server struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*peerConn

	logger zerolog.Logger
}

func NewServer() *Server {
	return &Server{
		rooms:  make(map[string]map[string]*peerConn),
		logger: log.With().Str("module", "relay").Logger(),
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeAll()
				return nil
			}
			return err
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	r := bufio.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hello, err := ReadFrame(r)
	if err != nil {
		logger.Warn().Err(err).Msg("bad handshake")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	p := &peerConn{
		conn: conn,
		nick: hello.Nick,
		room: string(hello.Payload),
		send: make(chan []byte, clientQueue),
		done: make(chan struct{}),
	}
	logger = logger.With().Str("nick", p.nick).Str("room", p.room).Logger()
	s.register(p, &logger)
	defer s.unregister(p, &logger)

	go s.writePump(p, &logger)

	for {
		f, err := ReadFrame(r)
		if err != nil {
			if ctx.Err() == nil {
				logger.Info().Err(err).Msg("relay client gone")
			}
			return
		}
		if f.Nick != p.nick {
			logger.Debug().Str("claimed", f.Nick).Msg("dropping spoofed frame")
			metrics.RelayFrames.WithLabelValues("spoofed").Inc()
			continue
		}
		s.broadcast(p, f.Payload, &logger)
	}
}

func (s *Server) register(p *peerConn, logger *zerolog.Logger) {
	s.mu.Lock()
	room, ok := s.rooms[p.room]
	if !ok {
		room = make(map[string]*peerConn)
		s.rooms[p.room] = room
	}
	old := room[p.nick]
	room[p.nick] = p
	s.mu.Unlock()

	if old != nil {
		logger.Info().Msg("replacing relay client with same nick")
		old.close()
	}
	metrics.RelayClients.Inc()
	logger.Info().Msg("relay client connected")
}

func (s *Server) unregister(p *peerConn, logger *zerolog.Logger) {
	s.mu.Lock()
	if room, ok := s.rooms[p.room]; ok && room[p.nick] == p {
		delete(room, p.nick)
		if len(room) == 0 {
			delete(s.rooms, p.room)
		}
	}
	s.mu.Unlock()
	p.close()
	metrics.RelayClients.Dec()
	logger.Info().Msg("relay client disconnected")
}

func (s *Server) broadcast(from *peerConn, payload []byte, logger *zerolog.Logger) {
	out, err := AppendFrame(nil, Frame{Nick: from.nick, Payload: payload})
	if err != nil {
		logger.Warn().Err(err).Msg("cannot reframe payload")
		return
	}

	s.mu.RLock()
	targets := make([]*peerConn, 0, len(s.rooms[from.room]))
	for _, p := range s.rooms[from.room] {
		if p != from {
			targets = append(targets, p)
		}
	}
	s.mu.RUnlock()

	for _, p := range targets {
		if err := p.enqueue(out, writeTimeout); err != nil {
			if errors.Is(err, ErrBackpressure) {
				metrics.RelayFrames.WithLabelValues("evicted").Inc()
				logger.Warn().Str("dst", p.nick).Msg("disconnecting slow relay client")
				p.close()
			}
			continue
		}
		metrics.RelayFrames.WithLabelValues("forwarded").Inc()
	}
}

func (s *Server) writePump(p *peerConn, logger *zerolog.Logger) {
	for {
		select {
		case <-p.done:
			return
		case b := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				logger.Error().Err(err).Msg("relay set deadline")
				p.close()
				return
			}
			if _, err := p.conn.Write(b); err != nil {
				logger.Error().Err(err).Msg("relay write error")
				p.close()
				return
			}
		}
	}
}

func (s *Server) closeAll() {
	s.mu.RLock()
	var all []*peerConn
	for _, room := range s.rooms {
		for _, p := range room {
			all = append(all, p)
		}
	}
	s.mu.RUnlock()
	for _, p := range all {
		p.close()
	}
}

// Clients returns the nicks connected in room.
func (s *Server) Clients(room string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms[room]))
	for nick := range s.rooms[room] {
		out = append(out, nick)
	}
	return out
}
