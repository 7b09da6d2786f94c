// Package engine runs one room on a peer. A single actor goroutine owns
// the topology, the link table and the membership view; the audio path
// reads an immutable session snapshot and never waits on the actor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/app/sfu"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/filetransfer"
	"github.com/dkeye/voicemesh/internal/fragment"
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/negotiation"
	"github.com/dkeye/voicemesh/internal/session"
	"github.com/dkeye/voicemesh/internal/topology"
)

const (
	DefaultNegotiationTimeout = 15 * time.Second
	DefaultMaxLinks           = 64

	eventQueue          = 256
	pendingSignalsLimit = 8
	fileEventQueue      = 32
	expireEvery         = 10 * time.Second
	tunnelSendTimeout   = 2 * time.Second
	fileReplyTimeout    = 5 * time.Second
	postRetryDelay      = 50 * time.Millisecond

	DefaultTunnelGrace = 30 * time.Second
)

var (
	ErrKicked    = errors.New("kicked from room")
	ErrNoSession = errors.New("no session with peer")
	ErrStopped   = errors.New("engine stopped")
)

type Config struct {
	Room                   domain.RoomName
	NegotiationTimeout     time.Duration
	MaxLinks               int
	MaxMembersPerSuperpeer int
	DirectEnabled          bool
	RelayEnabled           bool

	// TunnelGrace is how long links outlive a dropped tunnel that has not
	// rejoined the room.
	TunnelGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.MaxLinks <= 0 {
		c.MaxLinks = DefaultMaxLinks
	}
	if c.MaxMembersPerSuperpeer <= 0 {
		c.MaxMembersPerSuperpeer = topology.DefaultMaxMembersPerSuperpeer
	}
	if c.TunnelGrace <= 0 {
		c.TunnelGrace = DefaultTunnelGrace
	}
}

type Option func(*Engine)

// WithRelay sets how the engine reaches the fallback relay of its room.
func WithRelay(d RelayDialer) Option {
	return func(e *Engine) { e.dialRelay = d }
}

// WithAudioSink receives every frame that should be played locally.
func WithAudioSink(fn func(media.AudioFrame)) Option {
	return func(e *Engine) { e.audioSink = fn }
}

func WithFileSink(s filetransfer.Sink) Option {
	return func(e *Engine) { e.files = filetransfer.NewReceiver(s) }
}

func WithPolicy(p app.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// FileEvent reports the end of a transfer in either direction.
type FileEvent struct {
	Peer     domain.PeerID
	Name     string
	Size     int64
	Incoming bool
	Err      error
}

// sessionSet is published whole; readers never see it change.
type sessionSet struct {
	direct  map[domain.PeerID]*session.Session
	relayed map[domain.PeerID]*session.Session
}

func (s *sessionSet) get(p domain.PeerID) *session.Session {
	if sess, ok := s.direct[p]; ok {
		return sess
	}
	return s.relayed[p]
}

type Engine struct {
	cfg        Config
	self       domain.PeerID
	tunnel     core.Tunnel
	transports core.TransportFactory
	dialRelay  RelayDialer
	audioSink  func(media.AudioFrame)
	policy     app.Policy

	// actor state
	topo    *topology.Manager
	members map[domain.PeerID]domain.Member
	links   map[domain.LinkKey]*link
	early   map[domain.PeerID][]negotiation.Signal
	reasm   *fragment.Reassembler
	relay   relayState
	grace   *time.Timer

	// graceEpoch tells a stale grace expiry from the current one.
	graceEpoch uint64

	fwd    *sfu.Forwarder
	files  *filetransfer.Receiver
	events chan func()
	ctx    context.Context

	sessions   atomic.Pointer[sessionSet]
	roster     atomic.Pointer[[]RosterEntry]
	fileEvents chan FileEvent
	stopped    atomic.Bool

	logger zerolog.Logger
}

func New(tunnel core.Tunnel, transports core.TransportFactory, cfg Config, opts ...Option) (*Engine, error) {
	if _, err := domain.ParseRoomName(string(cfg.Room)); err != nil {
		return nil, err
	}
	if tunnel == nil {
		return nil, errors.New("engine: nil tunnel")
	}
	if cfg.DirectEnabled && transports == nil {
		return nil, errors.New("engine: direct path enabled without transport factory")
	}
	cfg.setDefaults()
	self := tunnel.Self()
	e := &Engine{
		cfg:        cfg,
		self:       self,
		tunnel:     tunnel,
		transports: transports,
		policy:     app.SimplePolicy{},
		topo: topology.NewManager(cfg.Room,
			topology.WithMaxMembersPerSuperpeer(cfg.MaxMembersPerSuperpeer)),
		members:    make(map[domain.PeerID]domain.Member),
		links:      make(map[domain.LinkKey]*link),
		early:      make(map[domain.PeerID][]negotiation.Signal),
		reasm:      fragment.NewReassembler(),
		files:      filetransfer.NewReceiver(filetransfer.NewMemorySink()),
		events:     make(chan func(), eventQueue),
		fileEvents: make(chan FileEvent, fileEventQueue),
		logger: log.With().Str("module", "engine").
			Str("self", string(self)).Str("room", string(cfg.Room)).Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	e.fwd = sfu.NewForwarder(self, e.policy)
	e.sessions.Store(&sessionSet{})
	e.roster.Store(&[]RosterEntry{})
	return e, nil
}

func (e *Engine) Self() domain.PeerID { return e.self }

// Role is the effective local role, updated on every topology change.
func (e *Engine) Role() domain.Role { return e.fwd.Role() }

// Files reports finished transfers. Events are dropped if nobody reads.
func (e *Engine) Files() <-chan FileEvent { return e.fileEvents }

// post hands fn to the actor without blocking.
func (e *Engine) post(fn func()) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	select {
	case e.events <- fn:
		return nil
	default:
		e.logger.Error().Msg("event queue full")
		return fmt.Errorf("engine events: %w", domain.ErrCapacity)
	}
}

// postRetry keeps offering fn while the queue is full. Timers use it so
// an expiry is delayed under load but never lost.
func (e *Engine) postRetry(fn func()) {
	for {
		err := e.post(fn)
		if err == nil || !errors.Is(err, domain.ErrCapacity) {
			return
		}
		time.Sleep(postRetryDelay)
	}
}

// Run is the actor loop. It returns nil when ctx ends or the tunnel closes,
// and ErrKicked when the room removes us.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	defer e.shutdown()
	e.fwd.SetRole(domain.RoleMember)

	expire := time.NewTicker(expireEvery)
	defer expire.Stop()

	tunnelEvents := e.tunnel.Events()
	e.logger.Info().Msg("engine started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-tunnelEvents:
			if !ok {
				e.logger.Info().Msg("tunnel closed")
				return nil
			}
			if err := e.onTunnelEvent(ev); err != nil {
				return err
			}
		case fn := <-e.events:
			fn()
		case <-expire.C:
			if n := e.reasm.Expire(); n > 0 {
				e.logger.Debug().Int("buffers", n).Msg("expired fragment buffers")
			}
		}
	}
}

func (e *Engine) shutdown() {
	e.stopped.Store(true)
	e.stopTunnelGrace()
	for key, l := range e.links {
		e.closeLink(key, l, l.Path == negotiation.Direct)
	}
	e.relay.close()
	e.publishSessions()
	e.publishRoster()
	e.logger.Info().Msg("engine stopped")
}

// BroadcastAudio sends one locally captured frame to every live session.
// A member has a single link to its superpeer; a superpeer reaches its
// members and the mesh. It never blocks.
func (e *Engine) BroadcastAudio(frame []byte) {
	set := e.sessions.Load()
	for _, group := range []map[domain.PeerID]*session.Session{set.direct, set.relayed} {
		for peer, s := range group {
			if err := s.SendAudio(frame); err != nil {
				e.logger.Debug().Err(err).Str("peer", string(peer)).Msg("audio frame not sent")
			}
		}
	}
}

// SendFile streams a file to a linked peer over the reliable flow, direct
// or relayed. It returns once every frame was handed to the transport.
func (e *Engine) SendFile(ctx context.Context, to domain.PeerID, name string, size int64, r io.Reader) error {
	s := e.sessions.Load().get(to)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, to)
	}
	return filetransfer.Send(ctx, s, name, size, r)
}

// Sessions lists peers with a live session.
func (e *Engine) Sessions() []domain.PeerID {
	set := e.sessions.Load()
	out := make([]domain.PeerID, 0, len(set.direct)+len(set.relayed))
	for p := range set.direct {
		out = append(out, p)
	}
	for p := range set.relayed {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (e *Engine) publishSessions() {
	next := &sessionSet{
		direct:  make(map[domain.PeerID]*session.Session),
		relayed: make(map[domain.PeerID]*session.Session),
	}
	if !e.stopped.Load() {
		for _, l := range e.links {
			if l.session == nil || l.session.Closed() {
				continue
			}
			if l.session.Path == negotiation.Direct {
				next.direct[l.Remote] = l.session
			} else {
				next.relayed[l.Remote] = l.session
			}
		}
	}
	e.sessions.Store(next)
}

func (e *Engine) handlers() session.Handlers {
	return session.Handlers{
		OnAudio: e.onAudio,
		OnFile:  e.onFile,
	}
}

// onAudio runs on the transport goroutine of the session that received it.
func (e *Engine) onAudio(from domain.PeerID, frame media.AudioFrame, raw []byte) {
	e.fwd.Forward(from, frame.Origin, raw)
	if frame.Origin != e.self && e.audioSink != nil {
		e.audioSink(frame)
	}
}

func (e *Engine) emitFile(ev FileEvent) {
	select {
	case e.fileEvents <- ev:
	default:
		e.logger.Debug().Str("file", ev.Name).Msg("file event dropped")
	}
}

func (e *Engine) onFile(from domain.PeerID, body []byte) {
	f, err := filetransfer.ParseFrame(body)
	if err != nil {
		e.logger.Debug().Err(err).Str("from", string(from)).Msg("bad file frame")
		return
	}
	switch f.Type {
	case filetransfer.FrameOK:
		e.emitFile(FileEvent{Peer: from, Name: f.Reason()})
		return
	case filetransfer.FrameFail:
		e.emitFile(FileEvent{Peer: from, Err: fmt.Errorf("remote: %s", f.Reason())})
		return
	}

	key := domain.NewLinkKey(e.self, from)
	res, err := e.files.Handle(key, from, body)
	if res == nil {
		if err != nil {
			e.logger.Debug().Err(err).Str("from", string(from)).Msg("file frame rejected")
		}
		return
	}
	e.emitFile(FileEvent{Peer: from, Name: res.Name, Size: res.Size, Incoming: true, Err: res.Err})

	reply := filetransfer.OKFrame(res.Name)
	if res.Err != nil {
		reply = filetransfer.FailFrame(res.Err.Error())
		e.logger.Warn().Err(res.Err).Str("from", string(from)).Str("file", res.Name).Msg("incoming file failed")
	} else {
		e.logger.Info().Str("from", string(from)).Str("file", res.Name).Int64("size", res.Size).Msg("file received")
	}
	s := e.sessions.Load().get(from)
	if s == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fileReplyTimeout)
		defer cancel()
		if err := s.SendFile(ctx, reply.Marshal()); err != nil {
			e.logger.Debug().Err(err).Msg("file reply not sent")
		}
	}()
}
