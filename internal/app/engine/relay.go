package engine

import (
	"context"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/negotiation"
	"github.com/dkeye/voicemesh/internal/relay"
	"github.com/dkeye/voicemesh/internal/session"
)

const relayDialTimeout = 10 * time.Second

// RelayConn is a joined connection to the room relay. *relay.Client implements it.
type RelayConn interface {
	Send(payload []byte) error
	SendContext(ctx context.Context, payload []byte) error
	Frames() <-chan relay.Frame
	Done() <-chan struct{}
	Close() error
}

// RelayDialer connects to the relay of the engine's room as the local nick.
type RelayDialer func(ctx context.Context) (RelayConn, error)

var _ RelayConn = (*relay.Client)(nil)

type relayState struct {
	conn    RelayConn
	dialing bool
}

func (r *relayState) close() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

// startRelay brings l up on the shared relay connection, dialing it first if needed.
func (e *Engine) startRelay(l *link) {
	switch {
	case e.dialRelay == nil || !e.cfg.RelayEnabled:
		e.apply(l, negotiation.TransportFailed)
		return
	case e.relay.conn != nil:
		e.establishRelayed(l)
		return
	case e.relay.dialing:
		return
	}
	e.relay.dialing = true
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		dctx, cancel := context.WithTimeout(ctx, relayDialTimeout)
		defer cancel()
		conn, err := e.dialRelay(dctx)
		if perr := e.post(func() { e.onRelayDialed(conn, err) }); perr != nil && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (e *Engine) onRelayDialed(conn RelayConn, err error) {
	e.relay.dialing = false
	if err != nil {
		e.logger.Error().Err(err).Msg("relay dial failed")
		for _, l := range e.links {
			if l.Path == negotiation.Relay && l.State() == negotiation.Idle {
				e.apply(l, negotiation.TransportFailed)
			}
		}
		e.publishRoster()
		return
	}
	e.relay.conn = conn
	e.logger.Info().Msg("relay connected")
	go e.demuxRelay(conn)
	for _, l := range e.links {
		if l.Path == negotiation.Relay && l.State() == negotiation.Idle {
			e.establishRelayed(l)
		}
	}
	e.publishSessions()
	e.publishRoster()
}

func (e *Engine) establishRelayed(l *link) {
	if !e.apply(l, negotiation.RelayReady) {
		return
	}
	l.session = session.NewRelayed(e.self, l.Remote, e.relay.conn, e.handlers())
	e.fwd.Attach(l.Remote, e.tierOf(l.Remote), l.session)
	e.logger.Info().Str("peer", string(l.Remote)).Msg("relayed link established")
	e.publishSessions()
	e.publishRoster()
}

// demuxRelay hands each relay frame to the relayed session of its sender.
// Frames from peers we have no relay link with are dropped here; the
// session then drops frames addressed to someone else.
func (e *Engine) demuxRelay(conn RelayConn) {
	for f := range conn.Frames() {
		s := e.sessions.Load().relayed[domain.PeerID(f.Nick)]
		if s == nil {
			e.logger.Debug().Str("from", f.Nick).Msg("relay frame from unlinked peer")
			continue
		}
		s.Deliver(f.Payload)
	}
	_ = e.post(func() { e.onRelayLost(conn) })
}

func (e *Engine) onRelayLost(conn RelayConn) {
	if e.relay.conn != conn {
		return
	}
	e.relay.conn = nil
	e.logger.Warn().Err(errRelayDown).Msg("relay connection lost")
	for _, l := range e.links {
		if l.Path != negotiation.Relay || l.State().Terminal() {
			continue
		}
		if l.session != nil {
			e.fwd.Detach(l.Remote)
			l.session.Close()
			l.session = nil
		}
		e.apply(l, negotiation.TransportFailed)
	}
	e.publishSessions()
	e.publishRoster()
}
