// Package tunnel is the peer side of the discovery tunnel.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/wire"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

const (
	eventQueue     = 256
	sendQueue      = 64
	helloTimeout   = 10 * time.Second
	writeWait      = 5 * time.Second
	defaultPing    = 20 * time.Second
	handshakeLimit = 10 * time.Second
)

var (
	ErrClosed   = errors.New("tunnel closed")
	ErrRejected = errors.New("tunnel rejected hello")
)

// Path is where the node serves the tunnel.
const Path = "/api/ws/tunnel"

// URL builds the tunnel address of a node.
func URL(addr string) string { return "wss://" + addr + Path }

type Options struct {
	URL        string
	TLS        *tls.Config
	Nick       domain.PeerID
	Room       domain.RoomName
	Backoff    Backoff
	PingPeriod time.Duration
}

type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger zerolog.Logger

	events chan core.TunnelEvent
	out    chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ core.Tunnel = (*Client)(nil)

// Dial connects, registers the nick and joins the room. Later drops are
// retried in the background until Close or a rejected hello.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if _, err := domain.ParsePeerID(string(opts.Nick)); err != nil {
		return nil, err
	}
	if _, err := domain.ParseRoomName(string(opts.Room)); err != nil {
		return nil, err
	}
	opts.Backoff = opts.Backoff.withDefaults()
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPing
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			TLSClientConfig:  opts.TLS,
			Jar:              jar,
			HandshakeTimeout: handshakeLimit,
		},
		logger: log.With().Str("module", "tunnel").Str("nick", string(opts.Nick)).Logger(),
		events: make(chan core.TunnelEvent, eventQueue),
		out:    make(chan []byte, sendQueue),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	conn, err := c.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	go c.run(conn)
	return c, nil
}

func (c *Client) Self() domain.PeerID { return c.opts.Nick }

func (c *Client) Events() <-chan core.TunnelEvent { return c.events }

func (c *Client) SendPrivate(ctx context.Context, to domain.PeerID, body string) error {
	b, err := wire.Encode(wire.PrivMsg(to, body))
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("tunnel send: %w", ctx.Err())
	case c.out <- b:
		return nil
	}
}

func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	return nil
}

// connect dials and registers. The join is sent once the welcome arrives.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial tunnel: %w", err)
	}
	fail := func(err error) (*websocket.Conn, error) {
		_ = conn.Close()
		return nil, err
	}
	if err := writeMessage(conn, wire.Hello(c.opts.Nick)); err != nil {
		return fail(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fail(fmt.Errorf("await welcome: %w", err))
		}
		msg, err := wire.Decode(data)
		if err != nil {
			continue
		}
		if msg.Type == wire.TypeError {
			return fail(fmt.Errorf("%w: %s", ErrRejected, msg.Error))
		}
		if msg.Type == wire.TypeWelcome {
			break
		}
	}
	if err := writeMessage(conn, wire.Join(c.opts.Room)); err != nil {
		return fail(err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info().Str("room", string(c.opts.Room)).Msg("tunnel registered")
	return conn, nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)
	var delay time.Duration
	for {
		started := time.Now()
		err := c.serve(conn)
		if c.ctx.Err() != nil {
			c.emitLast(core.TunnelEvent{Kind: core.TunnelDisconnected, Err: ErrClosed})
			return
		}
		c.logger.Warn().Err(err).Msg("tunnel lost")
		c.emit(core.TunnelEvent{Kind: core.TunnelDisconnected, Err: err})
		if time.Since(started) >= c.opts.Backoff.ResetAfter {
			delay = 0
		}
		for {
			delay = c.opts.Backoff.Next(delay)
			c.logger.Info().Dur("in", delay).Msg("reconnecting")
			select {
			case <-c.ctx.Done():
				c.emitLast(core.TunnelEvent{Kind: core.TunnelDisconnected, Err: ErrClosed})
				return
			case <-time.After(delay):
			}
			conn, err = c.connect(c.ctx)
			if err == nil {
				break
			}
			if errors.Is(err, ErrRejected) {
				c.logger.Error().Err(err).Msg("tunnel refused")
				c.emitLast(core.TunnelEvent{Kind: core.TunnelDisconnected, Err: err})
				return
			}
			c.logger.Warn().Err(err).Msg("reconnect failed")
		}
	}
}

// serve pumps one connection until it breaks.
func (c *Client) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(conn, stop)
	}()
	defer func() {
		close(stop)
		_ = conn.Close()
		wg.Wait()
	}()

	readWait := 3 * c.opts.PingPeriod
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad tunnel message")
			continue
		}
		if ev, ok := c.translate(msg); ok {
			c.emit(ev)
		}
	}
}

func (c *Client) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	ping := time.NewTicker(c.opts.PingPeriod)
	defer ping.Stop()
	pingFrame, _ := wire.Encode(wire.Message{Type: wire.TypePing})
	for {
		var b []byte
		select {
		case <-stop:
			return
		case <-ping.C:
			b = pingFrame
		case b = <-c.out:
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			c.logger.Debug().Err(err).Msg("tunnel write")
			_ = conn.Close()
			return
		}
	}
}

func (c *Client) translate(m wire.Message) (core.TunnelEvent, bool) {
	room := domain.RoomName(m.Room)
	switch m.Type {
	case wire.TypeNames:
		return core.TunnelEvent{Kind: core.TunnelNames, Room: room, Members: m.Members}, true
	case wire.TypeJoined:
		if m.Member == nil {
			return core.TunnelEvent{}, false
		}
		return core.TunnelEvent{Kind: core.TunnelJoined, Room: room, Member: *m.Member}, true
	case wire.TypeLeft:
		return core.TunnelEvent{Kind: core.TunnelLeft, Room: room, Nick: domain.PeerID(m.Nick)}, true
	case wire.TypeMode:
		return core.TunnelEvent{Kind: core.TunnelMode, Room: room, Nick: domain.PeerID(m.Nick), Op: m.Op != nil && *m.Op}, true
	case wire.TypeKicked:
		return core.TunnelEvent{Kind: core.TunnelKicked, Room: room, Nick: domain.PeerID(m.Nick), From: domain.PeerID(m.By)}, true
	case wire.TypePrivMsg:
		return core.TunnelEvent{Kind: core.TunnelPrivMsg, From: domain.PeerID(m.From), Body: m.Body}, true
	case wire.TypeError:
		c.logger.Warn().Str("error", m.Error).Msg("tunnel error")
	}
	return core.TunnelEvent{}, false
}

func (c *Client) emit(ev core.TunnelEvent) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Client) emitLast(ev core.TunnelEvent) {
	select {
	case c.events <- ev:
	default:
	}
}

func writeMessage(conn *websocket.Conn, m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
