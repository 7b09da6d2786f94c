package relay

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client is one peer's connection to a relay.
type Client struct {
	conn   net.Conn
	nick   string
	frames chan Frame
	send   chan []byte
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	logger zerolog.Logger
}

// Dial connects and performs the handshake for room.
func Dial(ctx context.Context, addr, nick, room string) (*Client, error) {
	hello, err := AppendFrame(nil, Frame{Nick: nick, Payload: []byte(room)})
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	if _, err := conn.Write(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay handshake: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	c := &Client{
		conn:   conn,
		nick:   nick,
		frames: make(chan Frame, clientQueue),
		send:   make(chan []byte, clientQueue),
		done:   make(chan struct{}),
		logger: log.With().Str("module", "relay.client").Str("nick", nick).Str("room", room).Logger(),
	}
	go c.readLoop()
	go c.writeLoop()
	c.logger.Info().Str("addr", addr).Msg("relay connected")
	return c, nil
}

// Send queues payload for the relay. It never blocks; a full queue
// returns ErrBackpressure. Use it for traffic that may be lost.
func (c *Client) Send(payload []byte) error {
	b, err := AppendFrame(nil, Frame{Nick: c.nick, Payload: payload})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

// SendContext queues payload, waiting for room in the queue until ctx ends
// or the connection closes. Use it for flows that must not lose frames.
func (c *Client) SendContext(ctx context.Context, payload []byte) error {
	b, err := AppendFrame(nil, Frame{Nick: c.nick, Payload: payload})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames delivers inbound frames tagged with the sender nick.
// It is closed when the connection ends.
func (c *Client) Frames() <-chan Frame { return c.frames }

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	defer close(c.frames)
	defer c.Close()
	r := bufio.NewReader(c.conn)
	for {
		f, err := ReadFrame(r)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Info().Err(err).Msg("relay read ended")
			}
			return
		}
		// A slow consumer stalls the socket so the relay sees backpressure.
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.Close()
				return
			}
			if _, err := c.conn.Write(b); err != nil {
				c.logger.Error().Err(err).Msg("relay write error")
				c.Close()
				return
			}
		}
	}
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
