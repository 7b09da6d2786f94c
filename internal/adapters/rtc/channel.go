package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
)

// messages that arrive before a handler is set are held up to this bound
const earlyMessages = 64

type channel struct {
	dc *webrtc.DataChannel

	mu      sync.Mutex
	handler func([]byte)
	early   [][]byte
	dropped int

	logger zerolog.Logger
}

var _ core.Channel = (*channel)(nil)

func newChannel(dc *webrtc.DataChannel) *channel {
	ch := &channel{
		dc:     dc,
		logger: log.With().Str("module", "rtc").Str("channel", dc.Label()).Logger(),
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { ch.receive(msg.Data) })
	return ch
}

func (c *channel) receive(data []byte) {
	c.mu.Lock()
	h := c.handler
	if h == nil {
		if len(c.early) < earlyMessages {
			c.early = append(c.early, data)
			c.mu.Unlock()
			return
		}
		c.dropped++
		n := c.dropped
		c.mu.Unlock()
		c.logger.Warn().Int("held", earlyMessages).Int("dropped", n).
			Msg("message before handler dropped")
		return
	}
	c.mu.Unlock()
	h(data)
}

func (c *channel) Send(b []byte) error { return c.dc.Send(b) }

func (c *channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.handler = fn
	early := c.early
	c.early = nil
	c.mu.Unlock()
	for _, b := range early {
		fn(b)
	}
}

func (c *channel) Close() error { return c.dc.Close() }
