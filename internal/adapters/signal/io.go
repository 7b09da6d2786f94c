package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/wire"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/metrics"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.cfg.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cl *client) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(cl.sid)).Msg("readPump closing")
		cl.cancel()
		cl.conn.Close()
		metrics.TunnelConnections.Dec()
		if cl.sess != nil {
			ctl.handleDisconnect(cl)
		}
	}()

	pongWait := ctl.cfg.PingPeriod * 10 / 9
	ws := cl.conn.conn
	ws.SetReadLimit(ctl.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("readPump read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleSignal(cl, data)
	}
}

func (ctl *SignalWSController) handleSignal(cl *client, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("bad json")
		ctl.sendError(cl.conn, err)
		return
	}
	metrics.TunnelMessages.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case wire.TypeHello:
		ctl.handleHello(cl, msg)
		return
	case wire.TypePing:
		ctl.handlePing(cl.conn)
		return
	}
	if cl.sess == nil {
		ctl.sendError(cl.conn, errHelloFirst)
		return
	}
	switch msg.Type {
	case wire.TypeJoin:
		ctl.handleJoin(cl, msg)
	case wire.TypePart:
		ctl.handlePart(cl, msg)
	case wire.TypeMode:
		ctl.handleMode(cl, msg)
	case wire.TypeKick:
		ctl.handleKick(cl, msg)
	case wire.TypePrivMsg:
		ctl.handlePrivMsg(cl, msg)
	default:
		log.Warn().Str("module", "signal").Str("type", string(msg.Type)).Msg("unknown signal")
		ctl.sendError(cl.conn, errUnknownType)
	}
}

func encode(m wire.Message) (core.Frame, bool) {
	b, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode")
		return nil, false
	}
	return b, true
}

func (ctl *SignalWSController) sendJSON(c core.SignalConnection, m wire.Message) {
	if f, ok := encode(m); ok {
		_ = c.TrySend(f)
	}
}

func (ctl *SignalWSController) sendError(c core.SignalConnection, err error) {
	ctl.sendJSON(c, wire.Error(err))
}

// broadcastRoom sends m to every member of room except the nick from.
func (ctl *SignalWSController) broadcastRoom(room core.RoomService, from domain.PeerID, m wire.Message) {
	if f, ok := encode(m); ok {
		ctl.Orch.Broadcast(room, from, f)
	}
}
