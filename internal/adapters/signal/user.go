package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/wire"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

func (ctl *SignalWSController) handleHello(cl *client, msg wire.Message) {
	if cl.sess != nil {
		ctl.sendError(cl.conn, errRegistered)
		return
	}
	nick, err := domain.ParsePeerID(msg.Nick)
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	sess := core.NewMemberSession(cl.sid, nick, cl.conn)
	if err := ctl.Orch.Hello(sess, cl.cancel); err != nil {
		log.Info().Err(err).Str("module", "signal").Str("nick", msg.Nick).Msg("hello refused")
		ctl.sendError(cl.conn, err)
		return
	}
	cl.sess = sess
	log.Info().Str("module", "signal").Str("sid", string(cl.sid)).Str("nick", string(nick)).Msg("hello")
	ctl.sendJSON(cl.conn, wire.Welcome(nick))
}

func (ctl *SignalWSController) handleDisconnect(cl *client) {
	nick := cl.sess.Nick()
	for _, room := range ctl.Orch.Disconnect(cl.sess) {
		ctl.broadcastRoom(room, nick, wire.Left(room.Room().Name, nick))
	}
}
