package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/wire"
	"github.com/dkeye/voicemesh/internal/domain"
)

// handlePrivMsg routes one private message. Negotiation fragments ride on these.
func (ctl *SignalWSController) handlePrivMsg(cl *client, msg wire.Message) {
	if !cl.limiter.Allow() {
		log.Debug().Str("module", "signal").Str("nick", string(cl.sess.Nick())).Msg("privmsg rate limited")
		ctl.sendError(cl.conn, errRateLimited)
		return
	}
	from, to := cl.sess.Nick(), domain.PeerID(msg.To)
	target, err := ctl.Orch.PrivMsgTarget(from, to, msg.Body)
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	f, ok := encode(wire.Deliver(from, to, msg.Body))
	if !ok {
		return
	}
	if err := ctl.Orch.Deliver(target, f); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("privmsg not delivered")
	}
}
