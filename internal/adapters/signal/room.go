package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/wire"
	"github.com/dkeye/voicemesh/internal/domain"
)

func (ctl *SignalWSController) handleJoin(cl *client, msg wire.Message) {
	nick := cl.sess.Nick()
	room, m, fresh, err := ctl.Orch.Join(nick, msg.Room)
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	name := room.Room().Name
	log.Info().Str("module", "signal").Str("nick", string(nick)).Str("room", string(name)).Bool("fresh", fresh).Msg("join")
	ctl.sendJSON(cl.conn, wire.Names(name, room.MembersSnapshot()))
	if fresh {
		ctl.broadcastRoom(room, nick, wire.Joined(name, m))
	}
}

func (ctl *SignalWSController) handlePart(cl *client, msg wire.Message) {
	nick := cl.sess.Nick()
	room, err := ctl.Orch.Part(nick, msg.Room)
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	name := domain.RoomName(msg.Room)
	ctl.sendJSON(cl.conn, wire.Left(name, nick))
	if room != nil {
		ctl.broadcastRoom(room, nick, wire.Left(name, nick))
	}
}

func (ctl *SignalWSController) handleMode(cl *client, msg wire.Message) {
	if msg.Op == nil || msg.Nick == "" {
		ctl.sendError(cl.conn, errMissingField)
		return
	}
	target := domain.PeerID(msg.Nick)
	room, err := ctl.Orch.SetMode(cl.sess.Nick(), msg.Room, target, *msg.Op)
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	ctl.broadcastRoom(room, "", wire.Mode(room.Room().Name, target, *msg.Op))
}

func (ctl *SignalWSController) handleKick(cl *client, msg wire.Message) {
	if msg.Nick == "" {
		ctl.sendError(cl.conn, errMissingField)
		return
	}
	by, target := cl.sess.Nick(), domain.PeerID(msg.Nick)
	room, kicked, err := ctl.Orch.Kick(by, msg.Room, target)
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	notice := wire.Kicked(domain.RoomName(msg.Room), target, by)
	if f, ok := encode(notice); ok && kicked != nil {
		_ = ctl.Orch.Deliver(kicked, f)
	}
	if room != nil {
		ctl.broadcastRoom(room, "", notice)
	}
}
