package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

// Join adds nick to a room, creating it on first join. fresh is false when
// nick was already a member, as after a resumed session.
func (o *Orchestrator) Join(nick domain.PeerID, raw string) (room core.RoomService, m domain.Member, fresh bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	name, err := domain.ParseRoomName(raw)
	if err != nil {
		return nil, domain.Member{}, false, err
	}
	sess, ok := o.Registry.Session(nick)
	if !ok {
		return nil, domain.Member{}, false, ErrNoSuchNick
	}
	room = o.Rooms.GetOrCreate(name)
	if existing, ok := room.Member(nick); ok {
		room.AddMember(sess)
		return room, existing, false, nil
	}
	m = room.AddMember(sess)
	o.Registry.AddRoom(nick, name)
	log.Info().Str("module", "orch").Str("nick", string(nick)).Str("room", string(name)).Bool("creator", m.Creator).Msg("joined room")
	return room, m, true, nil
}

// Part removes nick from a room. The returned room is nil once it emptied.
func (o *Orchestrator) Part(nick domain.PeerID, raw string) (core.RoomService, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	room, err := o.memberRoom(nick, raw)
	if err != nil {
		return nil, err
	}
	return o.remove(room, nick), nil
}

func (o *Orchestrator) remove(room core.RoomService, nick domain.PeerID) core.RoomService {
	name := room.Room().Name
	room.RemoveMember(nick)
	o.Registry.RemoveRoom(nick, name)
	log.Info().Str("module", "orch").Str("nick", string(nick)).Str("room", string(name)).Msg("left room")
	if room.MemberCount() == 0 {
		o.Rooms.StopRoom(name)
		return nil
	}
	return room
}

func (o *Orchestrator) memberRoom(nick domain.PeerID, raw string) (core.RoomService, error) {
	name, err := domain.ParseRoomName(raw)
	if err != nil {
		return nil, err
	}
	room, ok := o.Rooms.Get(name)
	if !ok {
		return nil, ErrNoSuchRoom
	}
	if _, ok := room.Member(nick); !ok {
		return nil, ErrNotInRoom
	}
	return room, nil
}

// SetMode grants or revokes op. Only the room creator may do it.
func (o *Orchestrator) SetMode(by domain.PeerID, raw string, target domain.PeerID, op bool) (core.RoomService, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	room, err := o.memberRoom(by, raw)
	if err != nil {
		return nil, err
	}
	if m, _ := room.Member(by); !m.Creator {
		return nil, ErrNotCreator
	}
	if !room.SetModerator(target, op) {
		return nil, ErrNoSuchNick
	}
	log.Info().Str("module", "orch").Str("by", string(by)).Str("nick", string(target)).Bool("op", op).Msg("mode changed")
	return room, nil
}

// Kick removes target from a room. The creator and ops may kick; nobody kicks the creator.
// It returns the kicked session and the room if it still exists.
func (o *Orchestrator) Kick(by domain.PeerID, raw string, target domain.PeerID) (core.RoomService, core.MemberSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	room, err := o.memberRoom(by, raw)
	if err != nil {
		return nil, nil, err
	}
	if m, _ := room.Member(by); !m.Creator && !m.Moderator {
		return nil, nil, ErrNotPermitted
	}
	tm, ok := room.Member(target)
	if !ok {
		return nil, nil, ErrNoSuchNick
	}
	if tm.Creator {
		return nil, nil, ErrNotPermitted
	}
	sess, _ := room.Session(target)
	log.Info().Str("module", "orch").Str("by", string(by)).Str("nick", string(target)).Str("room", raw).Msg("kick")
	return o.remove(room, target), sess, nil
}
