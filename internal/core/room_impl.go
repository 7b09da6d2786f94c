package core

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/domain"
)

type roomEntry struct {
	session MemberSession
	member  domain.Member
}

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	mu      sync.RWMutex
	room    domain.Room
	started bool
	byNick  map[domain.PeerID]*roomEntry
}

func NewRoomService(name domain.RoomName) RoomService {
	return &roomImpl{
		room:   domain.Room{Name: name},
		byNick: make(map[domain.PeerID]*roomEntry),
	}
}

func (r *roomImpl) Room() domain.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.room
}

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNick)
}

func (r *roomImpl) AddMember(ms MemberSession) domain.Member {
	nick := ms.Nick()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byNick[nick]; ok {
		e.session = ms
		return e.member
	}
	m := domain.NewMember(nick)
	if !r.started {
		r.started = true
		r.room.Creator = nick
		m.Creator = true
	}
	r.byNick[nick] = &roomEntry{session: ms, member: m}
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("nick", string(nick)).Bool("creator", m.Creator).Msg("member added")
	return m
}

func (r *roomImpl) RemoveMember(nick domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byNick[nick]; !ok {
		return false
	}
	delete(r.byNick, nick)
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("nick", string(nick)).Msg("member removed")
	return true
}

func (r *roomImpl) SetModerator(nick domain.PeerID, op bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byNick[nick]
	if !ok {
		return false
	}
	e.member.Moderator = op
	return true
}

func (r *roomImpl) Member(nick domain.PeerID) (domain.Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byNick[nick]
	if !ok {
		return domain.Member{}, false
	}
	return e.member, true
}

func (r *roomImpl) Session(nick domain.PeerID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byNick[nick]
	if !ok {
		return nil, false
	}
	return e.session, true
}

func (r *roomImpl) Broadcast(from domain.PeerID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for nick, e := range r.byNick {
		if nick == from {
			continue
		}
		if err := e.session.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, e.session)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) MembersSnapshot() []domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Member, 0, len(r.byNick))
	for _, e := range r.byNick {
		out = append(out, e.member)
	}
	slices.SortFunc(out, func(a, b domain.Member) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
