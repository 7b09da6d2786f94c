package app

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

var ErrNickInUse = errors.New("nick in use")

type sessionEntry struct {
	Session core.MemberSession
	Rooms   map[domain.RoomName]struct{}
	Cancel  context.CancelFunc
}

// Registry maps node-wide nicks to their live tunnel sessions.
type Registry struct {
	mu     sync.RWMutex
	byNick map[domain.PeerID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{byNick: make(map[domain.PeerID]*sessionEntry)}
}

// Claim binds sess to its nick. A nick held by another client token is refused;
// the same token reconnecting takes over and keeps its rooms.
// The replaced session, if any, is returned so the caller can close it.
func (r *Registry) Claim(sess core.MemberSession, cancel context.CancelFunc) (core.MemberSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nick := sess.Nick()
	if e, ok := r.byNick[nick]; ok {
		if e.Session.ID() != sess.ID() {
			return nil, ErrNickInUse
		}
		old := e.Session
		e.Session, e.Cancel = sess, cancel
		log.Info().Str("module", "app.registry").Str("sid", string(sess.ID())).Str("nick", string(nick)).Msg("session resumed")
		return old, nil
	}
	r.byNick[nick] = &sessionEntry{Session: sess, Rooms: make(map[domain.RoomName]struct{}), Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sess.ID())).Str("nick", string(nick)).Msg("bound session")
	return nil, nil
}

// Current reports whether sess is still the live session of its nick.
func (r *Registry) Current(sess core.MemberSession) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byNick[sess.Nick()]
	return ok && e.Session == sess
}

// Release unbinds sess and returns the rooms it was in. A replaced session releases nothing.
func (r *Registry) Release(sess core.MemberSession) []domain.RoomName {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byNick[sess.Nick()]
	if !ok || e.Session != sess {
		return nil
	}
	delete(r.byNick, sess.Nick())
	log.Info().Str("module", "app.registry").Str("sid", string(sess.ID())).Str("nick", string(sess.Nick())).Msg("unbind session")
	return sortedRooms(e.Rooms)
}

func (r *Registry) Session(nick domain.PeerID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byNick[nick]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) AddRoom(nick domain.PeerID, room domain.RoomName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byNick[nick]
	if !ok {
		return false
	}
	e.Rooms[room] = struct{}{}
	return true
}

func (r *Registry) RemoveRoom(nick domain.PeerID, room domain.RoomName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byNick[nick]; ok {
		delete(e.Rooms, room)
	}
}

func (r *Registry) RoomsOf(nick domain.PeerID) []domain.RoomName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byNick[nick]
	if !ok {
		return nil
	}
	return sortedRooms(e.Rooms)
}

// SharesRoom reports whether a and b are members of at least one common room.
func (r *Registry) SharesRoom(a, b domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ea, ok := r.byNick[a]
	if !ok {
		return false
	}
	eb, ok := r.byNick[b]
	if !ok {
		return false
	}
	for room := range ea.Rooms {
		if _, ok := eb.Rooms[room]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNick)
}

// Cancel stops the pumps of nick's connection.
func (r *Registry) Cancel(nick domain.PeerID) bool {
	r.mu.RLock()
	e, ok := r.byNick[nick]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("nick", string(nick)).Msg("canceled session")
	return true
}

func sortedRooms(set map[domain.RoomName]struct{}) []domain.RoomName {
	out := make([]domain.RoomName, 0, len(set))
	for room := range set {
		out = append(out, room)
	}
	slices.Sort(out)
	return out
}
