package engine

import (
	"slices"
	"time"

	"github.com/dkeye/voicemesh/internal/app/sfu"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/fragment"
	"github.com/dkeye/voicemesh/internal/topology"
)

func (e *Engine) onTunnelEvent(ev core.TunnelEvent) error {
	switch ev.Kind {
	case core.TunnelPrivMsg:
		e.onPrivMsg(ev.From, ev.Body)
		return nil
	case core.TunnelDisconnected:
		e.logger.Warn().Err(ev.Err).Dur("grace", e.cfg.TunnelGrace).Msg("tunnel disconnected")
		e.armTunnelGrace()
		return nil
	}
	if ev.Room != e.cfg.Room {
		return nil
	}

	switch ev.Kind {
	case core.TunnelNames:
		e.stopTunnelGrace()
		next := make(map[domain.PeerID]domain.Member, len(ev.Members))
		for _, m := range ev.Members {
			next[m.ID] = m
		}
		for id := range e.members {
			if _, ok := next[id]; !ok {
				e.forgetPeer(id)
			}
		}
		e.members = next
	case core.TunnelJoined:
		if _, ok := e.members[ev.Member.ID]; ok && ev.Member.ID != e.self {
			// Same nick again: the old peer is gone.
			e.logger.Info().Str("peer", string(ev.Member.ID)).Msg("nick reused, rebuilding link")
			e.forgetPeer(ev.Member.ID)
		}
		e.members[ev.Member.ID] = ev.Member
	case core.TunnelLeft:
		if ev.Nick == e.self {
			e.logger.Info().Msg("left room")
			e.members = map[domain.PeerID]domain.Member{}
			e.reconcile()
			return nil
		}
		delete(e.members, ev.Nick)
		e.forgetPeer(ev.Nick)
	case core.TunnelKicked:
		if ev.Nick == e.self {
			e.logger.Warn().Str("by", string(ev.From)).Msg("kicked from room")
			return ErrKicked
		}
		delete(e.members, ev.Nick)
		e.forgetPeer(ev.Nick)
	case core.TunnelMode:
		m, ok := e.members[ev.Nick]
		if !ok {
			return nil
		}
		m.Moderator = ev.Op
		e.members[ev.Nick] = m
		e.logger.Info().Str("peer", string(ev.Nick)).Bool("op", ev.Op).Msg("mode changed")
	default:
		return nil
	}
	e.reconcile()
	return nil
}

// armTunnelGrace closes every link if the tunnel does not rejoin the room
// within the grace period. A pending grace keeps its original deadline.
func (e *Engine) armTunnelGrace() {
	if e.grace != nil {
		return
	}
	e.graceEpoch++
	epoch := e.graceEpoch
	e.grace = time.AfterFunc(e.cfg.TunnelGrace, func() {
		e.postRetry(func() { e.onTunnelGraceExpired(epoch) })
	})
}

func (e *Engine) stopTunnelGrace() {
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
}

func (e *Engine) onTunnelGraceExpired(epoch uint64) {
	if e.grace == nil || epoch != e.graceEpoch {
		return
	}
	e.grace = nil
	e.logger.Warn().Int("links", len(e.links)).Msg("tunnel still down, closing links")
	for id := range e.members {
		if id != e.self {
			e.forgetPeer(id)
		}
	}
	e.members = map[domain.PeerID]domain.Member{}
	e.reconcile()
}

// forgetPeer drops every piece of state tied to a departed nick.
func (e *Engine) forgetPeer(p domain.PeerID) {
	key := domain.NewLinkKey(e.self, p)
	if l, ok := e.links[key]; ok {
		e.closeLink(key, l, false)
	}
	delete(e.early, p)
	e.reasm.DropPeer(p)
	e.files.Drop(key)
}

func (e *Engine) snapshot() topology.Snapshot {
	s := topology.Snapshot{Room: e.cfg.Room, Members: make([]domain.Member, 0, len(e.members))}
	for _, m := range e.members {
		s.Members = append(s.Members, m)
	}
	slices.SortFunc(s.Members, func(a, b domain.Member) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return s
}

// reconcile brings the actual links in line with the required ones.
func (e *Engine) reconcile() {
	diff := e.topo.Apply(e.snapshot()).For(e.self)
	if len(diff.Unassigned) > 0 {
		e.logger.Warn().Msg("every superpeer is full, staying unlinked")
	}

	role := e.topo.RoleOf(e.self)
	e.fwd.SetRole(role)

	want := make(map[domain.LinkKey]bool)
	if e.topo.Contains(e.self) {
		for _, k := range e.topo.Required() {
			if k.Has(e.self) {
				want[k] = true
			}
		}
	}
	for key, l := range e.links {
		if !want[key] {
			e.closeLink(key, l, true)
		}
	}
	for _, key := range e.topo.Required() {
		if !want[key] {
			continue
		}
		if _, ok := e.links[key]; ok {
			continue
		}
		e.openLink(key.Other(e.self), "")
	}
	for _, l := range e.links {
		if l.session != nil {
			e.fwd.SetTier(l.Remote, e.tierOf(l.Remote))
		}
	}
	e.publishSessions()
	e.publishRoster()
}

func (e *Engine) tierOf(p domain.PeerID) sfu.Tier {
	if e.topo.RoleOf(p).IsSuperpeer() {
		return sfu.TierMesh
	}
	return sfu.TierMember
}

func (e *Engine) onPrivMsg(from domain.PeerID, body string) {
	if !fragment.IsFragment(body) {
		return
	}
	if _, ok := e.members[from]; !ok {
		e.logger.Debug().Str("from", string(from)).Msg("fragment from peer outside room")
		return
	}
	payload, done, err := e.reasm.Feed(from, body)
	if err != nil {
		e.logger.Warn().Err(err).Str("from", string(from)).Msg("dropping fragment")
		return
	}
	if !done {
		return
	}
	e.onSignalPayload(from, payload)
}
