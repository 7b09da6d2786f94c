package engine

import (
	"slices"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/negotiation"
)

type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnConnected  ConnState = "connected"
	ConnRelayed    ConnState = "relayed"
	ConnNATIssue   ConnState = "nat issue"
	ConnFailed     ConnState = "failed"
)

// RosterEntry is how one room member is reached from here.
// Via names the superpeer carrying audio when there is no own link.
type RosterEntry struct {
	Nick  domain.PeerID
	Role  domain.Role
	State ConnState
	Via   domain.PeerID
}

// Roster is safe to call from any goroutine.
func (e *Engine) Roster() []RosterEntry {
	return slices.Clone(*e.roster.Load())
}

func stateOf(l *link) ConnState {
	switch s := l.State(); {
	case s.Terminal():
		return ConnFailed
	case s == negotiation.Established && l.Path == negotiation.Relay:
		return ConnRelayed
	case s == negotiation.Established:
		return ConnConnected
	case l.Path == negotiation.Relay && l.directFailed:
		return ConnNATIssue
	default:
		return ConnConnecting
	}
}

// carrier is the neighbour through which p is heard when we have no link with p.
func (e *Engine) carrier(p domain.PeerID) (domain.PeerID, bool) {
	if !e.topo.RoleOf(e.self).IsSuperpeer() {
		return e.topo.SuperpeerOf(e.self)
	}
	if e.topo.RoleOf(p).IsSuperpeer() {
		return "", false
	}
	return e.topo.SuperpeerOf(p)
}

func (e *Engine) publishRoster() {
	out := make([]RosterEntry, 0, len(e.members))
	for id := range e.members {
		if id == e.self {
			continue
		}
		entry := RosterEntry{Nick: id, Role: e.topo.RoleOf(id), State: ConnConnecting}
		key := domain.NewLinkKey(e.self, id)
		if l, ok := e.links[key]; ok {
			entry.State = stateOf(l)
		} else if e.topo.IsRequired(key) {
			// required but refused, the link table is full
			entry.State = ConnFailed
		} else if via, ok := e.carrier(id); ok && via != id && via != e.self {
			entry.Via = via
			if l, ok := e.links[domain.NewLinkKey(e.self, via)]; ok {
				entry.State = stateOf(l)
			}
		} else if e.topo.Contains(e.self) {
			if _, assigned := e.topo.SuperpeerOf(e.self); !assigned && !e.topo.RoleOf(e.self).IsSuperpeer() {
				entry.State = ConnFailed
			}
		}
		out = append(out, entry)
	}
	slices.SortFunc(out, func(a, b RosterEntry) int {
		switch {
		case a.Nick < b.Nick:
			return -1
		case a.Nick > b.Nick:
			return 1
		}
		return 0
	})
	e.roster.Store(&out)
}
