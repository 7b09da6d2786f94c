package sfu

import (
	"sync/atomic"

	"github.com/dkeye/voicemesh/internal/domain"
)

type RouteState int32

const (
	RouteStateOk RouteState = iota
	RouteStateMuted
	RouteStateDelete
)

// Tier tells whether a route leads to an attached member or to a mesh superpeer.
type Tier int

const (
	TierMember Tier = iota
	TierMesh
)

func (t Tier) String() string {
	if t == TierMesh {
		return "mesh"
	}
	return "member"
}

// Sink is the outbound audio flow of a session.
type Sink interface {
	SendAudio([]byte) error
}

// Route is a single outgoing path to a locally attached party.
type Route struct {
	Peer  domain.PeerID
	Tier  Tier
	Sink  Sink
	state atomic.Int32 // Zero by default (RouteStateOk)
}

func NewRoute(peer domain.PeerID, tier Tier, sink Sink) *Route {
	return &Route{Peer: peer, Tier: tier, Sink: sink}
}

func (r *Route) GetState() RouteState {
	return RouteState(r.state.Load())
}

func (r *Route) MarkOk() {
	r.state.Store(int32(RouteStateOk))
}

func (r *Route) MarkMuted() {
	r.state.Store(int32(RouteStateMuted))
}

func (r *Route) MarkDelete() {
	r.state.Store(int32(RouteStateDelete))
}
