// Package sfu is the superpeer forwarding router. It never mixes; it
// passes each audio frame on verbatim with its origin tag intact.
package sfu

import (
	"errors"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/metrics"
	"github.com/dkeye/voicemesh/internal/session"
)

// Result reports delivery of one forwarded frame.
type Result struct {
	SentTo  int
	Dropped []domain.PeerID
}

type Forwarder struct {
	self   domain.PeerID
	role   atomic.Int32
	policy app.Policy

	mu     sync.RWMutex
	routes map[domain.PeerID]*Route

	logger zerolog.Logger
}

func NewForwarder(self domain.PeerID, policy app.Policy) *Forwarder {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Forwarder{
		self:   self,
		policy: policy,
		routes: make(map[domain.PeerID]*Route),
		logger: log.With().Str("module", "sfu").Str("self", string(self)).Logger(),
	}
}

func (f *Forwarder) SetRole(r domain.Role) {
	if old := domain.Role(f.role.Swap(int32(r))); old != r {
		f.logger.Info().Str("from", old.String()).Str("to", r.String()).Msg("role changed")
	}
}

func (f *Forwarder) Role() domain.Role { return domain.Role(f.role.Load()) }

// Attach adds or replaces the route to peer.
func (f *Forwarder) Attach(peer domain.PeerID, tier Tier, sink Sink) {
	f.mu.Lock()
	if old, ok := f.routes[peer]; ok {
		old.MarkDelete()
	}
	f.routes[peer] = NewRoute(peer, tier, sink)
	f.mu.Unlock()
	f.logger.Info().Str("peer", string(peer)).Str("tier", tier.String()).Msg("route attached")
}

// SetTier moves an existing route between tiers after a role change.
func (f *Forwarder) SetTier(peer domain.PeerID, tier Tier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.routes[peer]; ok && r.Tier != tier {
		nr := NewRoute(peer, tier, r.Sink)
		r.MarkDelete()
		f.routes[peer] = nr
	}
}

func (f *Forwarder) Detach(peer domain.PeerID) {
	f.mu.Lock()
	r, ok := f.routes[peer]
	if ok {
		delete(f.routes, peer)
	}
	f.mu.Unlock()
	if ok {
		r.MarkDelete()
		f.logger.Info().Str("peer", string(peer)).Msg("route detached")
	}
}

func (f *Forwarder) Mute(peer domain.PeerID, muted bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if r, ok := f.routes[peer]; ok {
		if muted {
			r.MarkMuted()
		} else {
			r.MarkOk()
		}
	}
}

// TierOf reports the tier of the route to peer.
func (f *Forwarder) TierOf(peer domain.PeerID) (Tier, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.routes[peer]
	if !ok {
		return 0, false
	}
	return r.Tier, true
}

func (f *Forwarder) Routes() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.routes)
}

// targets is the single place where the local role decides the fan-out.
func (f *Forwarder) targets(from *Route) func(*Route) bool {
	switch f.Role() {
	case domain.RoleAnchor, domain.RoleCoAnchor:
		if from.Tier == TierMember {
			return func(r *Route) bool { return true }
		}
		return func(r *Route) bool { return r.Tier == TierMember }
	default:
		return func(*Route) bool { return false }
	}
}

// Forward relays a frame received from the attached party `from`.
// The frame never goes back to from or to its origin.
func (f *Forwarder) Forward(from, origin domain.PeerID, frame []byte) Result {
	f.mu.RLock()
	snapshot := make(map[domain.PeerID]*Route, len(f.routes))
	maps.Copy(snapshot, f.routes)
	f.mu.RUnlock()

	var res Result
	src, ok := snapshot[from]
	if !ok {
		return res
	}
	want := f.targets(src)

	dirty := make([]domain.PeerID, 0)
	for dst, r := range snapshot {
		if dst == from || dst == origin || dst == f.self || !want(r) {
			continue
		}
		switch r.GetState() {
		case RouteStateDelete:
			dirty = append(dirty, dst)
		case RouteStateMuted:
		case RouteStateOk:
			err := r.Sink.SendAudio(frame)
			if err == nil {
				res.SentTo++
				continue
			}
			res.Dropped = append(res.Dropped, dst)
			if errors.Is(err, session.ErrBackpressure) {
				switch f.policy.OnBackPressure(app.FlowAudio) {
				case app.KickMember:
					r.MarkDelete()
					dirty = append(dirty, dst)
				case app.DropFrame, app.MarkSlow, app.NoAction:
				}
				continue
			}
			f.logger.Error().Err(err).Str("dst", string(dst)).Msg("forward error, marking route as delete")
			r.MarkDelete()
			dirty = append(dirty, dst)
		}
	}
	metrics.ForwardedFrames.WithLabelValues("sent").Add(float64(res.SentTo))
	metrics.ForwardedFrames.WithLabelValues("dropped").Add(float64(len(res.Dropped)))

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		f.cleanupDeleted(dirty)
	}
	return res
}

func (f *Forwarder) cleanupDeleted(dirty []domain.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range dirty {
		if r, ok := f.routes[p]; ok && r.GetState() == RouteStateDelete {
			delete(f.routes, p)
		}
	}
}
