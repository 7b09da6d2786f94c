// Package orch is the discovery node's use-case layer: who may join,
// moderate and message whom. Adapters format and deliver the results.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/metrics"
)

var (
	ErrNotInRoom    = errors.New("not in room")
	ErrNoSuchNick   = errors.New("no such nick")
	ErrNoSuchRoom   = errors.New("no such room")
	ErrNotCreator   = errors.New("only the room creator can change modes")
	ErrNotPermitted = errors.New("not permitted")
	ErrNotShared    = errors.New("no shared room")
	ErrBodyTooLong  = errors.New("message body too long")
)

// MaxBody bounds a private message, matching the fragment frame size.
const MaxBody = 512

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy

	// mu serializes membership changes so a room is never joined while being destroyed.
	mu sync.Mutex
}

func New(policy app.Policy) *Orchestrator {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Orchestrator{Registry: app.NewRegistry(), Rooms: app.NewRoomManager(), Policy: policy}
}

// Hello registers a connection under its nick. A resumed session closes the one it replaces.
func (o *Orchestrator) Hello(sess core.MemberSession, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := domain.ParsePeerID(string(sess.Nick())); err != nil {
		return err
	}
	old, err := o.Registry.Claim(sess, cancel)
	if err != nil {
		return err
	}
	if old != nil {
		for _, name := range o.Registry.RoomsOf(sess.Nick()) {
			if room, ok := o.Rooms.Get(name); ok {
				room.AddMember(sess)
			}
		}
		old.Signal().Close()
	}
	return nil
}

// Broadcast fans a frame out to a room and applies the backpressure policy.
func (o *Orchestrator) Broadcast(room core.RoomService, from domain.PeerID, f core.Frame) core.PublishResult {
	res := room.Broadcast(from, f)
	for _, slow := range res.Dropped {
		o.onSlow(slow)
	}
	return res
}

// Deliver sends a frame to one session and applies the backpressure policy.
func (o *Orchestrator) Deliver(to core.MemberSession, f core.Frame) error {
	if err := to.Signal().TrySend(f); err != nil {
		o.onSlow(to)
		return fmt.Errorf("deliver to %s: %w", to.Nick(), err)
	}
	return nil
}

func (o *Orchestrator) onSlow(slow core.MemberSession) {
	action := o.Policy.OnBackPressure(app.FlowTunnel)
	metrics.TunnelMessages.WithLabelValues("dropped").Inc()
	log.Warn().Str("module", "orch").Str("nick", string(slow.Nick())).Str("action", action.String()).Msg("tunnel backpressure")
	if action == app.KickMember {
		slow.Signal().Close()
		if o.Registry.Current(slow) {
			o.Registry.Cancel(slow.Nick())
		}
	}
}

// Disconnect forgets a closed connection and returns the rooms it left.
func (o *Orchestrator) Disconnect(sess core.MemberSession) []core.RoomService {
	o.mu.Lock()
	defer o.mu.Unlock()
	var left []core.RoomService
	for _, name := range o.Registry.Release(sess) {
		room, ok := o.Rooms.Get(name)
		if !ok {
			continue
		}
		room.RemoveMember(sess.Nick())
		if room.MemberCount() == 0 {
			o.Rooms.StopRoom(name)
			continue
		}
		left = append(left, room)
	}
	return left
}
