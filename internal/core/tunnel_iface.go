package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
)

type TunnelEventKind int

const (
	// TunnelNames carries the full member list of a room just joined.
	TunnelNames TunnelEventKind = iota
	TunnelJoined
	TunnelLeft
	TunnelMode
	TunnelKicked
	TunnelPrivMsg
	TunnelDisconnected
)

type TunnelEvent struct {
	Kind    TunnelEventKind
	Room    domain.RoomName
	Members []domain.Member
	Member  domain.Member
	Nick    domain.PeerID
	Op      bool
	From    domain.PeerID
	Body    string
	Err     error
}

// Tunnel is the discovery connection as the engine sees it.
type Tunnel interface {
	Self() domain.PeerID
	// Events delivers TunnelDisconnected on every drop. It is closed once the
	// tunnel gives up for good.
	Events() <-chan TunnelEvent
	SendPrivate(ctx context.Context, to domain.PeerID, body string) error
	Close() error
}
