package core

import "github.com/dkeye/voicemesh/internal/domain"

type SessionID string

// MemberSession binds a registered nick and its tunnel connection.
// This is what a room stores and fans out to.
type MemberSession interface {
	ID() SessionID
	Nick() domain.PeerID
	Signal() SignalConnection
}
