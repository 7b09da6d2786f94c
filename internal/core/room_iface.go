package core

import (
	"github.com/dkeye/voicemesh/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the core-facing API of a tunnel room.
// It owns the membership set and flags but never touches transport resources.
type RoomService interface {
	Room() domain.Room
	MemberCount() int
	MembersSnapshot() []domain.Member
	Member(nick domain.PeerID) (domain.Member, bool)
	Session(nick domain.PeerID) (MemberSession, bool)

	// AddMember makes the first member of a fresh room its creator.
	AddMember(ms MemberSession) domain.Member
	RemoveMember(nick domain.PeerID) bool
	SetModerator(nick domain.PeerID, op bool) bool
	Broadcast(from domain.PeerID, data Frame) PublishResult
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	Creator     domain.PeerID   `json:"creator,omitempty"`
	MemberCount int             `json:"client_count"`
}

type RoomManager interface {
	GetOrCreate(name domain.RoomName) RoomService
	Get(name domain.RoomName) (RoomService, bool)
	List() []RoomInfo
	StopRoom(name domain.RoomName)
}
