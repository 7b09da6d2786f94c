package core

import (
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/negotiation"
)

// Channel is one sub-flow of an established transport.
type Channel interface {
	Send([]byte) error
	// OnMessage must be set before the channel is handed to a session.
	OnMessage(func([]byte))
	Close() error
}

// Channels are the sub-flows of a ready transport:
// Audio is unordered and lossy, File is ordered and reliable.
type Channels struct {
	Audio Channel
	File  Channel
}

// Transport is the point-to-point stack seen by the negotiation driver.
// Callbacks may fire on any goroutine.
type Transport interface {
	// CreateOffer returns the local offer SDP.
	CreateOffer() (string, error)
	// AcceptOffer applies a remote offer and returns the answer SDP.
	AcceptOffer(sdp string) (string, error)
	AcceptAnswer(sdp string) error
	// AddCandidate may be called before the remote description is known.
	AddCandidate(negotiation.Candidate) error

	OnCandidate(func(negotiation.Candidate))
	OnReady(func(Channels))
	OnFailure(func(error))
	Close() error
}

type TransportFactory func(remote domain.PeerID) (Transport, error)
