// Package negotiation holds the per-link lifecycle state machine and the
// signals exchanged over the tunnel while setting a link up.
package negotiation

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
)

type State int

const (
	Idle State = iota
	Offering
	Answering
	Negotiating
	Established
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case Answering:
		return "answering"
	case Negotiating:
		return "negotiating"
	case Established:
		return "established"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal states accept only Close.
func (s State) Terminal() bool { return s == Failed || s == Closed }

type Event int

const (
	OfferSent Event = iota
	OfferReceived
	AnswerReceived
	AnswerSent
	ChannelReady
	RelayReady
	Timeout
	TransportFailed
	Close
)

func (e Event) String() string {
	return [...]string{
		"offer_sent", "offer_received", "answer_received", "answer_sent",
		"channel_ready", "relay_ready", "timeout", "transport_failed", "close",
	}[e]
}

type Path int

const (
	Direct Path = iota
	Relay
)

func (p Path) String() string {
	if p == Relay {
		return "relay"
	}
	return "direct"
}

var ErrInvalidTransition = errors.New("invalid link transition")

// Transition is the pure transition function of a link.
func Transition(s State, ev Event) (State, error) {
	if ev == Close {
		return Closed, nil
	}
	if s.Terminal() {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
	}
	switch ev {
	case Timeout, TransportFailed:
		return Failed, nil
	case OfferSent:
		if s == Idle {
			return Offering, nil
		}
	case OfferReceived:
		if s == Idle {
			return Answering, nil
		}
	case AnswerReceived:
		if s == Offering {
			return Negotiating, nil
		}
	case AnswerSent:
		if s == Answering {
			return Negotiating, nil
		}
	case ChannelReady:
		if s == Offering || s == Answering || s == Negotiating {
			return Established, nil
		}
	case RelayReady:
		if s == Idle {
			return Established, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
}

// ShouldOffer decides which side of a pair sends the offer.
func ShouldOffer(local, remote domain.PeerID) bool {
	return local < remote
}

// Link is the actual relationship with one remote peer.
type Link struct {
	Key     domain.LinkKey
	Local   domain.PeerID
	Remote  domain.PeerID
	Path    Path
	Attempt string
	Created time.Time

	state State
}

func NewLink(local, remote domain.PeerID, path Path, attempt string, now time.Time) *Link {
	return &Link{
		Key:     domain.NewLinkKey(local, remote),
		Local:   local,
		Remote:  remote,
		Path:    path,
		Attempt: attempt,
		Created: now,
	}
}

func (l *Link) State() State { return l.state }

// Offerer reports whether the local side sends the offer on this link.
func (l *Link) Offerer() bool { return ShouldOffer(l.Local, l.Remote) }

// Apply advances the link. On error the state is unchanged.
func (l *Link) Apply(ev Event) error {
	next, err := Transition(l.state, ev)
	if err != nil {
		return err
	}
	l.state = next
	return nil
}
