package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalBye       SignalType = "bye"
)

var ErrBadSignal = errors.New("bad signal")

// Candidate mirrors the browser ICE candidate init dictionary.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type Signal struct {
	Type      SignalType `json:"type"`
	Attempt   string     `json:"attempt"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

func (s Signal) Marshal() ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func ParseSignal(b []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(b, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrBadSignal, err)
	}
	if err := s.validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

func (s Signal) validate() error {
	if s.Attempt == "" {
		return fmt.Errorf("%w: missing attempt", ErrBadSignal)
	}
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrBadSignal, s.Type)
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("%w: candidate without body", ErrBadSignal)
		}
	case SignalBye:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadSignal, s.Type)
	}
	return nil
}
