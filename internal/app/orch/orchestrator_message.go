package orch

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

// PrivMsgTarget checks that from may message to and returns the receiving session.
func (o *Orchestrator) PrivMsgTarget(from, to domain.PeerID, body string) (core.MemberSession, error) {
	if len(body) > MaxBody {
		return nil, ErrBodyTooLong
	}
	target, ok := o.Registry.Session(to)
	if !ok {
		return nil, ErrNoSuchNick
	}
	if !o.Registry.SharesRoom(from, to) {
		return nil, ErrNotShared
	}
	return target, nil
}
