package core

import "github.com/dkeye/voicemesh/internal/domain"

type memberSession struct {
	sid    SessionID
	nick   domain.PeerID
	signal SignalConnection
}

func NewMemberSession(sid SessionID, nick domain.PeerID, sc SignalConnection) MemberSession {
	return &memberSession{sid: sid, nick: nick, signal: sc}
}

func (m *memberSession) ID() SessionID            { return m.sid }
func (m *memberSession) Nick() domain.PeerID      { return m.nick }
func (m *memberSession) Signal() SignalConnection { return m.signal }
