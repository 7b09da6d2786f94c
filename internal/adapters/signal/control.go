package signal

import (
	"errors"

	"github.com/dkeye/voicemesh/internal/adapters/wire"
)

var (
	errHelloFirst   = errors.New("hello first")
	errUnknownType  = errors.New("unknown message type")
	errRegistered   = errors.New("already registered")
	errRateLimited  = errors.New("rate limited")
	errMissingField = errors.New("missing field")
)

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, wire.Message{Type: wire.TypePong})
}
