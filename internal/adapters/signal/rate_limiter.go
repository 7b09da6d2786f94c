package signal

import "golang.org/x/time/rate"

// newPrivMsgLimiter bounds how fast one connection may push private messages.
// Negotiation bursts fragment into many messages, hence the generous burst.
func newPrivMsgLimiter(cfg Config) *rate.Limiter {
	return rate.NewLimiter(cfg.PrivMsgRate, cfg.PrivMsgBurst)
}
