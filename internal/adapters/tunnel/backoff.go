package tunnel

import "time"

// Backoff spaces reconnect attempts: Initial, doubling up to Max.
// A session that lasted ResetAfter starts over from Initial.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	ResetAfter time.Duration
}

var DefaultBackoff = Backoff{Initial: 2 * time.Second, Max: 30 * time.Second, ResetAfter: 30 * time.Second}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = max(DefaultBackoff.Max, b.Initial)
	}
	if b.ResetAfter <= 0 {
		b.ResetAfter = DefaultBackoff.ResetAfter
	}
	return b
}

// Next returns the delay after prev. A zero prev yields Initial.
func (b Backoff) Next(prev time.Duration) time.Duration {
	if prev <= 0 {
		return b.Initial
	}
	return min(prev*2, b.Max)
}
