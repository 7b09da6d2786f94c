package core

// Frame is a raw payload queued for a tunnel connection.
type Frame []byte

// SignalConnection abstracts the node's per-client messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
