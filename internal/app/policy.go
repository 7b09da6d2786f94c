package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	return [...]string{"no_action", "mark_slow", "kick_member", "drop_frame"}[a]
}

// Flow names the queue that overflowed.
type Flow int

const (
	FlowTunnel Flow = iota
	FlowAudio
	FlowFile
)

type Policy interface {
	OnBackPressure(flow Flow) BackpressureAction
}

// SimplePolicy drops late audio and disconnects tunnel clients that cannot keep up.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(flow Flow) BackpressureAction {
	switch flow {
	case FlowTunnel:
		return KickMember
	case FlowAudio:
		return DropFrame
	default:
		return MarkSlow
	}
}
