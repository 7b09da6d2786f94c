package domain

// LinkKey is the direction-agnostic key of a pairwise relationship.
// A is always the smaller id.
type LinkKey struct {
	A PeerID
	B PeerID
}

func NewLinkKey(x, y PeerID) LinkKey {
	if y < x {
		x, y = y, x
	}
	return LinkKey{A: x, B: y}
}

// Other returns the peer on the far side of the link from self.
func (k LinkKey) Other(self PeerID) PeerID {
	if k.A == self {
		return k.B
	}
	return k.A
}

func (k LinkKey) Has(p PeerID) bool { return k.A == p || k.B == p }

func (k LinkKey) String() string { return string(k.A) + "|" + string(k.B) }

// Less orders keys for stable output.
func (k LinkKey) Less(o LinkKey) bool {
	if k.A != o.A {
		return k.A < o.A
	}
	return k.B < o.B
}
