package domain

// Member is a participant as the tunnel reports it.
// No transport or lifecycle logic here.
type Member struct {
	ID        PeerID `json:"nick"`
	Creator   bool   `json:"creator"`
	Moderator bool   `json:"op"`
}

func NewMember(id PeerID) Member {
	return Member{ID: id}
}
