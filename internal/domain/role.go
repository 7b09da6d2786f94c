package domain

type Role int

const (
	RoleMember Role = iota
	RoleCoAnchor
	RoleAnchor
)

func (r Role) String() string {
	switch r {
	case RoleAnchor:
		return "anchor"
	case RoleCoAnchor:
		return "co-anchor"
	default:
		return "member"
	}
}

// IsSuperpeer reports whether the role forwards audio for attached members.
func (r Role) IsSuperpeer() bool {
	return r == RoleAnchor || r == RoleCoAnchor
}

// CanPromote reports whether the role may grant or revoke moderator status.
func (r Role) CanPromote() bool { return r == RoleAnchor }

// CanModerate reports whether the role may kick.
func (r Role) CanModerate() bool { return r.IsSuperpeer() }
