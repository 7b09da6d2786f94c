// Package topology decides roles and the required links of a room:
// a full mesh among superpeers plus one link per member to the least
// loaded superpeer.
package topology

import (
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/domain"
)

const DefaultMaxMembersPerSuperpeer = 32

type Snapshot struct {
	Room    domain.RoomName
	Members []domain.Member
}

type Diff struct {
	Open  []domain.LinkKey
	Close []domain.LinkKey
	// Unassigned members could not be placed because every superpeer is full.
	Unassigned []domain.PeerID
}

func (d Diff) Empty() bool {
	return len(d.Open) == 0 && len(d.Close) == 0 && len(d.Unassigned) == 0
}

// For keeps only the parts of d that involve self.
func (d Diff) For(self domain.PeerID) Diff {
	out := Diff{}
	for _, k := range d.Open {
		if k.Has(self) {
			out.Open = append(out.Open, k)
		}
	}
	for _, k := range d.Close {
		if k.Has(self) {
			out.Close = append(out.Close, k)
		}
	}
	if slices.Contains(d.Unassigned, self) {
		out.Unassigned = []domain.PeerID{self}
	}
	return out
}

// RoleOf maps tunnel flags to a role.
func RoleOf(m domain.Member) domain.Role {
	switch {
	case m.Creator:
		return domain.RoleAnchor
	case m.Moderator:
		return domain.RoleCoAnchor
	default:
		return domain.RoleMember
	}
}

// Manager is not safe for concurrent use; the engine actor owns it.
type Manager struct {
	room            domain.RoomName
	maxPerSuperpeer int

	roles    map[domain.PeerID]domain.Role
	assign   map[domain.PeerID]domain.PeerID
	required map[domain.LinkKey]struct{}
}

type Option func(*Manager)

func WithMaxMembersPerSuperpeer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxPerSuperpeer = n
		}
	}
}

func NewManager(room domain.RoomName, opts ...Option) *Manager {
	m := &Manager{
		room:            room,
		maxPerSuperpeer: DefaultMaxMembersPerSuperpeer,
		roles:           make(map[domain.PeerID]domain.Role),
		assign:          make(map[domain.PeerID]domain.PeerID),
		required:        make(map[domain.LinkKey]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply replaces the membership view and returns what changed in the required set.
func (m *Manager) Apply(s Snapshot) Diff {
	roles := make(map[domain.PeerID]domain.Role, len(s.Members))
	for _, mem := range s.Members {
		r := RoleOf(mem)
		if prev, ok := roles[mem.ID]; !ok || r > prev {
			roles[mem.ID] = r
		}
	}

	ids := make([]domain.PeerID, 0, len(roles))
	for id := range roles {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var superpeers []domain.PeerID
	for _, id := range ids {
		if roles[id].IsSuperpeer() {
			superpeers = append(superpeers, id)
		}
	}
	// A room without host or moderators elects its smallest id.
	if len(superpeers) == 0 && len(ids) > 0 {
		roles[ids[0]] = domain.RoleCoAnchor
		superpeers = []domain.PeerID{ids[0]}
		log.Debug().Str("module", "topology").Str("room", string(m.room)).Str("acting", string(ids[0])).Msg("no superpeer present, electing acting co-anchor")
	}

	load := make(map[domain.PeerID]int, len(superpeers))
	for _, sp := range superpeers {
		load[sp] = 0
	}
	assign := make(map[domain.PeerID]domain.PeerID)
	var pending []domain.PeerID
	for _, id := range ids {
		if roles[id].IsSuperpeer() {
			continue
		}
		if sp, ok := m.assign[id]; ok && roles[sp].IsSuperpeer() && load[sp] < m.maxPerSuperpeer {
			assign[id] = sp
			load[sp]++
			continue
		}
		pending = append(pending, id)
	}

	var diff Diff
	for _, id := range pending {
		best, found := domain.PeerID(""), false
		for _, sp := range superpeers {
			if load[sp] >= m.maxPerSuperpeer {
				continue
			}
			if !found || load[sp] < load[best] {
				best, found = sp, true
			}
		}
		if !found {
			diff.Unassigned = append(diff.Unassigned, id)
			continue
		}
		assign[id] = best
		load[best]++
	}

	required := make(map[domain.LinkKey]struct{})
	for i := range superpeers {
		for j := i + 1; j < len(superpeers); j++ {
			required[domain.NewLinkKey(superpeers[i], superpeers[j])] = struct{}{}
		}
	}
	for id, sp := range assign {
		required[domain.NewLinkKey(id, sp)] = struct{}{}
	}

	for k := range required {
		if _, ok := m.required[k]; !ok {
			diff.Open = append(diff.Open, k)
		}
	}
	for k := range m.required {
		if _, ok := required[k]; !ok {
			diff.Close = append(diff.Close, k)
		}
	}
	sortKeys(diff.Open)
	sortKeys(diff.Close)

	m.roles, m.assign, m.required = roles, assign, required
	if !diff.Empty() {
		log.Info().Str("module", "topology").Str("room", string(m.room)).
			Int("superpeers", len(superpeers)).Int("members", len(assign)).
			Int("open", len(diff.Open)).Int("close", len(diff.Close)).
			Int("unassigned", len(diff.Unassigned)).Msg("topology changed")
	}
	return diff
}

func sortKeys(keys []domain.LinkKey) {
	slices.SortFunc(keys, func(a, b domain.LinkKey) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
}

func (m *Manager) Required() []domain.LinkKey {
	out := make([]domain.LinkKey, 0, len(m.required))
	for k := range m.required {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

func (m *Manager) IsRequired(k domain.LinkKey) bool {
	_, ok := m.required[k]
	return ok
}

// RoleOf returns the effective role, including an acting election.
// Unknown peers are members.
func (m *Manager) RoleOf(p domain.PeerID) domain.Role {
	return m.roles[p]
}

func (m *Manager) Contains(p domain.PeerID) bool {
	_, ok := m.roles[p]
	return ok
}

// SuperpeerOf returns the superpeer a member is attached to.
func (m *Manager) SuperpeerOf(member domain.PeerID) (domain.PeerID, bool) {
	sp, ok := m.assign[member]
	return sp, ok
}

// Load is the number of members attached to sp.
func (m *Manager) Load(sp domain.PeerID) int {
	n := 0
	for _, s := range m.assign {
		if s == sp {
			n++
		}
	}
	return n
}

func (m *Manager) Superpeers() []domain.PeerID {
	var out []domain.PeerID
	for id, r := range m.roles {
		if r.IsSuperpeer() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
