package topology

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/domain"
)

func host(id string) domain.Member { return domain.Member{ID: domain.PeerID(id), Creator: true} }
func mod(id string) domain.Member  { return domain.Member{ID: domain.PeerID(id), Moderator: true} }
func peer(id string) domain.Member { return domain.Member{ID: domain.PeerID(id)} }

func key(a, b string) domain.LinkKey { return domain.NewLinkKey(domain.PeerID(a), domain.PeerID(b)) }

func TestHostAndTwoMembers(t *testing.T) {
	m := NewManager("#r")
	diff := m.Apply(Snapshot{Room: "#r", Members: []domain.Member{host("h"), peer("m1"), peer("m2")}})

	assert.ElementsMatch(t, []domain.LinkKey{key("h", "m1"), key("h", "m2")}, diff.Open)
	assert.Empty(t, diff.Close)
	assert.Equal(t, domain.RoleAnchor, m.RoleOf("h"))
	assert.Equal(t, domain.RoleMember, m.RoleOf("m1"))
	assert.Equal(t, 2, m.Load("h"))
}

func TestRequiredLinkCounts(t *testing.T) {
	for k := 1; k <= 5; k++ {
		for members := 0; members <= 12; members += 3 {
			t.Run(fmt.Sprintf("k%d_m%d", k, members), func(t *testing.T) {
				var snap Snapshot
				snap.Members = append(snap.Members, host("sp0"))
				for i := 1; i < k; i++ {
					snap.Members = append(snap.Members, mod(fmt.Sprintf("sp%d", i)))
				}
				for i := 0; i < members; i++ {
					snap.Members = append(snap.Members, peer(fmt.Sprintf("m%02d", i)))
				}
				mgr := NewManager("#r")
				mgr.Apply(snap)

				mesh, member := 0, 0
				perMember := map[domain.PeerID]int{}
				for _, l := range mgr.Required() {
					if mgr.RoleOf(l.A).IsSuperpeer() && mgr.RoleOf(l.B).IsSuperpeer() {
						mesh++
						continue
					}
					member++
					for _, p := range []domain.PeerID{l.A, l.B} {
						if !mgr.RoleOf(p).IsSuperpeer() {
							perMember[p]++
						}
					}
				}
				assert.Equal(t, k*(k-1)/2, mesh)
				assert.Equal(t, members, member)
				for p, n := range perMember {
					assert.Equal(t, 1, n, "member %s", p)
				}

				// Loads differ by at most one when assigned from scratch.
				lo, hi := members, 0
				for _, sp := range mgr.Superpeers() {
					lo, hi = min(lo, mgr.Load(sp)), max(hi, mgr.Load(sp))
				}
				assert.LessOrEqual(t, hi-lo, 1)
			})
		}
	}
}

func TestLeastLoadedTieBreak(t *testing.T) {
	m := NewManager("#r")
	m.Apply(Snapshot{Members: []domain.Member{host("b"), mod("a"), peer("x")}})
	sp, ok := m.SuperpeerOf("x")
	require.True(t, ok)
	assert.Equal(t, domain.PeerID("a"), sp, "tie broken by smallest id")

	m.Apply(Snapshot{Members: []domain.Member{host("b"), mod("a"), peer("x"), peer("y")}})
	sp, _ = m.SuperpeerOf("y")
	assert.Equal(t, domain.PeerID("b"), sp, "least loaded wins")
}

func TestDiffIsSticky(t *testing.T) {
	m := NewManager("#r")
	m.Apply(Snapshot{Members: []domain.Member{host("h"), peer("m1"), peer("m2")}})

	diff := m.Apply(Snapshot{Members: []domain.Member{host("h"), mod("c"), peer("m1"), peer("m2"), peer("m3")}})
	assert.ElementsMatch(t, []domain.LinkKey{key("c", "h"), key("c", "m3")}, diff.Open)
	assert.Empty(t, diff.Close, "existing member links remain")

	diff = m.Apply(Snapshot{Members: []domain.Member{host("h"), mod("c"), peer("m2"), peer("m3")}})
	assert.Empty(t, diff.Open)
	assert.Equal(t, []domain.LinkKey{key("h", "m1")}, diff.Close)
}

func TestPromoteAndDemote(t *testing.T) {
	m := NewManager("#r")
	m.Apply(Snapshot{Members: []domain.Member{host("h"), peer("m1"), peer("m2")}})

	// m1 gains op; its existing link to h becomes a mesh link.
	diff := m.Apply(Snapshot{Members: []domain.Member{host("h"), mod("m1"), peer("m2")}})
	assert.Empty(t, diff.Close)
	assert.Empty(t, diff.Open)
	assert.Equal(t, domain.RoleCoAnchor, m.RoleOf("m1"))

	m.Apply(Snapshot{Members: []domain.Member{host("h"), mod("m1"), peer("m2"), peer("m3")}})
	sp, _ := m.SuperpeerOf("m3")
	require.Equal(t, domain.PeerID("m1"), sp)

	// Demotion orphans m3, which moves to h.
	diff = m.Apply(Snapshot{Members: []domain.Member{host("h"), peer("m1"), peer("m2"), peer("m3")}})
	assert.Equal(t, []domain.LinkKey{key("m1", "m3")}, diff.Close)
	assert.Equal(t, []domain.LinkKey{key("h", "m3")}, diff.Open)
}

func TestActingAnchorWithoutHost(t *testing.T) {
	m := NewManager("#r")
	diff := m.Apply(Snapshot{Members: []domain.Member{peer("zed"), peer("amy"), peer("bo")}})
	assert.Equal(t, domain.RoleCoAnchor, m.RoleOf("amy"))
	assert.ElementsMatch(t, []domain.LinkKey{key("amy", "bo"), key("amy", "zed")}, diff.Open)
}

func TestCapacity(t *testing.T) {
	m := NewManager("#r", WithMaxMembersPerSuperpeer(2))
	diff := m.Apply(Snapshot{Members: []domain.Member{host("h"), peer("a"), peer("b"), peer("c")}})
	assert.Len(t, diff.Open, 2)
	assert.Equal(t, []domain.PeerID{"c"}, diff.Unassigned)
	assert.Equal(t, []domain.PeerID{"c"}, diff.For("c").Unassigned)
	assert.Empty(t, diff.For("a").Unassigned)
}

func TestDiffFor(t *testing.T) {
	d := Diff{Open: []domain.LinkKey{key("a", "b"), key("c", "d")}, Close: []domain.LinkKey{key("a", "c")}}
	f := d.For("a")
	assert.Equal(t, []domain.LinkKey{key("a", "b")}, f.Open)
	assert.Equal(t, []domain.LinkKey{key("a", "c")}, f.Close)
	assert.True(t, d.For("z").Empty())
}

func TestEmptyRoomClosesEverything(t *testing.T) {
	m := NewManager("#r")
	m.Apply(Snapshot{Members: []domain.Member{host("h"), peer("a")}})
	diff := m.Apply(Snapshot{})
	assert.Equal(t, []domain.LinkKey{key("a", "h")}, diff.Close)
	assert.Empty(t, m.Required())
}
