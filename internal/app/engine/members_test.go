package engine

import (
	"bytes"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/app/sfu"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/filetransfer"
	"github.com/dkeye/voicemesh/internal/fragment"
	"github.com/dkeye/voicemesh/internal/negotiation"
)

func TestLeaveMidNegotiationReleasesState(t *testing.T) {
	h := newHub()
	n := newFakeNet(true)
	cfg := Config{DirectEnabled: true, NegotiationTimeout: time.Minute}
	host := startPeer(t, h, n, "host", cfg)
	startPeer(t, h, n, "m1", cfg)
	key := domain.NewLinkKey("host", "m1")

	require.Eventually(t, func() bool {
		return onActor(t, host.engine, func() bool {
			l, ok := host.engine.links[key]
			return ok && l.State() != negotiation.Established && !l.State().Terminal()
		})
	}, 2*time.Second, 10*time.Millisecond)

	half, err := fragment.Encode("half", bytes.Repeat([]byte("x"), 1500), 0)
	require.NoError(t, err)
	require.Greater(t, len(half), 1)
	h.privmsg("m1", "host", half[0])
	require.NoError(t, onActor(t, host.engine, func() error {
		_, err := host.engine.files.Handle(key, "m1", filetransfer.HeaderFrame("half.bin", 100).Marshal())
		return err
	}))
	require.Eventually(t, func() bool {
		return onActor(t, host.engine, func() bool {
			return host.engine.reasm.Len() == 1 && host.engine.files.Active() == 1
		})
	}, time.Second, 10*time.Millisecond)

	h.leave("m1")
	require.Eventually(t, func() bool {
		return onActor(t, host.engine, func() bool {
			e := host.engine
			return len(e.links) == 0 && e.reasm.Len() == 0 && e.files.Active() == 0 && len(e.early) == 0
		})
	}, 2*time.Second, 10*time.Millisecond)

	// Late traffic from the departed nick must not bring anything back.
	sig, err := negotiation.Signal{Type: negotiation.SignalOffer, Attempt: "late", SDP: "offer"}.Marshal()
	require.NoError(t, err)
	late, err := fragment.Encode(fragment.NewMessageID(), sig, 0)
	require.NoError(t, err)
	for _, f := range late {
		h.privmsg("m1", "host", f)
	}
	h.privmsg("m1", "host", half[1])

	assert.Never(t, func() bool {
		return onActor(t, host.engine, func() bool {
			e := host.engine
			return len(e.links) > 0 || e.reasm.Len() > 0 || len(e.early) > 0
		})
	}, 200*time.Millisecond, 20*time.Millisecond)
	assert.Empty(t, host.engine.Sessions())
	assert.Empty(t, host.engine.Roster())
}

func tierOf(e *Engine, p domain.PeerID) sfu.Tier {
	tier, _ := e.fwd.TierOf(p)
	return tier
}

func TestModeChangeRetiersLinks(t *testing.T) {
	h := newHub()
	n := newFakeNet(false)
	cfg := Config{DirectEnabled: true}
	host := startPeer(t, h, n, "host", cfg)
	m1 := startPeer(t, h, n, "m1", cfg)
	m2 := startPeer(t, h, n, "m2", cfg)

	require.Eventually(t, func() bool {
		return rosterState(host.engine, "m1") == ConnConnected &&
			rosterState(host.engine, "m2") == ConnConnected &&
			rosterState(m2.engine, "host") == ConnConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, sfu.TierMember, tierOf(host.engine, "m2"))

	h.mode("m2", true)
	require.Eventually(t, func() bool {
		return m2.engine.Role() == domain.RoleCoAnchor &&
			tierOf(host.engine, "m2") == sfu.TierMesh
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, m2.engine.Sessions(), domain.PeerID("host"))
	assert.Equal(t, domain.RoleAnchor, host.engine.Role())
	assert.Equal(t, domain.RoleMember, m1.engine.Role())

	h.mode("m2", false)
	require.Eventually(t, func() bool {
		return m2.engine.Role() == domain.RoleMember &&
			tierOf(host.engine, "m2") == sfu.TierMember
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return slices.Equal(m2.engine.Sessions(), []domain.PeerID{"host"}) &&
			slices.Equal(host.engine.Sessions(), []domain.PeerID{"m1", "m2"})
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTunnelDropClosesLinksAfterGrace(t *testing.T) {
	h := newHub()
	n := newFakeNet(false)
	cfg := Config{DirectEnabled: true, TunnelGrace: 100 * time.Millisecond}
	startPeer(t, h, n, "host", cfg)
	m1 := startPeer(t, h, n, "m1", cfg)

	require.Eventually(t, func() bool {
		return rosterState(m1.engine, "host") == ConnConnected
	}, 2*time.Second, 10*time.Millisecond)

	h.drop("m1")
	require.Eventually(t, func() bool {
		return len(m1.engine.Sessions()) == 0 &&
			onActor(t, m1.engine, func() bool { return len(m1.engine.links) == 0 })
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, m1.engine.Roster())
}

func TestTunnelRejoinWithinGraceKeepsLinks(t *testing.T) {
	h := newHub()
	n := newFakeNet(false)
	cfg := Config{DirectEnabled: true, TunnelGrace: 150 * time.Millisecond}
	startPeer(t, h, n, "host", cfg)
	m1 := startPeer(t, h, n, "m1", cfg)

	require.Eventually(t, func() bool {
		return rosterState(m1.engine, "host") == ConnConnected
	}, 2*time.Second, 10*time.Millisecond)

	h.drop("m1")
	h.rejoin("m1")
	assert.Never(t, func() bool {
		return len(m1.engine.Sessions()) == 0
	}, 400*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, ConnConnected, rosterState(m1.engine, "host"))
}
