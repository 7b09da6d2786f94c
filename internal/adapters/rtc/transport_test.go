package rtc

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/negotiation"
)

func TestICEConfig(t *testing.T) {
	cfg := ICEConfig(nil, []TURN{{URL: "turn:turn.example.org:3478", Username: "u", Credential: "p"}})
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, []string{defaultSTUN}, cfg.ICEServers[0].URLs)
	assert.Equal(t, "u", cfg.ICEServers[1].Username)

	cfg = ICEConfig([]string{"stun:a", "stun:b"}, nil)
	require.Len(t, cfg.ICEServers, 1)
	assert.Len(t, cfg.ICEServers[0].URLs, 2)
}

func pair(t *testing.T) (offerer, answerer core.Transport, ready <-chan [2]core.Channels) {
	t.Helper()
	f := NewFactory(webrtc.Configuration{}, true)
	a, err := f.New("bob")
	require.NoError(t, err)
	b, err := f.New("alice")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	a.OnCandidate(func(c negotiation.Candidate) { _ = b.AddCandidate(c) })
	b.OnCandidate(func(c negotiation.Candidate) { _ = a.AddCandidate(c) })

	aReady := make(chan core.Channels, 1)
	bReady := make(chan core.Channels, 1)
	a.OnReady(func(ch core.Channels) { aReady <- ch })
	b.OnReady(func(ch core.Channels) { bReady <- ch })

	out := make(chan [2]core.Channels, 1)
	go func() {
		var got [2]core.Channels
		got[0], got[1] = <-aReady, <-bReady
		out <- got
	}()
	return a, b, out
}

func TestOfferAnswerOpensBothChannels(t *testing.T) {
	a, b, ready := pair(t)

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	answer, err := b.AcceptOffer(offer)
	require.NoError(t, err)
	require.NoError(t, a.AcceptAnswer(answer))

	var chans [2]core.Channels
	select {
	case chans = <-ready:
	case <-time.After(10 * time.Second):
		require.FailNow(t, "transports never became ready")
	}

	got := make(chan []byte, 4)
	chans[1].File.OnMessage(func(b []byte) { got <- b })
	chans[1].Audio.OnMessage(func(b []byte) { got <- b })

	require.NoError(t, chans[0].File.Send([]byte("file")))
	select {
	case b := <-got:
		assert.Equal(t, []byte("file"), b)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "file message lost")
	}

	require.Eventually(t, func() bool {
		_ = chans[0].Audio.Send([]byte("audio"))
		select {
		case b := <-got:
			return string(b) == "audio"
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCloseSuppressesFailure(t *testing.T) {
	f := NewFactory(webrtc.Configuration{}, true)
	tr, err := f.New("bob")
	require.NoError(t, err)
	failed := make(chan error, 1)
	tr.OnFailure(func(err error) { failed <- err })
	_, err = tr.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	select {
	case err := <-failed:
		t.Fatalf("unexpected failure %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
