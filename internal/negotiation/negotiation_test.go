package negotiation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/domain"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{Idle, OfferSent, Offering, true},
		{Idle, OfferReceived, Answering, true},
		{Idle, RelayReady, Established, true},
		{Offering, AnswerReceived, Negotiating, true},
		{Answering, AnswerSent, Negotiating, true},
		{Negotiating, ChannelReady, Established, true},
		{Offering, ChannelReady, Established, true},
		{Idle, Timeout, Failed, true},
		{Negotiating, TransportFailed, Failed, true},
		{Established, TransportFailed, Failed, true},
		{Established, Close, Closed, true},
		{Failed, Close, Closed, true},
		{Closed, Close, Closed, true},

		{Idle, AnswerReceived, Idle, false},
		{Offering, OfferSent, Offering, false},
		{Answering, AnswerReceived, Answering, false},
		{Established, OfferReceived, Established, false},
		{Idle, ChannelReady, Idle, false},
		{Failed, ChannelReady, Failed, false},
		{Closed, Timeout, Closed, false},
		{Failed, Timeout, Failed, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev)
			if tt.ok {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
			assert.Equal(t, tt.to, got)
		})
	}
}

func TestLinkApplyKeepsStateOnError(t *testing.T) {
	l := NewLink("alice", "bob", Direct, "att", time.Now())
	require.NoError(t, l.Apply(OfferSent))
	assert.Error(t, l.Apply(OfferReceived))
	assert.Equal(t, Offering, l.State())
	require.NoError(t, l.Apply(AnswerReceived))
	require.NoError(t, l.Apply(ChannelReady))
	assert.Equal(t, Established, l.State())
	assert.Equal(t, domain.NewLinkKey("bob", "alice"), l.Key)
}

func TestShouldOfferIsAntisymmetric(t *testing.T) {
	ids := []domain.PeerID{"a", "b", "alice", "Alice", "bob", "z9", "ёж", "0"}
	for _, x := range ids {
		for _, y := range ids {
			if x == y {
				continue
			}
			assert.NotEqual(t, ShouldOffer(x, y), ShouldOffer(y, x), "%s vs %s", x, y)
			assert.Equal(t, ShouldOffer(x, y), ShouldOffer(x, y))
		}
	}
	l1 := NewLink("alice", "bob", Direct, "", time.Now())
	l2 := NewLink("bob", "alice", Direct, "", time.Now())
	assert.True(t, l1.Offerer())
	assert.False(t, l2.Offerer())
}

func TestSignalRoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	in := Signal{Type: SignalCandidate, Attempt: "a1", Candidate: &Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}}
	b, err := in.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"sdpMid":"0"`)
	out, err := ParseSignal(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseSignalRejects(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"offer","attempt":"a"}`,
		`{"type":"offer","sdp":"v=0"}`,
		`{"type":"candidate","attempt":"a"}`,
		`{"type":"hello","attempt":"a"}`,
	} {
		_, err := ParseSignal([]byte(raw))
		assert.ErrorIs(t, err, ErrBadSignal, raw)
	}
}
