package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/filetransfer"
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/relay"
)

// pipeChannel delivers sends to its peer's handler.
type pipeChannel struct {
	mu     sync.Mutex
	peer   *pipeChannel
	onMsg  func([]byte)
	closed bool
}

func newPipe() (*pipeChannel, *pipeChannel) {
	a, b := &pipeChannel{}, &pipeChannel{}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeChannel) Send(b []byte) error {
	p.peer.mu.Lock()
	fn := p.peer.onMsg
	p.peer.mu.Unlock()
	if fn != nil {
		fn(append([]byte(nil), b...))
	}
	return nil
}

func (p *pipeChannel) OnMessage(fn func([]byte)) {
	p.mu.Lock()
	p.onMsg = fn
	p.mu.Unlock()
}

func (p *pipeChannel) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

var _ core.Channel = (*pipeChannel)(nil)

type recorder struct {
	mu    sync.Mutex
	audio []media.AudioFrame
	files [][]byte
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnAudio: func(_ domain.PeerID, f media.AudioFrame, _ []byte) {
			r.mu.Lock()
			r.audio = append(r.audio, f)
			r.mu.Unlock()
		},
		OnFile: func(_ domain.PeerID, b []byte) {
			r.mu.Lock()
			r.files = append(r.files, b)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.audio), len(r.files)
}

func TestDirectSessionCarriesBothFlows(t *testing.T) {
	aAudio, bAudio := newPipe()
	aFile, bFile := newPipe()
	var got recorder

	alice := NewDirect("alice", "bob", core.Channels{Audio: aAudio, File: aFile}, Handlers{})
	bob := NewDirect("bob", "alice", core.Channels{Audio: bAudio, File: bFile}, got.handlers())
	defer alice.Close()
	defer bob.Close()

	frame, err := media.AudioFrame{Origin: "alice", Seq: 1, Payload: []byte{1, 2}}.Marshal()
	require.NoError(t, err)
	require.NoError(t, alice.SendAudio(frame))
	require.NoError(t, alice.SendFile(context.Background(), []byte("chunk")))

	require.Eventually(t, func() bool {
		a, f := got.counts()
		return a == 1 && f == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.PeerID("alice"), got.audio[0].Origin)
	assert.Equal(t, []byte("chunk"), got.files[0])
}

type relaySink struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (r *relaySink) Send(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, b)
	return nil
}

func (r *relaySink) SendContext(_ context.Context, b []byte) error { return r.Send(b) }

func TestRelayedSessionFiltersByTarget(t *testing.T) {
	var got recorder
	s := NewRelayed("carol", "host", &relaySink{}, got.handlers())
	defer s.Close()

	frame, err := media.AudioFrame{Origin: "dave", Seq: 3, Payload: []byte{9}}.Marshal()
	require.NoError(t, err)

	forCarol, err := media.Packet{Kind: media.KindAudio, Target: "carol", Body: frame}.Marshal()
	require.NoError(t, err)
	forDave, err := media.Packet{Kind: media.KindAudio, Target: "dave", Body: frame}.Marshal()
	require.NoError(t, err)

	s.Deliver(forDave)
	s.Deliver(forCarol)
	s.Deliver([]byte{0xFF})

	a, _ := got.counts()
	assert.Equal(t, 1, a, "only the frame addressed to carol is accepted")
}

func TestRelayedSessionAddressesRemote(t *testing.T) {
	sink := &relaySink{}
	s := NewRelayed("carol", "host", sink, Handlers{})
	defer s.Close()
	require.NoError(t, s.SendFile(context.Background(), []byte("x")))
	require.Len(t, sink.sent, 1)
	p, err := media.ParsePacket(sink.sent[0])
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("host"), p.Target)
	assert.Equal(t, media.KindFile, p.Kind)
}

func TestClosedSessionDeliversNothing(t *testing.T) {
	var got recorder
	aAudio, bAudio := newPipe()
	aFile, bFile := newPipe()
	alice := NewDirect("alice", "bob", core.Channels{Audio: aAudio, File: aFile}, Handlers{})
	bob := NewDirect("bob", "alice", core.Channels{Audio: bAudio, File: bFile}, got.handlers())
	defer alice.Close()

	bob.Close()
	assert.True(t, bAudio.closed)
	assert.ErrorIs(t, bob.SendAudio([]byte{1}), ErrClosed)
	assert.ErrorIs(t, bob.SendFile(context.Background(), []byte{1}), ErrClosed)

	frame, err := media.AudioFrame{Origin: "alice", Payload: []byte{1}}.Marshal()
	require.NoError(t, err)
	require.NoError(t, alice.SendAudio(frame))
	time.Sleep(20 * time.Millisecond)
	a, _ := got.counts()
	assert.Zero(t, a)
}

func TestRelayedFileErrorReachesSender(t *testing.T) {
	sink := &relaySink{err: relay.ErrBackpressure}
	s := NewRelayed("carol", "host", sink, Handlers{})
	defer s.Close()

	err := filetransfer.Send(context.Background(), s, "a.bin", 3, bytes.NewReader([]byte("abc")))
	assert.ErrorIs(t, err, relay.ErrBackpressure)
}

// relayedPair links alice and bob through a real relay server.
func relayedPair(t *testing.T, bobHandlers Handlers) (alice, bob *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := relay.NewServer()
	go func() { _ = srv.Serve(ctx, ln) }()

	dial := func(nick string) *relay.Client {
		dctx, dcancel := context.WithTimeout(ctx, 2*time.Second)
		defer dcancel()
		c, err := relay.Dial(dctx, ln.Addr().String(), nick, "#voice")
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	ac, bc := dial("alice"), dial("bob")
	require.Eventually(t, func() bool {
		return len(srv.Clients("#voice")) == 2
	}, 2*time.Second, 5*time.Millisecond)

	alice = NewRelayed("alice", "bob", ac, Handlers{})
	bob = NewRelayed("bob", "alice", bc, bobHandlers)
	t.Cleanup(alice.Close)
	t.Cleanup(bob.Close)
	go func() {
		for f := range bc.Frames() {
			bob.Deliver(f.Payload)
		}
	}()
	go func() {
		for f := range ac.Frames() {
			alice.Deliver(f.Payload)
		}
	}()
	return alice, bob
}

func TestLargeFileOverRelayArrivesWhole(t *testing.T) {
	var (
		mu      sync.Mutex
		results []*filetransfer.Result
	)
	sink := filetransfer.NewMemorySink()
	recv := filetransfer.NewReceiver(sink)
	key := domain.NewLinkKey("alice", "bob")
	alice, _ := relayedPair(t, Handlers{
		OnFile: func(from domain.PeerID, body []byte) {
			res, _ := recv.Handle(key, from, body)
			if res != nil {
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		},
	})

	data := make([]byte, 8<<20)
	_, err := rand.Read(data)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, filetransfer.Send(ctx, alice, "big.bin", int64(len(data)), bytes.NewReader(data)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, results[0].Err)
	got, ok := sink.Get("big.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, got), "payload differs after relay")
	assert.Zero(t, recv.Active())
}
