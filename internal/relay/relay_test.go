package relay

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameWireLayout(t *testing.T) {
	b, err := AppendFrame(nil, Frame{Nick: "bob", Payload: []byte{0xAA, 0xBB}})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 'b', 'o', 'b', 0x00, 0x02, 0xAA, 0xBB}, b)

	f, err := ReadFrame(bufio.NewReader(bytes.NewReader(b)))
	require.NoError(t, err)
	assert.Equal(t, "bob", f.Nick)
	assert.Equal(t, []byte{0xAA, 0xBB}, f.Payload)
}

func TestFrameLimits(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		err   error
	}{
		{"empty nick", Frame{Nick: "", Payload: []byte{1}}, ErrNickLength},
		{"long nick", Frame{Nick: strings.Repeat("n", MaxNickLen+1), Payload: []byte{1}}, ErrNickLength},
		{"bad utf8", Frame{Nick: "\xff", Payload: []byte{1}}, ErrNickEncoding},
		{"empty payload", Frame{Nick: "a"}, ErrPayloadLength},
		{"big payload", Frame{Nick: "a", Payload: make([]byte, MaxPayloadLen+1)}, ErrPayloadLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AppendFrame(nil, tt.frame)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestReadFrameRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		err  error
	}{
		{"zero nick", []byte{0}, ErrNickLength},
		{"nick too long", []byte{65}, ErrNickLength},
		{"truncated nick", []byte{3, 'a'}, nil},
		{"zero payload", []byte{1, 'a', 0, 0}, ErrPayloadLength},
		{"payload too long", []byte{1, 'a', 0xFF, 0xFF}, ErrPayloadLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bufio.NewReader(bytes.NewReader(tt.raw)))
			require.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func startServer(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer()
	go func() { _ = srv.Serve(ctx, ln) }()
	return ln.Addr().String()
}

func dial(t *testing.T, addr, nick, room string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, nick, room)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func recv(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		require.True(t, ok, "frames channel closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay frame")
		return Frame{}
	}
}

func TestServerBroadcastsWithinRoom(t *testing.T) {
	addr := startServer(t)
	alice := dial(t, addr, "alice", "#a")
	bob := dial(t, addr, "bob", "#a")
	carol := dial(t, addr, "carol", "#a")
	other := dial(t, addr, "dave", "#b")

	// Wait until all handshakes registered: send from bob until alice hears.
	require.Eventually(t, func() bool {
		_ = carol.Send([]byte("ping"))
		select {
		case <-alice.Frames():
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
	drain(alice)
	drain(bob)

	require.NoError(t, alice.Send([]byte("hello")))

	f := recv(t, bob)
	assert.Equal(t, "alice", f.Nick)
	assert.Equal(t, []byte("hello"), f.Payload)
	f = recv(t, carol)
	assert.Equal(t, "alice", f.Nick)

	select {
	case f := <-other.Frames():
		t.Fatalf("frame leaked across rooms: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case f := <-alice.Frames():
		t.Fatalf("sender received its own frame: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.Frames():
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func TestServerDropsSpoofedFrames(t *testing.T) {
	addr := startServer(t)
	bob := dial(t, addr, "bob", "#a")

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, WriteFrame(conn, Frame{Nick: "mallory", Payload: []byte("#a")}))

	got := false
	require.Eventually(t, func() bool {
		_ = WriteFrame(conn, Frame{Nick: "alice", Payload: []byte("spoof")})
		_ = WriteFrame(conn, Frame{Nick: "mallory", Payload: []byte("real")})
		for {
			select {
			case f := <-bob.Frames():
				assert.Equal(t, "mallory", f.Nick)
				assert.Equal(t, []byte("real"), f.Payload)
				got = true
			default:
				return got
			}
		}
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServerSurvivesMalformedClient(t *testing.T) {
	addr := startServer(t)
	bad, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = bad.Write([]byte{0, 0, 0})
	require.NoError(t, err)
	_ = bad.Close()

	a := dial(t, addr, "a", "#r")
	b := dial(t, addr, "b", "#r")
	require.Eventually(t, func() bool {
		_ = a.Send([]byte("x"))
		select {
		case f := <-b.Frames():
			return f.Nick == "a"
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSendContextDeliversEveryFrameInOrder(t *testing.T) {
	addr := startServer(t)
	alice := dial(t, addr, "alice", "#a")
	bob := dial(t, addr, "bob", "#a")
	require.Eventually(t, func() bool {
		_ = alice.Send([]byte("sync"))
		select {
		case <-bob.Frames():
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
	drain(bob)

	const total = 2000
	payload := make([]byte, 8*1024)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for i := 0; i < total; i++ {
			payload[0], payload[1] = byte(i>>8), byte(i)
			if err := alice.SendContext(ctx, bytes.Clone(payload)); err != nil {
				return
			}
		}
	}()

	for i := 0; i < total; i++ {
		f := recv(t, bob)
		require.Equal(t, i, int(f.Payload[0])<<8|int(f.Payload[1]), "frame %d", i)
		// A slow reader must not cost frames.
		if i%200 == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func TestSendContextHonoursContextAndClose(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr, "alice", "#a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < clientQueue+1; i++ {
		if err := c.SendContext(ctx, []byte("x")); err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			break
		}
	}

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.SendContext(context.Background(), []byte("x")), ErrClosed)
	assert.ErrorIs(t, c.Send([]byte("x")), ErrClosed)
}
