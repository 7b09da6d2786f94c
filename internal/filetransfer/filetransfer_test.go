package filetransfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/domain"
)

type captureWriter struct {
	frames [][]byte
}

func (c *captureWriter) SendFile(_ context.Context, body []byte) error {
	c.frames = append(c.frames, bytes.Clone(body))
	return nil
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestSendReceiveIntegrity(t *testing.T) {
	key := domain.NewLinkKey("alice", "bob")
	for _, size := range []int{0, 1, ChunkSize - 1, ChunkSize, ChunkSize + 1, 5*ChunkSize + 17} {
		data := randomBytes(t, size)
		w := &captureWriter{}
		require.NoError(t, Send(context.Background(), w, "notes.txt", int64(size), bytes.NewReader(data)))

		chunks := (size + ChunkSize - 1) / ChunkSize
		require.Len(t, w.frames, chunks+2, "size %d", size)

		sink := NewMemorySink()
		rx := NewReceiver(sink)
		var last *Result
		for _, f := range w.frames {
			res, err := rx.Handle(key, "alice", f)
			require.NoError(t, err)
			if res != nil {
				last = res
			}
		}
		require.NotNil(t, last)
		assert.NoError(t, last.Err)
		got, ok := sink.Get("notes.txt")
		require.True(t, ok)
		assert.Equal(t, data, got, "size %d", size)
		assert.Zero(t, rx.Active())
	}
}

func TestShortRead(t *testing.T) {
	w := &captureWriter{}
	err := Send(context.Background(), w, "x", 10, bytes.NewReader([]byte("abc")))
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestEarlyEndIsSizeMismatch(t *testing.T) {
	key := domain.NewLinkKey("alice", "bob")
	sink := NewMemorySink()
	rx := NewReceiver(sink)

	_, err := rx.Handle(key, "alice", HeaderFrame("a.bin", 10).Marshal())
	require.NoError(t, err)
	_, err = rx.Handle(key, "alice", Frame{Type: FrameChunk, Body: []byte("12345")}.Marshal())
	require.NoError(t, err)

	res, err := rx.Handle(key, "alice", EndFrame().Marshal())
	assert.ErrorIs(t, err, ErrSizeMismatch)
	require.NotNil(t, res)
	assert.ErrorIs(t, res.Err, ErrSizeMismatch)
	assert.Zero(t, sink.Len())
	assert.Zero(t, rx.Active())
}

func TestOverflowIsSizeMismatch(t *testing.T) {
	key := domain.NewLinkKey("alice", "bob")
	rx := NewReceiver(NewMemorySink())
	_, err := rx.Handle(key, "alice", HeaderFrame("a.bin", 3).Marshal())
	require.NoError(t, err)
	_, err = rx.Handle(key, "alice", Frame{Type: FrameChunk, Body: []byte("1234")}.Marshal())
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.Zero(t, rx.Active())
}

func TestSecondHeaderAbortsActive(t *testing.T) {
	key := domain.NewLinkKey("alice", "bob")
	rx := NewReceiver(NewMemorySink())
	_, err := rx.Handle(key, "alice", HeaderFrame("a", 3).Marshal())
	require.NoError(t, err)
	_, err = rx.Handle(key, "alice", HeaderFrame("b", 3).Marshal())
	assert.ErrorIs(t, err, ErrTransferActive)
	assert.Zero(t, rx.Active())

	// Transfers on other links are independent.
	other := domain.NewLinkKey("bob", "carol")
	_, err = rx.Handle(key, "alice", HeaderFrame("a", 3).Marshal())
	require.NoError(t, err)
	_, err = rx.Handle(other, "carol", HeaderFrame("c", 3).Marshal())
	require.NoError(t, err)
	assert.Equal(t, 2, rx.Active())
}

func TestChunkWithoutHeader(t *testing.T) {
	rx := NewReceiver(NewMemorySink())
	_, err := rx.Handle(domain.NewLinkKey("a", "b"), "a", Frame{Type: FrameChunk, Body: []byte("x")}.Marshal())
	assert.ErrorIs(t, err, ErrNoTransfer)
	_, err = rx.Handle(domain.NewLinkKey("a", "b"), "a", []byte{0x09})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseHeaderUsesLastColon(t *testing.T) {
	name, size, err := ParseHeader([]byte("FILE:c:odd:name.txt:42"))
	require.NoError(t, err)
	assert.Equal(t, "c:odd:name.txt", name)
	assert.EqualValues(t, 42, size)

	for _, bad := range []string{"FILE:", "FILE:name", "FILE:name:-1", "FILE:name:x", "NOPE:a:1"} {
		_, _, err := ParseHeader([]byte(bad))
		assert.ErrorIs(t, err, ErrMalformed, bad)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
		err      error
	}{
		{in: "report.pdf", want: "report.pdf"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `..\..\windows\system.ini`, want: "system.ini"},
		{in: "a<b>c?.txt", want: "a_b_c_.txt"},
		{in: "bell\x07.txt", want: "bell_.txt"},
		{in: "c:evil", want: "c_evil"},
		{in: "", err: ErrUnsafeName},
		{in: ".", err: ErrUnsafeName},
		{in: "..", err: ErrUnsafeName},
		{in: "dir/..", err: ErrUnsafeName},
		{in: "/", err: ErrUnsafeName},
	}
	for _, tt := range tests {
		got, err := SanitizeName(tt.in)
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestReceiverSanitizesTraversal(t *testing.T) {
	dir := t.TempDir()
	rx := NewReceiver(DirSink{Dir: dir})
	key := domain.NewLinkKey("alice", "bob")

	frames := &captureWriter{}
	require.NoError(t, Send(context.Background(), frames, "../../escape.txt", 2, bytes.NewReader([]byte("hi"))))
	for _, f := range frames.frames {
		_, err := rx.Handle(key, "alice", f)
		require.NoError(t, err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "escape.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDirSinkAbortRemovesTemp(t *testing.T) {
	dir := t.TempDir()
	f, err := DirSink{Dir: dir}.Create("alice", "x.bin", 4)
	require.NoError(t, err)
	_, err = f.Write([]byte("ab"))
	require.NoError(t, err)
	require.NoError(t, f.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFailAndOKFrames(t *testing.T) {
	f, err := ParseFrame(FailFrame("size mismatch").Marshal())
	require.NoError(t, err)
	assert.Equal(t, FrameFail, f.Type)
	assert.Equal(t, "size mismatch", f.Reason())

	f, err = ParseFrame(OKFrame("a.txt").Marshal())
	require.NoError(t, err)
	assert.Equal(t, "a.txt", f.Reason())
}

func TestEmptyFileIsStored(t *testing.T) {
	key := domain.NewLinkKey("alice", "bob")
	sink := NewMemorySink()
	rx := NewReceiver(sink)
	_, err := rx.Handle(key, "alice", HeaderFrame("empty.txt", 0).Marshal())
	require.NoError(t, err)
	res, err := rx.Handle(key, "alice", EndFrame().Marshal())
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NoError(t, res.Err)

	got, ok := sink.Get("empty.txt")
	require.True(t, ok)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
