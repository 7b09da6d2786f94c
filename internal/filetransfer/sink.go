package filetransfer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
)

// File is one incoming file being written.
type File interface {
	Write(p []byte) (int, error)
	Commit() error
	Abort() error
}

// Sink opens storage for incoming files.
type Sink interface {
	Create(from domain.PeerID, name string, size int64) (File, error)
}

// MemorySink keeps committed files in memory.
type MemorySink struct {
	mu    sync.Mutex
	files map[string][]byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{files: make(map[string][]byte)}
}

func (m *MemorySink) Create(_ domain.PeerID, name string, _ int64) (File, error) {
	return &memFile{sink: m, name: name}, nil
}

func (m *MemorySink) Get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[name]
	return b, ok
}

func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

type memFile struct {
	sink *MemorySink
	name string
	buf  bytes.Buffer
}

func (f *memFile) Write(p []byte) (int, error) { return f.buf.Write(p) }

func (f *memFile) Commit() error {
	f.sink.mu.Lock()
	f.sink.files[f.name] = append([]byte{}, f.buf.Bytes()...)
	f.sink.mu.Unlock()
	return nil
}

func (f *memFile) Abort() error {
	f.buf.Reset()
	return nil
}

// DirSink writes into a temp file in Dir and renames it on commit.
type DirSink struct {
	Dir string
}

func (d DirSink) Create(_ domain.PeerID, name string, _ int64) (File, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(d.Dir, ".incoming-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &dirFile{f: tmp, dst: filepath.Join(d.Dir, name)}, nil
}

type dirFile struct {
	f   *os.File
	dst string
}

func (d *dirFile) Write(p []byte) (int, error) { return d.f.Write(p) }

func (d *dirFile) Commit() error {
	if err := d.f.Close(); err != nil {
		_ = os.Remove(d.f.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(d.f.Name(), d.dst); err != nil {
		_ = os.Remove(d.f.Name())
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (d *dirFile) Abort() error {
	_ = d.f.Close()
	return os.Remove(d.f.Name())
}
