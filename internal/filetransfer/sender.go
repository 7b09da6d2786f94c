package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// FrameWriter is the reliable flow of a session.
type FrameWriter interface {
	SendFile(ctx context.Context, body []byte) error
}

// Send streams size bytes of r as a header, ceil(size/ChunkSize) chunks and an end frame.
func Send(ctx context.Context, w FrameWriter, name string, size int64, r io.Reader) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size", ErrSizeMismatch)
	}
	if err := w.SendFile(ctx, HeaderFrame(name, size).Marshal()); err != nil {
		return fmt.Errorf("send header: %w", err)
	}
	buf := make([]byte, ChunkSize)
	for remaining := size; remaining > 0; {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		got, err := io.ReadFull(r, buf[:n])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: %d bytes missing", ErrShortRead, remaining-int64(got))
			}
			return fmt.Errorf("read source: %w", err)
		}
		if err := w.SendFile(ctx, Frame{Type: FrameChunk, Body: buf[:n]}.Marshal()); err != nil {
			return fmt.Errorf("send chunk: %w", err)
		}
		remaining -= n
	}
	if err := w.SendFile(ctx, EndFrame().Marshal()); err != nil {
		return fmt.Errorf("send end: %w", err)
	}
	return nil
}
