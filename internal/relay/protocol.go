// Package relay implements the fallback TCP frame router.
//
// Wire format, all integers big-endian, nick UTF-8:
//
//	[1 byte nick length N][N bytes nick][2 bytes payload length L][L bytes payload]
//
// The first frame a client sends is the handshake: its own nick and the room
// name as payload. Relay traffic is not encrypted.
package relay

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	MaxNickLen    = 64
	MaxPayloadLen = 32 * 1024

	// PortOffset is added to the signaling port to get the relay port.
	PortOffset = 1
)

var (
	ErrNickLength    = errors.New("relay: nick length out of range")
	ErrNickEncoding  = errors.New("relay: nick is not utf-8")
	ErrPayloadLength = errors.New("relay: payload length out of range")
)

type Frame struct {
	Nick    string
	Payload []byte
}

func (f Frame) validate() error {
	if len(f.Nick) == 0 || len(f.Nick) > MaxNickLen {
		return ErrNickLength
	}
	if !utf8.ValidString(f.Nick) {
		return ErrNickEncoding
	}
	if len(f.Payload) == 0 || len(f.Payload) > MaxPayloadLen {
		return ErrPayloadLength
	}
	return nil
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return dst, err
	}
	dst = append(dst, byte(len(f.Nick)))
	dst = append(dst, f.Nick...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Payload)))
	return append(dst, f.Payload...), nil
}

func WriteFrame(w io.Writer, f Frame) error {
	b, err := AppendFrame(make([]byte, 0, 3+len(f.Nick)+len(f.Payload)), f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads one frame. Length violations are reported before the
// oversized body is read, so the caller should drop the connection.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	n, err := r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	if n == 0 || int(n) > MaxNickLen {
		return Frame{}, fmt.Errorf("%w: %d", ErrNickLength, n)
	}
	nick := make([]byte, n)
	if _, err := io.ReadFull(r, nick); err != nil {
		return Frame{}, unexpected(err)
	}
	if !utf8.Valid(nick) {
		return Frame{}, ErrNickEncoding
	}
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, unexpected(err)
	}
	l := binary.BigEndian.Uint16(hdr[:])
	if l == 0 || int(l) > MaxPayloadLen {
		return Frame{}, fmt.Errorf("%w: %d", ErrPayloadLength, l)
	}
	payload := make([]byte, l)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, unexpected(err)
	}
	return Frame{Nick: string(nick), Payload: payload}, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
