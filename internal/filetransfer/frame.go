// Package filetransfer streams files over the reliable flow of a session.
package filetransfer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type FrameType byte

const (
	FrameHeader FrameType = 0x01
	FrameChunk  FrameType = 0x02
	FrameEnd    FrameType = 0x03
	FrameFail   FrameType = 0x04
	FrameOK     FrameType = 0x05
)

const (
	ChunkSize = 16 * 1024

	headerPrefix = "FILE:"
	endBody      = "FILE_END"
	failPrefix   = "FILE_FAIL:"
	okPrefix     = "FILE_OK:"
)

var (
	ErrMalformed      = errors.New("filetransfer: malformed frame")
	ErrSizeMismatch   = errors.New("filetransfer: size mismatch")
	ErrTransferActive = errors.New("filetransfer: transfer already active")
	ErrNoTransfer     = errors.New("filetransfer: no active transfer")
	ErrShortRead      = errors.New("filetransfer: source shorter than declared size")
	ErrUnsafeName     = errors.New("filetransfer: unsafe file name")
)

type Frame struct {
	Type FrameType
	Body []byte
}

func (f Frame) Marshal() []byte {
	out := make([]byte, 0, 1+len(f.Body))
	out = append(out, byte(f.Type))
	return append(out, f.Body...)
}

func ParseFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, ErrMalformed
	}
	t := FrameType(b[0])
	if t < FrameHeader || t > FrameOK {
		return Frame{}, fmt.Errorf("%w: type %#x", ErrMalformed, b[0])
	}
	return Frame{Type: t, Body: b[1:]}, nil
}

func HeaderFrame(name string, size int64) Frame {
	return Frame{Type: FrameHeader, Body: []byte(headerPrefix + name + ":" + strconv.FormatInt(size, 10))}
}

// ParseHeader splits on the last ':' so names may contain colons.
func ParseHeader(body []byte) (name string, size int64, err error) {
	s := string(body)
	if !strings.HasPrefix(s, headerPrefix) {
		return "", 0, ErrMalformed
	}
	s = s[len(headerPrefix):]
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", 0, ErrMalformed
	}
	size, err = strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || size < 0 {
		return "", 0, fmt.Errorf("%w: size %q", ErrMalformed, s[i+1:])
	}
	return s[:i], size, nil
}

func EndFrame() Frame { return Frame{Type: FrameEnd, Body: []byte(endBody)} }

func FailFrame(reason string) Frame {
	return Frame{Type: FrameFail, Body: []byte(failPrefix + reason)}
}

func OKFrame(name string) Frame {
	return Frame{Type: FrameOK, Body: []byte(okPrefix + name)}
}

// Reason returns the text of a FILE_FAIL or FILE_OK frame.
func (f Frame) Reason() string {
	s := string(f.Body)
	switch f.Type {
	case FrameFail:
		return strings.TrimPrefix(s, failPrefix)
	case FrameOK:
		return strings.TrimPrefix(s, okPrefix)
	}
	return s
}
