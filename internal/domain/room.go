package domain

import (
	"errors"
	"strings"
	"unicode"
)

const MaxRoomNameLen = 64

var ErrRoomNameInvalid = errors.New("invalid room name")

type RoomName string

type Room struct {
	Name    RoomName
	Creator PeerID
}

// ParseRoomName accepts channel names in the "#name" form.
func ParseRoomName(raw string) (RoomName, error) {
	if len(raw) < 2 || len(raw) > MaxRoomNameLen || raw[0] != '#' {
		return "", ErrRoomNameInvalid
	}
	if strings.IndexFunc(raw, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) || r == ',' }) >= 0 {
		return "", ErrRoomNameInvalid
	}
	return RoomName(raw), nil
}
