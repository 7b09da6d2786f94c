// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const MaxNickLen = 64

var (
	ErrNickEmpty   = errors.New("nick empty")
	ErrNickTooLong = errors.New("nick too long")
	ErrNickInvalid = errors.New("nick contains invalid characters")

	// ErrCapacity is wrapped by every bounded resource that rejects new work.
	ErrCapacity = errors.New("capacity exceeded")
)

// PeerID is the tunnel nickname of a participant.
// Ordering is plain byte order and is used for every tie-break.
type PeerID string

func (p PeerID) String() string { return string(p) }

func (p PeerID) Less(o PeerID) bool { return p < o }

// ParsePeerID validates a nickname received from the tunnel or from config.
func ParsePeerID(nick string) (PeerID, error) {
	if len(nick) == 0 {
		return "", ErrNickEmpty
	}
	if len(nick) > MaxNickLen {
		return "", ErrNickTooLong
	}
	if !utf8.ValidString(nick) || strings.ContainsAny(nick, ":!@+#,") {
		return "", ErrNickInvalid
	}
	for _, r := range nick {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", ErrNickInvalid
		}
	}
	return PeerID(nick), nil
}
