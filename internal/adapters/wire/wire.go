// Package wire is the JSON message set of the discovery tunnel.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/domain"
)

type Type string

// client to node
const (
	TypeHello   Type = "hello"
	TypeJoin    Type = "join"
	TypePart    Type = "part"
	TypePrivMsg Type = "privmsg"
	TypeMode    Type = "mode"
	TypeKick    Type = "kick"
	TypePing    Type = "ping"
)

// node to client
const (
	TypeWelcome Type = "welcome"
	TypeNames   Type = "names"
	TypeJoined  Type = "joined"
	TypeLeft    Type = "left"
	TypeKicked  Type = "kicked"
	TypeError   Type = "error"
	TypePong    Type = "pong"
)

var ErrBadMessage = errors.New("bad tunnel message")

// Message is the single envelope for every tunnel message; unused fields stay empty.
type Message struct {
	Type    Type            `json:"type"`
	Nick    string          `json:"nick,omitempty"`
	Room    string          `json:"room,omitempty"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	By      string          `json:"by,omitempty"`
	Body    string          `json:"body,omitempty"`
	Op      *bool           `json:"op,omitempty"`
	Member  *domain.Member  `json:"member,omitempty"`
	Members []domain.Member `json:"members,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadMessage)
	}
	return json.Marshal(m)
}

func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrBadMessage)
	}
	return m, nil
}

func Bool(v bool) *bool { return &v }

func Hello(nick domain.PeerID) Message { return Message{Type: TypeHello, Nick: string(nick)} }

func Join(room domain.RoomName) Message { return Message{Type: TypeJoin, Room: string(room)} }

func Part(room domain.RoomName) Message { return Message{Type: TypePart, Room: string(room)} }

func PrivMsg(to domain.PeerID, body string) Message {
	return Message{Type: TypePrivMsg, To: string(to), Body: body}
}

func Mode(room domain.RoomName, nick domain.PeerID, op bool) Message {
	return Message{Type: TypeMode, Room: string(room), Nick: string(nick), Op: Bool(op)}
}

func Kick(room domain.RoomName, nick domain.PeerID) Message {
	return Message{Type: TypeKick, Room: string(room), Nick: string(nick)}
}

func Welcome(nick domain.PeerID) Message { return Message{Type: TypeWelcome, Nick: string(nick)} }

func Names(room domain.RoomName, members []domain.Member) Message {
	if members == nil {
		members = []domain.Member{}
	}
	return Message{Type: TypeNames, Room: string(room), Members: members}
}

func Joined(room domain.RoomName, m domain.Member) Message {
	return Message{Type: TypeJoined, Room: string(room), Member: &m}
}

func Left(room domain.RoomName, nick domain.PeerID) Message {
	return Message{Type: TypeLeft, Room: string(room), Nick: string(nick)}
}

func Kicked(room domain.RoomName, nick, by domain.PeerID) Message {
	return Message{Type: TypeKicked, Room: string(room), Nick: string(nick), By: string(by)}
}

func Deliver(from, to domain.PeerID, body string) Message {
	return Message{Type: TypePrivMsg, From: string(from), To: string(to), Body: body}
}

func Error(err error) Message { return Message{Type: TypeError, Error: err.Error()} }
