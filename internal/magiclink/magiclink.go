// Package magiclink encodes the portable join descriptor shared by a host.
package magiclink

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/security"
)

// Scheme prefixes an encoded descriptor. Decoding also accepts the bare form.
const Scheme = "voirc://"

var ErrInvalid = errors.New("invalid connection descriptor")

type wireDescriptor struct {
	Host        string   `json:"host"`
	Port        uint16   `json:"port"`
	Channels    []string `json:"channels"`
	RelayPort   uint16   `json:"relayPort"`
	Fingerprint string   `json:"fingerprint"`
}

// Descriptor is immutable once built; accessors return copies.
type Descriptor struct {
	host        string
	port        uint16
	channels    []domain.RoomName
	relayPort   uint16
	fingerprint string
}

func New(host string, port uint16, channels []domain.RoomName, relayPort uint16, fingerprint string) (Descriptor, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Descriptor{}, fmt.Errorf("%w: empty host", ErrInvalid)
	}
	if port == 0 {
		return Descriptor{}, fmt.Errorf("%w: zero port", ErrInvalid)
	}
	if len(channels) == 0 {
		return Descriptor{}, fmt.Errorf("%w: no channels", ErrInvalid)
	}
	for _, ch := range channels {
		if _, err := domain.ParseRoomName(string(ch)); err != nil {
			return Descriptor{}, fmt.Errorf("%w: channel %q", ErrInvalid, ch)
		}
	}
	fp, err := security.NormalizeFingerprint(fingerprint)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Descriptor{
		host:        host,
		port:        port,
		channels:    append([]domain.RoomName(nil), channels...),
		relayPort:   relayPort,
		fingerprint: fp,
	}, nil
}

func (d Descriptor) Host() string        { return d.host }
func (d Descriptor) Port() uint16        { return d.port }
func (d Descriptor) RelayPort() uint16   { return d.relayPort }
func (d Descriptor) Fingerprint() string { return d.fingerprint }

func (d Descriptor) Channels() []domain.RoomName {
	return append([]domain.RoomName(nil), d.channels...)
}

// Address is the signaling endpoint.
func (d Descriptor) Address() string {
	return net.JoinHostPort(d.host, strconv.Itoa(int(d.port)))
}

// RelayAddress is empty when the host does not run a relay.
func (d Descriptor) RelayAddress() string {
	if d.relayPort == 0 {
		return ""
	}
	return net.JoinHostPort(d.host, strconv.Itoa(int(d.relayPort)))
}

func (d Descriptor) Encode() (string, error) {
	w := wireDescriptor{
		Host:        d.host,
		Port:        d.port,
		RelayPort:   d.relayPort,
		Fingerprint: d.fingerprint,
	}
	for _, ch := range d.channels {
		w.Channels = append(w.Channels, string(ch))
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("marshal descriptor: %w", err)
	}
	return Scheme + base64.StdEncoding.EncodeToString(b), nil
}

func Decode(link string) (Descriptor, error) {
	raw := strings.TrimSpace(link)
	raw = strings.TrimPrefix(raw, Scheme)
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Some chat clients strip padding.
		b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(raw, "="))
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: base64: %v", ErrInvalid, err)
		}
	}
	var w wireDescriptor
	if err := json.Unmarshal(b, &w); err != nil {
		return Descriptor{}, fmt.Errorf("%w: json: %v", ErrInvalid, err)
	}
	channels := make([]domain.RoomName, 0, len(w.Channels))
	for _, ch := range w.Channels {
		channels = append(channels, domain.RoomName(ch))
	}
	return New(w.Host, w.Port, channels, w.RelayPort, w.Fingerprint)
}

// VerifyFingerprint compares the fingerprint a server presented with the pinned one.
func (d Descriptor) VerifyFingerprint(presented string) error {
	return security.MatchFingerprint(d.fingerprint, presented)
}
