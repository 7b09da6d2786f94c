// Package media defines what travels on a media session: a hop envelope
// and the RTP-based audio frame inside it.
package media

import (
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/pion/rtp"

	"github.com/dkeye/voicemesh/internal/domain"
)

type Kind uint8

const (
	KindAudio Kind = 1
	KindFile  Kind = 2
)

var (
	ErrShortPacket = errors.New("media: packet too short")
	ErrUnknownKind = errors.New("media: unknown packet kind")
	ErrNoOrigin    = errors.New("media: audio frame without origin")
)

// Packet is the hop envelope: [kind][target len][target][body].
// Target names the receiver of this hop; relays broadcast, so receivers
// drop packets addressed to someone else.
type Packet struct {
	Kind   Kind
	Target domain.PeerID
	Body   []byte
}

func (p Packet) Marshal() ([]byte, error) {
	if p.Kind != KindAudio && p.Kind != KindFile {
		return nil, ErrUnknownKind
	}
	if len(p.Target) > domain.MaxNickLen {
		return nil, domain.ErrNickTooLong
	}
	out := make([]byte, 0, 2+len(p.Target)+len(p.Body))
	out = append(out, byte(p.Kind), byte(len(p.Target)))
	out = append(out, p.Target...)
	return append(out, p.Body...), nil
}

func ParsePacket(b []byte) (Packet, error) {
	if len(b) < 2 {
		return Packet{}, ErrShortPacket
	}
	kind := Kind(b[0])
	if kind != KindAudio && kind != KindFile {
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownKind, b[0])
	}
	n := int(b[1])
	if len(b) < 2+n {
		return Packet{}, ErrShortPacket
	}
	return Packet{
		Kind:   kind,
		Target: domain.PeerID(b[2 : 2+n]),
		Body:   b[2+n:],
	}, nil
}

const (
	// PayloadTypePCMU is the static RTP payload type of G.711 mu-law.
	PayloadTypePCMU = 0

	originExtensionID = 1
)

// AudioFrame is one encoded 20ms frame with the identity of its speaker.
type AudioFrame struct {
	Origin    domain.PeerID
	Seq       uint16
	Timestamp uint32
	// Start marks the first frame of a talk spurt.
	Start   bool
	Payload []byte
}

// SSRCFor derives a stable synchronization source from a peer id.
func SSRCFor(id domain.PeerID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32()
}

func (f AudioFrame) Marshal() ([]byte, error) {
	if f.Origin == "" {
		return nil, ErrNoOrigin
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         f.Start,
			PayloadType:    PayloadTypePCMU,
			SequenceNumber: f.Seq,
			Timestamp:      f.Timestamp,
			SSRC:           SSRCFor(f.Origin),
		},
		Payload: f.Payload,
	}
	if err := pkt.Header.SetExtension(originExtensionID, []byte(f.Origin)); err != nil {
		return nil, fmt.Errorf("set origin extension: %w", err)
	}
	return pkt.Marshal()
}

func ParseAudioFrame(b []byte) (AudioFrame, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return AudioFrame{}, fmt.Errorf("unmarshal rtp: %w", err)
	}
	origin := pkt.Header.GetExtension(originExtensionID)
	if len(origin) == 0 {
		return AudioFrame{}, ErrNoOrigin
	}
	return AudioFrame{
		Origin:    domain.PeerID(origin),
		Seq:       pkt.SequenceNumber,
		Timestamp: pkt.Timestamp,
		Start:     pkt.Marker,
		Payload:   pkt.Payload,
	}, nil
}

// SeqNewer reports whether a is after b in 16-bit wrapping order.
func SeqNewer(a, b uint16) bool {
	return a != b && a-b < 0x8000
}
