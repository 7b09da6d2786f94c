// Package fragment splits negotiation payloads into tunnel-sized frames
// of the form WRTC:[seq/total|msgId]<chunk> and reassembles them.
package fragment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	Marker = "WRTC:"

	// MaxMessageSize is the hard ceiling of a single tunnel message.
	MaxMessageSize = 512

	// MaxFragments bounds the announced total of a single message.
	MaxFragments = 256
)

var (
	ErrMalformed        = errors.New("malformed fragment")
	ErrFrameTooSmall    = errors.New("frame size too small for header")
	ErrPayloadTooLarge  = errors.New("payload needs too many fragments")
	ErrInvalidMessageID = errors.New("invalid message id")
)

// Frame is one decoded fragment.
type Frame struct {
	MessageID string
	Seq       int
	Total     int
	Chunk     []byte
}

// NewMessageID returns a short token unique per negotiation message.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func validMessageID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "|]")
}

func headerLen(id string, seqDigits, totalDigits int) int {
	// WRTC:[ seq / total | id ]
	return len(Marker) + 1 + seqDigits + 1 + totalDigits + 1 + len(id) + 1
}

func digits(n int) int {
	return len(strconv.Itoa(n))
}

// Encode splits payload into frames no longer than maxFrame bytes.
// maxFrame <= 0 or above MaxMessageSize selects MaxMessageSize.
func Encode(messageID string, payload []byte, maxFrame int) ([]string, error) {
	if !validMessageID(messageID) {
		return nil, ErrInvalidMessageID
	}
	if maxFrame <= 0 || maxFrame > MaxMessageSize {
		maxFrame = MaxMessageSize
	}

	// Grow the digit width until the chunk count fits in it.
	width := 1
	var chunks [][]byte
	for {
		chunk := maxFrame - headerLen(messageID, width, width)
		if chunk < 1 {
			if width == 1 {
				return nil, ErrFrameTooSmall
			}
			return nil, ErrPayloadTooLarge
		}
		chunks = split(payload, chunk)
		if len(chunks) > MaxFragments {
			return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(chunks), MaxFragments)
		}
		if digits(len(chunks)) <= width {
			break
		}
		width++
	}

	frames := make([]string, 0, len(chunks))
	for seq, c := range chunks {
		var b strings.Builder
		b.Grow(headerLen(messageID, width, width) + len(c))
		b.WriteString(Marker)
		b.WriteByte('[')
		b.WriteString(strconv.Itoa(seq))
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(len(chunks)))
		b.WriteByte('|')
		b.WriteString(messageID)
		b.WriteByte(']')
		b.Write(c)
		frames = append(frames, b.String())
	}
	return frames, nil
}

// split cuts payload into pieces of at most size bytes, preferring rune
// boundaries so text transports never see a broken character.
func split(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	out := make([][]byte, 0, (len(payload)+size-1)/size)
	for len(payload) > 0 {
		n := min(size, len(payload))
		if n < len(payload) {
			cut := n
			for back := 0; back < utf8.UTFMax && cut > 0; back++ {
				if utf8.RuneStart(payload[cut]) {
					break
				}
				cut--
			}
			if cut > 0 && utf8.RuneStart(payload[cut]) {
				n = cut
			}
		}
		out = append(out, payload[:n])
		payload = payload[n:]
	}
	return out
}

// IsFragment reports whether a tunnel message body carries a fragment.
func IsFragment(body string) bool {
	return strings.HasPrefix(body, Marker)
}

// Decode parses a single frame. Any parse failure wraps ErrMalformed.
func Decode(frame string) (Frame, error) {
	rest, ok := strings.CutPrefix(frame, Marker)
	if !ok {
		return Frame{}, fmt.Errorf("%w: missing marker", ErrMalformed)
	}
	if !strings.HasPrefix(rest, "[") {
		return Frame{}, fmt.Errorf("%w: missing header", ErrMalformed)
	}
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return Frame{}, fmt.Errorf("%w: unterminated header", ErrMalformed)
	}
	header, chunk := rest[1:end], rest[end+1:]

	counts, id, ok := strings.Cut(header, "|")
	if !ok || !validMessageID(id) {
		return Frame{}, fmt.Errorf("%w: bad message id", ErrMalformed)
	}
	seqStr, totalStr, ok := strings.Cut(counts, "/")
	if !ok {
		return Frame{}, fmt.Errorf("%w: bad counts", ErrMalformed)
	}
	seq, err := parseCount(seqStr)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: seq: %v", ErrMalformed, err)
	}
	total, err := parseCount(totalStr)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: total: %v", ErrMalformed, err)
	}
	if total == 0 || total > MaxFragments || seq >= total {
		return Frame{}, fmt.Errorf("%w: seq %d total %d", ErrMalformed, seq, total)
	}
	return Frame{MessageID: id, Seq: seq, Total: total, Chunk: []byte(chunk)}, nil
}

func parseCount(s string) (int, error) {
	if s == "" {
		return 0, errors.New("empty")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errors.New("not a number")
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}
