package bus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Code tags a message.
type Code byte

const (
	CodeReady     Code = 0xA0 // encoder is ready
	CodeVersion   Code = 0xA1 // version request / reply
	CodeRead      Code = 0xA2 // current position request / reply
	CodeOperating Code = 0xA3 // moving (1) / stopped (0) feedback
	CodeMove      Code = 0xA4 // command station sets the position
	CodeError     Code = 0xAF // last message was not understood
)

func (c Code) String() string {
	switch c {
	case CodeReady:
		return "READY"
	case CodeVersion:
		return "VERSION"
	case CodeRead:
		return "READ"
	case CodeOperating:
		return "OPERATING"
	case CodeMove:
		return "MOVE"
	case CodeError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(c))
	}
}

// Known reports whether c is one of the protocol codes.
func (c Code) Known() bool {
	switch c {
	case CodeReady, CodeVersion, CodeRead, CodeOperating, CodeMove, CodeError:
		return true
	}
	return false
}

// Flow is the direction a message travels.
type Flow int

const (
	ToDevice     Flow = iota // command station -> encoder
	ToController             // encoder -> command station
)

// Protocol errors.
var (
	ErrUnknownCode = errors.New("unknown message code")
	ErrMalformed   = errors.New("malformed message")
)

// payloadSize returns the number of payload bytes following code c in flow f.
// Unknown codes carry no payload.
func payloadSize(c Code, f Flow) int {
	switch c {
	case CodeVersion:
		if f == ToController {
			return 3
		}
	case CodeRead:
		if f == ToController {
			return 1
		}
	case CodeOperating, CodeMove:
		return 1
	}
	return 0
}

// Message is one framed protocol message.
type Message struct {
	Code    Code
	Payload []byte
}

func (m Message) String() string {
	if len(m.Payload) == 0 {
		return m.Code.String()
	}
	return fmt.Sprintf("%s % X", m.Code, m.Payload)
}

// Value returns the first payload byte, or 0 when there is none.
func (m Message) Value() uint8 {
	if len(m.Payload) == 0 {
		return 0
	}
	return m.Payload[0]
}

// Validate checks that m is a well-formed message for flow f.
func Validate(m Message, f Flow) error {
	if !m.Code.Known() {
		return fmt.Errorf("%s: %w", m.Code, ErrUnknownCode)
	}
	if n := payloadSize(m.Code, f); len(m.Payload) != n {
		return fmt.Errorf("%s: payload %d bytes, want %d: %w", m.Code, len(m.Payload), n, ErrMalformed)
	}
	if m.Code == CodeOperating && m.Payload[0] > 1 {
		return fmt.Errorf("%s: flag %d: %w", m.Code, m.Payload[0], ErrMalformed)
	}
	return nil
}

// Encode returns the wire bytes for m.
func Encode(m Message) []byte {
	out := make([]byte, 0, 1+len(m.Payload))
	out = append(out, byte(m.Code))
	return append(out, m.Payload...)
}

// Version is the numeric firmware version sent in VERSION replies.
type Version struct {
	Major, Minor, Patch uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion parses a purely numeric "major.minor.patch" string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q: want major.minor.patch", s)
	}
	var nums [3]uint8
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return Version{}, fmt.Errorf("version %q: %w", s, err)
		}
		nums[i] = uint8(n)
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Constructors for the messages each side sends.

func Ready() Message { return Message{Code: CodeReady} }

func ErrorReply() Message { return Message{Code: CodeError} }

func ReadRequest() Message { return Message{Code: CodeRead} }

func ReadReply(id uint8) Message { return Message{Code: CodeRead, Payload: []byte{id}} }

func VersionRequest() Message { return Message{Code: CodeVersion} }

func VersionReply(v Version) Message {
	return Message{Code: CodeVersion, Payload: []byte{v.Major, v.Minor, v.Patch}}
}

func Operating(moving bool) Message {
	var flag byte
	if moving {
		flag = 1
	}
	return Message{Code: CodeOperating, Payload: []byte{flag}}
}

func Move(id uint8) Message { return Message{Code: CodeMove, Payload: []byte{id}} }

// Decoder frames a byte stream into messages for one flow. Every message
// starts with a code byte, and the payload size is fixed by the code and the
// sending side, so no delimiters are needed.
type Decoder struct {
	flow    Flow
	pending *Message
	need    int
}

// NewDecoder returns a decoder for messages travelling in flow f.
func NewDecoder(f Flow) *Decoder {
	return &Decoder{flow: f}
}

// Push feeds one byte. It returns a message once its last byte has arrived.
// Unknown codes are returned as single-byte messages for the receiver to
// reject with Validate.
func (d *Decoder) Push(b byte) (Message, bool) {
	if d.pending == nil {
		c := Code(b)
		n := payloadSize(c, d.flow)
		if n == 0 {
			return Message{Code: c}, true
		}
		d.pending = &Message{Code: c, Payload: make([]byte, 0, n)}
		d.need = n
		return Message{}, false
	}

	d.pending.Payload = append(d.pending.Payload, b)
	if len(d.pending.Payload) < d.need {
		return Message{}, false
	}
	m := *d.pending
	d.pending = nil
	d.need = 0
	return m, true
}
