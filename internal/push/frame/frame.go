package frame

import (
	"encoding/binary"
	"fmt"
)

// Type identifies the kind of message carried by a frame.
type Type uint8

// Push protocol frame types.
const (
	TypeConnectionRequest      Type = 0x01
	TypeConnectionResponse     Type = 0x02
	TypePublishMessage         Type = 0x03
	TypePublishMessageReceived Type = 0x04
	TypeKeepAlive              Type = 0x05
	TypeError                  Type = 0x06
)

// Size limits.
const (
	// HeaderSize is the fixed frame header: type(1) + length(4).
	HeaderSize = 5

	// DefaultMaxPayload bounds the declared payload length so a corrupt
	// stream cannot make the receiver allocate unbounded memory.
	DefaultMaxPayload = 16 << 20 // 16 MiB
)

var typeNames = map[Type]string{
	TypeConnectionRequest:      "ConnectionRequest",
	TypeConnectionResponse:     "ConnectionResponse",
	TypePublishMessage:         "PublishMessage",
	TypePublishMessageReceived: "PublishMessageReceived",
	TypeKeepAlive:              "KeepAlive",
	TypeError:                  "Error",
}

// String returns the protocol name of the frame type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(0x%02X)", uint8(t))
}

// Valid reports whether t is a known frame type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Frame is the unit of wire transfer on the push socket.
type Frame struct {
	Type    Type
	Payload []byte
}

// Len returns the payload length as written in the header.
func (f Frame) Len() int {
	return len(f.Payload)
}

// Encode produces the deterministic wire form of f.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(f.Payload))) //nolint:gosec // payload sizes are bounded by maxPayload
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode consumes exactly one frame from the front of buf.
//
// Returns:
//   - Frame: the decoded frame (payload is a copy, buf may be reused)
//   - int: number of bytes consumed from buf
//   - error: ErrNeedMoreData if buf holds an incomplete frame,
//     ErrMalformedFrame on an unknown type or oversized length
func Decode(buf []byte, maxPayload int) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrNeedMoreData
	}

	t := Type(buf[0])
	if !t.Valid() {
		return Frame{}, 0, fmt.Errorf("%w: unknown type 0x%02X", ErrMalformedFrame, buf[0])
	}

	length := binary.BigEndian.Uint32(buf[1:HeaderSize])
	if maxPayload > 0 && uint64(length) > uint64(maxPayload) {
		return Frame{}, 0, fmt.Errorf("%w: declared length %d exceeds maximum %d",
			ErrMalformedFrame, length, maxPayload)
	}

	total := HeaderSize + int(length)
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreData
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		copy(payload, buf[HeaderSize:total])
	}

	return Frame{Type: t, Payload: payload}, total, nil
}

// Parse decodes a buffer that must hold exactly one frame. A length field
// that disagrees with the buffer size is a protocol error.
func Parse(data []byte, maxPayload int) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: frame too short (%d bytes)", ErrMalformedFrame, len(data))
	}

	declared := binary.BigEndian.Uint32(data[1:HeaderSize])
	if uint64(declared) != uint64(len(data)-HeaderSize) {
		return Frame{}, fmt.Errorf("%w: length mismatch (declared %d, actual %d)",
			ErrMalformedFrame, declared, len(data)-HeaderSize)
	}

	f, _, err := Decode(data, maxPayload)
	return f, err
}

// Decoder accumulates bytes read from a stream and yields complete frames.
//
// Thread Safety: a Decoder is not safe for concurrent use. The push
// connection owns one decoder per socket and only its reader touches it.
type Decoder struct {
	buf        []byte
	maxPayload int
}

// NewDecoder creates a decoder enforcing the given payload limit.
// A non-positive limit selects DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: maxPayload}
}

// Write appends bytes received from the stream.
func (d *Decoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame, or ErrNeedMoreData.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := Decode(d.buf, d.maxPayload)
	if err != nil {
		return Frame{}, err
	}

	// Shift the remainder down so the buffer does not grow without bound.
	remaining := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]

	return f, nil
}

// Buffered returns the number of bytes held but not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}
