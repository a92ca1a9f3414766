package frame

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is the push protocol version sent in ConnectionRequest.
const ProtocolVersion uint16 = 3

// Status codes carried by ConnectionResponse, PublishMessageReceived and Error.
const (
	StatusOK           uint16 = 200
	StatusUnauthorized uint16 = 401
	StatusForbidden    uint16 = 403
)

// Compression identifies how a PublishMessage payload is compressed.
type Compression uint8

// Supported payload compressions.
const (
	CompressionNone Compression = 0
	CompressionZlib Compression = 1
	CompressionGzip Compression = 2
)

// String returns the name used by the monitor registry (monCompression).
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	case CompressionGzip:
		return "gzip"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression converts a registry compression name to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "zlib":
		return CompressionZlib, nil
	case "gzip":
		return CompressionGzip, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression %q", ErrInvalidPayload, s)
	}
}

// Format identifies the event document encoding of a PublishMessage payload.
type Format uint8

// Supported document formats.
const (
	FormatXML  Format = 0
	FormatJSON Format = 1
)

// String returns the name used by the monitor registry (monFormatType).
func (f Format) String() string {
	switch f {
	case FormatXML:
		return "xml"
	case FormatJSON:
		return "json"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// ParseFormat converts a registry format name to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "xml":
		return FormatXML, nil
	case "", "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("%w: unknown format %q", ErrInvalidPayload, s)
	}
}

// ConnectionRequest opens a push session for one monitor.
//
// Payload layout:
//
//	version(2) | user len(2) user | password len(2) password | monitor len(2) monitor
type ConnectionRequest struct {
	Version   uint16
	Username  string
	Password  string
	MonitorID string
}

// Frame encodes the request.
func (r ConnectionRequest) Frame() Frame {
	var w payloadWriter
	w.uint16(r.Version)
	w.string16(r.Username)
	w.string16(r.Password)
	w.string16(r.MonitorID)
	return Frame{Type: TypeConnectionRequest, Payload: w.buf}
}

// ParseConnectionRequest decodes a ConnectionRequest payload.
func ParseConnectionRequest(p []byte) (ConnectionRequest, error) {
	r := payloadReader{buf: p}
	req := ConnectionRequest{
		Version:   r.uint16(),
		Username:  r.string16(),
		Password:  r.string16(),
		MonitorID: r.string16(),
	}
	if err := r.done("ConnectionRequest"); err != nil {
		return ConnectionRequest{}, err
	}
	return req, nil
}

// ConnectionResponse answers a ConnectionRequest.
//
// Payload layout:
//
//	status(2) | keep-alive seconds(2) | connection id len(2) connection id
type ConnectionResponse struct {
	Status       uint16
	KeepAlive    time.Duration
	ConnectionID string
}

// OK reports whether the server accepted the connection.
func (r ConnectionResponse) OK() bool {
	return r.Status == StatusOK
}

// Frame encodes the response.
func (r ConnectionResponse) Frame() Frame {
	var w payloadWriter
	w.uint16(r.Status)
	w.uint16(uint16(r.KeepAlive / time.Second)) //nolint:gosec // keep-alive intervals are small
	w.string16(r.ConnectionID)
	return Frame{Type: TypeConnectionResponse, Payload: w.buf}
}

// ParseConnectionResponse decodes a ConnectionResponse payload.
func ParseConnectionResponse(p []byte) (ConnectionResponse, error) {
	r := payloadReader{buf: p}
	resp := ConnectionResponse{
		Status:       r.uint16(),
		KeepAlive:    time.Duration(r.uint16()) * time.Second,
		ConnectionID: r.string16(),
	}
	if err := r.done("ConnectionResponse"); err != nil {
		return ConnectionResponse{}, err
	}
	return resp, nil
}

// publishHeaderSize is dataBlockId(2) + count(2) + compression(1) + format(1) + size(4).
const publishHeaderSize = 10

// PublishMessage carries one batch of monitor events.
//
// Payload layout:
//
//	dataBlockId(2) | count(2) | compression(1) | format(1) | size(4) | document
type PublishMessage struct {
	DataBlockID uint16
	Count       uint16
	Compression Compression
	Format      Format
	Document    []byte
}

// Frame encodes the message.
func (m PublishMessage) Frame() Frame {
	var w payloadWriter
	w.uint16(m.DataBlockID)
	w.uint16(m.Count)
	w.byte(uint8(m.Compression))
	w.byte(uint8(m.Format))
	w.uint32(uint32(len(m.Document))) //nolint:gosec // bounded by frame size
	w.bytes(m.Document)
	return Frame{Type: TypePublishMessage, Payload: w.buf}
}

// ParsePublishMessage decodes a PublishMessage payload. The document is
// returned as received (still compressed).
func ParsePublishMessage(p []byte) (PublishMessage, error) {
	if len(p) < publishHeaderSize {
		return PublishMessage{}, fmt.Errorf("%w: PublishMessage too short (%d bytes)", ErrInvalidPayload, len(p))
	}
	r := payloadReader{buf: p}
	m := PublishMessage{
		DataBlockID: r.uint16(),
		Count:       r.uint16(),
		Compression: Compression(r.byte()),
		Format:      Format(r.byte()),
	}
	size := r.uint32()
	m.Document = r.bytes(int(size))
	if err := r.done("PublishMessage"); err != nil {
		return PublishMessage{}, err
	}
	return m, nil
}

// PublishMessageReceived acknowledges one PublishMessage.
//
// Payload layout:
//
//	dataBlockId(2) | status(2)
type PublishMessageReceived struct {
	DataBlockID uint16
	Status      uint16
}

// Frame encodes the acknowledgement.
func (a PublishMessageReceived) Frame() Frame {
	var w payloadWriter
	w.uint16(a.DataBlockID)
	w.uint16(a.Status)
	return Frame{Type: TypePublishMessageReceived, Payload: w.buf}
}

// ParsePublishMessageReceived decodes an acknowledgement payload.
func ParsePublishMessageReceived(p []byte) (PublishMessageReceived, error) {
	r := payloadReader{buf: p}
	a := PublishMessageReceived{
		DataBlockID: r.uint16(),
		Status:      r.uint16(),
	}
	if err := r.done("PublishMessageReceived"); err != nil {
		return PublishMessageReceived{}, err
	}
	return a, nil
}

// ErrorMessage reports a server-side failure.
//
// Payload layout:
//
//	status(2) | message bytes
type ErrorMessage struct {
	Status  uint16
	Message string
}

// Frame encodes the error.
func (e ErrorMessage) Frame() Frame {
	var w payloadWriter
	w.uint16(e.Status)
	w.bytes([]byte(e.Message))
	return Frame{Type: TypeError, Payload: w.buf}
}

// ParseErrorMessage decodes an Error payload.
func ParseErrorMessage(p []byte) (ErrorMessage, error) {
	if len(p) < 2 {
		return ErrorMessage{}, fmt.Errorf("%w: Error too short (%d bytes)", ErrInvalidPayload, len(p))
	}
	return ErrorMessage{
		Status:  binary.BigEndian.Uint16(p[:2]),
		Message: string(p[2:]),
	}, nil
}

// KeepAlive returns an empty keep-alive frame.
func KeepAlive() Frame {
	return Frame{Type: TypeKeepAlive}
}

type payloadWriter struct {
	buf []byte
}

func (w *payloadWriter) byte(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *payloadWriter) uint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *payloadWriter) uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *payloadWriter) bytes(p []byte) {
	w.buf = append(w.buf, p...)
}

func (w *payloadWriter) string16(s string) {
	w.uint16(uint16(len(s))) //nolint:gosec // credentials and ids are short
	w.buf = append(w.buf, s...)
}

// payloadReader reads fields sequentially and remembers the first overrun.
type payloadReader struct {
	buf     []byte
	off     int
	overrun bool
}

func (r *payloadReader) take(n int) []byte {
	if r.overrun || n < 0 || r.off+n > len(r.buf) {
		r.overrun = true
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *payloadReader) byte() uint8 {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *payloadReader) uint16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (r *payloadReader) uint32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (r *payloadReader) bytes(n int) []byte {
	p := r.take(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

func (r *payloadReader) string16() string {
	n := int(r.uint16())
	return string(r.take(n))
}

// done fails if any field overran the payload or bytes were left over.
func (r *payloadReader) done(name string) error {
	if r.overrun {
		return fmt.Errorf("%w: %s truncated", ErrInvalidPayload, name)
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %s has %d trailing bytes", ErrInvalidPayload, name, len(r.buf)-r.off)
	}
	return nil
}
