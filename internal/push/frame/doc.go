// Package frame implements the binary framing used on the Device Cloud push
// socket.
//
// Every message on the wire is a single frame:
//
//	Byte 0:     frame type
//	Byte 1-4:   payload length (big-endian, payload bytes only)
//	Byte 5+:    payload
//
// The codec is a pure transform. Decode consumes at most one frame from a
// growing receive buffer and reports ErrNeedMoreData when the buffer does not
// yet hold a complete frame, so callers can accumulate partial reads from a
// stream socket:
//
//	dec := frame.NewDecoder(frame.DefaultMaxPayload)
//	dec.Write(chunk)
//	for {
//	    f, err := dec.Next()
//	    if errors.Is(err, frame.ErrNeedMoreData) {
//	        break // read more
//	    }
//	    ...
//	}
//
// Control payloads (connection handshake, publish envelope, acknowledgement,
// error) have their own typed encoders in messages.go.
package frame
