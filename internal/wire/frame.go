// Package wire implements the PostgreSQL v3 frontend/backend frame format:
// reading and writing whole frames from a byte stream, and classifying and
// decoding the subset of packet kinds the proxy cares about.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes is the default ceiling on a frame's declared length,
// matching the 2^24 default from the framer's contract.
const DefaultMaxFrameBytes = 1 << 24

// ErrShortRead is returned when the stream EOFs mid-frame.
var ErrShortRead = errors.New("wire: short read, EOF mid-frame")

// ErrBadLength is returned when a frame's declared length is below the
// minimum (4, the length field's own size) or exceeds the configured max.
var ErrBadLength = errors.New("wire: bad frame length")

// sslRequestCode is the 4-byte payload of an SSLRequest, 80877103.
const sslRequestCode = 0x04d2162f

// ReadFrame reads one whole frame from r. hasTag is false only for the very
// first frame read on a freshly accepted client connection, which carries
// no leading tag byte (SSLRequest or StartupMessage). ReadFrame returns the
// full raw bytes including the header (tag byte, if present, and the
// 4-byte big-endian length).
func ReadFrame(r io.Reader, hasTag bool, maxFrameBytes int) ([]byte, error) {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	headerLen := 4
	if hasTag {
		headerLen = 5
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortRead
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	var length int32
	if hasTag {
		length = int32(binary.BigEndian.Uint32(header[1:5]))
	} else {
		length = int32(binary.BigEndian.Uint32(header[0:4]))
	}
	if length < 4 || int(length) > maxFrameBytes {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, length)
	}

	payloadLen := int(length) - 4
	buf := make([]byte, headerLen+payloadLen)
	copy(buf, header)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, buf[headerLen:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrShortRead
			}
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return buf, nil
}

// WriteFrame is a pass-through write of raw, already-framed bytes.
func WriteFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}

// Tag returns the frame's tag byte. Only valid for tagged frames.
func Tag(frame []byte) byte { return frame[0] }

// IsSSLRequest reports whether an untagged first-client-frame is an
// SSLRequest (its 4-byte payload is the magic code 80877103).
func IsSSLRequest(frame []byte) bool {
	if len(frame) != 8 {
		return false
	}
	return binary.BigEndian.Uint32(frame[4:8]) == sslRequestCode
}
