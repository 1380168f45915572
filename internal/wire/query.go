package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedQuery is returned when a Query ('Q') frame's payload is not a
// valid null-terminated string.
var ErrMalformedQuery = errors.New("wire: malformed query message")

// DecodeQuery extracts the SQL string from a Query frame (tag 'Q').
func DecodeQuery(frame []byte) (string, error) {
	if len(frame) < 6 || Tag(frame) != tagQuery {
		return "", fmt.Errorf("%w: not a query frame", ErrMalformedQuery)
	}
	payload := frame[5:]
	idx := bytes.IndexByte(payload, 0)
	if idx < 0 {
		return "", fmt.Errorf("%w: unterminated SQL string", ErrMalformedQuery)
	}
	return string(payload[:idx]), nil
}

// EncodeQuery re-frames a SQL string as a Query ('Q') frame, recomputing
// the length field.
func EncodeQuery(sql string) []byte {
	payload := append([]byte(sql), 0)
	total := 4 + len(payload)
	out := make([]byte, 1+4+len(payload))
	out[0] = tagQuery
	binary.BigEndian.PutUint32(out[1:5], uint32(total))
	copy(out[5:], payload)
	return out
}
