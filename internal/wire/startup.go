package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedStartup is returned when a StartupMessage cannot be decoded.
// Per the classifier's error policy, a decode failure still lets the frame
// forward unchanged; callers should catch this error and proceed with the
// original bytes, recording the report as Other.
var ErrMalformedStartup = errors.New("wire: malformed startup message")

// ProtocolVersion3 is 0x00030000, the only protocol version this proxy
// understands.
const ProtocolVersion3 = 0x00030000

// Startup is a decoded StartupMessage. Parameters preserve encounter order
// so re-encoding reproduces byte-identical output when unmodified.
type Startup struct {
	ProtocolVersion int32
	keys            []string
	values          map[string]string
}

// DecodeStartup parses a raw, untagged StartupMessage frame (the full frame
// including its 4-byte length header).
func DecodeStartup(frame []byte) (*Startup, error) {
	if len(frame) < 9 {
		return nil, fmt.Errorf("%w: frame too short", ErrMalformedStartup)
	}
	version := int32(binary.BigEndian.Uint32(frame[4:8]))
	s := &Startup{
		ProtocolVersion: version,
		values:          make(map[string]string),
	}
	rest := frame[8:]
	for {
		if len(rest) == 0 {
			return nil, fmt.Errorf("%w: missing terminator", ErrMalformedStartup)
		}
		if rest[0] == 0 {
			break
		}
		key, tail, err := readCString(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStartup, err)
		}
		val, tail2, err := readCString(tail)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStartup, err)
		}
		s.keys = append(s.keys, key)
		s.values[key] = val
		rest = tail2
	}
	return s, nil
}

func readCString(b []byte) (string, []byte, error) {
	idx := bytes.IndexByte(b, 0)
	if idx < 0 {
		return "", nil, fmt.Errorf("unterminated string")
	}
	return string(b[:idx]), b[idx+1:], nil
}

// GetParameter returns a startup parameter's value.
func (s *Startup) GetParameter(name string) (string, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Parameters returns a copy of all startup parameters.
func (s *Startup) Parameters() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// SetParameter sets a startup parameter, preserving its existing position
// if already present, or appending it as a new key otherwise.
func (s *Startup) SetParameter(name, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	if _, exists := s.values[name]; !exists {
		s.keys = append(s.keys, name)
	}
	s.values[name] = value
}

// Encode re-serializes the Startup message, preserving parameter order and
// recomputing the frame's length field.
func (s *Startup) Encode() []byte {
	var payload bytes.Buffer
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], uint32(s.ProtocolVersion))
	payload.Write(verBuf[:])
	for _, k := range s.keys {
		payload.WriteString(k)
		payload.WriteByte(0)
		payload.WriteString(s.values[k])
		payload.WriteByte(0)
	}
	payload.WriteByte(0)

	total := 4 + payload.Len()
	out := make([]byte, 4+payload.Len())
	binary.BigEndian.PutUint32(out[0:4], uint32(total))
	copy(out[4:], payload.Bytes())
	return out
}
