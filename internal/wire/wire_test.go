package wire

import (
	"bytes"
	"testing"
)

func buildStartupFrame(protoVersion int32, pairs [][2]string) []byte {
	var payload bytes.Buffer
	for _, kv := range pairs {
		payload.WriteString(kv[0])
		payload.WriteByte(0)
		payload.WriteString(kv[1])
		payload.WriteByte(0)
	}
	payload.WriteByte(0)
	frame := make([]byte, 8+payload.Len())
	// length field covers everything including itself and the version int32
	length := uint32(4 + 4 + payload.Len())
	frame[0], frame[1], frame[2], frame[3] = byte(length>>24), byte(length>>16), byte(length>>8), byte(length)
	frame[4], frame[5], frame[6], frame[7] = byte(protoVersion>>24), byte(protoVersion>>16), byte(protoVersion>>8), byte(protoVersion)
	copy(frame[8:], payload.Bytes())
	return frame
}

func TestReadFrameRoundTrip(t *testing.T) {
	frame := buildStartupFrame(ProtocolVersion3, [][2]string{{"user", "alice"}, {"database", "proj"}})
	got, err := ReadFrame(bytes.NewReader(frame), false, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("ReadFrame mismatch: got %x want %x", got, frame)
	}
}

func TestReadFrameShortRead(t *testing.T) {
	frame := buildStartupFrame(ProtocolVersion3, [][2]string{{"user", "alice"}})
	truncated := frame[:len(frame)-3]
	_, err := ReadFrame(bytes.NewReader(truncated), false, 0)
	if err != ErrShortRead {
		t.Errorf("err = %v, want ErrShortRead", err)
	}
}

func TestReadFrameBadLength(t *testing.T) {
	frame := []byte{0, 0, 0, 2} // length 2 < minimum 4
	_, err := ReadFrame(bytes.NewReader(frame), false, 0)
	if err == nil {
		t.Fatal("expected error for bad length")
	}
}

func TestStartupDecodeEncodeIdentity(t *testing.T) {
	pairs := [][2]string{{"user", "alice"}, {"database", "proj"}, {"application_name", "psql"}}
	frame := buildStartupFrame(ProtocolVersion3, pairs)
	s, err := DecodeStartup(frame)
	if err != nil {
		t.Fatalf("DecodeStartup: %v", err)
	}
	for _, kv := range pairs {
		v, ok := s.GetParameter(kv[0])
		if !ok || v != kv[1] {
			t.Errorf("GetParameter(%q) = %q, %v; want %q", kv[0], v, ok, kv[1])
		}
	}
	reencoded := s.Encode()
	if !bytes.Equal(reencoded, frame) {
		t.Errorf("Encode∘Decode not identity:\n got  %x\n want %x", reencoded, frame)
	}
}

func TestStartupSetParameterPreservesOrderForExisting(t *testing.T) {
	frame := buildStartupFrame(ProtocolVersion3, [][2]string{{"user", "alice"}, {"database", "proj"}})
	s, err := DecodeStartup(frame)
	if err != nil {
		t.Fatalf("DecodeStartup: %v", err)
	}
	s.SetParameter("database", "proj__alice")
	out, err := DecodeStartup(s.Encode())
	if err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	db, _ := out.GetParameter("database")
	if db != "proj__alice" {
		t.Errorf("database = %q, want proj__alice", db)
	}
	// order preserved: user should still decode first in the key list
	if out.keys[0] != "user" || out.keys[1] != "database" {
		t.Errorf("key order changed: %v", out.keys)
	}
}

func TestStartupMissingTerminator(t *testing.T) {
	frame := buildStartupFrame(ProtocolVersion3, nil)
	// chop off the final terminator byte, leaving the length field as it
	// was, to exercise DecodeStartup's own validation
	short := frame[:len(frame)-1]
	if _, err := DecodeStartup(short); err == nil {
		t.Fatal("expected ErrMalformedStartup")
	}
}

func TestIsSSLRequest(t *testing.T) {
	frame := []byte{0, 0, 0, 8, 0x04, 0xd2, 0x16, 0x2f}
	if !IsSSLRequest(frame) {
		t.Error("expected SSLRequest to be recognized")
	}
	if IsSSLRequest(buildStartupFrame(ProtocolVersion3, nil)) {
		t.Error("plain startup frame misclassified as SSLRequest")
	}
}

func TestClassify(t *testing.T) {
	if Classify(buildStartupFrame(ProtocolVersion3, nil), true) != KindStartup {
		t.Error("expected KindStartup")
	}
	sslFrame := []byte{0, 0, 0, 8, 0x04, 0xd2, 0x16, 0x2f}
	if Classify(sslFrame, true) != KindSSLRequest {
		t.Error("expected KindSSLRequest")
	}
	queryFrame := EncodeQuery("SELECT 1")
	if Classify(queryFrame, false) != KindQuery {
		t.Error("expected KindQuery")
	}
}

func TestQueryDecodeEncodeRoundTrip(t *testing.T) {
	sql := `CREATE DATABASE "lab";`
	frame := EncodeQuery(sql)
	got, err := DecodeQuery(frame)
	if err != nil {
		t.Fatalf("DecodeQuery: %v", err)
	}
	if got != sql {
		t.Errorf("DecodeQuery = %q, want %q", got, sql)
	}
}

func TestAuthSubtype(t *testing.T) {
	// AuthenticationOk: tag 'R', length 8, subtype 0
	frame := []byte{'R', 0, 0, 0, 8, 0, 0, 0, 0}
	sub, ok := AuthSubtype(frame)
	if !ok || sub != AuthSubtypeOK {
		t.Errorf("AuthSubtype = %d, %v; want 0, true", sub, ok)
	}
}
