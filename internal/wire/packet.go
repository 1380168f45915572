package wire

// Direction is the direction of travel of a packet relative to the proxy.
type Direction int

const (
	// Forward is client to server (backend).
	Forward Direction = iota
	// Backward is server (backend) to client.
	Backward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// PacketKind classifies a frame's semantic purpose.
type PacketKind int

const (
	KindOther PacketKind = iota
	KindAuthentication
	KindStartup
	KindQuery
	KindSSLRequest
	KindDataRow
)

func (k PacketKind) String() string {
	switch k {
	case KindAuthentication:
		return "Authentication"
	case KindStartup:
		return "Startup"
	case KindQuery:
		return "Query"
	case KindSSLRequest:
		return "SslRequest"
	case KindDataRow:
		return "DataRow"
	default:
		return "Other"
	}
}

const (
	tagAuthentication = 'R'
	tagQuery          = 'Q'
	tagDataRow        = 'D'
)

// AuthSubtypeOK is the int32 subtype value of AuthenticationOk.
const AuthSubtypeOK = 0

// Classify returns the PacketKind of a frame. isFirstClientFrame must be
// true only for the very first frame read on a connection's forward
// (client-to-server) direction, which carries no tag byte.
func Classify(frame []byte, isFirstClientFrame bool) PacketKind {
	if isFirstClientFrame {
		if IsSSLRequest(frame) {
			return KindSSLRequest
		}
		return KindStartup
	}
	switch Tag(frame) {
	case tagAuthentication:
		return KindAuthentication
	case tagQuery:
		return KindQuery
	case tagDataRow:
		return KindDataRow
	default:
		return KindOther
	}
}

// AuthSubtype reads the int32 subtype from an Authentication ('R') frame's
// payload. The frame must have at least 9 bytes (1 tag + 4 length + 4 subtype).
func AuthSubtype(frame []byte) (int32, bool) {
	if len(frame) < 9 || Tag(frame) != tagAuthentication {
		return 0, false
	}
	return int32(frame[5])<<24 | int32(frame[6])<<16 | int32(frame[7])<<8 | int32(frame[8]), true
}
