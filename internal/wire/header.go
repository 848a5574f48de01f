package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderLen is the fixed size in bytes of an encoded Header.
const HeaderLen = 22

// MessageType identifies the purpose of a wire message, per spec.md §6.
type MessageType uint8

const (
	JoinReq MessageType = iota + 1
	JoinRep
	JStopReq
	JStopRep
	JStartCmd
	LeaveReq
	LeaveRep
	LStopReq
	LStopRep
	LStartCmd
	LStartDone
	Recover
	Barrier
	AppInternal
	AppStopped
	AppStarted
)

func (t MessageType) String() string {
	switch t {
	case JoinReq:
		return "JOIN_REQ"
	case JoinRep:
		return "JOIN_REP"
	case JStopReq:
		return "JSTOP_REQ"
	case JStopRep:
		return "JSTOP_REP"
	case JStartCmd:
		return "JSTART_CMD"
	case LeaveReq:
		return "LEAVE_REQ"
	case LeaveRep:
		return "LEAVE_REP"
	case LStopReq:
		return "LSTOP_REQ"
	case LStopRep:
		return "LSTOP_REP"
	case LStartCmd:
		return "LSTART_CMD"
	case LStartDone:
		return "LSTART_DONE"
	case Recover:
		return "RECOVER"
	case Barrier:
		return "BARRIER"
	case AppInternal:
		return "APP_INTERNAL"
	case AppStopped:
		return "APP_STOPPED"
	case AppStarted:
		return "APP_STARTED"
	default:
		return "UNKNOWN"
	}
}

// Status is the reply outcome carried in a Header, per spec.md §4.4.
type Status uint8

const (
	// StatusNone is the zero value for messages that carry no reply
	// outcome (e.g. JSTART_CMD, which is a command, not a reply).
	StatusNone Status = iota
	Pos
	Neg
	Wait
)

func (s Status) String() string {
	switch s {
	case Pos:
		return "POS"
	case Neg:
		return "NEG"
	case Wait:
		return "WAIT"
	default:
		return "NONE"
	}
}

// Header is the fixed-layout prefix of every wire message (spec.md §6):
//
//	u8  Type
//	u8  Status
//	u16 Level
//	u32 EventID
//	u32 GroupID
//	u32 LastID
//	u32 ToNodeID
//	u16 Length
//
// All integers are encoded big-endian ("network byte order").
type Header struct {
	Type     MessageType
	Status   Status
	Level    uint16
	EventID  uint32
	GroupID  uint32
	LastID   uint32
	ToNodeID uint32
	Length   uint16
}

// ErrShortBuffer is returned by Decode when fewer than HeaderLen bytes
// are available.
var ErrShortBuffer = errors.New("wire: buffer shorter than header")

// ErrTruncatedPayload is returned by Decode when the buffer is too
// short to hold Header.Length bytes of payload.
var ErrTruncatedPayload = errors.New("wire: payload shorter than header.Length")

// Encode appends h and payload to a new byte slice in wire format.
// It panics if len(payload) does not fit in a uint16, since that would
// produce a Header whose Length field lies about the payload size.
func Encode(h Header, payload []byte) []byte {
	if len(payload) > 0xFFFF {
		panic("wire: payload too large to encode")
	}
	h.Length = uint16(len(payload))

	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Level)
	binary.BigEndian.PutUint32(buf[4:8], h.EventID)
	binary.BigEndian.PutUint32(buf[8:12], h.GroupID)
	binary.BigEndian.PutUint32(buf[12:16], h.LastID)
	binary.BigEndian.PutUint32(buf[16:20], h.ToNodeID)
	binary.BigEndian.PutUint16(buf[20:22], h.Length)
	copy(buf[HeaderLen:], payload)
	return buf
}

// Decode parses a Header and the payload that follows it from buf.
// The returned payload aliases buf; callers that retain it past the
// lifetime of buf must copy it.
func Decode(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderLen {
		return Header{}, nil, ErrShortBuffer
	}
	h := Header{
		Type:     MessageType(buf[0]),
		Status:   Status(buf[1]),
		Level:    binary.BigEndian.Uint16(buf[2:4]),
		EventID:  binary.BigEndian.Uint32(buf[4:8]),
		GroupID:  binary.BigEndian.Uint32(buf[8:12]),
		LastID:   binary.BigEndian.Uint32(buf[12:16]),
		ToNodeID: binary.BigEndian.Uint32(buf[16:20]),
		Length:   binary.BigEndian.Uint16(buf[20:22]),
	}
	if len(buf)-HeaderLen < int(h.Length) {
		return Header{}, nil, ErrTruncatedPayload
	}
	return h, buf[HeaderLen : HeaderLen+int(h.Length)], nil
}
