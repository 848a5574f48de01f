package wire

import (
	"encoding/binary"

	"github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
)

// ErrMalformedPayload is returned by the payload decoders below when a
// buffer is too short for the fields it claims to carry. Per spec.md
// §7 ("Protocol divergence"), the caller logs and discards the
// message; it never panics on attacker- or bug-originated bytes.
var ErrMalformedPayload = errors.New("wire: malformed payload")

// NamePayload carries the group name for a JOIN_REQ, the only wire
// message that must name a group that may not exist anywhere yet
// (every other message addresses a group by GroupID in the header).
type NamePayload struct {
	Name string
}

func (p NamePayload) Encode() []byte {
	return []byte(p.Name)
}

func DecodeNamePayload(b []byte) (NamePayload, error) {
	if len(b) == 0 || len(b) > 32 {
		return NamePayload{}, errors.Wrap(ErrMalformedPayload, "name payload")
	}
	return NamePayload{Name: string(b)}, nil
}

// CountPayload carries a single count, used by JSTOP_REQ to announce
// the prospective member count (spec.md §4.4 step 3:
// "JSTOP_REQ(member_count+1)").
type CountPayload struct {
	Count uint32
}

func (p CountPayload) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, p.Count)
	return b
}

func DecodeCountPayload(b []byte) (CountPayload, error) {
	if len(b) != 4 {
		return CountPayload{}, errors.Wrap(ErrMalformedPayload, "count payload")
	}
	return CountPayload{Count: binary.BigEndian.Uint32(b)}, nil
}

// BarrierPayload carries the rendezvous name for a BARRIER message.
type BarrierPayload struct {
	Name string
}

func (p BarrierPayload) Encode() []byte {
	return []byte(p.Name)
}

func DecodeBarrierPayload(b []byte) (BarrierPayload, error) {
	if len(b) == 0 || len(b) > MaxBarrierNameLen {
		return BarrierPayload{}, errors.Wrap(ErrMalformedPayload, "barrier payload")
	}
	return BarrierPayload{Name: string(b)}, nil
}

// RecoverPayload carries the set of node ids a RECOVER message is
// reporting failed, supporting the "extension list of piggy-backed
// nodeids" Event field from spec.md §3 when a single wire message
// needs to announce more than one failure at once.
type RecoverPayload struct {
	FailedNodeIDs []uint32
}

func (p RecoverPayload) Encode() []byte {
	b := make([]byte, 2+4*len(p.FailedNodeIDs))
	binary.BigEndian.PutUint16(b[0:2], uint16(len(p.FailedNodeIDs)))
	for i, id := range p.FailedNodeIDs {
		binary.BigEndian.PutUint32(b[2+4*i:6+4*i], id)
	}
	return b
}

func DecodeRecoverPayload(b []byte) (RecoverPayload, error) {
	if len(b) < 2 {
		return RecoverPayload{}, errors.Wrap(ErrMalformedPayload, "recover payload")
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) != 2+4*n {
		return RecoverPayload{}, errors.Wrap(ErrMalformedPayload, "recover payload length")
	}
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = binary.BigEndian.Uint32(b[2+4*i : 6+4*i])
	}
	return RecoverPayload{FailedNodeIDs: ids}, nil
}

// AppPayload wraps an opaque application byte string for the
// APP_INTERNAL / APP_STOPPED / APP_STARTED message types, which carry
// the `send`/`deliver` client payloads (spec.md §4.7) across the
// per-group scope. It implements proto.Message so it can be passed
// through gogo/protobuf's proto.Marshal/Unmarshal (the other payloads
// in this file are hand-encoded), while its own wire format is just
// the raw body bytes (no benefit from reflection-based encoding for a
// single opaque field).
type AppPayload struct {
	Body []byte
}

func (p *AppPayload) Reset()         { p.Body = nil }
func (p *AppPayload) String() string { return string(p.Body) }
func (*AppPayload) ProtoMessage()    {}

// Marshal satisfies the gogoproto "marshaler" convention used
// throughout the pack's generated *.pb.go files (e.g. clusterpb.Part),
// hand-written here since no .proto schema is compiled for a single
// opaque byte field.
func (p *AppPayload) Marshal() ([]byte, error) {
	return append([]byte(nil), p.Body...), nil
}

func (p *AppPayload) Unmarshal(b []byte) error {
	p.Body = append([]byte(nil), b...)
	return nil
}

var _ proto.Message = (*AppPayload)(nil)

func EncodeAppPayload(body []byte) ([]byte, error) {
	return proto.Marshal(&AppPayload{Body: body})
}

func DecodeAppPayload(b []byte) ([]byte, error) {
	var p AppPayload
	if err := proto.Unmarshal(b, &p); err != nil {
		return nil, errors.Wrap(err, "decode app payload")
	}
	return p.Body, nil
}
