package transport

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// envelope kinds multiplex the single physical gossip network into
// logical scopes (see doc.go). They are internal to the transport and
// never surface to internal/groupsm.
type envelopeKind uint8

const (
	envelopeScopeJoin envelopeKind = iota
	envelopeScopeLeave
	envelopeData
)

// envelope wraps an application message (or a scope control
// announcement) with enough bookkeeping for demultiplexing:
// which scope it belongs to and which node sent it.
type envelope struct {
	kind  envelopeKind
	scope string
	from  uint32
	body  []byte
}

var errMalformedEnvelope = errors.New("transport: malformed envelope")

func (e envelope) encode() []byte {
	buf := make([]byte, 1+1+len(e.scope)+4+len(e.body))
	buf[0] = byte(e.kind)
	buf[1] = byte(len(e.scope))
	n := 2
	n += copy(buf[n:], e.scope)
	binary.BigEndian.PutUint32(buf[n:n+4], e.from)
	n += 4
	copy(buf[n:], e.body)
	return buf
}

func decodeEnvelope(buf []byte) (envelope, error) {
	if len(buf) < 2 {
		return envelope{}, errMalformedEnvelope
	}
	kind := envelopeKind(buf[0])
	scopeLen := int(buf[1])
	if len(buf) < 2+scopeLen+4 {
		return envelope{}, errMalformedEnvelope
	}
	scope := string(buf[2 : 2+scopeLen])
	from := binary.BigEndian.Uint32(buf[2+scopeLen : 2+scopeLen+4])
	body := buf[2+scopeLen+4:]
	return envelope{kind: kind, scope: scope, from: from, body: append([]byte(nil), body...)}, nil
}
