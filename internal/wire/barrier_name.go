package wire

import (
	"fmt"

	"github.com/pkg/errors"
)

// MaxBarrierNameLen is the §6 bound on barrier-name length: "ASCII,
// ≤ 32 bytes".
const MaxBarrierNameLen = 32

// ErrBarrierNameTooLong indicates a computed barrier name exceeded
// MaxBarrierNameLen; callers should treat this as a configuration
// error (too many members, or an oversized global-id/event-id), since
// the name is derived deterministically and cannot be shortened.
var ErrBarrierNameTooLong = errors.New("wire: barrier name exceeds 32 bytes")

// BarrierName builds the deterministic rendezvous name used for the
// startdone-new and startdone-update purposes (spec.md §4.4, §6):
//
//	sm.<global_id>.<initiator>.<event_id>.<member_count>
//
// Every participant computes the same string from the same inputs, so
// no negotiation is needed to agree on a barrier's identity.
func BarrierName(globalID, initiator, eventID uint32, memberCount int) (string, error) {
	name := fmt.Sprintf("sm.%d.%d.%d.%d", globalID, initiator, eventID, memberCount)
	if len(name) > MaxBarrierNameLen {
		return "", ErrBarrierNameTooLong
	}
	return name, nil
}

// RecoveryBarrierName builds the deterministic rendezvous name used
// for the recovery purpose (spec.md §4.4, §6):
//
//	sm.<global_id>.<stop_seq>.RECOV.<member_count>
func RecoveryBarrierName(globalID, stopSeq uint32, memberCount int) (string, error) {
	name := fmt.Sprintf("sm.%d.%d.RECOV.%d", globalID, stopSeq, memberCount)
	if len(name) > MaxBarrierNameLen {
		return "", ErrBarrierNameTooLong
	}
	return name, nil
}
