package transport

import (
	"strconv"
	"strings"

	"github.com/ClusterLabs/groupd/internal/oracle"
)

// DaemonPeerScope is the always-joined scope containing every running
// daemon instance (spec.md §4.3, scope 1).
const DaemonPeerScope = "daemon-peer"

// GroupScopeName derives the per-group scope name (spec.md §4.3, scope
// 2) from a Group's global-id, so every member computes the same
// string without negotiation.
func GroupScopeName(globalID uint32) string {
	return "group-" + formatUint32(globalID)
}

// ParseGroupScope reports the global-id a GroupScopeName was built
// from, or ok=false if scope is not a per-group scope name.
func ParseGroupScope(scope string) (globalID uint32, ok bool) {
	rest, found := strings.CutPrefix(scope, "group-")
	if !found {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

func formatUint32(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// DeliverFunc is invoked once per message delivered in a scope, in the
// scope's total delivery order (spec.md §6: "delivery callback
// (scope, sender_nodeid, bytes)").
type DeliverFunc func(scope string, from oracle.NodeID, body []byte)

// ConfigChangeFunc is invoked once per membership configuration change
// observed in a scope (spec.md §6: "configuration-change callback
// (scope, members, joined, left)"). It is always called after every
// message delivered under the prior configuration and before any
// message delivered under the new one (spec.md §4.3 contract (ii)).
type ConfigChangeFunc func(scope string, members, joined, left []oracle.NodeID)

// Transport is the narrow interface internal/groupsm, internal/barrier
// and internal/recovery consume for ordered multicast (spec.md §4.3,
// §6 "Messaging bus contract").
type Transport interface {
	// Join adds us to scope, joining on first local Join of the
	// corresponding Group and left on its final local Leave (spec.md
	// §4.3). Joining DaemonPeerScope happens once at daemon startup.
	Join(scope string) error
	// Leave removes us from scope.
	Leave(scope string) error
	// Multicast sends body to every current member of scope. Send
	// failures are retried a bounded number of times locally before
	// the message is dropped (spec.md §4.3, §7 "Transient local").
	Multicast(scope string, body []byte) error
	// SetDeliverHandler installs the callback invoked for every
	// message delivered in any scope.
	SetDeliverHandler(fn DeliverFunc)
	// SetConfigChangeHandler installs the callback invoked for every
	// scope configuration change.
	SetConfigChangeHandler(fn ConfigChangeFunc)
	// Members returns the current known members of scope.
	Members(scope string) []oracle.NodeID
}
