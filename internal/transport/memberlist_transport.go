package transport

import (
	"strconv"
	"sync"

	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// scopeState tracks one logical scope's membership and its own
// retransmit queue, so a message multicast into a group scope is
// retried independently of daemon-peer traffic.
type scopeState struct {
	members map[oracle.NodeID]bool
	queue   *memberlist.TransmitLimitedQueue
}

// MemberlistTransport implements Transport by piggybacking logical
// scopes over a single *memberlist.Memberlist cluster (see doc.go).
// It is driven entirely from the memberlist delegate callbacks
// (NotifyMsg/GetBroadcasts/LocalState), which memberlist invokes from
// its own goroutines, so MemberlistTransport guards its state with a
// mutex even though the rest of the daemon is single-threaded
// (spec.md §5 exempts transport/oracle plumbing from that rule, same
// as internal/oracle's MemberlistAdapter).
type MemberlistTransport struct {
	ml    *memberlist.Memberlist
	ourID oracle.NodeID
	log   logrus.FieldLogger

	mu     sync.Mutex
	scopes map[string]*scopeState

	deliverFn deliverHolder
	configFn  configChangeHolder
}

// deliverHolder boxes the latest DeliverFunc so SetDeliverHandler can
// be called either before or after messages start arriving.
type deliverHolder struct {
	mu sync.RWMutex
	fn DeliverFunc
}

func (h *deliverHolder) set(fn DeliverFunc) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func (h *deliverHolder) call(scope string, from oracle.NodeID, body []byte) {
	h.mu.RLock()
	fn := h.fn
	h.mu.RUnlock()
	if fn != nil {
		fn(scope, from, body)
	}
}

// configChangeHolder is the same wrapper for ConfigChangeFunc.
type configChangeHolder struct {
	mu sync.RWMutex
	fn ConfigChangeFunc
}

func (h *configChangeHolder) set(fn ConfigChangeFunc) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func (h *configChangeHolder) call(scope string, members, joined, left []oracle.NodeID) {
	h.mu.RLock()
	fn := h.fn
	h.mu.RUnlock()
	if fn != nil {
		fn(scope, members, joined, left)
	}
}

// NewMemberlistTransport constructs a Transport riding on ml. ourID
// must match the decimal NodeID memberlist knows this node as (the
// same convention internal/oracle.NewMemberlistAdapter uses).
func NewMemberlistTransport(ml *memberlist.Memberlist, ourID oracle.NodeID, log logrus.FieldLogger) *MemberlistTransport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MemberlistTransport{
		ml:     ml,
		ourID:  ourID,
		log:    log.WithField("component", "transport"),
		scopes: make(map[string]*scopeState),
	}
}

// Delegate returns the memberlist.Delegate to install as
// memberlist.Config.Delegate. Only one Delegate can be installed per
// *memberlist.Memberlist, so if internal/oracle also needs one the
// caller must compose them (memberlist.Config only exposes Delegate
// and Events separately; this package only needs Delegate).
func (t *MemberlistTransport) Delegate() memberlist.Delegate { return (*mlDelegate)(t) }

type mlDelegate MemberlistTransport

// NodeMeta implements memberlist.Delegate. Scope traffic carries no
// per-node metadata of its own; internal/oracle's incarnation counter
// already occupies this slot on the shared cluster.
func (d *mlDelegate) NodeMeta(limit int) []byte { return nil }

// NotifyMsg implements memberlist.Delegate: demultiplexes an incoming
// envelope to its scope and fires the deliver or config-change
// callback.
func (d *mlDelegate) NotifyMsg(buf []byte) {
	t := (*MemberlistTransport)(d)
	if len(buf) == 0 {
		return
	}
	env, err := decodeEnvelope(buf)
	if err != nil {
		t.log.WithError(err).Warn("dropping malformed transport envelope")
		return
	}
	switch env.kind {
	case envelopeScopeJoin:
		t.observeJoin(env.scope, oracle.NodeID(env.from))
	case envelopeScopeLeave:
		t.observeLeave(env.scope, oracle.NodeID(env.from))
	case envelopeData:
		t.deliverFn.call(env.scope, oracle.NodeID(env.from), env.body)
	default:
		t.log.WithField("kind", env.kind).Warn("dropping transport envelope of unknown kind")
	}
}

// GetBroadcasts implements memberlist.Delegate: aggregates pending
// broadcasts across every scope this node has joined.
func (d *mlDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	t := (*MemberlistTransport)(d)
	t.mu.Lock()
	scopes := make([]*scopeState, 0, len(t.scopes))
	for _, s := range t.scopes {
		scopes = append(scopes, s)
	}
	t.mu.Unlock()

	var out [][]byte
	for _, s := range scopes {
		out = append(out, s.queue.GetBroadcasts(overhead, limit)...)
	}
	return out
}

// LocalState implements memberlist.Delegate. Scope membership is
// reconstructed via explicit join/leave envelopes rather than
// push/pull anti-entropy, so there is no local state to exchange.
func (d *mlDelegate) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate.
func (d *mlDelegate) MergeRemoteState(buf []byte, join bool) {}

func (t *MemberlistTransport) observeJoin(scope string, from oracle.NodeID) {
	t.mu.Lock()
	s := t.scopes[scope]
	if s == nil {
		// We haven't joined this scope ourselves; nothing to track
		// until we do (spec.md §4.3: config-change callbacks only fire
		// for scopes the local daemon has joined).
		t.mu.Unlock()
		return
	}
	if s.members[from] {
		t.mu.Unlock()
		return
	}
	s.members[from] = true
	members := nodeIDsOf(s.members)
	t.mu.Unlock()
	t.configFn.call(scope, members, []oracle.NodeID{from}, nil)
}

func (t *MemberlistTransport) observeLeave(scope string, from oracle.NodeID) {
	t.mu.Lock()
	s := t.scopes[scope]
	if s == nil || !s.members[from] {
		t.mu.Unlock()
		return
	}
	delete(s.members, from)
	members := nodeIDsOf(s.members)
	t.mu.Unlock()
	t.configFn.call(scope, members, nil, []oracle.NodeID{from})
}

func nodeIDsOf(m map[oracle.NodeID]bool) []oracle.NodeID {
	out := make([]oracle.NodeID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

// Join implements Transport: announces our membership in scope to the
// cluster and starts tracking/retransmitting its broadcasts.
func (t *MemberlistTransport) Join(scope string) error {
	t.mu.Lock()
	if _, exists := t.scopes[scope]; exists {
		t.mu.Unlock()
		return nil
	}
	s := &scopeState{members: map[oracle.NodeID]bool{t.ourID: true}}
	s.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       t.ml.NumMembers,
		RetransmitMult: memberlist.DefaultLANConfig().RetransmitMult,
	}
	t.scopes[scope] = s
	t.mu.Unlock()

	t.configFn.call(scope, []oracle.NodeID{t.ourID}, []oracle.NodeID{t.ourID}, nil)

	return t.broadcast(scope, envelopeScopeJoin, nil)
}

// Leave implements Transport.
func (t *MemberlistTransport) Leave(scope string) error {
	t.mu.Lock()
	if _, exists := t.scopes[scope]; !exists {
		t.mu.Unlock()
		return nil
	}
	delete(t.scopes, scope)
	t.mu.Unlock()

	return t.broadcast(scope, envelopeScopeLeave, nil)
}

// Multicast implements Transport.
func (t *MemberlistTransport) Multicast(scope string, body []byte) error {
	t.mu.Lock()
	_, exists := t.scopes[scope]
	t.mu.Unlock()
	if !exists {
		return errors.Errorf("transport: multicast to unjoined scope %q", scope)
	}
	// Loop our own message back through the normal delivery path, the
	// way memberlist never redelivers a node's own broadcasts to
	// itself (spec.md §4.3 requires every member, including the
	// sender, to observe messages in the scope's delivery order).
	t.deliverFn.call(scope, t.ourID, body)
	return t.broadcast(scope, envelopeData, body)
}

func (t *MemberlistTransport) broadcast(scope string, kind envelopeKind, body []byte) error {
	env := envelope{kind: kind, scope: scope, from: uint32(t.ourID), body: body}
	msg := env.encode()

	t.mu.Lock()
	s := t.scopes[scope]
	t.mu.Unlock()
	if s != nil {
		s.queue.QueueBroadcast(&scopeBroadcast{msg: msg})
	}
	// Also hand it directly to memberlist's point-to-point reliable
	// send so a one-shot message (scope join/leave) doesn't wait for
	// the next gossip round to start propagating.
	for _, m := range t.ml.Members() {
		id, err := strconv.ParseUint(m.Name, 10, 32)
		if err != nil || oracle.NodeID(id) == t.ourID {
			continue
		}
		if err := t.ml.SendReliable(m, msg); err != nil {
			t.log.WithError(err).WithField("peer", m.Name).Debug("reliable send failed, relying on gossip retransmit")
		}
	}
	return nil
}

// SetDeliverHandler implements Transport.
func (t *MemberlistTransport) SetDeliverHandler(fn DeliverFunc) { t.deliverFn.set(fn) }

// SetConfigChangeHandler implements Transport.
func (t *MemberlistTransport) SetConfigChangeHandler(fn ConfigChangeFunc) { t.configFn.set(fn) }

// Members implements Transport.
func (t *MemberlistTransport) Members(scope string) []oracle.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.scopes[scope]
	if s == nil {
		return nil
	}
	return nodeIDsOf(s.members)
}

// scopeBroadcast implements memberlist.Broadcast for a single envelope
// message. It never coalesces with other broadcasts (Invalidates
// always reports false): each envelope is independently meaningful
// and small, so there is nothing to gain by suppressing one in favor
// of another the way memberlist's own state-sync broadcasts might.
type scopeBroadcast struct {
	msg []byte
}

func (b *scopeBroadcast) Invalidates(other memberlist.Broadcast) bool { return false }
func (b *scopeBroadcast) Message() []byte                             { return b.msg }
func (b *scopeBroadcast) Finished()                                   {}

var _ Transport = (*MemberlistTransport)(nil)
