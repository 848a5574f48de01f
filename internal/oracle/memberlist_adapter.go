package oracle

import (
	"strconv"
	"sync"

	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MemberlistAdapter implements Adapter over a *memberlist.Memberlist,
// the way prometheus-alertmanager's cluster.Peer wraps the same
// library for gossip-based cluster health (other_examples,
// "prometheus-alertmanager__cluster-cluster.go"). Node names on the
// wire are the decimal string form of NodeID; incarnation is carried
// in each node's gossip metadata rather than relying on memberlist's
// internal (unexported) incarnation counter.
type MemberlistAdapter struct {
	ml     *memberlist.Memberlist
	log    logrus.FieldLogger
	ourID  NodeID
	quorum func(members int) bool

	mu      sync.Mutex
	cached  map[NodeID]Node
	pending map[NodeID]Node // NodeAdded deferred until MarkReachable

	notifCh chan Notification
	closeCh chan struct{}
	closeMu sync.Mutex
	closed  bool
	errMu   sync.Mutex
	fatal   error
}

// QuorumFunc decides, given the current member count, whether the
// cluster holds quorum. spec.md leaves the exact policy external to
// the core; NewMemberlistAdapter treats a nil QuorumFunc as always
// quorate, and MajorityQuorum builds a strict-majority rule.
type QuorumFunc func(members int) bool

// NewMemberlistAdapter constructs an Adapter backed by ml. ourID must
// match the decimal NodeID encoded in this node's memberlist.Name.
// quorum may be nil, in which case the adapter is always quorate
// (single-node / test configurations).
func NewMemberlistAdapter(ml *memberlist.Memberlist, ourID NodeID, quorum QuorumFunc, log logrus.FieldLogger) *MemberlistAdapter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if quorum == nil {
		quorum = func(int) bool { return true }
	}
	a := &MemberlistAdapter{
		ml:      ml,
		log:     log.WithField("component", "oracle"),
		ourID:   ourID,
		quorum:  quorum,
		cached:  make(map[NodeID]Node),
		pending: make(map[NodeID]Node),
		notifCh: make(chan Notification, 64),
		closeCh: make(chan struct{}),
	}
	return a
}

// EventDelegate returns the memberlist.EventDelegate to install as
// memberlist.Config.Events for ml. It is kept separate from
// NewMemberlistAdapter's return so the caller builds the
// memberlist.Config before calling memberlist.Create.
func (a *MemberlistAdapter) EventDelegate() memberlist.EventDelegate { return (*eventDelegate)(a) }

type eventDelegate MemberlistAdapter

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { (*MemberlistAdapter)(d).handleJoin(n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { (*MemberlistAdapter)(d).handleLeave(n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { (*MemberlistAdapter)(d).handleJoin(n) }

func parseNodeID(n *memberlist.Node) (NodeID, bool) {
	v, err := strconv.ParseUint(n.Name, 10, 32)
	if err != nil {
		return 0, false
	}
	return NodeID(v), true
}

func decodeIncarnation(meta []byte) uint64 {
	var inc uint64
	for _, b := range meta {
		inc = inc<<8 | uint64(b)
	}
	return inc
}

func (a *MemberlistAdapter) handleJoin(n *memberlist.Node) {
	id, ok := parseNodeID(n)
	if !ok {
		a.log.WithField("name", n.Name).Warn("ignoring memberlist node with non-numeric name")
		return
	}
	node := Node{ID: id, Incarnation: decodeIncarnation(n.Meta)}

	a.mu.Lock()
	prev, had := a.cached[id]
	if had {
		a.cached[id] = node
		a.mu.Unlock()
		if prev.Incarnation != node.Incarnation {
			a.emit(Notification{Kind: NodeRejoined, Node: node})
		}
		return
	}
	// Brand new node: keep it out of CurrentMembers and defer the
	// addition until the transport confirms reachability (spec.md §4.1).
	a.pending[id] = node
	a.mu.Unlock()
}

func (a *MemberlistAdapter) handleLeave(n *memberlist.Node) {
	id, ok := parseNodeID(n)
	if !ok {
		return
	}
	a.mu.Lock()
	node, had := a.cached[id]
	delete(a.cached, id)
	delete(a.pending, id)
	a.mu.Unlock()
	if !had {
		return
	}
	a.emit(Notification{Kind: NodeFailed, Node: node})
}

// MarkReachable implements Adapter.
func (a *MemberlistAdapter) MarkReachable(id NodeID) {
	a.mu.Lock()
	node, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
		a.cached[id] = node
	}
	a.mu.Unlock()
	if ok {
		a.emit(Notification{Kind: NodeAdded, Node: node})
	}
}

func (a *MemberlistAdapter) emit(n Notification) {
	select {
	case a.notifCh <- n:
	case <-a.closeCh:
	}
}

// CurrentMembers implements Adapter.
func (a *MemberlistAdapter) CurrentMembers() []Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Node, 0, len(a.cached))
	for _, n := range a.cached {
		out = append(out, n)
	}
	return out
}

// Quorate implements Adapter.
func (a *MemberlistAdapter) Quorate() bool {
	return a.quorum(a.ml.NumMembers())
}

// OurNodeID implements Adapter.
func (a *MemberlistAdapter) OurNodeID() NodeID { return a.ourID }

// Notifications implements Adapter.
func (a *MemberlistAdapter) Notifications() <-chan Notification { return a.notifCh }

// Err implements Adapter.
func (a *MemberlistAdapter) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.fatal
}

// Fail marks the adapter fatally failed with err (spec.md §7, "Fatal
// (oracle disappears, ...)") and closes Notifications().
func (a *MemberlistAdapter) Fail(err error) {
	a.errMu.Lock()
	if a.fatal == nil {
		a.fatal = errors.Wrap(err, "oracle adapter failed")
	}
	a.errMu.Unlock()
	a.Close()
}

// Close implements Adapter.
func (a *MemberlistAdapter) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	close(a.closeCh)
	close(a.notifCh)
	return nil
}

// MajorityQuorum returns a QuorumFunc requiring a strict majority of
// expectedTotal nodes. Passing expectedTotal <= 1 yields a QuorumFunc
// that is always quorate (single-node deployments never partition).
func MajorityQuorum(expectedTotal int) QuorumFunc {
	if expectedTotal <= 1 {
		return func(int) bool { return true }
	}
	return func(members int) bool {
		return members*2 > expectedTotal
	}
}
