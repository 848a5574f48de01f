package recovery

import (
	"github.com/ClusterLabs/groupd/internal/groupsm"
	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/transport"
	"github.com/ClusterLabs/groupd/internal/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Coordinator implements groupsm.RecoveryGate and drives spec.md §4.6's
// node-fail-to-Fail-event pipeline. It is constructed once per daemon
// and wired into groupsm.New as the RecoveryGate argument.
type Coordinator struct {
	reg *registry.Registry
	oa  oracle.Adapter
	sm  *groupsm.StateMachine
	tr  transport.Transport
	log logrus.FieldLogger

	nextSetID uint64
}

// New constructs a Coordinator. sm must be the same StateMachine this
// Coordinator is later passed to as its RecoveryGate, since
// OnNodeFailed calls back into it to enqueue Fail events.
func New(reg *registry.Registry, oa oracle.Adapter, sm *groupsm.StateMachine, tr transport.Transport, log logrus.FieldLogger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{reg: reg, oa: oa, sm: sm, tr: tr, log: log.WithField("component", "recovery")}
}

// OnNodeFailed handles an oracle.NodeFailed notification (spec.md
// §4.6): it finds every Group that held failed, folds them into a
// Recovery Set (merging with one already in progress for any of those
// groups, per EnqueueFail's own merge-into-existing-Fail-event rule),
// enqueues/extends each Group's Fail event, and announces the failure
// on each affected group's own scope so any peer that missed the
// Oracle's own notification still learns of it (spec.md §4.6 via the
// RECOVER message documented at §6).
func (c *Coordinator) OnNodeFailed(failed oracle.NodeID) {
	var affected []*registry.Group
	for _, g := range c.reg.All() {
		if g.IsMember(failed) || slices.Contains(g.Joining, failed) {
			affected = append(affected, g)
		}
	}
	if len(affected) == 0 {
		return
	}

	set := c.existingSetFor(affected)
	if set == nil {
		c.nextSetID++
		set = &registry.RecoverySet{ID: c.nextSetID}
	}
	if !slices.Contains(set.FailedNodeIDs, failed) {
		set.FailedNodeIDs = append(set.FailedNodeIDs, failed)
	}
	for _, g := range affected {
		if g.Recovery == nil {
			g.Recovery = set
		}
		if !slices.Contains(set.Groups, g.Handle) {
			set.Groups = append(set.Groups, g.Handle)
		}
		c.sm.EnqueueFail(g, failed)
		c.broadcastRecover(g, failed)
	}
}

// existingSetFor returns the first non-nil Recovery already attached to
// one of groups, so a second failure arriving before the first's
// recovery has completed joins the same Set rather than starting a
// disjoint one the layered-ordering rule would never be able to compare
// against.
func (c *Coordinator) existingSetFor(groups []*registry.Group) *registry.RecoverySet {
	for _, g := range groups {
		if g.Recovery != nil {
			return g.Recovery
		}
	}
	return nil
}

// broadcastRecover announces failed on g's own group scope, carrying
// g's GlobalID in the header so handleRecover can route it back to the
// right Group without a cluster-wide fan-out.
func (c *Coordinator) broadcastRecover(g *registry.Group, failed oracle.NodeID) {
	hdr := wire.Header{Type: wire.Recover, Level: g.Level, GroupID: g.GlobalID}
	payload := wire.RecoverPayload{FailedNodeIDs: []uint32{uint32(failed)}}.Encode()
	scope := transport.GroupScopeName(g.GlobalID)
	if err := c.tr.Multicast(scope, wire.Encode(hdr, payload)); err != nil {
		c.log.WithError(err).Warn("failed to announce RECOVER")
	}
}

// ReadyToRestart implements groupsm.RecoveryGate (spec.md §4.6's
// layered-ordering and quorum-gating rules). It is consulted only while
// g's current event is a Fail parked at FAIL_ALL_STOPPED.
func (c *Coordinator) ReadyToRestart(g *registry.Group) bool {
	if !c.oa.Quorate() {
		return false
	}
	if g.Recovery == nil {
		return true
	}
	for _, h := range g.Recovery.Groups {
		sibling, err := c.reg.LookupByHandle(h)
		if err != nil || sibling == g || sibling.Level >= g.Level {
			continue
		}
		if !hasReachedAllStarted(sibling) {
			return false
		}
	}
	return true
}

// hasReachedAllStarted reports whether g's Fail progress is at or past
// FAIL_ALL_STARTED: either it has no current Fail event left to wait on
// (recovery already finished for it) or its current Fail event has
// advanced out of FAIL_ALL_STOPPED.
func hasReachedAllStarted(g *registry.Group) bool {
	ev := g.CurrentEvent()
	if ev == nil || ev.Kind != registry.EventFail {
		return true
	}
	return ev.State >= registry.FailStartWait
}

// AdvanceCompleted lets the daemon's event loop tell the coordinator
// that g's Fail event has just run its entry action (popped off the
// queue via EventDone, or moved past FAIL_ALL_STOPPED) so dependent
// Recovery Set bookkeeping and sibling re-checks can run (spec.md
// §4.6: "the coordinator re-evaluates readiness whenever any Group's
// Fail state advances").
func (c *Coordinator) AdvanceCompleted(g *registry.Group) {
	set := g.Recovery
	if set == nil {
		return
	}
	if g.CurrentEvent() == nil {
		g.Recovery = nil
		if i := slices.Index(set.Groups, g.Handle); i >= 0 {
			set.Groups = slices.Delete(set.Groups, i, i+1)
		}
	}

	for _, h := range set.Groups {
		sibling, err := c.reg.LookupByHandle(h)
		if err != nil {
			continue
		}
		c.sm.TryAdvanceRecovery(sibling)
	}
}
