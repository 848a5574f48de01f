package groupsm

import (
	"context"
	"time"

	"github.com/ClusterLabs/groupd/internal/barrier"
	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/transport"
	"github.com/ClusterLabs/groupd/internal/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Barrierer is the slice of *barrier.Service that StateMachine
// consumes, narrowed for testability the way internal/transport
// narrows *memberlist.Memberlist to the Transport interface.
type Barrierer interface {
	Barrier(ctx context.Context, scope, name string, expected int, purpose barrier.Purpose) (<-chan barrier.Result, barrier.CancelFunc)
	Ack(name string, from oracle.NodeID)
	OnConfigChange(scope string, left []oracle.NodeID)
}

var _ Barrierer = (*barrier.Service)(nil)

// RecoveryGate lets internal/recovery hold a Fail event at
// FAIL_ALL_STOPPED until the layered-ordering and quorum rules allow
// it to proceed (spec.md §4.6). A nil gate always allows progress,
// which is sufficient for tests that only exercise Join/Leave.
type RecoveryGate interface {
	ReadyToRestart(g *registry.Group) bool
}

// BarrierCompletion is delivered on StateMachine.BarrierDoneCh() when
// a previously issued barrier wait resolves (spec.md §4.4 step 5,
// §4.6's recovery barrier). The daemon's event loop selects on this
// channel alongside oracle notifications, transport deliveries, and
// client IPC.
type BarrierCompletion struct {
	Group   *registry.Group
	EventID uint32
	Result  barrier.Result
}

// tally accumulates one Join/Leave negotiation's replies, or one
// stop-phase's acks. It is kept out of registry.Event because it is
// pure bookkeeping local to whichever node issued the request; peers
// never need to serialize it.
type tally struct {
	replies  map[oracle.NodeID]reply
	stopAcks map[oracle.NodeID]bool
	// localStopDone is set once this node's own client has acknowledged
	// its stop for the current stop phase (spec.md §8: even a solo
	// member gets a stop/stop_done round trip, with zero peer acks to
	// wait for).
	localStopDone bool
}

type reply struct {
	status   wire.Status
	globalID uint32
}

// StateMachine drives every Group's event queue per spec.md §4.4. It
// holds no lock: spec.md §5 confines all of its methods to the
// daemon's single event-loop goroutine, except for the internal
// fan-in goroutines started by startBarrierWait, which only ever
// write to the unbuffered-from-the-consumer's-view barrierDone
// channel.
type StateMachine struct {
	reg     *registry.Registry
	oracle  oracle.Adapter
	tr      transport.Transport
	barrier Barrierer
	client  ClientCallbacks
	gate    RecoveryGate
	log     logrus.FieldLogger

	nextID uint32

	tallies map[uint32]*tally
	cancels map[uint32]barrier.CancelFunc

	barrierDone chan BarrierCompletion
}

// New constructs a StateMachine. gate may be nil (Fail events then
// always proceed past FAIL_ALL_STOPPED as soon as the recovery
// barrier resolves).
func New(reg *registry.Registry, oa oracle.Adapter, tr transport.Transport, bs Barrierer, client ClientCallbacks, gate RecoveryGate, log logrus.FieldLogger) *StateMachine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StateMachine{
		reg:         reg,
		oracle:      oa,
		tr:          tr,
		barrier:     bs,
		client:      client,
		gate:        gate,
		log:         log.WithField("component", "groupsm"),
		tallies:     make(map[uint32]*tally),
		cancels:     make(map[uint32]barrier.CancelFunc),
		barrierDone: make(chan BarrierCompletion, 16),
	}
}

// BarrierDoneCh returns the channel the daemon's event loop should
// select on for HandleBarrierDone input.
func (sm *StateMachine) BarrierDoneCh() <-chan BarrierCompletion { return sm.barrierDone }

func (sm *StateMachine) nextEventID() uint32 {
	sm.nextID++
	return sm.nextID
}

func (sm *StateMachine) ourNodeID() oracle.NodeID { return sm.oracle.OurNodeID() }

// JoinLocal enqueues a locally initiated Join for g (spec.md §4.4,
// "Join (initiated locally)").
func (sm *StateMachine) JoinLocal(g *registry.Group) *registry.Event {
	ev := &registry.Event{
		ID:      sm.nextEventID(),
		Kind:    registry.EventJoin,
		State:   registry.JoinBegin,
		Subject: sm.ourNodeID(),
		Flags:   registry.EventInitiator,
	}
	g.Queue = append(g.Queue, ev)
	return ev
}

// LeaveLocal enqueues a locally initiated Leave for g (spec.md §4.4,
// "Leave (initiated locally)").
func (sm *StateMachine) LeaveLocal(g *registry.Group) *registry.Event {
	ev := &registry.Event{
		ID:      sm.nextEventID(),
		Kind:    registry.EventLeave,
		State:   registry.LeaveBegin,
		Subject: sm.ourNodeID(),
		Flags:   registry.EventInitiator,
	}
	g.Queue = append(g.Queue, ev)
	return ev
}

// Step advances g's current event by at most one transition and
// reports whether it did any work, so the daemon's drain loop
// (spec.md §5, process_apps) knows when to stop polling and go back
// to select.
func (sm *StateMachine) Step(g *registry.Group) bool {
	ev := g.CurrentEvent()
	if ev == nil {
		return false
	}

	if ev.Flags.Has(registry.EventDelay) {
		if time.Now().Before(ev.RetryDeadline) {
			return false
		}
		ev.Flags &^= registry.EventDelay
	}

	if ev.Flags.Has(registry.EventCancel) {
		sm.abortBarrier(ev)
		delete(sm.tallies, ev.ID)
		requeue(ev, time.Now())
		return true
	}

	if ev.ActionTaken {
		return false
	}

	switch ev.Kind {
	case registry.EventJoin:
		return sm.stepJoin(g, ev)
	case registry.EventLeave:
		return sm.stepLeave(g, ev)
	case registry.EventFail:
		return sm.stepFail(g, ev)
	default:
		return false
	}
}

func (sm *StateMachine) abortBarrier(ev *registry.Event) {
	if cancel, ok := sm.cancels[ev.ID]; ok {
		cancel()
		delete(sm.cancels, ev.ID)
	}
}

// popEvent removes ev (which must be g's current event) from the
// queue and drops its bookkeeping.
func (sm *StateMachine) popEvent(g *registry.Group, ev *registry.Event) {
	if len(g.Queue) == 0 || g.Queue[0] != ev {
		return
	}
	g.Queue = g.Queue[1:]
	delete(sm.tallies, ev.ID)
	delete(sm.cancels, ev.ID)
}

func (sm *StateMachine) groupScope(g *registry.Group) string {
	return transport.GroupScopeName(g.GlobalID)
}

func (sm *StateMachine) broadcastDaemonPeer(t wire.MessageType, ev *registry.Event, g *registry.Group, status wire.Status, payload []byte) {
	h := wire.Header{Type: t, Status: status, Level: g.Level, EventID: ev.ID, GroupID: g.GlobalID}
	msg := wire.Encode(h, payload)
	if err := sm.tr.Multicast(transport.DaemonPeerScope, msg); err != nil {
		sm.log.WithError(err).WithField("type", t).Warn("failed to broadcast on daemon-peer scope")
	}
}

func (sm *StateMachine) multicastGroupScope(t wire.MessageType, ev *registry.Event, g *registry.Group, payload []byte) {
	h := wire.Header{Type: t, Level: g.Level, EventID: ev.ID, GroupID: g.GlobalID}
	msg := wire.Encode(h, payload)
	if err := sm.tr.Multicast(sm.groupScope(g), msg); err != nil {
		sm.log.WithError(err).WithField("type", t).Warn("failed to multicast on group scope")
	}
}

// startBarrierWait joins the named barrier and arranges for its
// completion to surface on BarrierDoneCh(), without blocking Step.
func (sm *StateMachine) startBarrierWait(g *registry.Group, ev *registry.Event, scope, name string, expected int, purpose barrier.Purpose) {
	ch, cancel := sm.barrier.Barrier(context.Background(), scope, name, expected, purpose)
	sm.cancels[ev.ID] = cancel
	go func(eventID uint32) {
		res, ok := <-ch
		if !ok {
			return
		}
		sm.barrierDone <- BarrierCompletion{Group: g, EventID: eventID, Result: res}
	}(ev.ID)
}

// HandleBarrierDone processes one BarrierCompletion read off
// BarrierDoneCh() by the daemon's event loop.
func (sm *StateMachine) HandleBarrierDone(bc BarrierCompletion) {
	g, ev := bc.Group, bc.Group.CurrentEvent()
	if ev == nil || ev.ID != bc.EventID {
		return
	}
	delete(sm.cancels, ev.ID)

	switch ev.Kind {
	case registry.EventJoin:
		sm.finishJoin(g, ev)
	case registry.EventFail:
		sm.advanceFailPastStopped(g, ev)
	}
}

func removeNodeID(list []oracle.NodeID, id oracle.NodeID) []oracle.NodeID {
	if i := slices.Index(list, id); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}

func containsNodeID(list []oracle.NodeID, id oracle.NodeID) bool {
	return slices.Contains(list, id)
}

// currentMemberIDs projects an Adapter's Node snapshot down to bare
// NodeIDs, the granularity registry.Event.Members and the wire
// protocol operate at (incarnations only matter to internal/oracle
// itself, spec.md §4.1).
func currentMemberIDs(oa oracle.Adapter) []oracle.NodeID {
	nodes := oa.CurrentMembers()
	ids := make([]oracle.NodeID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
