package groupsm

import (
	"time"

	"github.com/ClusterLabs/groupd/internal/barrier"
	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/wire"
)

// EnqueueFail folds a failed nodeid into g's Fail handling (spec.md
// §4.6). A Fail event always preempts the current non-Fail event
// (§4.4): a Join/Leave that has not yet delivered a client `start` is
// dropped outright; one that has is preserved and re-run, from its
// begin state, after the Fail completes. A failing node's own queued
// Join is purged unconditionally, since there is no longer a subject
// to join.
func (sm *StateMachine) EnqueueFail(g *registry.Group, failed oracle.NodeID) *registry.Event {
	g.Joining = removeNodeID(g.Joining, failed)

	if len(g.Queue) > 1 {
		kept := g.Queue[:1]
		for _, ev := range g.Queue[1:] {
			if ev.Kind != registry.EventJoin || ev.Subject != failed {
				kept = append(kept, ev)
			}
		}
		g.Queue = kept
	}

	cur := g.CurrentEvent()
	if cur != nil && cur.Kind == registry.EventFail {
		if cur.Subject != failed && !containsNodeID(cur.Extension, failed) {
			cur.Extension = append(cur.Extension, failed)
		}
		return cur
	}

	failEv := &registry.Event{
		ID:      sm.nextEventID(),
		Kind:    registry.EventFail,
		State:   registry.FailBegin,
		Subject: failed,
		Flags:   registry.EventInitiator,
	}

	if cur == nil {
		g.Queue = append(g.Queue, failEv)
		return failEv
	}

	sm.abortBarrier(cur)
	delete(sm.tallies, cur.ID)
	rest := g.Queue[1:]

	preserve := cur.ClientStartDelivered > 0 && cur.Subject != failed
	newQueue := []*registry.Event{failEv}
	if preserve {
		requeue(cur, time.Now())
		newQueue = append(newQueue, cur)
	}
	g.Queue = append(newQueue, rest...)
	return failEv
}

// stepFail performs FAIL_BEGIN's entry action (spec.md §4.6: "Unlike
// Join/Leave, Fail requires no negotiation phase: the node is already
// gone; the protocol only synchronizes local stop and restart").
func (sm *StateMachine) stepFail(g *registry.Group, ev *registry.Event) bool {
	switch ev.State {
	case registry.FailBegin:
		dead := append([]oracle.NodeID{ev.Subject}, ev.Extension...)
		for _, id := range dead {
			g.Members = removeNodeID(g.Members, id)
			g.Joining = removeNodeID(g.Joining, id)
		}
		ev.Members = append([]oracle.NodeID(nil), g.Members...)
		g.Flags |= registry.FlagNeedRecovery
		sm.client.Stop(g, ev)
		ev.Advance(registry.FailStopWait)
		ev.ActionTaken = true
		return true
	default:
		// FailStopWait, FailAllStopped, FailStartWait are passive.
		return false
	}
}

// startRecoveryBarrier joins the all-stopped rendezvous for ev once
// this node's own local stop has completed (spec.md §4.6's restart
// synchronization, keyed by the RECOV barrier name).
func (sm *StateMachine) startRecoveryBarrier(g *registry.Group, ev *registry.Event) {
	memberCount := len(ev.Members)
	name, err := wire.RecoveryBarrierName(g.GlobalID, ev.ID, memberCount)
	if err != nil {
		sm.log.WithError(err).Warn("failed to compute recovery barrier name, dropping to requeue")
		requeue(ev, time.Now())
		return
	}
	ev.Barrier = registry.BarrierStatus{Name: name, Expected: memberCount}
	ev.Advance(registry.FailAllStopped)
	ev.ActionTaken = true
	sm.startBarrierWait(g, ev, sm.groupScope(g), name, memberCount, barrier.PurposeRecovery)
}

// advanceFailPastStopped runs once the all-stopped barrier resolves.
// It additionally consults the RecoveryGate (layered ordering and
// quorum, spec.md §4.6); if the gate refuses, ev simply stays at
// FAIL_ALL_STOPPED until internal/recovery calls TryAdvanceRecovery
// again after some other Group's Fail state advances.
func (sm *StateMachine) advanceFailPastStopped(g *registry.Group, ev *registry.Event) bool {
	if ev.State != registry.FailAllStopped {
		return false
	}
	if sm.gate != nil && !sm.gate.ReadyToRestart(g) {
		return false
	}
	sm.client.Start(g, ev, ev.Members)
	ev.ClientStartDelivered++
	g.Flags &^= registry.FlagNeedRecovery
	ev.Advance(registry.FailStartWait)
	ev.ActionTaken = true
	return true
}

// TryAdvanceRecovery lets internal/recovery's Coordinator re-evaluate
// g's Fail event after a readiness-affecting change elsewhere (spec.md
// §4.6: "The coordinator re-evaluates readiness whenever any Group's
// Fail state advances"). It is a no-op unless g's current event is a
// Fail parked at FAIL_ALL_STOPPED.
func (sm *StateMachine) TryAdvanceRecovery(g *registry.Group) bool {
	ev := g.CurrentEvent()
	if ev == nil || ev.Kind != registry.EventFail {
		return false
	}
	return sm.advanceFailPastStopped(g, ev)
}
