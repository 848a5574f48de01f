package groupsm

import (
	"time"

	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/wire"
)

// stepLeave performs the entry action for ev's current Leave state
// (spec.md §4.4, "Leave (initiated locally)").
func (sm *StateMachine) stepLeave(g *registry.Group, ev *registry.Event) bool {
	switch ev.State {
	case registry.LeaveBegin:
		sm.tallies[ev.ID] = &tally{replies: make(map[oracle.NodeID]reply)}
		ev.Members = append([]oracle.NodeID(nil), g.Members...)
		// Advance before broadcasting, matching stepJoin's JoinBegin:
		// our own broadcast is delivered back to us synchronously.
		ev.Advance(registry.LeaveAckWait)
		ev.ActionTaken = true
		sm.broadcastDaemonPeer(wire.LeaveReq, ev, g, wire.StatusNone, nil)
		return true
	default:
		// LeaveAckWait, LStopAckWait, LStartWaitRemote are passive.
		return false
	}
}

// handleLeaveReq answers a remote node's LEAVE_REQ, applying the same
// conflict-resolution rule as JOIN_REQ (spec.md §4.4, "Conflict
// resolution during negotiation" makes no distinction between Join
// and Leave requesters).
func (sm *StateMachine) handleLeaveReq(from oracle.NodeID, hdr wire.Header) {
	g, err := sm.reg.LookupByID(hdr.GroupID)
	if err != nil {
		sm.replyDaemonPeer(wire.LeaveRep, hdr, hdr.GroupID, wire.Neg)
		return
	}

	// A request's own self-delivery has no competing event to resolve
	// against: cur here just is the request itself (see the identical
	// guard in handleJoinReq).
	if cur := g.CurrentEvent(); cur != nil && from != sm.ourNodeID() {
		if cur.Kind == registry.EventFail {
			sm.replyDaemonPeer(wire.LeaveRep, hdr, g.GlobalID, wire.Wait)
			return
		}
		if cur.Kind == registry.EventJoin || cur.Kind == registry.EventLeave {
			switch ResolveConflict(cur.State, sm.ourNodeID(), from) {
			case DecisionReplyWait:
				sm.replyDaemonPeer(wire.LeaveRep, hdr, g.GlobalID, wire.Wait)
				return
			case DecisionCancelLocal:
				Cancel(cur)
			}
		}
	}

	sm.replyDaemonPeer(wire.LeaveRep, hdr, g.GlobalID, wire.Pos)
}

// handleLeaveRep tallies one reply to our own outstanding LEAVE_REQ.
// Unlike Join, a Leave reply carries no new information to elect
// (the global-id already exists); any WAIT requeues the whole
// attempt, anything else counts as an ack.
func (sm *StateMachine) handleLeaveRep(g *registry.Group, from oracle.NodeID, hdr wire.Header) {
	ev := g.CurrentEvent()
	if ev == nil || ev.Kind != registry.EventLeave || ev.State != registry.LeaveAckWait || ev.ID != hdr.EventID {
		return
	}
	t := sm.tallies[ev.ID]
	if t == nil {
		return
	}
	t.replies[from] = reply{status: hdr.Status}
	if len(t.replies) < len(ev.Members) {
		return
	}
	delete(sm.tallies, ev.ID)

	for _, r := range t.replies {
		if r.status == wire.Wait {
			requeue(ev, time.Now())
			return
		}
	}

	peers := removeNodeID(append([]oracle.NodeID(nil), ev.Members...), sm.ourNodeID())
	ev.Members = peers
	sm.tallies[ev.ID] = &tally{stopAcks: make(map[oracle.NodeID]bool)}
	if len(peers) > 0 {
		sm.multicastGroupScope(wire.LStopReq, ev, g, wire.CountPayload{Count: uint32(len(peers))}.Encode())
	}
	// The leaver's own subsystem stops too (spec.md §8's solo-leave
	// trace still shows a stop/stop_done round trip).
	sm.client.Stop(g, ev)
	ev.Advance(registry.LStopAckWait)
	ev.ActionTaken = true
}

// onLeaveStopped runs once every LSTOP_REP has arrived for our own
// Leave (spec.md §4.4: "LSTART_CMD → LSTART_WAITREMOTE; the leaver
// issues a local terminate(Group) and destroys the Group after
// receiving one LSTART_DONE from any remaining member (or
// immediately if it was the sole member)").
func (sm *StateMachine) onLeaveStopped(g *registry.Group, ev *registry.Event) {
	h := wire.Header{Type: wire.LStartCmd, Level: g.Level, EventID: ev.ID, GroupID: g.GlobalID}
	if err := sm.tr.Multicast(sm.groupScope(g), wire.Encode(h, nil)); err != nil {
		sm.log.WithError(err).Warn("failed to broadcast LSTART_CMD")
	}

	remaining := removeNodeID(append([]oracle.NodeID(nil), g.Members...), ev.Subject)
	if len(remaining) == 0 {
		sm.client.Terminate(g)
		sm.finishLeave(g, ev)
		return
	}
	ev.Members = remaining
	ev.Advance(registry.LStartWaitRemote)
	ev.ActionTaken = true
}

// handleLStartDone runs on the leaver when a remaining member
// confirms it has restarted (spec.md §4.4).
func (sm *StateMachine) handleLStartDone(hdr wire.Header) {
	g, err := sm.reg.LookupByID(hdr.GroupID)
	if err != nil {
		return
	}
	ev := g.CurrentEvent()
	if ev == nil || ev.Kind != registry.EventLeave || ev.State != registry.LStartWaitRemote || !ev.Flags.Has(registry.EventInitiator) || ev.ID != hdr.EventID {
		return
	}
	sm.client.Terminate(g)
	sm.finishLeave(g, ev)
}

func (sm *StateMachine) finishLeave(g *registry.Group, ev *registry.Event) {
	sm.popEvent(g, ev)
	scope := sm.groupScope(g)
	if err := sm.reg.Destroy(g); err != nil {
		sm.log.WithError(err).Warn("failed to destroy group after leave")
	}
	if err := sm.tr.Leave(scope); err != nil {
		sm.log.WithError(err).Warn("failed to leave group scope")
	}
}
