package groupsm

import (
	"time"

	"github.com/ClusterLabs/groupd/internal/barrier"
	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/transport"
	"github.com/ClusterLabs/groupd/internal/wire"
	"golang.org/x/exp/slices"
)

// stepJoin performs the entry action for ev's current Join state, or
// reports false if the state is a passive wait (spec.md §4.4, "Join
// (initiated locally)" steps 1-5). It also runs for shadow Events a
// remote peer's JSTOP_REQ created on this node to track its own
// participation (see handleStopReq).
func (sm *StateMachine) stepJoin(g *registry.Group, ev *registry.Event) bool {
	switch ev.State {
	case registry.JoinBegin:
		sm.tallies[ev.ID] = &tally{replies: make(map[oracle.NodeID]reply)}
		ev.Members = currentMemberIDs(sm.oracle) // snapshot we expect replies from
		payload := wire.NamePayload{Name: g.Name}.Encode()
		// Advance before broadcasting: the transport delivers our own
		// broadcast synchronously (MemberlistTransport.Multicast), and
		// handleJoinRep only accepts a reply addressed to JoinAckWait.
		ev.Advance(registry.JoinAckWait)
		ev.ActionTaken = true
		sm.broadcastDaemonPeer(wire.JoinReq, ev, g, wire.StatusNone, payload)
		return true

	case registry.JoinAcked:
		scope := sm.groupScope(g)
		if err := sm.tr.Join(scope); err != nil {
			sm.log.WithError(err).Warn("failed to join group scope")
		}
		members := append([]oracle.NodeID(nil), g.Members...)
		ev.Members = members
		sm.tallies[ev.ID] = &tally{stopAcks: make(map[oracle.NodeID]bool)}
		if len(members) > 0 {
			count := uint32(len(members) + 1)
			sm.multicastGroupScope(wire.JStopReq, ev, g, wire.CountPayload{Count: count}.Encode())
		}
		// The initiator's own subsystem is stopped too, exactly like
		// every peer's (spec.md §8's solo-join trace still shows a
		// stop/stop_done round trip with no peers to wait on).
		sm.client.Stop(g, ev)
		ev.Advance(registry.JStopAckWait)
		ev.ActionTaken = true
		return true

	case registry.JStartWait:
		if ev.Flags.Has(registry.EventInitiator) {
			sm.multicastGroupScope(wire.JStartCmd, ev, g, nil)
		}
		// ev.Members tracks peers excluding ourselves (startJoinBarrier's
		// memberCount math depends on that), but the `start` callback
		// itself needs the joining node counted too: original_source's
		// send_join_start starts "with us, the new member, added to the
		// SG member list". Only the initiator is missing from ev.Members
		// here; a shadow Event's ev.Members already comes from the
		// transport's own group-scope membership (handleStartCmd), which
		// includes the joiner.
		members := ev.Members
		if ev.Flags.Has(registry.EventInitiator) {
			members = append(append([]oracle.NodeID(nil), ev.Members...), ev.Subject)
		}
		sm.client.Start(g, ev, members)
		ev.ClientStartDelivered++
		ev.Advance(registry.JoinBarrier)
		ev.ActionTaken = true
		return true

	default:
		// JoinAckWait, JStopAckWait, JoinBarrier are passive: progress
		// comes from handleJoinRep/handleStopRep/handleStartCmd or
		// HandleLocalStartDone/HandleBarrierDone.
		return false
	}
}

// handleJoinReq answers a remote node's JOIN_REQ on the daemon-peer
// scope (spec.md §4.4 step 2's counterpart: every current member
// tallies the same request and replies POS/NEG/WAIT).
func (sm *StateMachine) handleJoinReq(from oracle.NodeID, hdr wire.Header, payload []byte) {
	np, err := wire.DecodeNamePayload(payload)
	if err != nil {
		sm.log.WithError(err).Warn("dropping malformed JOIN_REQ")
		return
	}

	g, err := sm.reg.Lookup(hdr.Level, np.Name)
	if err != nil {
		sm.replyDaemonPeer(wire.JoinRep, hdr, 0, wire.Neg)
		return
	}

	// A request's own self-delivery (the transport's local echo of our
	// own broadcast, see MemberlistTransport.Multicast) has no
	// competing event to resolve against: cur here just is the
	// request itself.
	if cur := g.CurrentEvent(); cur != nil && from != sm.ourNodeID() {
		if cur.Kind == registry.EventFail {
			sm.replyDaemonPeer(wire.JoinRep, hdr, g.GlobalID, wire.Wait)
			return
		}
		if cur.Kind == registry.EventJoin || cur.Kind == registry.EventLeave {
			switch ResolveConflict(cur.State, sm.ourNodeID(), from) {
			case DecisionReplyWait:
				sm.replyDaemonPeer(wire.JoinRep, hdr, g.GlobalID, wire.Wait)
				return
			case DecisionCancelLocal:
				Cancel(cur)
			}
		}
	}

	// A GroupID of 0 means this node has no established membership in
	// the group either (it may itself be mid-negotiation for the very
	// same name) — report NEG exactly as it would for a name it had
	// never heard of (spec.md §4.4 step 2: "NEG: I have no such
	// group").
	if g.GlobalID == 0 {
		sm.replyDaemonPeer(wire.JoinRep, hdr, 0, wire.Neg)
		return
	}
	sm.replyDaemonPeer(wire.JoinRep, hdr, g.GlobalID, wire.Pos)
}

func (sm *StateMachine) replyDaemonPeer(t wire.MessageType, hdr wire.Header, groupID uint32, status wire.Status) {
	h := wire.Header{Type: t, Status: status, Level: hdr.Level, EventID: hdr.EventID, GroupID: groupID}
	msg := wire.Encode(h, nil)
	if err := sm.tr.Multicast(transport.DaemonPeerScope, msg); err != nil {
		sm.log.WithError(err).Warn("failed to reply on daemon-peer scope")
	}
}

// evaluateJoinTally implements spec.md §4.4 step 2's decision table.
func evaluateJoinTally(t *tally, expected int) (outcome tallyOutcome, adoptedGlobalID uint32) {
	if len(t.replies) < expected {
		return tallyIncomplete, 0
	}
	allNeg := true
	anyWait := false
	for _, r := range t.replies {
		switch r.status {
		case wire.Wait:
			anyWait = true
		case wire.Pos:
			allNeg = false
			adoptedGlobalID = r.globalID
		}
	}
	if anyWait {
		return tallyDelay, 0
	}
	if allNeg {
		return tallyNewGroup, 0
	}
	return tallyExistingGroup, adoptedGlobalID
}

type tallyOutcome int

const (
	tallyIncomplete tallyOutcome = iota
	tallyNewGroup
	tallyExistingGroup
	tallyDelay
)

// handleJoinRep tallies one reply to our own outstanding JOIN_REQ
// (spec.md §4.4 step 2).
func (sm *StateMachine) handleJoinRep(g *registry.Group, from oracle.NodeID, hdr wire.Header) {
	ev := g.CurrentEvent()
	if ev == nil || ev.Kind != registry.EventJoin || ev.State != registry.JoinAckWait || ev.ID != hdr.EventID {
		return
	}
	t := sm.tallies[ev.ID]
	if t == nil {
		return
	}
	t.replies[from] = reply{status: hdr.Status, globalID: hdr.GroupID}

	outcome, adopted := evaluateJoinTally(t, len(ev.Members))
	switch outcome {
	case tallyIncomplete:
		return
	case tallyDelay:
		delete(sm.tallies, ev.ID)
		requeue(ev, time.Now())
	case tallyNewGroup:
		delete(sm.tallies, ev.ID)
		sm.reg.AssignGlobalID(g)
		sm.client.SetID(g)
		g.Members = nil
		ev.Members = nil
		ev.Advance(registry.JoinAcked)
	case tallyExistingGroup:
		delete(sm.tallies, ev.ID)
		sm.reg.AdoptGlobalID(g, adopted)
		sm.client.SetID(g)
		peers := posResponders(t, sm.ourNodeID())
		g.Members = peers
		ev.Members = append([]oracle.NodeID(nil), peers...)
		ev.Advance(registry.JoinAcked)
	}
}

// posResponders returns the peers that answered a JOIN_REQ tally POS,
// excluding exclude, sorted for determinism. handleJoinRep's
// tallyExistingGroup branch uses this to learn an existing group's
// membership before the joiner has one of its own: registry.Registry
// never tracks Group.Members for a group this node hasn't joined yet.
func posResponders(t *tally, exclude oracle.NodeID) []oracle.NodeID {
	var out []oracle.NodeID
	for node, r := range t.replies {
		if r.status == wire.Pos && node != exclude {
			out = append(out, node)
		}
	}
	slices.Sort(out)
	return out
}

// handleStopReq answers a remote JSTOP_REQ or LSTOP_REQ by creating a
// shadow Event that tracks this node's own stop/start participation
// in someone else's Join or Leave (spec.md §4.4 step 3: "Peers that
// accept mark the Group as being updated, stop their subsystem, then
// reply POS"). The POS reply itself is deferred to
// HandleLocalStopDone: spec.md §4.7 requires the client's stop_done
// acknowledgment before any further callback or wire reply is sent.
func (sm *StateMachine) handleStopReq(kind registry.EventKind, from oracle.NodeID, hdr wire.Header) {
	g, err := sm.reg.LookupByID(hdr.GroupID)
	if err != nil {
		sm.log.WithField("group_id", hdr.GroupID).Debug("dropping stop request for unknown group")
		return
	}
	if cur := g.CurrentEvent(); cur != nil {
		// Busy with something else already; the initiator will see no
		// reply and eventually retry (no DELAY tally kept here since
		// stop requests, unlike join requests, carry no WAIT status).
		return
	}

	shadow := &registry.Event{
		ID:      hdr.EventID,
		Kind:    kind,
		State:   registry.JStopAckWait,
		Subject: from,
	}
	if kind == registry.EventLeave {
		shadow.State = registry.LStopAckWait
	}
	g.Queue = append(g.Queue, shadow)
	g.Flags |= registry.FlagUpdate

	sm.client.Stop(g, shadow)
	shadow.ActionTaken = true
}

// HandleLocalStopDone processes the client's stop_done acknowledgment
// for g's current event (spec.md §4.7). For a shadow Event tracking a
// peer's Join/Leave, this is what finally sends the deferred JSTOP_REP
// or LSTOP_REP. For an Event this node itself initiated (including
// every Fail, which has no shadow variant), it instead feeds into the
// same stop-phase completion gate handleStopRep drives from the
// peer side: both the local stop_done and every expected peer
// JSTOP_REP/LSTOP_REP must be in before the phase advances.
func (sm *StateMachine) HandleLocalStopDone(g *registry.Group, eventID uint32) {
	ev := g.CurrentEvent()
	if ev == nil || ev.ID != eventID {
		return
	}
	if ev.Flags.Has(registry.EventInitiator) {
		sm.handleLocalStopDoneInitiator(g, ev)
		return
	}

	var replyType wire.MessageType
	switch {
	case ev.Kind == registry.EventJoin && ev.State == registry.JStopAckWait:
		replyType = wire.JStopRep
	case ev.Kind == registry.EventLeave && ev.State == registry.LStopAckWait:
		replyType = wire.LStopRep
	default:
		return
	}

	h := wire.Header{Type: replyType, Status: wire.Pos, Level: g.Level, EventID: ev.ID, GroupID: g.GlobalID}
	if err := sm.tr.Multicast(sm.groupScope(g), wire.Encode(h, nil)); err != nil {
		sm.log.WithError(err).Warn("failed to reply to stop request")
	}
}

func (sm *StateMachine) handleLocalStopDoneInitiator(g *registry.Group, ev *registry.Event) {
	switch {
	case ev.Kind == registry.EventJoin && ev.State == registry.JStopAckWait:
		t := sm.tallies[ev.ID]
		if t == nil {
			return
		}
		t.localStopDone = true
		sm.maybeAdvanceJoinStop(g, ev, t)
	case ev.Kind == registry.EventLeave && ev.State == registry.LStopAckWait:
		t := sm.tallies[ev.ID]
		if t == nil {
			return
		}
		t.localStopDone = true
		sm.maybeAdvanceLeaveStop(g, ev, t)
	case ev.Kind == registry.EventFail && ev.State == registry.FailStopWait:
		sm.startRecoveryBarrier(g, ev)
	}
}

// maybeAdvanceJoinStop advances past JSTOP_ACKWAIT once both this
// node's own stop_done and every peer's JSTOP_REP have arrived;
// either one arriving first just records itself and waits.
func (sm *StateMachine) maybeAdvanceJoinStop(g *registry.Group, ev *registry.Event, t *tally) {
	if !t.localStopDone || len(t.stopAcks) < len(ev.Members) {
		return
	}
	delete(sm.tallies, ev.ID)
	ev.Advance(registry.JStartWait)
}

func (sm *StateMachine) maybeAdvanceLeaveStop(g *registry.Group, ev *registry.Event, t *tally) {
	if !t.localStopDone || len(t.stopAcks) < len(ev.Members) {
		return
	}
	delete(sm.tallies, ev.ID)
	sm.onLeaveStopped(g, ev)
}

// handleStopRep tallies one JSTOP_REP/LSTOP_REP against our own
// outstanding stop request (only the initiator keeps a tally for
// this).
func (sm *StateMachine) handleStopRep(kind registry.EventKind, from oracle.NodeID, hdr wire.Header) {
	g, err := sm.reg.LookupByID(hdr.GroupID)
	if err != nil {
		return
	}
	ev := g.CurrentEvent()
	wantState := registry.JStopAckWait
	if kind == registry.EventLeave {
		wantState = registry.LStopAckWait
	}
	if ev == nil || ev.Kind != kind || ev.State != wantState || ev.ID != hdr.EventID || !ev.Flags.Has(registry.EventInitiator) {
		return
	}
	t := sm.tallies[ev.ID]
	if t == nil {
		return
	}
	t.stopAcks[from] = true

	if kind == registry.EventJoin {
		sm.maybeAdvanceJoinStop(g, ev, t)
		return
	}
	sm.maybeAdvanceLeaveStop(g, ev, t)
}

// handleStartCmd advances a shadow Event past the wait for
// JSTART_CMD/LSTART_CMD. The initiator's own Event is left untouched;
// it advances through its own tally instead.
func (sm *StateMachine) handleStartCmd(kind registry.EventKind, hdr wire.Header) {
	g, err := sm.reg.LookupByID(hdr.GroupID)
	if err != nil {
		return
	}
	ev := g.CurrentEvent()
	if ev == nil || ev.Kind != kind || ev.ID != hdr.EventID || ev.Flags.Has(registry.EventInitiator) {
		return
	}
	switch kind {
	case registry.EventJoin:
		if ev.State != registry.JStopAckWait {
			return
		}
		ev.Members = sm.tr.Members(sm.groupScope(g))
		ev.Advance(registry.JStartWait)
	case registry.EventLeave:
		if ev.State != registry.LStopAckWait {
			return
		}
		g.Members = removeNodeID(g.Members, ev.Subject)
		ev.Members = append([]oracle.NodeID(nil), g.Members...)
		ev.Advance(registry.LStartWaitRemote)
		// Unlike a Join shadow Event (which rides stepJoin's JStartWait
		// entry action to deliver `start`), LStartWaitRemote has no
		// active counterpart in stepLeave: a remaining member's restart
		// has to be driven from here, the same way handleStopReq
		// delivers `stop` inline rather than through a generic dispatch.
		// Without this, the remaining member never calls start_done and
		// the leaver waits on LSTART_DONE forever (original_source's
		// app.c/do_startdone restarts survivors on every leave).
		sm.client.Start(g, ev, ev.Members)
		ev.ClientStartDelivered++
		ev.ActionTaken = true
	}
}

// HandleLocalStartDone processes the client's start_done acknowledgment
// for the current event of g (spec.md §4.7, "start_done").
func (sm *StateMachine) HandleLocalStartDone(g *registry.Group, eventID uint32) {
	ev := g.CurrentEvent()
	if ev == nil || ev.ID != eventID {
		return
	}
	switch {
	case ev.Kind == registry.EventJoin && ev.State == registry.JoinBarrier:
		sm.startJoinBarrier(g, ev)
	case ev.Kind == registry.EventLeave && ev.State == registry.LStartWaitRemote && !ev.Flags.Has(registry.EventInitiator):
		h := wire.Header{Type: wire.LStartDone, Level: g.Level, EventID: ev.ID, GroupID: g.GlobalID}
		if err := sm.tr.Multicast(sm.groupScope(g), wire.Encode(h, nil)); err != nil {
			sm.log.WithError(err).Warn("failed to send LSTART_DONE")
		}
		sm.popEvent(g, ev)
	case ev.Kind == registry.EventFail && ev.State == registry.FailStartWait:
		sm.client.Finish(g, ev)
		ev.ClientFinishDelivered = true
		ev.Advance(registry.EventDone)
		g.State = registry.StateRun
		sm.popEvent(g, ev)
	}
}

func (sm *StateMachine) startJoinBarrier(g *registry.Group, ev *registry.Event) {
	memberCount := len(ev.Members) + 1
	name, err := wire.BarrierName(g.GlobalID, uint32(ev.Subject), ev.ID, memberCount)
	if err != nil {
		sm.log.WithError(err).Warn("failed to compute barrier name, dropping to requeue")
		requeue(ev, time.Now())
		return
	}
	ev.Barrier = registry.BarrierStatus{Name: name, Expected: memberCount}
	sm.startBarrierWait(g, ev, sm.groupScope(g), name, memberCount, barrier.PurposeStartDoneNew)
}

func (sm *StateMachine) finishJoin(g *registry.Group, ev *registry.Event) {
	sm.client.Finish(g, ev)
	ev.ClientFinishDelivered = true
	g.State = registry.StateRun
	g.Flags &^= registry.FlagUpdate

	if !containsNodeID(g.Members, ev.Subject) {
		g.Members = append(g.Members, ev.Subject)
	}
	sm.popEvent(g, ev)
}
