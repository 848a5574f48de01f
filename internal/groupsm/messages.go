package groupsm

import (
	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/transport"
	"github.com/ClusterLabs/groupd/internal/wire"
)

// HandleMessage is the single entry point the daemon's event loop
// calls for every delivery reported by transport.Transport's
// DeliverFunc (spec.md §4.3, §6). It decodes the fixed header and
// routes by message type to the handler that owns that phase of the
// Join/Leave/Fail protocols.
func (sm *StateMachine) HandleMessage(scope string, from oracle.NodeID, buf []byte) {
	hdr, payload, err := wire.Decode(buf)
	if err != nil {
		sm.log.WithError(err).WithField("scope", scope).Warn("dropping malformed message")
		return
	}

	switch hdr.Type {
	case wire.JoinReq:
		sm.handleJoinReq(from, hdr, payload)
	case wire.JoinRep:
		sm.withGroupByID(hdr.GroupID, func(g *registry.Group) { sm.handleJoinRep(g, from, hdr) })
	case wire.JStopReq:
		sm.handleStopReq(registry.EventJoin, from, hdr)
	case wire.JStopRep:
		sm.handleStopRep(registry.EventJoin, from, hdr)
	case wire.JStartCmd:
		sm.handleStartCmd(registry.EventJoin, hdr)
	case wire.LeaveReq:
		sm.handleLeaveReq(from, hdr)
	case wire.LeaveRep:
		sm.withGroupByID(hdr.GroupID, func(g *registry.Group) { sm.handleLeaveRep(g, from, hdr) })
	case wire.LStopReq:
		sm.handleStopReq(registry.EventLeave, from, hdr)
	case wire.LStopRep:
		sm.handleStopRep(registry.EventLeave, from, hdr)
	case wire.LStartCmd:
		sm.handleStartCmd(registry.EventLeave, hdr)
	case wire.LStartDone:
		sm.handleLStartDone(hdr)
	case wire.Recover:
		sm.handleRecover(hdr, payload)
	case wire.Barrier:
		sm.handleBarrierAck(from, payload)
	case wire.AppInternal, wire.AppStopped, wire.AppStarted:
		sm.handleAppPayload(scope, from, hdr, payload)
	default:
		sm.log.WithField("type", hdr.Type).Warn("dropping message of unknown type")
	}
}

func (sm *StateMachine) withGroupByID(groupID uint32, fn func(g *registry.Group)) {
	g, err := sm.reg.LookupByID(groupID)
	if err != nil {
		return
	}
	fn(g)
}

// handleRecover lets a peer's own Oracle-derived RECOVER announcement
// fold additional failed nodeids into a Fail event already in
// progress here, covering the case where this node observed the
// failure from the Oracle late or not at all (spec.md §4.6).
func (sm *StateMachine) handleRecover(hdr wire.Header, payload []byte) {
	rp, err := wire.DecodeRecoverPayload(payload)
	if err != nil {
		sm.log.WithError(err).Warn("dropping malformed RECOVER")
		return
	}
	g, err := sm.reg.LookupByID(hdr.GroupID)
	if err != nil {
		return
	}
	for _, id := range rp.FailedNodeIDs {
		sm.EnqueueFail(g, oracle.NodeID(id))
	}
}

func (sm *StateMachine) handleBarrierAck(from oracle.NodeID, payload []byte) {
	bp, err := wire.DecodeBarrierPayload(payload)
	if err != nil {
		sm.log.WithError(err).Warn("dropping malformed BARRIER")
		return
	}
	sm.barrier.Ack(bp.Name, from)
}

// handleAppPayload forwards an APP_INTERNAL/APP_STOPPED/APP_STARTED
// delivery to the local client (spec.md §4.7's `send`/`deliver`
// opaque-payload pair), or saves it if the owning Group is mid-barrier
// and cannot yet accept it (spec.md §3, "Saved Message").
func (sm *StateMachine) handleAppPayload(scope string, from oracle.NodeID, hdr wire.Header, payload []byte) {
	body, err := wire.DecodeAppPayload(payload)
	if err != nil {
		sm.log.WithError(err).WithField("scope", scope).Warn("dropping malformed app payload")
		return
	}
	g, err := sm.reg.LookupByID(hdr.GroupID)
	if err != nil {
		return
	}
	if ev := g.CurrentEvent(); ev != nil && ev.State == registry.JoinBarrier {
		g.Saved = append(g.Saved, registry.SavedMessage{SenderNodeID: from, MessageType: uint8(hdr.Type), Body: body})
		return
	}
	sm.client.Deliver(g, from, body)
}

// HandleConfigChange is the daemon event loop's entry point for
// transport.ConfigChangeFunc (spec.md §4.3 contract (ii), §4.5's
// barrier-shrink rule, and §4.4's cancellation rule (iii)).
func (sm *StateMachine) HandleConfigChange(scope string, members, joined, left []oracle.NodeID) {
	sm.barrier.OnConfigChange(scope, left)

	if scope == transport.DaemonPeerScope {
		return
	}
	globalID, ok := transport.ParseGroupScope(scope)
	if !ok {
		return
	}
	g, err := sm.reg.LookupByID(globalID)
	if err != nil {
		return
	}
	ev := g.CurrentEvent()
	if ev == nil || len(left) == 0 {
		return
	}
	for _, id := range left {
		if containsNodeID(ev.Members, id) {
			Cancel(ev)
			return
		}
	}
}
