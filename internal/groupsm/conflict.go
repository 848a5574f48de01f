package groupsm

import (
	"time"

	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
)

// RetryBackoff is the fixed delay applied to an Event re-queued at
// *_BEGIN, whether by a DELAY tally (spec.md §4.4 step 2) or by
// cancellation (§4.4 "Cancellation"). spec.md specifies neither value
// nor exponential growth, only "a fixed back-off".
const RetryBackoff = 2 * time.Second

// ConflictDecision is the outcome of resolving two Join/Leave Events
// that address the same Group (spec.md §4.4, "Conflict resolution
// during negotiation").
type ConflictDecision int

const (
	// DecisionProceed means there is no conflicting local event;
	// handle the incoming request under the ordinary protocol rules.
	DecisionProceed ConflictDecision = iota
	// DecisionReplyWait means reply WAIT to the remote request and
	// leave the local event untouched.
	DecisionReplyWait
	// DecisionCancelLocal means cancel the local event (it will be
	// requeued at its *_BEGIN state) and then proceed to handle the
	// incoming request normally.
	DecisionCancelLocal
)

// isPreStopPhase reports whether state is strictly before the stop
// phase of its protocol (spec.md §4.4: "before the stop phase" means
// *_BEGIN through *_ACKWAIT).
func isPreStopPhase(state registry.EventState) bool {
	switch state {
	case registry.JoinBegin, registry.JoinAckWait,
		registry.LeaveBegin, registry.LeaveAckWait:
		return true
	default:
		return false
	}
}

// ResolveConflict decides how to handle an incoming Join/Leave request
// from remoteNodeID while local already holds a Join/Leave event for
// the same Group in localState (spec.md §4.4):
//
//   - Once past the stop phase, the holding node always replies WAIT;
//     the requester retries later.
//   - Before the stop phase, the lower nodeid wins: it replies WAIT
//     and keeps its own event; the higher nodeid cancels its own event
//     and lets the incoming request proceed.
//
// Call it only when local already has a current Join or Leave event
// for the Group; Fail events are never subject to this rule (spec.md
// §4.4: "Unlike Join/Leave, Fail requires no negotiation phase").
func ResolveConflict(localState registry.EventState, ourNodeID, remoteNodeID oracle.NodeID) ConflictDecision {
	if !isPreStopPhase(localState) {
		return DecisionReplyWait
	}
	if ourNodeID < remoteNodeID {
		return DecisionReplyWait
	}
	return DecisionCancelLocal
}

// beginStateFor returns the *_BEGIN state an Event of kind returns to
// when cancelled and requeued.
func beginStateFor(kind registry.EventKind) registry.EventState {
	switch kind {
	case registry.EventLeave:
		return registry.LeaveBegin
	case registry.EventFail:
		return registry.FailBegin
	default:
		return registry.JoinBegin
	}
}

// Cancel sets ev's cancel flag (spec.md §4.4, "Cancellation"). The
// actual abort-and-requeue happens the next time Step observes the
// flag, per the "aborts the current step at the next state
// transition" wording — Cancel itself never mutates State.
func Cancel(ev *registry.Event) {
	ev.Flags |= registry.EventCancel
}

// requeue aborts ev's current attempt and moves it back to its
// protocol's *_BEGIN state with a back-off deadline, per spec.md
// §4.4's "requeues the Event at *_BEGIN with a back-off deadline".
func requeue(ev *registry.Event, now time.Time) {
	ev.Advance(beginStateFor(ev.Kind))
	ev.Flags &^= registry.EventCancel
	ev.Flags |= registry.EventDelay
	ev.RetryDeadline = now.Add(RetryBackoff)
	ev.Barrier = registry.BarrierStatus{}
}
