package groupsm

import (
	"testing"
	"time"

	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/stretchr/testify/assert"
)

func TestResolveConflictPreStopPhaseLowerNodeIDWins(t *testing.T) {
	d := ResolveConflict(registry.JoinBegin, 5, 9)
	assert.Equal(t, DecisionReplyWait, d, "lower nodeid (5) keeps its event and tells the requester to wait")

	d = ResolveConflict(registry.JoinAckWait, 5, 9)
	assert.Equal(t, DecisionReplyWait, d)
}

func TestResolveConflictPreStopPhaseHigherNodeIDCancels(t *testing.T) {
	d := ResolveConflict(registry.JoinBegin, 9, 5)
	assert.Equal(t, DecisionCancelLocal, d, "higher nodeid (9) cancels its own event")

	d = ResolveConflict(registry.LeaveAckWait, 9, 5)
	assert.Equal(t, DecisionCancelLocal, d)
}

func TestResolveConflictPastStopPhaseAlwaysReplyWait(t *testing.T) {
	postStop := []registry.EventState{
		registry.JStopAckWait, registry.JStartWait, registry.JoinBarrier,
		registry.LStopAckWait, registry.LStartWaitRemote,
	}
	for _, s := range postStop {
		// Even the numerically lower nodeid must now reply WAIT: the
		// holder has already committed stop-phase resources.
		assert.Equal(t, DecisionReplyWait, ResolveConflict(s, 1, 99), s.String())
		assert.Equal(t, DecisionReplyWait, ResolveConflict(s, 99, 1), s.String())
	}
}

func TestCancelSetsFlagWithoutMutatingState(t *testing.T) {
	ev := &registry.Event{Kind: registry.EventJoin, State: registry.JStopAckWait, ActionTaken: true}
	Cancel(ev)
	assert.True(t, ev.Flags.Has(registry.EventCancel))
	assert.Equal(t, registry.JStopAckWait, ev.State, "Cancel alone must not move State")
}

func TestRequeueResetsToBeginStateForKind(t *testing.T) {
	now := time.Now()
	cases := []struct {
		kind registry.EventKind
		want registry.EventState
	}{
		{registry.EventJoin, registry.JoinBegin},
		{registry.EventLeave, registry.LeaveBegin},
		{registry.EventFail, registry.FailBegin},
	}
	for _, c := range cases {
		ev := &registry.Event{Kind: c.kind, State: registry.JStartWait, ActionTaken: true,
			Flags: registry.EventCancel, Barrier: registry.BarrierStatus{Name: "x", Expected: 3}}
		requeue(ev, now)
		assert.Equal(t, c.want, ev.State)
		assert.False(t, ev.ActionTaken)
		assert.False(t, ev.Flags.Has(registry.EventCancel))
		assert.True(t, ev.Flags.Has(registry.EventDelay))
		assert.True(t, ev.RetryDeadline.After(now))
		assert.Zero(t, ev.Barrier)
	}
}
