package groupsm

import (
	"testing"
	"time"

	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitBarrierDone(t *testing.T, sm *StateMachine) BarrierCompletion {
	t.Helper()
	select {
	case bc := <-sm.BarrierDoneCh():
		return bc
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for barrier completion")
		return BarrierCompletion{}
	}
}

func TestSoloJoinBootstrapsNewGroup(t *testing.T) {
	h := newHarness(1, soloMembers(1))
	g, err := h.reg.Create(0, "one", 42)
	require.NoError(t, err)

	ev := h.sm.JoinLocal(g)
	drain(h.sm, g, 10)

	require.Equal(t, registry.EventJoin, ev.Kind)
	require.Equal(t, registry.JStopAckWait, ev.State, "waiting on our own stop_done, with no peers to also wait on")
	require.Len(t, h.client.setIDs, 1)
	require.NotZero(t, g.GlobalID)
	require.Len(t, h.client.stopped, 1, "even a solo join stops the local subsystem")

	h.sm.HandleLocalStopDone(g, ev.ID)
	drain(h.sm, g, 10)

	require.Equal(t, registry.JoinBarrier, ev.State, "solo join should reach the barrier step without further external input")
	require.Len(t, h.client.started, 1)
	assert.Equal(t, []oracle.NodeID{1}, h.client.started[0].members, "the solo joiner itself is in its own start member list")

	h.sm.HandleLocalStartDone(g, ev.ID)
	bc := waitBarrierDone(t, h.sm)
	h.sm.HandleBarrierDone(bc)

	assert.Nil(t, g.CurrentEvent(), "event queue should be drained once the barrier resolves")
	assert.Equal(t, registry.StateRun, g.State)
	assert.Equal(t, []oracle.NodeID{1}, g.Members)
	require.Len(t, h.client.finished, 1)
}

// TestExistingMemberAnswersRemoteJoinReq exercises node 1, already the
// sole member of an established group, answering a JOIN_REQ broadcast
// by node 2 — the case handleJoinReq's "existing group" branch covers
// for every member other than the requester itself.
func TestExistingMemberAnswersRemoteJoinReq(t *testing.T) {
	h := newHarness(1, []oracle.Node{{ID: 1, Incarnation: 1}, {ID: 2, Incarnation: 1}})
	g, err := h.reg.Create(0, "two", 42)
	require.NoError(t, err)
	g.GlobalID = 0x10001
	g.Members = []oracle.NodeID{1}
	g.State = registry.StateRun

	hdr := wire.Header{Type: wire.JoinReq, Level: g.Level, EventID: 7}
	h.sm.handleJoinReq(2, hdr, wire.NamePayload{Name: "two"}.Encode())

	require.Len(t, h.tr.sent, 1, "a reply should have gone out on the daemon-peer scope")
	replyHdr, _, err := wire.Decode(h.tr.sent[0].body)
	require.NoError(t, err)
	assert.Equal(t, wire.JoinRep, replyHdr.Type)
	assert.Equal(t, wire.Pos, replyHdr.Status)
	assert.Equal(t, g.GlobalID, replyHdr.GroupID)
}

// TestConcurrentJoinConflictLowerNodeIDWins covers spec.md's
// pre-stop-phase conflict rule: node 1 already has its own Join
// negotiation underway for the group when node 3's competing JOIN_REQ
// for the same group arrives. Node 1 (the lower nodeid) keeps its
// event and replies WAIT.
func TestConcurrentJoinConflictLowerNodeIDWins(t *testing.T) {
	h := newHarness(1, soloMembers(1))
	g, err := h.reg.Create(0, "three", 42)
	require.NoError(t, err)

	ourEv := h.sm.JoinLocal(g)
	ourEv.State = registry.JoinAckWait // pre-stop-phase

	hdr := wire.Header{Type: wire.JoinReq, Level: g.Level, EventID: 99, GroupID: g.GlobalID}
	h.sm.handleJoinReq(3, hdr, wire.NamePayload{Name: "three"}.Encode())

	require.Len(t, h.tr.sent, 1)
	replyHdr, _, err := wire.Decode(h.tr.sent[0].body)
	require.NoError(t, err)
	assert.Equal(t, wire.Wait, replyHdr.Status)
	assert.Equal(t, registry.JoinAckWait, ourEv.State, "our own event must survive unchanged")
	assert.False(t, ourEv.Flags.Has(registry.EventCancel))
}

// TestConcurrentJoinConflictHigherNodeIDCancels is the mirror case:
// node 5 already has a pre-stop-phase Join event when a competing
// request from the lower-numbered node 1 arrives; node 5 cancels its
// own event rather than replying WAIT.
func TestConcurrentJoinConflictHigherNodeIDCancels(t *testing.T) {
	h := newHarness(5, soloMembers(5))
	g, err := h.reg.Create(0, "four", 42)
	require.NoError(t, err)
	g.GlobalID = 0x50001

	ourEv := h.sm.JoinLocal(g)
	ourEv.State = registry.JoinAckWait

	hdr := wire.Header{Type: wire.JoinReq, Level: g.Level, EventID: 11, GroupID: g.GlobalID}
	h.sm.handleJoinReq(1, hdr, wire.NamePayload{Name: "four"}.Encode())

	require.Len(t, h.tr.sent, 1)
	replyHdr, _, err := wire.Decode(h.tr.sent[0].body)
	require.NoError(t, err)
	assert.Equal(t, wire.Pos, replyHdr.Status, "the incoming request proceeds normally once we cancel")
	assert.True(t, ourEv.Flags.Has(registry.EventCancel), "our own event should be marked for cancellation")
}
