package oracle

import (
	"testing"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(ourID NodeID) *MemberlistAdapter {
	return &MemberlistAdapter{
		ourID:   ourID,
		cached:  make(map[NodeID]Node),
		pending: make(map[NodeID]Node),
		quorum:  func(int) bool { return true },
		notifCh: make(chan Notification, 64),
		closeCh: make(chan struct{}),
		log:     nopLogger(),
	}
}

func TestParseNodeID(t *testing.T) {
	id, ok := parseNodeID(&memberlist.Node{Name: "5"})
	require.True(t, ok)
	assert.Equal(t, NodeID(5), id)

	_, ok = parseNodeID(&memberlist.Node{Name: "not-a-number"})
	assert.False(t, ok)
}

func TestDecodeIncarnation(t *testing.T) {
	assert.Equal(t, uint64(0), decodeIncarnation(nil))
	assert.Equal(t, uint64(1), decodeIncarnation([]byte{0, 0, 0, 0, 0, 0, 0, 1}))
	assert.Equal(t, uint64(256), decodeIncarnation([]byte{1, 0}))
}

func TestHandleJoinDefersNewNodeUntilReachable(t *testing.T) {
	a := newTestAdapter(1)
	a.handleJoin(&memberlist.Node{Name: "2", Meta: []byte{0, 0, 0, 0, 0, 0, 0, 1}})

	select {
	case <-a.notifCh:
		t.Fatal("expected no notification before MarkReachable")
	default:
	}

	assert.Empty(t, a.CurrentMembers())

	a.MarkReachable(2)
	n := <-a.notifCh
	assert.Equal(t, NodeAdded, n.Kind)
	assert.Equal(t, NodeID(2), n.Node.ID)
	require.Len(t, a.CurrentMembers(), 1)
}

func TestHandleJoinRejoinWithChangedIncarnation(t *testing.T) {
	a := newTestAdapter(1)
	a.handleJoin(&memberlist.Node{Name: "2", Meta: []byte{0, 0, 0, 0, 0, 0, 0, 1}})
	a.MarkReachable(2)
	<-a.notifCh

	a.handleJoin(&memberlist.Node{Name: "2", Meta: []byte{0, 0, 0, 0, 0, 0, 0, 2}})
	n := <-a.notifCh
	assert.Equal(t, NodeRejoined, n.Kind)
	assert.Equal(t, uint64(2), n.Node.Incarnation)
}

func TestHandleJoinSameIncarnationIsSilent(t *testing.T) {
	a := newTestAdapter(1)
	a.handleJoin(&memberlist.Node{Name: "2", Meta: []byte{0, 0, 0, 0, 0, 0, 0, 1}})
	a.MarkReachable(2)
	<-a.notifCh

	a.handleJoin(&memberlist.Node{Name: "2", Meta: []byte{0, 0, 0, 0, 0, 0, 0, 1}})
	select {
	case n := <-a.notifCh:
		t.Fatalf("expected no notification, got %+v", n)
	default:
	}
}

func TestHandleLeaveEmitsNodeFailed(t *testing.T) {
	a := newTestAdapter(1)
	a.handleJoin(&memberlist.Node{Name: "2", Meta: []byte{0, 0, 0, 0, 0, 0, 0, 1}})
	a.MarkReachable(2)
	<-a.notifCh

	a.handleLeave(&memberlist.Node{Name: "2"})
	n := <-a.notifCh
	assert.Equal(t, NodeFailed, n.Kind)
	assert.Empty(t, a.CurrentMembers())
}

func TestHandleLeaveUnknownNodeIsNoop(t *testing.T) {
	a := newTestAdapter(1)
	a.handleLeave(&memberlist.Node{Name: "99"})
	select {
	case n := <-a.notifCh:
		t.Fatalf("expected no notification, got %+v", n)
	default:
	}
}

func TestMajorityQuorum(t *testing.T) {
	q := MajorityQuorum(5)
	assert.False(t, q(2))
	assert.True(t, q(3))

	single := MajorityQuorum(1)
	assert.True(t, single(1))
}
