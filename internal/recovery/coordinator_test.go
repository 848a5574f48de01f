package recovery

import (
	"testing"

	"github.com/ClusterLabs/groupd/internal/groupsm"
	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOracle is a minimal oracle.Adapter stub whose Quorate() result
// tests can flip.
type fakeOracle struct {
	our     oracle.NodeID
	quorate bool
}

func (o *fakeOracle) CurrentMembers() []oracle.Node            { return nil }
func (o *fakeOracle) Quorate() bool                            { return o.quorate }
func (o *fakeOracle) OurNodeID() oracle.NodeID                 { return o.our }
func (o *fakeOracle) Notifications() <-chan oracle.Notification { return nil }
func (o *fakeOracle) Err() error                               { return nil }
func (o *fakeOracle) MarkReachable(id oracle.NodeID)           {}
func (o *fakeOracle) Close() error                             { return nil }

var _ oracle.Adapter = (*fakeOracle)(nil)

// fakeTransport records every Multicast call and never delivers
// anything back — the coordinator tests drive groupsm directly rather
// than relying on self-delivery.
type fakeTransport struct{ sent []string }

func (t *fakeTransport) Join(scope string) error    { return nil }
func (t *fakeTransport) Leave(scope string) error   { return nil }
func (t *fakeTransport) Multicast(scope string, body []byte) error {
	t.sent = append(t.sent, scope)
	return nil
}
func (t *fakeTransport) SetDeliverHandler(fn transport.DeliverFunc)             {}
func (t *fakeTransport) SetConfigChangeHandler(fn transport.ConfigChangeFunc)   {}
func (t *fakeTransport) Members(scope string) []oracle.NodeID                  { return nil }

var _ transport.Transport = (*fakeTransport)(nil)

// fakeClient is a no-op groupsm.ClientCallbacks implementation; these
// tests only exercise queue/registry bookkeeping, not the client
// handshake itself.
type fakeClient struct{}

func (fakeClient) Stop(*registry.Group, *registry.Event)                  {}
func (fakeClient) Start(*registry.Group, *registry.Event, []oracle.NodeID) {}
func (fakeClient) Finish(*registry.Group, *registry.Event)                {}
func (fakeClient) SetID(*registry.Group)                                  {}
func (fakeClient) Terminate(*registry.Group)                              {}
func (fakeClient) Deliver(*registry.Group, oracle.NodeID, []byte)         {}

var _ groupsm.ClientCallbacks = fakeClient{}

func newTestCoordinator(quorate bool) (*Coordinator, *registry.Registry, *groupsm.StateMachine, *fakeTransport) {
	log, _ := logrus.NewNullLogger()
	reg := registry.New(1)
	oa := &fakeOracle{our: 1, quorate: quorate}
	tr := &fakeTransport{}
	sm := groupsm.New(reg, oa, tr, nil, fakeClient{}, nil, log)
	c := New(reg, oa, sm, tr, log)
	sm2 := groupsm.New(reg, oa, tr, nil, fakeClient{}, c, log)
	return c, reg, sm2, tr
}

func mustGroup(t *testing.T, reg *registry.Registry, level uint16, name string, members ...oracle.NodeID) *registry.Group {
	t.Helper()
	g, err := reg.Create(level, name, 0)
	require.NoError(t, err)
	g.GlobalID = uint32(level)<<16 | 1
	g.Members = members
	g.State = registry.StateRun
	return g
}

func TestOnNodeFailedEnqueuesFailOnEveryAffectedGroup(t *testing.T) {
	c, reg, sm, tr := newTestCoordinator(true)
	gA := mustGroup(t, reg, 0, "a", 1, 2)
	gB := mustGroup(t, reg, 1, "b", 1, 3)
	_ = mustGroup(t, reg, 2, "c", 1) // unaffected: never held node 2

	c.sm = sm
	c.OnNodeFailed(2)

	require.NotNil(t, gA.CurrentEvent())
	assert.Equal(t, registry.EventFail, gA.CurrentEvent().Kind)
	assert.Nil(t, gB.CurrentEvent(), "group b never had node 2 as a member")
	assert.Len(t, tr.sent, 1, "only the affected group's scope should see a RECOVER announcement")
}

func TestOnNodeFailedMergesIntoExistingRecoverySet(t *testing.T) {
	c, reg, sm, _ := newTestCoordinator(true)
	c.sm = sm
	// a holds both failing nodes, so the second failure reaches a group
	// already in the first failure's set.
	gA := mustGroup(t, reg, 0, "a", 1, 2, 3)
	gB := mustGroup(t, reg, 1, "b", 1, 3)

	c.OnNodeFailed(2)
	require.NotNil(t, gA.Recovery)
	setA := gA.Recovery

	c.OnNodeFailed(3)
	require.NotNil(t, gB.Recovery)
	assert.Same(t, setA, gB.Recovery, "a second failure before the first recovery completes joins the same set")
	assert.ElementsMatch(t, []oracle.NodeID{2, 3}, setA.FailedNodeIDs)
}

func TestReadyToRestartBlocksOnLowerLevelSibling(t *testing.T) {
	c, reg, sm, _ := newTestCoordinator(true)
	c.sm = sm
	low := mustGroup(t, reg, 0, "low", 1, 2)
	high := mustGroup(t, reg, 1, "high", 1, 2)

	set := &registry.RecoverySet{ID: 1, FailedNodeIDs: []oracle.NodeID{2}, Groups: []registry.GroupHandle{low.Handle, high.Handle}}
	low.Recovery = set
	high.Recovery = set
	low.Queue = []*registry.Event{{ID: 1, Kind: registry.EventFail, State: registry.FailStopWait}}
	high.Queue = []*registry.Event{{ID: 2, Kind: registry.EventFail, State: registry.FailAllStopped}}

	assert.False(t, c.ReadyToRestart(high), "high must wait for low, a lower-level sibling in the same set, to finish restarting")

	low.Queue[0].State = registry.FailStartWait
	assert.True(t, c.ReadyToRestart(high))
}

func TestReadyToRestartBlocksWhenNotQuorate(t *testing.T) {
	c, reg, sm, _ := newTestCoordinator(false)
	c.sm = sm
	g := mustGroup(t, reg, 0, "solo", 1)
	assert.False(t, c.ReadyToRestart(g))
}

func TestAdvanceCompletedClearsRecoveryAndRetriesSiblings(t *testing.T) {
	c, reg, sm, _ := newTestCoordinator(true)
	c.sm = sm
	low := mustGroup(t, reg, 0, "low", 1)
	high := mustGroup(t, reg, 1, "high", 1, 2)

	set := &registry.RecoverySet{ID: 1, FailedNodeIDs: []oracle.NodeID{2}, Groups: []registry.GroupHandle{low.Handle, high.Handle}}
	low.Recovery = set
	high.Recovery = set
	// low's Fail event has already finished and been popped.
	low.Queue = nil
	highEv := &registry.Event{ID: 5, Kind: registry.EventFail, State: registry.FailAllStopped, Members: []oracle.NodeID{1}}
	high.Queue = []*registry.Event{highEv}

	c.AdvanceCompleted(low)

	assert.Nil(t, low.Recovery, "a group with no current event drops out of its Recovery Set")
	assert.NotContains(t, set.Groups, low.Handle)
	assert.Equal(t, registry.FailStartWait, highEv.State, "high's gate re-check should now succeed since low is no longer blocking it")
}
