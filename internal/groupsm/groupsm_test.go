package groupsm

import (
	"github.com/ClusterLabs/groupd/internal/barrier"
	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/transport"
	"github.com/sirupsen/logrus"
)

// loopbackTransport is a single-node transport.Transport fake. Its
// Multicast mirrors MemberlistTransport's defining property: it
// delivers to this node synchronously, before returning, regardless
// of scope membership — the same property that makes a broadcasting
// node re-enter its own handlers mid-call. Deliveries "from" another
// node are never produced by this fake; tests that need a peer's
// reply call sm.HandleMessage directly, playing the remote node.
type loopbackTransport struct {
	ourID    oracle.NodeID
	members  map[string][]oracle.NodeID
	deliver  transport.DeliverFunc
	configFn transport.ConfigChangeFunc
	sent     []sentMsg
}

type sentMsg struct {
	scope string
	body  []byte
}

func newLoopbackTransport(our oracle.NodeID) *loopbackTransport {
	return &loopbackTransport{ourID: our, members: make(map[string][]oracle.NodeID)}
}

func (t *loopbackTransport) Join(scope string) error {
	if !containsNodeID(t.members[scope], t.ourID) {
		t.members[scope] = append(t.members[scope], t.ourID)
	}
	return nil
}

func (t *loopbackTransport) Leave(scope string) error {
	t.members[scope] = removeNodeID(t.members[scope], t.ourID)
	return nil
}

func (t *loopbackTransport) Multicast(scope string, body []byte) error {
	t.sent = append(t.sent, sentMsg{scope, body})
	if t.deliver != nil {
		t.deliver(scope, t.ourID, body)
	}
	return nil
}

func (t *loopbackTransport) SetDeliverHandler(fn transport.DeliverFunc) { t.deliver = fn }
func (t *loopbackTransport) SetConfigChangeHandler(fn transport.ConfigChangeFunc) {
	t.configFn = fn
}
func (t *loopbackTransport) Members(scope string) []oracle.NodeID { return t.members[scope] }

var _ transport.Transport = (*loopbackTransport)(nil)

// fakeOracle is a fixed-membership oracle.Adapter stub.
type fakeOracle struct {
	our     oracle.NodeID
	members []oracle.Node
	quorate bool
}

func (o *fakeOracle) CurrentMembers() []oracle.Node       { return o.members }
func (o *fakeOracle) Quorate() bool                       { return o.quorate }
func (o *fakeOracle) OurNodeID() oracle.NodeID             { return o.our }
func (o *fakeOracle) Notifications() <-chan oracle.Notification { return nil }
func (o *fakeOracle) Err() error                           { return nil }
func (o *fakeOracle) MarkReachable(id oracle.NodeID)       {}
func (o *fakeOracle) Close() error                         { return nil }

var _ oracle.Adapter = (*fakeOracle)(nil)

// fakeClient records every ClientCallbacks invocation instead of
// driving a real client-endpoint socket.
type fakeClient struct {
	stopped    []*registry.Event
	started    []startCall
	finished   []*registry.Event
	setIDs     []*registry.Group
	terminated []*registry.Group
	delivered  []deliverCall
}

type startCall struct {
	ev      *registry.Event
	members []oracle.NodeID
}

type deliverCall struct {
	from oracle.NodeID
	body []byte
}

func (c *fakeClient) Stop(g *registry.Group, ev *registry.Event) {
	c.stopped = append(c.stopped, ev)
}
func (c *fakeClient) Start(g *registry.Group, ev *registry.Event, members []oracle.NodeID) {
	c.started = append(c.started, startCall{ev: ev, members: members})
}
func (c *fakeClient) Finish(g *registry.Group, ev *registry.Event) {
	c.finished = append(c.finished, ev)
}
func (c *fakeClient) SetID(g *registry.Group)      { c.setIDs = append(c.setIDs, g) }
func (c *fakeClient) Terminate(g *registry.Group)  { c.terminated = append(c.terminated, g) }
func (c *fakeClient) Deliver(g *registry.Group, from oracle.NodeID, body []byte) {
	c.delivered = append(c.delivered, deliverCall{from: from, body: body})
}

var _ ClientCallbacks = (*fakeClient)(nil)

// fakeGate lets tests control RecoveryGate.ReadyToRestart explicitly.
type fakeGate struct{ ready bool }

func (g *fakeGate) ReadyToRestart(*registry.Group) bool { return g.ready }

var _ RecoveryGate = (*fakeGate)(nil)

// testHarness bundles a StateMachine with the fakes that drive it, at
// a single node (nodeID 1) that believes it is alone in the cluster
// unless overridden by the caller.
type testHarness struct {
	reg    *registry.Registry
	oracle *fakeOracle
	tr     *loopbackTransport
	bs     *barrier.Service
	client *fakeClient
	gate   *fakeGate
	sm     *StateMachine
}

func newHarness(our oracle.NodeID, members []oracle.Node) *testHarness {
	log, _ := logrus.NewNullLogger()
	reg := registry.New(our)
	oa := &fakeOracle{our: our, members: members, quorate: true}
	tr := newLoopbackTransport(our)
	bs := barrier.New(tr, log)
	client := &fakeClient{}
	gate := &fakeGate{ready: true}
	sm := New(reg, oa, tr, bs, client, gate, log)
	tr.SetDeliverHandler(sm.HandleMessage)
	tr.SetConfigChangeHandler(sm.HandleConfigChange)
	return &testHarness{reg: reg, oracle: oa, tr: tr, bs: bs, client: client, gate: gate, sm: sm}
}

// drain calls Step until it reports no more work was done, or until
// it has run n times (a safety bound against an infinite loop a bug
// might introduce).
func drain(sm *StateMachine, g *registry.Group, n int) {
	for i := 0; i < n; i++ {
		if !sm.Step(g) {
			return
		}
	}
}

func soloMembers(id oracle.NodeID) []oracle.Node {
	return []oracle.Node{{ID: id, Incarnation: 1}}
}
