package daemon

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ClusterLabs/groupd/internal/barrier"
	"github.com/ClusterLabs/groupd/internal/clientproto"
	"github.com/ClusterLabs/groupd/internal/groupsm"
	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// loopbackTransport mirrors internal/groupsm's own test fake: Multicast
// delivers to this node synchronously with respect to the caller, the
// same property MemberlistTransport has for a message to one's own
// node. Since Daemon.New rewires SetDeliverHandler onto a channel
// rather than calling a StateMachine method inline, "synchronous"
// here means "enqueued for the next iteration of Run's select loop",
// not "processed before Multicast returns".
type loopbackTransport struct {
	ourID   oracle.NodeID
	members map[string][]oracle.NodeID
	deliver transport.DeliverFunc
}

func newLoopbackTransport(our oracle.NodeID) *loopbackTransport {
	return &loopbackTransport{ourID: our, members: make(map[string][]oracle.NodeID)}
}

func (t *loopbackTransport) Join(scope string) error {
	t.members[scope] = append(t.members[scope], t.ourID)
	return nil
}
func (t *loopbackTransport) Leave(scope string) error { return nil }
func (t *loopbackTransport) Multicast(scope string, body []byte) error {
	if t.deliver != nil {
		t.deliver(scope, t.ourID, body)
	}
	return nil
}
func (t *loopbackTransport) SetDeliverHandler(fn transport.DeliverFunc) { t.deliver = fn }
func (t *loopbackTransport) SetConfigChangeHandler(fn transport.ConfigChangeFunc) {}
func (t *loopbackTransport) Members(scope string) []oracle.NodeID { return t.members[scope] }

var _ transport.Transport = (*loopbackTransport)(nil)

// fakeOracle is a solo-member, never-notifying oracle.Adapter stub.
type fakeOracle struct {
	our   oracle.NodeID
	notif chan oracle.Notification
}

func newFakeOracle(our oracle.NodeID) *fakeOracle {
	return &fakeOracle{our: our, notif: make(chan oracle.Notification)}
}

func (o *fakeOracle) CurrentMembers() []oracle.Node { return []oracle.Node{{ID: o.our, Incarnation: 1}} }
func (o *fakeOracle) Quorate() bool                 { return true }
func (o *fakeOracle) OurNodeID() oracle.NodeID       { return o.our }
func (o *fakeOracle) Notifications() <-chan oracle.Notification { return o.notif }
func (o *fakeOracle) Err() error                     { return nil }
func (o *fakeOracle) MarkReachable(id oracle.NodeID) {}
func (o *fakeOracle) Close() error                   { return nil }

var _ oracle.Adapter = (*fakeOracle)(nil)

// readLine reads one newline-terminated reply with a deadline, so a
// protocol mistake fails the test instead of hanging it forever.
func readLine(t *testing.T, br *bufio.Reader, conn net.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\n")
}

// TestDaemonDrivesSoloJoinToCompletion exercises the whole join path
// end to end through a real client socket: setup/join, the setid
// callback fired as soon as the (solo) global-id negotiation
// completes, the stop/stop_done and start/start_done callback round
// trips, and the final finish callback once the (solo, so
// synchronous) barrier resolves — spec.md §8's solo-join trace.
func TestDaemonDrivesSoloJoinToCompletion(t *testing.T) {
	log, _ := logrus.NewNullLogger()

	reg := registry.New(1)
	oa := newFakeOracle(1)
	tr := newLoopbackTransport(1)
	bs := barrier.New(tr, log)

	srv, err := clientproto.Listen(log)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	dispatch := clientproto.NewDispatcher(srv, log)
	sm := groupsm.New(reg, oa, tr, bs, dispatch, nil, log)

	d := New(reg, oa, tr, sm, nil, srv, dispatch, nil, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	conn, err := net.Dial("unix", clientproto.SocketName)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	br := bufio.NewReader(conn)

	_, err = conn.Write([]byte("setup app 0\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("join mygroup\n"))
	require.NoError(t, err)

	// setid fires as soon as the solo global-id negotiation completes,
	// before this node has even stopped its own subsystem.
	setIDLine := readLine(t, br, conn)
	setIDFields := strings.Fields(setIDLine)
	require.Equal(t, []string{"setid", "mygroup"}, setIDFields[:2])

	stopLine := readLine(t, br, conn)
	require.Equal(t, "stop mygroup", stopLine)

	_, err = conn.Write([]byte("stop_done mygroup\n"))
	require.NoError(t, err)

	startLine := readLine(t, br, conn)
	startFields := strings.Fields(startLine)
	require.GreaterOrEqual(t, len(startFields), 4)
	require.Equal(t, "start", startFields[0])
	require.Equal(t, "mygroup", startFields[1])
	eventNr := startFields[2]
	require.Equal(t, "join", startFields[3])

	_, err = conn.Write([]byte("start_done mygroup " + eventNr + "\n"))
	require.NoError(t, err)

	finishLine := readLine(t, br, conn)
	require.Equal(t, "finish mygroup "+eventNr, finishLine)
}

// TestDrainStopsOnceNoGroupMakesProgress confirms drain() loops across
// every Group until a full pass does no work, rather than stopping
// after the first Group it happens to advance (process_apps' defining
// property).
func TestDrainStopsOnceNoGroupMakesProgress(t *testing.T) {
	log, _ := logrus.NewNullLogger()

	reg := registry.New(1)
	oa := newFakeOracle(1)
	tr := newLoopbackTransport(1)
	bs := barrier.New(tr, log)

	srv, err := clientproto.Listen(log)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	dispatch := clientproto.NewDispatcher(srv, log)
	sm := groupsm.New(reg, oa, tr, bs, dispatch, nil, log)

	gA, err := reg.Create(0, "a", 0)
	require.NoError(t, err)
	gB, err := reg.Create(1, "b", 0)
	require.NoError(t, err)

	d := New(reg, oa, tr, sm, nil, srv, dispatch, nil, nil, log)

	// Both groups are idle (no queued Event): a drain pass must do
	// nothing and return promptly rather than spin.
	done := make(chan struct{})
	go func() {
		d.drain()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain() did not return on two idle groups")
	}

	require.Empty(t, gA.Queue)
	require.Empty(t, gB.Queue)
}
