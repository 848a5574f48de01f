package daemon

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/ClusterLabs/groupd/internal/clientproto"
	"github.com/ClusterLabs/groupd/internal/introspect"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// newSessionOverSocket accepts exactly one connection on a Listen()ed
// Server and wires it into a clientSession the way registerSession
// would, without running Daemon.Run's event loop — these tests only
// exercise the reply helpers themselves.
func newSessionOverSocket(t *testing.T, srv *clientproto.Server, level uint16) (*clientSession, net.Conn) {
	t.Helper()
	conn, err := net.Dial("unix", clientproto.SocketName)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case ep := <-srv.NewConns():
		return &clientSession{ep: ep, level: level}, conn
	case <-time.After(2 * time.Second):
		t.Fatal("server never reported the accepted connection")
		return nil, nil
	}
}

func TestReplyGetGroupsStreamsEveryGroupThenTerminator(t *testing.T) {
	log, _ := logrus.NewNullLogger()
	reg := registry.New(1)
	_, err := reg.Create(0, "a", 0)
	require.NoError(t, err)
	_, err = reg.Create(1, "b", 0)
	require.NoError(t, err)

	srv, err := clientproto.Listen(log)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	go srv.Serve()

	d := &Daemon{reg: reg}
	sess, conn := newSessionOverSocket(t, srv, 0)

	d.replyGetGroups(sess)

	br := bufio.NewReader(conn)
	var lines []string
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, line)
	}
	require.Contains(t, lines[0], "group 0 a")
	require.Contains(t, lines[1], "group 1 b")
	require.Equal(t, ".\n", lines[2])
}

func TestReplyGetGroupAnswersNoneForUnknownGroup(t *testing.T) {
	log, _ := logrus.NewNullLogger()
	reg := registry.New(1)

	srv, err := clientproto.Listen(log)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	go srv.Serve()

	d := &Daemon{reg: reg}
	sess, conn := newSessionOverSocket(t, srv, 0)

	d.replyGetGroup(sess, "nosuch")

	br := bufio.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "none\n", line)
}

func TestReplyLogStreamsLaterEntriesWithNoTerminator(t *testing.T) {
	log, _ := logrus.NewNullLogger()
	reg := registry.New(1)
	ring := introspect.NewRingBuffer(8)
	ring.Add(introspect.Entry{Level: "info", Message: "before"})

	srv, err := clientproto.Listen(log)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	go srv.Serve()

	d := &Daemon{reg: reg, ring: ring, sessions: make(map[uint64]*clientSession)}
	sess, conn := newSessionOverSocket(t, srv, 0)
	d.sessions[sess.ep.ID()] = sess

	d.replyLog(sess)
	require.True(t, sess.streamingLog)

	br := bufio.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	first, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, first, "before")

	ring.Add(introspect.Entry{Level: "info", Message: "after"})
	d.pushLogTails()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	second, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, second, "after")
	require.NotEqual(t, ".\n", second)
}

func TestReplyDumpRendersRingThenTerminator(t *testing.T) {
	log, _ := logrus.NewNullLogger()
	reg := registry.New(1)
	ring := introspect.NewRingBuffer(4)
	ring.Add(introspect.Entry{Level: "info", Message: "hello"})

	srv, err := clientproto.Listen(log)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	go srv.Serve()

	d := &Daemon{reg: reg, ring: ring}
	sess, conn := newSessionOverSocket(t, srv, 0)

	d.replyDump(sess)

	br := bufio.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	first, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, first, "hello")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	second, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ".\n", second)
}
