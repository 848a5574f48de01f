package clientproto

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"

	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/sirupsen/logrus"
)

// Endpoint wraps one client connection. Its read loop only parses
// lines into Command values and forwards them to Commands(); the
// daemon's event-loop goroutine is the only one that acts on them
// (spec.md §5). Callback frames (stop/start/finish/setid/terminate/
// deliver) are written from that same goroutine via the Send* methods,
// so Endpoint needs no write-side locking.
type Endpoint struct {
	id   uint64
	conn net.Conn
	br   *bufio.Reader
	log  logrus.FieldLogger

	cmds   chan Command
	closed atomic.Bool

	// awaiting names the callback this Endpoint is still owed a reply
	// to ("" once acknowledged). It is only used to log out-of-turn
	// acks; further callbacks are sent regardless of its value.
	awaiting string
}

// ID identifies this connection for Group.ClientID and Dispatcher
// routing.
func (ep *Endpoint) ID() uint64 { return ep.id }

// Commands returns the channel of parsed client requests. It is
// closed once the connection's read loop exits.
func (ep *Endpoint) Commands() <-chan Command { return ep.cmds }

func newEndpoint(id uint64, conn net.Conn, log logrus.FieldLogger) *Endpoint {
	return &Endpoint{
		id:   id,
		conn: conn,
		br:   bufio.NewReader(conn),
		log:  log.WithField("client", id),
		cmds: make(chan Command, 16),
	}
}

// run is the per-connection read loop; it never touches the registry
// or a StateMachine directly.
func (ep *Endpoint) run() {
	defer close(ep.cmds)
	defer ep.conn.Close()
	for {
		cmd, err := readCommand(ep.br)
		if err != nil {
			if err != io.EOF && !ep.closed.Load() {
				ep.log.WithError(err).Warn("client connection closed on malformed input")
			}
			return
		}
		ep.cmds <- cmd
	}
}

// Close tears down the connection from the daemon side (e.g. on
// Terminate).
func (ep *Endpoint) Close() error {
	ep.closed.Store(true)
	return ep.conn.Close()
}

func (ep *Endpoint) writeLine(line string) error {
	_, err := io.WriteString(ep.conn, line+"\n")
	return err
}

// SendLine writes one reply line verbatim, for the synchronous
// request/reply commands of spec.md §4.7 (`get_groups`, `get_group`,
// `dump`, `log`) rather than the async stop/start/finish/setid/
// terminate/deliver callbacks above.
func (ep *Endpoint) SendLine(line string) error {
	return ep.writeLine(line)
}

// ackExpected checks and resets awaiting, logging a protocol violation
// if a reply arrives out of order rather than silently accepting it.
func (ep *Endpoint) ackExpected(want string) {
	if ep.awaiting != "" && ep.awaiting != want {
		ep.log.WithFields(logrus.Fields{"expected": ep.awaiting, "got": want}).
			Warn("client acknowledged out of turn")
	}
	ep.awaiting = ""
}

// AckStopDone records that a CmdStopDone for name has been processed,
// per spec.md §4.7's stop/stop_done contract.
func (ep *Endpoint) AckStopDone(name string) {
	ep.ackExpected("stop_done " + name)
}

// AckStartDone records that a CmdStartDone for (name, eventNr) has been
// processed, per spec.md §4.7's start/start_done contract.
func (ep *Endpoint) AckStartDone(name string, eventNr uint32) {
	ep.ackExpected(fmt.Sprintf("start_done %s %d", name, eventNr))
}

// SendStop writes the `stop <name>` callback (spec.md §4.7).
func (ep *Endpoint) SendStop(name string) error {
	ep.awaiting = "stop_done " + name
	return ep.writeLine(fmt.Sprintf("stop %s", name))
}

// SendStart writes the `start <name> <event_nr> <kind> <count>
// <members...>` callback.
func (ep *Endpoint) SendStart(name string, eventNr uint32, kind string, members []oracle.NodeID) error {
	ep.awaiting = fmt.Sprintf("start_done %s %d", name, eventNr)
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = fmt.Sprintf("%d", m)
	}
	return ep.writeLine(fmt.Sprintf("start %s %d %s %d %s", name, eventNr, kind, len(members), strings.Join(ids, " ")))
}

// SendFinish writes the `finish <name> <event_nr>` callback.
func (ep *Endpoint) SendFinish(name string, eventNr uint32) error {
	return ep.writeLine(fmt.Sprintf("finish %s %d", name, eventNr))
}

// SendSetID writes the `setid <name> <global_id>` callback.
func (ep *Endpoint) SendSetID(name string, globalID uint32) error {
	return ep.writeLine(fmt.Sprintf("setid %s %d", name, globalID))
}

// SendTerminate writes the `terminate <name>` callback. It is the last
// callback this Endpoint will ever send for name.
func (ep *Endpoint) SendTerminate(name string) error {
	return ep.writeLine(fmt.Sprintf("terminate %s", name))
}

// SendDeliver writes the `deliver <name> <from_nodeid> <len>\0<bytes>`
// callback.
func (ep *Endpoint) SendDeliver(name string, from oracle.NodeID, body []byte) error {
	if _, err := fmt.Fprintf(ep.conn, "deliver %s %d %d\x00", name, from, len(body)); err != nil {
		return err
	}
	if _, err := ep.conn.Write(body); err != nil {
		return err
	}
	_, err := ep.conn.Write([]byte("\n"))
	return err
}
