package daemon

import (
	"context"

	"github.com/ClusterLabs/groupd/internal/clientproto"
	"github.com/ClusterLabs/groupd/internal/groupsm"
	"github.com/ClusterLabs/groupd/internal/introspect"
	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/recovery"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/transport"
	"github.com/sirupsen/logrus"
)

// message is one transport delivery, relayed onto msgCh by the
// DeliverFunc installed in New so it reaches the Run goroutine instead
// of whatever memberlist-internal goroutine invoked it.
type message struct {
	scope string
	from  oracle.NodeID
	body  []byte
}

// configChange is one transport configuration change, relayed the
// same way as message.
type configChange struct {
	scope           string
	members, joined, left []oracle.NodeID
}

// clientCommand pairs a parsed clientproto.Command with the session it
// arrived on.
type clientCommand struct {
	sess   *clientSession
	cmd    clientproto.Command
	closed bool
}

// clientSession is the daemon-side bookkeeping for one client
// connection: the type/level declared by `setup`, and the single
// Group it has since `join`ed (spec.md §4.7 describes one group per
// connection; a client that wants to coordinate several groups opens
// several connections, mirroring original_source/group's libgroup
// client API).
type clientSession struct {
	ep    *clientproto.Endpoint
	typ   string
	level uint16
	group *registry.Group

	// streamingLog and logCursor are set by replyLog: once true, every
	// wakeup from ring.Notify() pushes this session whatever entries
	// arrived after logCursor, until the connection closes.
	streamingLog bool
	logCursor    int
}

// Daemon owns every piece of state spec.md §5 confines to a single
// goroutine. Construct one with New and run it with Run.
type Daemon struct {
	reg      *registry.Registry
	oracle   oracle.Adapter
	tr       transport.Transport
	sm       *groupsm.StateMachine
	recovery *recovery.Coordinator
	clients  *clientproto.Server
	dispatch *clientproto.Dispatcher
	metrics  *introspect.Metrics
	ring     *introspect.RingBuffer
	log      logrus.FieldLogger

	msgCh chan message
	cfgCh chan configChange
	cmdCh chan clientCommand

	sessions map[uint64]*clientSession
}

// New wires every component into a Daemon. recovery and metrics may be
// nil (a daemon built for a Join/Leave-only test harness has no need
// of either).
func New(
	reg *registry.Registry,
	oa oracle.Adapter,
	tr transport.Transport,
	sm *groupsm.StateMachine,
	rc *recovery.Coordinator,
	clients *clientproto.Server,
	dispatch *clientproto.Dispatcher,
	metrics *introspect.Metrics,
	ring *introspect.RingBuffer,
	log logrus.FieldLogger,
) *Daemon {
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Daemon{
		reg:      reg,
		oracle:   oa,
		tr:       tr,
		sm:       sm,
		recovery: rc,
		clients:  clients,
		dispatch: dispatch,
		metrics:  metrics,
		ring:     ring,
		log:      log.WithField("component", "daemon"),
		msgCh:    make(chan message, 64),
		cfgCh:    make(chan configChange, 16),
		cmdCh:    make(chan clientCommand, 64),
		sessions: make(map[uint64]*clientSession),
	}

	tr.SetDeliverHandler(func(scope string, from oracle.NodeID, body []byte) {
		d.msgCh <- message{scope: scope, from: from, body: body}
	})
	tr.SetConfigChangeHandler(func(scope string, members, joined, left []oracle.NodeID) {
		d.cfgCh <- configChange{scope: scope, members: members, joined: joined, left: left}
	})

	return d
}

// Run joins the daemon-peer scope and drives the event loop until ctx
// is cancelled or the oracle adapter fails fatally (spec.md §7,
// "Oracle try-shutdown/port-closed").
func (d *Daemon) Run(ctx context.Context) error {
	TuneScheduler(d.log)

	if err := d.tr.Join(transport.DaemonPeerScope); err != nil {
		return err
	}

	if d.clients != nil {
		go d.clients.Serve()
	}

	for {
		d.drain()

		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-d.oracle.Notifications():
			if !ok {
				return d.oracle.Err()
			}
			d.handleNotification(n)

		case m := <-d.msgCh:
			d.sm.HandleMessage(m.scope, m.from, m.body)

		case c := <-d.cfgCh:
			d.handleConfigChange(c)

		case bc := <-d.sm.BarrierDoneCh():
			d.sm.HandleBarrierDone(bc)
			if d.recovery != nil {
				d.recovery.AdvanceCompleted(bc.Group)
			}

		case ep := <-d.newConns():
			d.registerSession(ep)

		case cc := <-d.cmdCh:
			d.handleClientCommand(cc)

		case <-d.ringNotify():
			d.pushLogTails()
		}
	}
}

// newConns exposes clients.NewConns() if a Server is configured, or a
// nil channel (which blocks forever in a select) otherwise.
func (d *Daemon) newConns() <-chan *clientproto.Endpoint {
	if d.clients == nil {
		return nil
	}
	return d.clients.NewConns()
}

// ringNotify exposes ring.Notify() if a RingBuffer is configured, or a
// nil channel otherwise, the same guarded pattern newConns uses.
func (d *Daemon) ringNotify() <-chan struct{} {
	if d.ring == nil {
		return nil
	}
	return d.ring.Notify()
}

// drain runs StateMachine.Step across every Group until a full pass
// makes no further progress, the Go analogue of original_source's
// process_apps: a pass with entry actions to run is exhausted before
// the loop goes back to waiting on external input.
func (d *Daemon) drain() {
	for {
		progressed := false
		for _, g := range d.reg.All() {
			for d.sm.Step(g) {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func (d *Daemon) handleNotification(n oracle.Notification) {
	d.log.WithFields(logrus.Fields{"kind": n.Kind, "node": n.Node.ID}).Debug("oracle notification")
	switch n.Kind {
	case oracle.NodeFailed, oracle.NodeRejoined:
		// spec.md §4.1: a rejoin is a failure of the old incarnation plus
		// an addition of the new one: the recovery fan-out only needs the
		// failure half, since a fresh incarnation rejoins groups through
		// its own daemon's explicit Join commands.
		if d.recovery != nil {
			d.recovery.OnNodeFailed(n.Node.ID)
		}
	case oracle.NodeAdded:
		// No group membership changes automatically on addition; a node
		// only becomes a Group member via its own Join.
	}
}

func (d *Daemon) handleConfigChange(c configChange) {
	d.sm.HandleConfigChange(c.scope, c.members, c.joined, c.left)
	if c.scope == transport.DaemonPeerScope {
		for _, id := range c.joined {
			d.oracle.MarkReachable(id)
		}
	}
}
