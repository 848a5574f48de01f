package groupsm

import (
	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
)

// ClientCallbacks is the narrow interface StateMachine uses to drive
// the local application client (spec.md §4.7's stop/start/finish/
// setid/terminate callbacks). internal/clientproto implements it; it
// is declared here, not there, so groupsm never imports clientproto
// (clientproto is the one that depends on groupsm, to implement this
// interface; internal/daemon turns socket commands into StateMachine
// calls).
type ClientCallbacks interface {
	// Stop asks the client to quiesce its subsystem for g ahead of a
	// membership change (spec.md §4.4 step 3: "stop their subsystem").
	// The client acknowledges asynchronously via stop_done, which the
	// daemon feeds back in as HandleLocalStopDone.
	Stop(g *registry.Group, ev *registry.Event)
	// Start delivers the new member set for g and ev, after which the
	// client acknowledges with start_done (HandleLocalStartDone).
	Start(g *registry.Group, ev *registry.Event, members []oracle.NodeID)
	// Finish tells the client the event has fully completed (every
	// peer's barrier ack observed).
	Finish(g *registry.Group, ev *registry.Event)
	// SetID informs the client of a newly elected global-id for g.
	SetID(g *registry.Group)
	// Terminate tells the client g no longer exists locally (the local
	// Leave has completed).
	Terminate(g *registry.Group)
	// Deliver passes an application payload received in g's per-group
	// scope up to the client (spec.md §4.7's `send`/`deliver` pair).
	Deliver(g *registry.Group, from oracle.NodeID, body []byte)
}
