// Package groupsm implements spec.md §4.4's Event Queue & State
// Machine: the per-Group FIFO of Join/Leave/Fail events and the
// cooperative protocol that advances the head of that queue one
// transition at a time.
//
// StateMachine.Step(g) is the engine's only entry point for
// self-driven progress: it performs whatever action the current
// event's state calls for (broadcast a request, invoke a client
// callback, join a barrier) at most once per state, then returns.
// It never blocks — replies that advance a waiting state arrive
// through HandleMessage, called by the daemon's transport dispatcher,
// and barrier completions arrive through HandleBarrierDone, called by
// the daemon's event loop when a previously issued barrier.Service
// wait resolves. This mirrors spec.md §5's constraint that no
// component may block mid-transition: everything that would block is
// instead represented as "this event is idle until an external input
// arrives", and Step simply reports whether it did anything so the
// daemon's drain loop knows when to stop polling.
package groupsm
