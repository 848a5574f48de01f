// Package daemon wires internal/oracle, internal/transport,
// internal/groupsm, internal/barrier, internal/recovery,
// internal/clientproto and internal/introspect together into the
// single cooperative event loop spec.md §5 describes: one goroutine
// owns every Group and Event, reached only through a small set of
// channels fed by otherwise-independent I/O goroutines (memberlist's
// own callback goroutines, one fan-in goroutine per client
// connection, the barrier service's per-wait completion goroutines).
//
// Everything in this package that isn't Run itself exists to turn an
// asynchronous callback into a channel send, so Run's select loop
// stays the only place StateMachine, Registry or RecoverySet state is
// ever touched.
package daemon
