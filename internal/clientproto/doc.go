// Package clientproto implements spec.md §4.7's Client Protocol
// Endpoint: the Unix-domain line protocol between groupd and the
// applications it coordinates.
//
// A Server accepts connections on a fixed abstract-namespace socket
// (recovered from original_source/group's `GROUPD_SOCK_PATH`
// convention) and wraps each in an Endpoint. An Endpoint's read loop
// only parses incoming lines into Command values and forwards them on
// a channel; the daemon's single event-loop goroutine is the only one
// that ever calls back into the registry or a StateMachine, per
// spec.md §5. A single Dispatcher implements groupsm.ClientCallbacks
// across every Endpoint, translating Stop/Start/Finish/SetID/
// Terminate/Deliver into the single-line framed callbacks of §4.7.
// Each Endpoint records which stop/start reply it is still owed and
// logs a warning when a stop_done/start_done arrives that it was not
// owed; it does not hold back further callbacks while a reply is
// outstanding, and it does not reject the out-of-turn reply.
package clientproto
