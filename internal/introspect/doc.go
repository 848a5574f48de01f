// Package introspect implements spec.md §4.8's Introspection surface:
// a bounded in-memory log ring that the `dump`/`log` client commands
// read from, Prometheus counters/gauges describing live daemon state,
// and a signal handler that flushes the ring to a well-known file
// before the process dies on SIGSEGV or on an operator's SIGUSR1.
//
// None of this package mutates registry or groupsm state; it only
// observes it, via read-only closures supplied by whoever constructs
// a Metrics.
package introspect
