// Package barrier implements spec.md §4.5's Barrier Service: a named
// rendezvous that completes once a configurable number of distinct
// peers have acknowledged it. internal/groupsm uses it for the
// startdone-new/startdone-update purposes at the end of a Join or
// Leave, and for the recovery purpose between fail-stop and
// fail-restart.
//
// A barrier is driven entirely by messages already flowing through
// internal/transport: Barrier announces our own ack by multicasting a
// wire.Barrier message to the group's scope, and Ack is fed every
// Barrier message the daemon's dispatcher decodes off that scope,
// including our own looped-back copy. There is no timer: progress
// depends only on acks arriving and on OnConfigChange shrinking the
// expected count when a peer leaves mid-wait (spec.md §4.5, "No
// time-based expiration").
package barrier
