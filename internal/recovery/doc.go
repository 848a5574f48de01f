// Package recovery implements spec.md §4.6's Recovery Coordinator: it
// turns Oracle node-fail notifications into Fail events on every Group
// that held the failed node, groups correlated failures into a
// registry.RecoverySet, and enforces the layered-ordering and quorum
// rules that gate a Group's restart phase.
//
// The coordinator never mutates a Group's event queue directly beyond
// calling groupsm.StateMachine.EnqueueFail/TryAdvanceRecovery; it holds
// no lock of its own, matching spec.md §5's single-goroutine
// constraint.
package recovery
