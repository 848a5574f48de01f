// Package registry is the group-membership core's shared data layer:
// it defines every record named in spec.md §3 ("Data Model") — Group,
// Event, SavedMessage, RecoverySet, BarrierWait — and the Registry
// that maps (level, name) and global-id to a Group.
//
// Registry itself holds no locks (spec.md §5: "Shared resources... are
// all process-local structures mutated only on the event-loop thread;
// no locks are required"). Behavior that advances these records lives
// in sibling packages (internal/groupsm, internal/barrier,
// internal/recovery) so that registry has no dependency on any of
// them — it is pure data, shaped the way torua's
// internal/coordinator/shard_registry.go shapes its own
// map-plus-accessors registry, generalized from shard assignments to
// (level, name) groups.
package registry
