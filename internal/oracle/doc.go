// Package oracle adapts the cluster's membership facility into the
// narrow interface the group-membership core consumes (spec.md §4.1,
// §6 "Oracle contract (consumed)"): a current node set with per-node
// incarnation numbers, a quorate() predicate, and an ordered stream of
// join/rejoin/fail notifications.
//
// The production implementation, MemberlistAdapter, wraps a
// *memberlist.Memberlist (github.com/hashicorp/memberlist) the way
// prometheus-alertmanager's cluster.Peer does: the cluster's own gossip
// failure detector stands in for the external membership oracle
// spec.md treats as an out-of-scope collaborator. Tests use a fake
// Adapter that replays a scripted notification sequence.
package oracle
