// Package transport implements spec.md §4.3's Messaging Adapter: a
// daemon-peer scope containing every running daemon instance, and one
// per-group scope per managed Group, each providing ordered multicast
// and delivery/configuration-change callbacks.
//
// The production Transport, MemberlistTransport, rides on top of the
// same github.com/hashicorp/memberlist cluster internal/oracle uses
// for failure detection, piggybacking scope traffic on memberlist's
// own gossip broadcast mechanism via memberlist.TransmitLimitedQueue —
// the pattern prometheus-alertmanager's cluster.Peer uses for its
// state broadcasts (other_examples,
// "prometheus-alertmanager__cluster-cluster.go"). A single physical
// gossip network is multiplexed into logical scopes by a small control
// envelope (internal/transport/envelope.go); each scope's
// TransmitLimitedQueue retransmits a message a bounded number of times
// that grows with the whole memberlist cluster's member count (not the
// scope's own), which stands in for true
// virtual synchrony's ordered, configuration-bounded delivery (spec.md
// §4.3's contract) closely enough for the daemon's purposes: the core
// never assumes strict total order across scopes, only within one.
package transport
