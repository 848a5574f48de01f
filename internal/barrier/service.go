package barrier

import (
	"context"
	"sync"

	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/transport"
	"github.com/ClusterLabs/groupd/internal/wire"
	"github.com/sirupsen/logrus"
)

// Purpose identifies why a barrier is being waited on (spec.md §3,
// "Barrier Wait... referencing a group and a purpose").
type Purpose string

const (
	PurposeStartDoneNew     Purpose = "startdone-new"
	PurposeStartDoneUpdate  Purpose = "startdone-update"
	PurposeRecovery         Purpose = "recovery"
	PurposeReset            Purpose = "reset"
)

// Result is delivered on a Barrier's channel once expected_count
// distinct acks have arrived.
type Result struct {
	Name    string
	Purpose Purpose
}

// CancelFunc discards a pending barrier's accumulated acks (spec.md
// §4.5, "Barriers may be cancelled by name"). Calling it more than
// once, or after the barrier has already completed, is a no-op.
type CancelFunc func()

type wait struct {
	scope    string
	purpose  Purpose
	expected int
	acked    map[oracle.NodeID]bool
	left     map[oracle.NodeID]bool // peers already subtracted from expected
	resultCh chan Result
}

// Service tracks every barrier currently awaited by this daemon.
// Barrier names are globally unique by construction
// (wire.BarrierName/RecoveryBarrierName), so Service indexes waits by
// name alone rather than by (scope, name).
type Service struct {
	tr  transport.Transport
	log logrus.FieldLogger

	mu    sync.Mutex
	waits map[string]*wait
}

// New constructs a Service that announces acks over tr.
func New(tr transport.Transport, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		tr:    tr,
		log:   log.WithField("component", "barrier"),
		waits: make(map[string]*wait),
	}
}

// Barrier joins the named rendezvous in scope, announcing our own ack
// immediately. The returned channel receives exactly one Result once
// expected distinct peers (including us) have acked, or never fires
// if the barrier is cancelled or ctx is done first — callers select on
// both ctx.Done() and the returned channel. expected <= 1
// short-circuits synchronously (spec.md §4.5: "A member-count of one
// short-circuits the barrier").
func (s *Service) Barrier(ctx context.Context, scope, name string, expected int, purpose Purpose) (<-chan Result, CancelFunc) {
	resultCh := make(chan Result, 1)

	if expected <= 1 {
		resultCh <- Result{Name: name, Purpose: purpose}
		return resultCh, func() {}
	}

	w := &wait{
		scope:    scope,
		purpose:  purpose,
		expected: expected,
		acked:    make(map[oracle.NodeID]bool),
		left:     make(map[oracle.NodeID]bool),
		resultCh: resultCh,
	}

	s.mu.Lock()
	s.waits[name] = w
	s.mu.Unlock()

	s.announce(scope, name)

	cancel := func() { s.Cancel(name) }

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-resultCh:
			}
		}()
	}

	return resultCh, cancel
}

func (s *Service) announce(scope, name string) {
	payload := wire.BarrierPayload{Name: name}.Encode()
	msg := wire.Encode(wire.Header{Type: wire.Barrier}, payload)
	if err := s.tr.Multicast(scope, msg); err != nil {
		s.log.WithError(err).WithField("name", name).Warn("failed to announce barrier ack")
	}
}

// Ack records one peer's acknowledgement of the named barrier. It is
// called by the daemon's message dispatcher for every decoded
// wire.Barrier message, including the one this node sent itself. It
// is a no-op if name is not currently awaited (the barrier already
// completed, was cancelled, or was never ours to track).
func (s *Service) Ack(name string, from oracle.NodeID) {
	s.mu.Lock()
	w, ok := s.waits[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	if w.acked[from] {
		s.mu.Unlock()
		return
	}
	w.acked[from] = true
	complete := len(w.acked) >= w.expected
	if complete {
		delete(s.waits, name)
	}
	s.mu.Unlock()

	if complete {
		w.resultCh <- Result{Name: name, Purpose: w.purpose}
	}
}

// OnConfigChange lowers the expected count of every barrier awaited in
// scope by the peers in left, per spec.md §4.5: "a lost peer is
// removed from expected_count". A wait that reaches its (possibly
// reduced) expected count as a result completes immediately.
func (s *Service) OnConfigChange(scope string, left []oracle.NodeID) {
	type completion struct {
		name string
		w    *wait
	}
	var completed []completion

	s.mu.Lock()
	for name, w := range s.waits {
		if w.scope != scope {
			continue
		}
		for _, id := range left {
			if w.left[id] || w.acked[id] {
				continue
			}
			w.left[id] = true
			w.expected--
		}
		if w.expected < 1 {
			w.expected = 1
		}
		if len(w.acked) >= w.expected {
			delete(s.waits, name)
			completed = append(completed, completion{name: name, w: w})
		}
	}
	s.mu.Unlock()

	for _, c := range completed {
		c.w.resultCh <- Result{Name: c.name, Purpose: c.w.purpose}
	}
}

// Cancel discards name's accumulated acks, per spec.md §4.5: "Barriers
// may be cancelled by name; cancellation discards accumulated acks."
// The waiting caller observes this as the returned channel never
// firing; it is expected to also be selecting on its own ctx.
func (s *Service) Cancel(name string) {
	s.mu.Lock()
	delete(s.waits, name)
	s.mu.Unlock()
}

// Pending reports how many distinct barriers are currently awaited,
// for introspection/tests.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waits)
}
