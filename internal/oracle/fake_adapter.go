package oracle

import "sync"

// FakeAdapter is a scriptable Adapter used by unit tests across the
// daemon (groupsm, recovery) that need to drive membership
// notifications without a real memberlist cluster.
type FakeAdapter struct {
	mu       sync.Mutex
	members  map[NodeID]Node
	quorate  bool
	ourID    NodeID
	notifCh  chan Notification
	closeCh  chan struct{}
	closed   bool
}

// NewFakeAdapter creates a FakeAdapter reporting ourID as this
// process's node id and starting quorate.
func NewFakeAdapter(ourID NodeID) *FakeAdapter {
	return &FakeAdapter{
		members: make(map[NodeID]Node),
		quorate: true,
		ourID:   ourID,
		notifCh: make(chan Notification, 64),
		closeCh: make(chan struct{}),
	}
}

func (f *FakeAdapter) CurrentMembers() []Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Node, 0, len(f.members))
	for _, n := range f.members {
		out = append(out, n)
	}
	return out
}

func (f *FakeAdapter) Quorate() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quorate
}

func (f *FakeAdapter) SetQuorate(q bool) {
	f.mu.Lock()
	f.quorate = q
	f.mu.Unlock()
}

func (f *FakeAdapter) OurNodeID() NodeID { return f.ourID }

func (f *FakeAdapter) Notifications() <-chan Notification { return f.notifCh }

func (f *FakeAdapter) Err() error { return nil }

func (f *FakeAdapter) MarkReachable(NodeID) {}

func (f *FakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.closeCh)
	close(f.notifCh)
	return nil
}

// Add injects a NodeAdded notification and updates the member set.
func (f *FakeAdapter) Add(n Node) {
	f.mu.Lock()
	f.members[n.ID] = n
	f.mu.Unlock()
	f.notifCh <- Notification{Kind: NodeAdded, Node: n}
}

// Fail injects a NodeFailed notification and removes the member.
func (f *FakeAdapter) Fail(id NodeID) {
	f.mu.Lock()
	n := f.members[id]
	delete(f.members, id)
	f.mu.Unlock()
	f.notifCh <- Notification{Kind: NodeFailed, Node: n}
}

// Rejoin injects a NodeRejoined notification with a bumped incarnation.
func (f *FakeAdapter) Rejoin(id NodeID, incarnation uint64) {
	n := Node{ID: id, Incarnation: incarnation}
	f.mu.Lock()
	f.members[id] = n
	f.mu.Unlock()
	f.notifCh <- Notification{Kind: NodeRejoined, Node: n}
}

var _ Adapter = (*FakeAdapter)(nil)
