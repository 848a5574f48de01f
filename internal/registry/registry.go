package registry

import (
	"fmt"

	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/pkg/errors"
)

// ErrAlreadyExists is returned by Create when the (level, name) pair
// is already present (spec.md §4.2, §8 "Boundary behaviors").
var ErrAlreadyExists = errors.New("registry: group already exists")

// ErrNotFound is returned by Lookup/LookupByID/Destroy when no
// matching Group exists.
var ErrNotFound = errors.New("registry: group not found")

type key struct {
	level uint16
	name  string
}

// Registry maps (level, name) and global-id to Group records. It is
// mutated only on the daemon's event-loop goroutine (spec.md §5), so
// it holds no internal locking.
type Registry struct {
	ourNodeID oracle.NodeID

	byKey    map[key]*Group
	byID     map[uint32]*Group
	byHandle map[GroupHandle]*Group

	nextHandle   GroupHandle
	idCounter    uint32 // monotonic counter, high bits of the next global-id
	highestSeen  uint32
}

// New creates an empty Registry for a daemon running as ourNodeID.
// ourNodeID's low 16 bits are used in the global-id allocator (spec.md
// §3: "(monotonic-counter ≪ 16) | (low16 of that node's id)").
func New(ourNodeID oracle.NodeID) *Registry {
	return &Registry{
		ourNodeID: ourNodeID,
		byKey:     make(map[key]*Group),
		byID:      make(map[uint32]*Group),
		byHandle:  make(map[GroupHandle]*Group),
	}
}

// Create materializes a new Group for (level, name) owned locally by
// clientID. It fails with ErrAlreadyExists if the pair is already
// present, with no side effects (spec.md §8 boundary behavior). The
// Group is created with GlobalID 0; the caller (internal/groupsm, Join
// step 2) assigns the global-id once negotiation determines whether
// this is a brand-new group cluster-wide.
func (r *Registry) Create(level uint16, name string, clientID uint64) (*Group, error) {
	if level >= MaxLevels {
		return nil, errors.Errorf("registry: level %d out of range [0,%d)", level, MaxLevels)
	}
	if len(name) == 0 || len(name) > MaxNameLen {
		return nil, errors.Errorf("registry: name length %d out of range (0,%d]", len(name), MaxNameLen)
	}
	k := key{level: level, name: name}
	if _, exists := r.byKey[k]; exists {
		return nil, ErrAlreadyExists
	}

	r.nextHandle++
	g := &Group{
		Handle:   r.nextHandle,
		Level:    level,
		Name:     name,
		ClientID: clientID,
		State:    StateNone,
	}
	r.byKey[k] = g
	r.byHandle[g.Handle] = g
	return g, nil
}

// Lookup returns the Group for (level, name), or ErrNotFound.
func (r *Registry) Lookup(level uint16, name string) (*Group, error) {
	g, ok := r.byKey[key{level: level, name: name}]
	if !ok {
		return nil, ErrNotFound
	}
	return g, nil
}

// LookupByID returns the Group for a cluster-wide global-id, or
// ErrNotFound. Groups are only indexed here once AssignGlobalID has
// been called.
func (r *Registry) LookupByID(globalID uint32) (*Group, error) {
	g, ok := r.byID[globalID]
	if !ok {
		return nil, ErrNotFound
	}
	return g, nil
}

// LookupByHandle returns the Group for a GroupHandle, or ErrNotFound.
func (r *Registry) LookupByHandle(h GroupHandle) (*Group, error) {
	g, ok := r.byHandle[h]
	if !ok {
		return nil, ErrNotFound
	}
	return g, nil
}

// AssignGlobalID allocates a fresh global-id for g using the
// (monotonic-counter ≪ 16) | low16(ourNodeID) scheme from spec.md §3,
// and indexes g by it. It is a programming error to call this twice
// for the same Group or to call it when g.GlobalID is already
// nonzero; the caller (internal/groupsm, the all-NEG branch of Join
// step 2) is responsible for calling it exactly once per group,
// cluster-wide.
func (r *Registry) AssignGlobalID(g *Group) uint32 {
	r.idCounter++
	id := (r.idCounter << 16) | uint32(uint16(r.ourNodeID))
	g.GlobalID = id
	r.observeGlobalID(id)
	r.byID[id] = g
	return id
}

// AdoptGlobalID indexes g under a global-id learned from a remote peer
// (the all-POS/mixed branch of Join), rather than one allocated
// locally. It also advances the allocator's high-water mark so a
// subsequently restarted allocator never reissues an id already in use
// cluster-wide (spec.md §4.2: "The allocator remembers the highest
// observed global-id so that after restart it does not reissue ids").
func (r *Registry) AdoptGlobalID(g *Group, id uint32) {
	g.GlobalID = id
	r.observeGlobalID(id)
	r.byID[id] = g
}

func (r *Registry) observeGlobalID(id uint32) {
	if id > r.highestSeen {
		r.highestSeen = id
		if counter := id >> 16; counter > r.idCounter {
			r.idCounter = counter
		}
	}
}

// HighestObservedGlobalID reports the allocator's high-water mark, for
// introspection/tests.
func (r *Registry) HighestObservedGlobalID() uint32 { return r.highestSeen }

// Destroy removes g from the registry. Per spec.md §3 "Lifecycle",
// callers must ensure g's event queue is drained and it has no
// pending Join reference before calling Destroy.
func (r *Registry) Destroy(g *Group) error {
	k := key{level: g.Level, name: g.Name}
	if _, ok := r.byKey[k]; !ok {
		return ErrNotFound
	}
	delete(r.byKey, k)
	delete(r.byHandle, g.Handle)
	if g.GlobalID != 0 {
		delete(r.byID, g.GlobalID)
	}
	return nil
}

// All returns every Group currently registered, in no particular
// order. Used by internal/recovery to find groups containing a failed
// node and by internal/introspect for `get_groups`.
func (r *Registry) All() []*Group {
	out := make([]*Group, 0, len(r.byKey))
	for _, g := range r.byKey {
		out = append(out, g)
	}
	return out
}

// String implements fmt.Stringer for debug logging.
func (g *Group) String() string {
	return fmt.Sprintf("Group{level=%d name=%q global_id=%#x state=%s members=%v}",
		g.Level, g.Name, g.GlobalID, g.State, g.Members)
}
