package registry

import (
	"time"

	"github.com/ClusterLabs/groupd/internal/oracle"
)

// MaxLevels bounds the Level field of a Group (spec.md §3: "level
// ∈ 0..MAX_LEVELS-1"). Layered recovery (internal/recovery) relies on
// levels being a small, dense range.
const MaxLevels = 4

// MaxNameLen is the §3 bound on a Group's Name ("name ≤ 32 bytes").
const MaxNameLen = 32

// MaxMembers is the §3 bound on a Group's member list size.
const MaxMembers = 256

// GroupFlags is a bitmask of the Group flags named in spec.md §3:
// {joining, leaving, member, update, need-recovery}.
type GroupFlags uint8

const (
	FlagJoining GroupFlags = 1 << iota
	FlagLeaving
	FlagMember
	FlagUpdate
	FlagNeedRecovery
)

func (f GroupFlags) Has(flag GroupFlags) bool { return f&flag != 0 }

// GroupState is the coarse group state from spec.md §3.
type GroupState int

const (
	StateNone GroupState = iota
	StateJoin
	StateRun
	StateRecover
	StateUpdate
)

func (s GroupState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateJoin:
		return "JOIN"
	case StateRun:
		return "RUN"
	case StateRecover:
		return "RECOVER"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// GroupHandle is a stable integer handle for a Group, used by
// RecoverySet to reference groups without a back-pointer walk (design
// note §9: "Recovery Sets reference Groups by handle; removing a Group
// requires no back-pointer walk beyond draining its Event queue").
type GroupHandle uint64

// Group is the (level, name)-keyed membership record from spec.md §3.
type Group struct {
	Handle   GroupHandle
	Level    uint16
	Name     string
	GlobalID uint32
	Flags    GroupFlags
	State    GroupState

	// Members is the ordered member list, capped at MaxMembers.
	Members []oracle.NodeID
	// Joining is the ordered list of nodes whose Join has been
	// approved but whose protocol has not yet completed (spec.md
	// §4.2): "a node leaving the joining list... must not be promoted
	// to the member list."
	Joining []oracle.NodeID

	// Queue is the FIFO of pending Events; Queue[0], if present, is
	// the current event (spec.md §3, "current event pointer").
	Queue []*Event

	// Recovery is the recovery descriptor currently affecting this
	// group, or nil.
	Recovery *RecoverySet

	// ClientID is the local owner's client-endpoint id
	// (internal/clientproto.ClientID), kept as a plain integer here to
	// avoid registry depending on clientproto.
	ClientID uint64

	// Saved holds peer messages captured while a barrier is pending
	// (spec.md §3, "Saved Message").
	Saved []SavedMessage
}

// HasCapacity reports whether another member can be added without
// breaching MaxMembers.
func (g *Group) HasCapacity() bool { return len(g.Members)+len(g.Joining) < MaxMembers }

// IsMember reports whether id is in the current member list.
func (g *Group) IsMember(id oracle.NodeID) bool {
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

// CurrentEvent returns the head of the event queue, or nil if idle.
func (g *Group) CurrentEvent() *Event {
	if len(g.Queue) == 0 {
		return nil
	}
	return g.Queue[0]
}

// EventKind is the Event.Kind enumeration from spec.md §3.
type EventKind int

const (
	EventJoin EventKind = iota
	EventLeave
	EventFail
)

func (k EventKind) String() string {
	switch k {
	case EventJoin:
		return "Join"
	case EventLeave:
		return "Leave"
	case EventFail:
		return "Fail"
	default:
		return "Unknown"
	}
}

// EventState enumerates every named state of the Join, Leave, and Fail
// protocols from spec.md §4.4.
type EventState int

const (
	// Join protocol states.
	JoinBegin EventState = iota
	JoinAckWait
	JoinAcked
	JStopAckWait
	JStartWait
	JoinBarrier

	// Leave protocol states.
	LeaveBegin
	LeaveAckWait
	LStopAckWait
	LStartWaitRemote

	// Fail protocol states.
	FailBegin
	FailStopWait
	FailAllStopped
	FailStartWait
	FailAllStarted

	// EventDone is a terminal marker; Events reaching it are removed
	// from the Group's Queue rather than retained.
	EventDone
)

func (s EventState) String() string {
	names := [...]string{
		"JOIN_BEGIN", "JOIN_ACKWAIT", "JOIN_ACKED", "JSTOP_ACKWAIT", "JSTART_WAIT", "JOIN_BARRIER",
		"LEAVE_BEGIN", "LEAVE_ACKWAIT", "LSTOP_ACKWAIT", "LSTART_WAITREMOTE",
		"FAIL_BEGIN", "FAIL_STOP_WAIT", "FAIL_ALL_STOPPED", "FAIL_START_WAIT", "FAIL_ALL_STARTED",
		"EVENT_DONE",
	}
	if int(s) < 0 || int(s) >= len(names) {
		return "UNKNOWN"
	}
	return names[s]
}

// EventFlags is the Event.Flags bitmask from spec.md §3:
// {allow-barrier, cancel, delay, delay-recovery}.
type EventFlags uint8

const (
	EventAllowBarrier EventFlags = 1 << iota
	EventCancel
	EventDelay
	EventDelayRecovery
	// EventInitiator marks an Event as the one this node locally
	// created (via a client join/leave request, or the first node to
	// observe a failure), as opposed to a shadow Event tracking this
	// node's participation in a protocol some other node initiated.
	// Not named in spec.md's Event field list directly, but needed to
	// tell apart the two roles internal/groupsm's shared Join/Leave
	// step logic can play for the same Event.State.
	EventInitiator
)

func (f EventFlags) Has(flag EventFlags) bool { return f&flag != 0 }

// BarrierStatus tracks acks collected so far for an Event's barrier
// step (spec.md §3, "barrier-status").
type BarrierStatus struct {
	Name     string
	Expected int
	Received int
}

// Event is the per-group queued membership transition from spec.md §3.
type Event struct {
	ID      uint32
	Subject oracle.NodeID
	Kind    EventKind
	State   EventState

	// Members is the member snapshot taken when the event was
	// enqueued or last advanced.
	Members []oracle.NodeID
	// Extension is the list of piggy-backed nodeids a Fail event has
	// absorbed (spec.md §3).
	Extension []oracle.NodeID

	Barrier BarrierStatus
	Flags   EventFlags

	// RetryDeadline is when a DELAY-flagged event should be retried
	// (spec.md §4.4 step 2).
	RetryDeadline time.Time

	// ClientStartDelivered counts how many times `start` has been
	// delivered to the local client for this event, across
	// cancel/requeue cycles — used to check the
	// "stop (start)+ finish" invariant from spec.md §8.
	ClientStartDelivered int
	ClientFinishDelivered bool

	// ActionTaken marks whether State's entry action has already been
	// performed. internal/groupsm.StateMachine.Step checks this to
	// decide whether a state is newly entered (perform its action,
	// e.g. broadcast a request) or already awaiting external input
	// (do nothing, spec.md §5: "no component may block on I/O
	// mid-transition"). It is cleared whenever State changes.
	ActionTaken bool
}

// Advance moves an Event to a new state and clears ActionTaken so the
// new state's entry action runs on the next Step.
func (e *Event) Advance(state EventState) {
	e.State = state
	e.ActionTaken = false
}

// SavedMessage is a peer ack or payload captured while a Group awaits
// a barrier (spec.md §3, "Saved Message").
type SavedMessage struct {
	SenderNodeID oracle.NodeID
	MessageType  uint8 // wire.MessageType, kept untyped to avoid an import cycle
	Body         []byte
}

// RecoverySet is the union of groups that contained a failed nodeid,
// used by internal/recovery to enforce layered restart ordering
// (spec.md §3, "Recovery Set").
type RecoverySet struct {
	ID            uint64
	FailedNodeIDs []oracle.NodeID
	Groups        []GroupHandle
}

// BarrierWait is a named rendezvous referencing a group and a purpose
// (spec.md §3, "Barrier Wait"). The counting logic lives in
// internal/barrier; this struct is the data record it mutates.
type BarrierWait struct {
	Name     string
	Group    GroupHandle
	Purpose  string
	Expected int
	Acked    map[oracle.NodeID]bool
}
