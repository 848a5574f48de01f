package introspect

import (
	"sync"
	"time"
)

// DefaultCapacity matches the teacher daemon's 256-byte groupd_debug_buf
// stage before it folds into the larger wrap-around dump_buf; we size
// in entries rather than bytes, but keep the same "small, bounded,
// always available" intent from original_source/group/daemon/main.c.
const DefaultCapacity = 1024

// Entry is one captured log line.
type Entry struct {
	Time    time.Time
	Level   string
	Message string
}

// RingBuffer is a fixed-capacity, overwrite-oldest log buffer, the Go
// analogue of original_source's dump_buf/dump_point/dump_wrap: once
// full, each new entry evicts the oldest one instead of growing
// unbounded, so the daemon can always service a `dump` without ever
// allocating under memory pressure.
type RingBuffer struct {
	mu       sync.Mutex
	entries  []Entry
	next     int
	wrapped  bool
	capacity int
	total    int // count of every Add ever, never reset, used as a cursor

	notify chan struct{}
}

// NewRingBuffer constructs a RingBuffer holding at most capacity
// entries.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer{
		entries:  make([]Entry, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Add appends e, evicting the oldest entry once the buffer is full,
// and wakes any goroutine blocked on Notify.
func (r *RingBuffer) Add(e Entry) {
	r.mu.Lock()
	r.entries[r.next] = e
	r.next++
	r.total++
	if r.next == r.capacity {
		r.next = 0
		r.wrapped = true
	}
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives a value some time after each
// Add, coalescing bursts into a single wakeup the way a cond variable
// would — the `log` client command (internal/daemon's replyLog) selects
// on this to learn when to call Since again, the tail -f equivalent of
// original_source's group_tool -d continuous dump.
func (r *RingBuffer) Notify() <-chan struct{} {
	return r.notify
}

// Cursor returns the position a caller that has seen every entry so
// far should pass to a later Since call.
func (r *RingBuffer) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Since returns every entry added after cursor, oldest first, plus the
// cursor value to pass on the next call. If cursor is too far behind
// for the retained entries to cover (the ring wrapped past it), Since
// falls back to returning everything still retained, the same
// best-effort behavior original_source's dump_wrap gives a reader that
// fell behind the wraparound point.
func (r *RingBuffer) Since(cursor int) ([]Entry, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cursor >= r.total {
		return nil, r.total
	}

	retained := r.next
	if r.wrapped {
		retained = r.capacity
	}
	missed := r.total - cursor
	if missed > retained {
		missed = retained
	}

	out := make([]Entry, missed)
	// The retained window, oldest first, is exactly what Snapshot
	// already knows how to linearize; take its tail.
	full := r.snapshotLocked()
	copy(out, full[len(full)-missed:])
	return out, r.total
}

// Snapshot returns every retained entry, oldest first.
func (r *RingBuffer) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// snapshotLocked is Snapshot's body, callable from methods that already
// hold r.mu.
func (r *RingBuffer) snapshotLocked() []Entry {
	if !r.wrapped {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, r.capacity)
	n := copy(out, r.entries[r.next:])
	copy(out[n:], r.entries[:r.next])
	return out
}
