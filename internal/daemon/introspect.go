package daemon

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ClusterLabs/groupd/internal/introspect"
	"github.com/ClusterLabs/groupd/internal/registry"
)

// replyTerminator ends a get_groups/get_group/dump reply (and a `log`
// reply only when there is no ring to stream from), the text-protocol
// analogue of original_source's do_get_groups
// writing a final zeroed group_data_t to mark "no more records".
const replyTerminator = "."

func groupLine(g *registry.Group) string {
	ids := make([]string, len(g.Members))
	for i, m := range g.Members {
		ids[i] = strconv.FormatUint(uint64(m), 10)
	}
	return fmt.Sprintf("group %d %s %d %s %d %s",
		g.Level, g.Name, g.GlobalID, g.State, len(g.Members), strings.Join(ids, " "))
}

// replyGetGroups streams one `group ...` line per known Group,
// followed by the terminator (spec.md §4.8; original_source's
// do_get_groups streams one group_data_t per group then an empty
// sentinel record).
func (d *Daemon) replyGetGroups(sess *clientSession) {
	for _, g := range d.reg.All() {
		if err := sess.ep.SendLine(groupLine(g)); err != nil {
			return
		}
	}
	_ = sess.ep.SendLine(replyTerminator)
}

// replyGetGroup answers with the single named Group's line, or "none"
// if no such (level, name) pair is known to this client's own setup
// level, followed by the terminator.
func (d *Daemon) replyGetGroup(sess *clientSession, name string) {
	g, err := d.reg.Lookup(sess.level, name)
	if err != nil {
		_ = sess.ep.SendLine("none")
		_ = sess.ep.SendLine(replyTerminator)
		return
	}
	_ = sess.ep.SendLine(groupLine(g))
	_ = sess.ep.SendLine(replyTerminator)
}

// replyDump renders the full ring buffer back to the client in one
// shot, the Go equivalent of original_source's `dump` command, which
// streamed dump_buf straight to the requesting client's fd.
func (d *Daemon) replyDump(sess *clientSession) {
	if d.ring == nil {
		_ = sess.ep.SendLine(replyTerminator)
		return
	}
	for _, e := range d.ring.Snapshot() {
		_ = sess.ep.SendLine(introspectLine(e))
	}
	_ = sess.ep.SendLine(replyTerminator)
}

// replyLog answers `log` with the current ring contents, exactly like
// replyDump, but then leaves sess subscribed: every later Add wakes
// Run's select loop (via pushLogTails), which forwards the new lines
// to this connection with no further terminator, for as long as the
// client stays connected. This is the `-d`/continuous-dump behavior
// group_tool.c offered alongside its one-shot `-a`; replyDump covers
// the one-shot side and replyLog covers this one.
func (d *Daemon) replyLog(sess *clientSession) {
	if d.ring == nil {
		_ = sess.ep.SendLine(replyTerminator)
		return
	}
	for _, e := range d.ring.Snapshot() {
		if err := sess.ep.SendLine(introspectLine(e)); err != nil {
			return
		}
	}
	sess.streamingLog = true
	sess.logCursor = d.ring.Cursor()
}

// pushLogTails forwards every ring entry added since each streaming
// session's logCursor, called whenever Run wakes up on ring.Notify().
func (d *Daemon) pushLogTails() {
	for _, sess := range d.sessions {
		if !sess.streamingLog {
			continue
		}
		entries, next := d.ring.Since(sess.logCursor)
		sess.logCursor = next
		for _, e := range entries {
			if err := sess.ep.SendLine(introspectLine(e)); err != nil {
				break
			}
		}
	}
}

func introspectLine(e introspect.Entry) string {
	return fmt.Sprintf("%s %-5s %s", e.Time.Format("2006-01-02T15:04:05.000Z07:00"), e.Level, e.Message)
}
