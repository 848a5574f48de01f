package introspect

import (
	"fmt"
	"io"
	"time"
)

// WriteDump renders ring's current contents to w, one line per entry,
// the Go equivalent of original_source/group/daemon/main.c's do_dump
// (which streams dump_buf, honoring its wrap point, straight to an fd).
func WriteDump(w io.Writer, ring *RingBuffer) error {
	for _, e := range ring.Snapshot() {
		if _, err := fmt.Fprintf(w, "%s %-5s %s\n", e.Time.Format(time.RFC3339Nano), e.Level, e.Message); err != nil {
			return err
		}
	}
	return nil
}
