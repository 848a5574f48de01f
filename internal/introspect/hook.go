package introspect

import "github.com/sirupsen/logrus"

// RingHook is a logrus.Hook that mirrors every log entry into a
// RingBuffer, so `dump`/`log` (spec.md §4.8) can replay recent daemon
// history without the caller needing a second logging sink.
type RingHook struct {
	ring *RingBuffer
}

var _ logrus.Hook = (*RingHook)(nil)

// NewRingHook wires ring to receive every entry logrus fires, at any
// level.
func NewRingHook(ring *RingBuffer) *RingHook {
	return &RingHook{ring: ring}
}

func (h *RingHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *RingHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		line = e.Message
	}
	h.ring.Add(Entry{Time: e.Time, Level: e.Level.String(), Message: line})
	return nil
}
