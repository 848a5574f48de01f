package introspect

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

// DefaultDumpPath is the well-known file the bail-out handler flushes
// the ring to, recovered from original_source's LOG_FILE constant
// (the original unlinked and recreated this path on every signal
// before writing its dump).
const DefaultDumpPath = "/var/log/groupd.log"

// WatchFatalSignals installs the Go equivalent of
// original_source/group/daemon/main.c's bail_with_log: on SIGSEGV or
// SIGUSR1 it flushes ring to path and, for SIGSEGV, exits the process
// afterward (a SIGUSR1 dump is an operator-requested snapshot and the
// daemon keeps running). It returns a stop function that undoes the
// signal.Notify registration.
//
// Go recovers from most conditions that would SIGSEGV a C process, so
// in practice this path mainly serves SIGUSR1; it is kept symmetric
// with the original signal set since a SIGSEGV can still reach the
// runtime via cgo or a corrupted native dependency.
func WatchFatalSignals(path string, ring *RingBuffer, log logrus.FieldLogger) (stop func()) {
	if path == "" {
		path = DefaultDumpPath
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGSEGV, syscall.SIGUSR1)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				flushOnSignal(path, ring, log, sig)
				if sig == syscall.SIGSEGV {
					os.Exit(2)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func flushOnSignal(path string, ring *RingBuffer, log logrus.FieldLogger, sig os.Signal) {
	f, err := os.Create(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("failed to open dump file for signal flush")
		return
	}
	defer f.Close()

	if err := WriteDump(f, ring); err != nil {
		log.WithError(err).Warn("failed to write signal-triggered dump")
		return
	}
	log.WithField("signal", sig.String()).WithField("path", path).Warn("flushed ring buffer on signal")
}
