//go:build linux

package daemon

import (
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// TuneScheduler requests SCHED_RR at the maximum available priority
// and a favorable OOM score, the Go equivalent of
// original_source/group/daemon/main.c's set_scheduler()/
// set_oom_adj(-16): a group-membership daemon that gets starved or
// reaped under memory pressure can wedge a barrier for every other
// node waiting on it, so the original ran at real-time priority and
// asked the OOM killer to look elsewhere first. Failures are logged
// and otherwise ignored — neither capability is available to an
// unprivileged process, and the daemon is still useful without them.
func TuneScheduler(log logrus.FieldLogger) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	prio, err := unix.SchedGetPriorityMax(unix.SCHED_RR)
	if err != nil {
		log.WithError(err).Warn("could not get maximum SCHED_RR priority")
	} else if err := unix.SchedSetscheduler(0, unix.SCHED_RR, &unix.SchedParam{Priority: int32(prio)}); err != nil {
		log.WithError(err).WithField("priority", prio).Warn("could not set SCHED_RR priority")
	}

	if err := os.WriteFile("/proc/self/oom_score_adj", []byte("-800"), 0o644); err != nil {
		log.WithError(err).Warn("could not adjust oom_score_adj")
	}
}
