//go:build !linux

package daemon

import "github.com/sirupsen/logrus"

// TuneScheduler is a no-op outside Linux: SCHED_RR and
// /proc/self/oom_score_adj are both Linux-specific, and
// original_source/group/daemon/main.c never ran anywhere else.
func TuneScheduler(log logrus.FieldLogger) {}
