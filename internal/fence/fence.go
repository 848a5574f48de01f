// Package fence implements the daemon's self-fence path: when a Fatal
// error leaves a node holding group state no other node can safely
// trust (spec.md §7, "Fatal"), the node fences itself rather than
// risk two nodes independently driving the same storage.
package fence

import (
	"context"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Fencer requests that nodeName be fenced. A real cluster wires a
// concrete fencing agent (power switch, SAN shoot-node, IPMI, ...)
// behind this interface; groupd itself only needs to know that the
// request was issued, the same way original_source/group/daemon/
// main.c's check_uncontrolled_groups only forks+execs fence_node and
// does not wait to learn the node was actually reset.
type Fencer interface {
	Fence(ctx context.Context, nodeName string) error
}

// ExecFencer shells out to the fence_node binary from the resource-agents
// fencing suite, the same program original_source's check_uncontrolled_
// groups execs with `-O <node_name>` (bypass the normal fencing delay,
// since this is a self-fence rather than a peer declaring us dead).
type ExecFencer struct {
	// Path overrides the binary looked up on $PATH, mainly for tests.
	Path string
	Log  logrus.FieldLogger
}

var _ Fencer = (*ExecFencer)(nil)

func (f *ExecFencer) Fence(ctx context.Context, nodeName string) error {
	path := f.Path
	if path == "" {
		path = "fence_node"
	}
	log := f.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	cmd := exec.CommandContext(ctx, path, "-O", nodeName)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.WithError(err).WithField("output", string(out)).Error("fence_node failed")
		return err
	}
	log.WithField("node", nodeName).Warn("self-fence requested")
	return nil
}
