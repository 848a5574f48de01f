// Command groupd is the group-membership coordination daemon: it
// wires internal/oracle and internal/transport onto a
// hashicorp/memberlist cluster, drives internal/groupsm's state
// machine from the single event loop internal/daemon implements, and
// serves internal/clientproto's AF_UNIX client protocol on the
// well-known abstract-namespace socket.
//
// Unlike the original_source C daemon, groupd never forks into the
// background: Go services are conventionally run in the foreground
// under a supervisor (systemd, runit, a container runtime), so -D
// only raises log verbosity and skips taking the pidfile lock
// altogether rather than controlling whether the process daemonizes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ClusterLabs/groupd/internal/barrier"
	"github.com/ClusterLabs/groupd/internal/clientproto"
	"github.com/ClusterLabs/groupd/internal/daemon"
	"github.com/ClusterLabs/groupd/internal/fence"
	"github.com/ClusterLabs/groupd/internal/groupsm"
	"github.com/ClusterLabs/groupd/internal/introspect"
	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/recovery"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/transport"
	"github.com/hashicorp/memberlist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

// version is stamped at release time; "devel" identifies an
// unreleased build, the same convention RELEASE_VERSION's Makefile
// substitution served in original_source/group/daemon/main.c.
var version = "devel"

func main() {
	var (
		debug      bool
		verbose    int
		help       bool
		showVer    bool
		nodeIDFlag uint32
		bindAddr   string
		bindPort   int
		joinAddrs  []string
		pidPath    string
	)

	flags := flag.NewFlagSet("groupd", flag.ContinueOnError)
	flags.BoolVarP(&debug, "debug", "D", false, "enable debugging code and don't fork")
	flags.CountVarP(&verbose, "verbose", "v", "verbose (cumulative)")
	flags.BoolVarP(&help, "help", "h", false, "print this help, then exit")
	flags.BoolVarP(&showVer, "version", "V", false, "print program version information, then exit")
	flags.Uint32Var(&nodeIDFlag, "node-id", 0, "this node's numeric cluster id (required)")
	flags.StringVar(&bindAddr, "bind", "0.0.0.0", "gossip bind address")
	flags.IntVar(&bindPort, "port", memberlist.DefaultLANConfig().BindPort, "gossip bind port")
	flags.StringSliceVar(&joinAddrs, "join", nil, "existing cluster member addresses to join at startup")
	flags.StringVar(&pidPath, "pidfile", "/var/run/groupd.pid", "pidfile path")

	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if help {
		fmt.Fprintf(os.Stdout, "Usage:\n\n  groupd [options]\n\nOptions:\n\n%s", flags.FlagUsages())
		os.Exit(0)
	}
	if showVer {
		fmt.Fprintf(os.Stdout, "groupd %s\n", version)
		os.Exit(0)
	}
	if nodeIDFlag == 0 {
		fmt.Fprintln(os.Stderr, "groupd: --node-id is required, please use '-h' for usage")
		os.Exit(1)
	}

	log := newLogger(debug, verbose)
	ring := introspect.NewRingBuffer(introspect.DefaultCapacity)
	log.AddHook(introspect.NewRingHook(ring))
	defer introspect.WatchFatalSignals(introspect.DefaultDumpPath, ring, log)()

	if !debug {
		if err := acquirePidfile(pidPath); err != nil {
			log.WithError(err).Fatal("could not acquire pidfile")
		}
	}

	nodeID := oracle.NodeID(nodeIDFlag)

	conf := memberlist.DefaultLANConfig()
	conf.Name = strconv.FormatUint(uint64(nodeIDFlag), 10)
	conf.BindAddr = bindAddr
	conf.BindPort = bindPort
	conf.AdvertisePort = bindPort
	conf.LogOutput = log.WriterLevel(logrus.DebugLevel)

	ml, err := memberlist.Create(conf)
	if err != nil {
		log.WithError(err).Fatal("could not start memberlist")
	}

	tr := transport.NewMemberlistTransport(ml, nodeID, log)
	oa := oracle.NewMemberlistAdapter(ml, nodeID, nil, log)
	// conf is the same pointer memberlist.Create stored on ml, so wiring
	// the delegates here still reaches every future callback.
	conf.Delegate = tr.Delegate()
	conf.Events = oa.EventDelegate()

	if len(joinAddrs) > 0 {
		if _, err := ml.Join(joinAddrs); err != nil {
			log.WithError(err).Warn("could not join any seed, starting as a new cluster")
		}
	}

	reg := registry.New(nodeID)
	bs := barrier.New(tr, log)

	clients, err := clientproto.Listen(log)
	if err != nil {
		log.WithError(err).Fatal("could not listen on client socket")
	}
	dispatch := clientproto.NewDispatcher(clients, log)

	// groupsm.StateMachine and recovery.Coordinator each need a pointer
	// to the other (the state machine consults the coordinator as its
	// RecoveryGate; the coordinator drives Fail events back into the
	// state machine); gate defers to rc, which is only assigned once
	// both sides exist.
	gate := &lazyRecoveryGate{}
	sm := groupsm.New(reg, oa, tr, bs, dispatch, gate, log)
	rc := recovery.New(reg, oa, sm, tr, log)
	gate.rc = rc
	metrics := introspect.NewMetrics(reg, nil, prometheus.DefaultRegisterer)

	d := daemon.New(reg, oa, tr, sm, rc, clients, dispatch, metrics, ring, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs
		log.Info("received shutdown signal")
		cancel()
	}()

	runErr := d.Run(ctx)
	_ = ml.Leave(5 * time.Second)
	_ = ml.Shutdown()
	_ = clients.Close()

	if runErr != nil && runErr != context.Canceled {
		log.WithError(runErr).Error("daemon exited with a fatal error, self-fencing")
		fencer := &fence.ExecFencer{Log: log}
		if err := fencer.Fence(context.Background(), conf.Name); err != nil {
			log.WithError(err).Error("self-fence failed")
		}
		os.Exit(1)
	}

	log.Info("groupd stopped")
}

// lazyRecoveryGate implements groupsm.RecoveryGate by forwarding to rc
// once it is set, breaking the constructor cycle between StateMachine
// and Coordinator (see main's wiring comment).
type lazyRecoveryGate struct {
	rc *recovery.Coordinator
}

func (g *lazyRecoveryGate) ReadyToRestart(gr *registry.Group) bool {
	if g.rc == nil {
		return true
	}
	return g.rc.ReadyToRestart(gr)
}

// newLogger builds a logrus logger whose level follows -v's cumulative
// count (0: info, 1: debug, 2+: trace), with -D additionally forcing
// at least debug — original_source's groupd_debug_opt/groupd_debug_
// verbose split the same two knobs.
func newLogger(debug bool, verbose int) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	switch {
	case verbose >= 2:
		level = logrus.TraceLevel
	case verbose == 1:
		level = logrus.DebugLevel
	}
	if debug && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	return log
}

// acquirePidfile takes an advisory exclusive lock on path, truncates
// it and writes our pid, refusing to start if another instance
// already holds the lock — the Go equivalent of original_source/
// group/daemon/main.c's lockfile(), using flock instead of fcntl
// record locking since groupd only ever needs a whole-file lock.
func acquirePidfile(path string) error {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return fmt.Errorf("groupd is already running (%s locked): %w", path, err)
	}

	if err := unix.Ftruncate(fd, 0); err != nil {
		unix.Close(fd)
		return fmt.Errorf("truncate %s: %w", path, err)
	}

	line := strconv.Itoa(os.Getpid()) + "\n"
	if _, err := unix.Write(fd, []byte(line)); err != nil {
		unix.Close(fd)
		return fmt.Errorf("write %s: %w", path, err)
	}

	// Deliberately leak fd for the process lifetime: releasing the lock
	// is "the process exited", not "the function returned".
	return nil
}
