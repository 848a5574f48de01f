package clientproto

import (
	"strings"

	"github.com/ClusterLabs/groupd/internal/groupsm"
	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/sirupsen/logrus"
)

// Dispatcher implements groupsm.ClientCallbacks by routing each call
// to the Endpoint owning g.ClientID. A single Dispatcher serves every
// Group the daemon holds, since groupsm.StateMachine is itself one
// instance shared across all Groups and clients (spec.md §5).
type Dispatcher struct {
	srv *Server
	log logrus.FieldLogger
}

var _ groupsm.ClientCallbacks = (*Dispatcher)(nil)

// NewDispatcher constructs a Dispatcher over srv.
func NewDispatcher(srv *Server, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{srv: srv, log: log.WithField("component", "clientproto")}
}

func (d *Dispatcher) endpointFor(g *registry.Group) (*Endpoint, bool) {
	ep, ok := d.srv.Endpoint(g.ClientID)
	if !ok {
		d.log.WithField("group", g.Name).Warn("no client endpoint registered for group")
	}
	return ep, ok
}

func (d *Dispatcher) Stop(g *registry.Group, ev *registry.Event) {
	ep, ok := d.endpointFor(g)
	if !ok {
		return
	}
	if err := ep.SendStop(g.Name); err != nil {
		d.log.WithError(err).WithField("group", g.Name).Warn("failed to send stop callback")
	}
}

func (d *Dispatcher) Start(g *registry.Group, ev *registry.Event, members []oracle.NodeID) {
	ep, ok := d.endpointFor(g)
	if !ok {
		return
	}
	kind := strings.ToLower(ev.Kind.String())
	if err := ep.SendStart(g.Name, ev.ID, kind, members); err != nil {
		d.log.WithError(err).WithField("group", g.Name).Warn("failed to send start callback")
	}
}

func (d *Dispatcher) Finish(g *registry.Group, ev *registry.Event) {
	ep, ok := d.endpointFor(g)
	if !ok {
		return
	}
	if err := ep.SendFinish(g.Name, ev.ID); err != nil {
		d.log.WithError(err).WithField("group", g.Name).Warn("failed to send finish callback")
	}
}

func (d *Dispatcher) SetID(g *registry.Group) {
	ep, ok := d.endpointFor(g)
	if !ok {
		return
	}
	if err := ep.SendSetID(g.Name, g.GlobalID); err != nil {
		d.log.WithError(err).WithField("group", g.Name).Warn("failed to send setid callback")
	}
}

func (d *Dispatcher) Terminate(g *registry.Group) {
	ep, ok := d.endpointFor(g)
	if !ok {
		return
	}
	if err := ep.SendTerminate(g.Name); err != nil {
		d.log.WithError(err).WithField("group", g.Name).Warn("failed to send terminate callback")
	}
}

func (d *Dispatcher) Deliver(g *registry.Group, from oracle.NodeID, body []byte) {
	ep, ok := d.endpointFor(g)
	if !ok {
		return
	}
	if err := ep.SendDeliver(g.Name, from, body); err != nil {
		d.log.WithError(err).WithField("group", g.Name).Warn("failed to send deliver callback")
	}
}
