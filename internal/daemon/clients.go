package daemon

import (
	"github.com/ClusterLabs/groupd/internal/clientproto"
	"github.com/ClusterLabs/groupd/internal/registry"
	"github.com/ClusterLabs/groupd/internal/transport"
	"github.com/ClusterLabs/groupd/internal/wire"
	"github.com/sirupsen/logrus"
)

// registerSession starts forwarding ep's parsed commands onto cmdCh
// and records a fresh clientSession for it. The forwarder goroutine
// does nothing but relay (ep, Command) pairs: all actual state
// mutation happens back on Run's select loop, per spec.md §5.
func (d *Daemon) registerSession(ep *clientproto.Endpoint) {
	sess := &clientSession{ep: ep}
	d.sessions[ep.ID()] = sess

	go func() {
		for cmd := range ep.Commands() {
			d.cmdCh <- clientCommand{sess: sess, cmd: cmd}
		}
		d.cmdCh <- clientCommand{sess: sess, closed: true}
	}()
}

// handleClientCommand applies one parsed Command to registry/groupsm
// state. It is only ever called from Run's select loop.
func (d *Daemon) handleClientCommand(cc clientCommand) {
	sess := cc.sess
	if cc.closed {
		d.closeSession(sess)
		return
	}

	log := d.log.WithFields(logrus.Fields{"client": sess.ep.ID(), "cmd": cc.cmd.Kind.String()})

	switch cc.cmd.Kind {
	case clientproto.CmdSetup:
		sess.typ = cc.cmd.Type
		sess.level = cc.cmd.Level

	case clientproto.CmdJoin:
		g, err := d.lookupOrCreateGroup(sess, cc.cmd.Name)
		if err != nil {
			log.WithError(err).Warn("join rejected")
			return
		}
		sess.group = g
		d.sm.JoinLocal(g)

	case clientproto.CmdLeave:
		if sess.group == nil || sess.group.Name != cc.cmd.Name {
			log.Warn("leave for a group this client never joined")
			return
		}
		d.sm.LeaveLocal(sess.group)

	case clientproto.CmdStopDone:
		g := sess.group
		if g == nil || g.Name != cc.cmd.Name {
			return
		}
		sess.ep.AckStopDone(cc.cmd.Name)
		if ev := g.CurrentEvent(); ev != nil {
			d.sm.HandleLocalStopDone(g, ev.ID)
		}

	case clientproto.CmdStartDone:
		g := sess.group
		if g == nil || g.Name != cc.cmd.Name {
			return
		}
		sess.ep.AckStartDone(cc.cmd.Name, cc.cmd.EventNr)
		d.sm.HandleLocalStartDone(g, cc.cmd.EventNr)

	case clientproto.CmdSend:
		d.sendAppPayload(sess, cc.cmd, log)

	case clientproto.CmdGetGroups:
		d.replyGetGroups(sess)

	case clientproto.CmdGetGroup:
		d.replyGetGroup(sess, cc.cmd.Name)

	case clientproto.CmdDump:
		d.replyDump(sess)

	case clientproto.CmdLog:
		d.replyLog(sess)
	}
}

// lookupOrCreateGroup implements spec.md §4.2's join-time rule: a
// group already known locally is reused (a second local client cannot
// join the same (level, name) pair — the registry enforces one
// ClientID per Group), otherwise a brand-new Group record is created
// with GlobalID 0 for the Join protocol to assign.
func (d *Daemon) lookupOrCreateGroup(sess *clientSession, name string) (*registry.Group, error) {
	if g, err := d.reg.Lookup(sess.level, name); err == nil {
		if g.ClientID != sess.ep.ID() {
			return nil, registry.ErrAlreadyExists
		}
		return g, nil
	}
	return d.reg.Create(sess.level, name, sess.ep.ID())
}

func (d *Daemon) sendAppPayload(sess *clientSession, cmd clientproto.Command, log logrus.FieldLogger) {
	g := sess.group
	if g == nil || g.Name != cmd.Name || g.GlobalID == 0 {
		log.Warn("send for a group with no assigned global-id yet")
		return
	}
	payload, err := wire.EncodeAppPayload(cmd.Body)
	if err != nil {
		log.WithError(err).Warn("failed to encode app payload")
		return
	}
	hdr := wire.Header{Type: wire.AppInternal, GroupID: g.GlobalID, Length: uint16(len(payload))}
	if err := d.tr.Multicast(transport.GroupScopeName(g.GlobalID), wire.Encode(hdr, payload)); err != nil {
		log.WithError(err).Warn("failed to multicast app payload")
	}
}

func (d *Daemon) closeSession(sess *clientSession) {
	delete(d.sessions, sess.ep.ID())
	if d.clients != nil {
		d.clients.Remove(sess.ep.ID())
	}
	if sess.group != nil {
		d.sm.LeaveLocal(sess.group)
	}
}
