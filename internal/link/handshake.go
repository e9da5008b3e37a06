package link

import (
	"time"

	"breaksync/internal/wire"
)

func (l *Link) handleHello(p *peer, m wire.Hello) {
	if !p.inbound || p.authenticated() {
		l.log.Printf("link unexpected hello peer=%s", p.id())
		l.closePeer(p, true)
		return
	}
	if l.cfg.Username != "" || l.cfg.Password != "" {
		if m.User != l.cfg.Username || m.Password != l.cfg.Password {
			l.log.Printf("link auth failed remote=%s user=%q", p.id(), m.User)
			l.removePeer(p)
			return
		}
	}

	name, port := CanonicalHost(m.Name), int(m.Port)
	if name == "" || port == 0 {
		l.log.Printf("link hello without address remote=%s", p.id())
		l.removePeer(p)
		return
	}
	if l.isSelf(name, port, m.Instance) {
		l.log.Printf("link refusing connection to self remote=%s", p.id())
		l.send(p, wire.Duplicate{})
		l.removePeer(p)
		return
	}

	p.instance = m.Instance
	if !l.resolve(p, name, port) {
		l.log.Printf("link duplicate connection peer=%s", peerID(name, port))
		l.send(p, wire.Duplicate{})
		l.removePeer(p)
		return
	}
	l.authenticate(p)
}

func (l *Link) handleWelcome(p *peer, m wire.Welcome) {
	if p.inbound || p.authenticated() {
		l.log.Printf("link unexpected welcome peer=%s", p.id())
		l.closePeer(p, true)
		return
	}

	name, port := CanonicalHost(m.Name), int(m.Port)
	if name == "" || port == 0 {
		name, port = p.name, p.port
	}
	if l.isSelf(name, port, m.Instance) {
		l.log.Printf("link connected to self peer=%s", p.id())
		l.removePeer(p)
		return
	}

	p.instance = m.Instance
	if !l.resolve(p, name, port) {
		l.log.Printf("link duplicate connection peer=%s", peerID(name, port))
		l.send(p, wire.Duplicate{})
		l.removePeer(p)
		return
	}
	l.authenticate(p)
}

func (l *Link) isSelf(name string, port int, instance string) bool {
	if instance != "" && instance == l.cfg.Instance {
		return true
	}
	return name == l.name && port == l.port
}

// resolve gives p the canonical address name:port and settles any other
// entry with the same address. It reports whether p survives.
func (l *Link) resolve(p *peer, name string, port int) bool {
	id := peerID(name, port)
	for _, q := range l.snapshot() {
		if q == p || !q.named() || q.id() != id {
			continue
		}
		switch {
		case !q.connected() && q.state != peerConnecting:
			l.replace(q, p)
		case q.authenticated() && (q.instance == "" || q.instance != p.instance):
			return false
		default:
			sp, sq := l.starter(p, id), l.starter(q, id)
			if sp == sq || sq < sp {
				return false
			}
			l.log.Printf("link crossed connections peer=%s keep=%s", id, sp)
			l.replace(q, p)
		}
	}
	p.name, p.port = name, port
	return true
}

// starter names the node that opened c. Of two crossed connections both
// ends keep the one opened by the lower id.
func (l *Link) starter(c *peer, remoteID string) string {
	if c.inbound {
		return remoteID
	}
	return l.ID()
}

// replace drops old in favour of p, which takes over its master role.
func (l *Link) replace(old, p *peer) {
	wasAuthenticated := old.authenticated()
	if old.conn != nil {
		_ = old.conn.Close()
		old.conn = nil
	}
	old.gen++
	old.state = peerDisconnected
	if l.master == old {
		l.master = p
	}
	l.dropPeer(old)
	if wasAuthenticated {
		l.listener.PeerDisconnected(old.id())
	}
}

func (l *Link) authenticate(p *peer) {
	p.state = peerAuthenticated
	p.retry.Reset()
	p.nextReconnect = time.Time{}
	p.claimCount = 0
	l.log.Printf("link authenticated peer=%s inbound=%v", p.id(), p.inbound)

	if p.inbound {
		if !l.send(p, wire.Welcome{Name: l.name, Port: uint16(l.port), Instance: l.cfg.Instance}) {
			return
		}
	}
	if !l.send(p, l.clientList(true)) {
		return
	}
	l.listener.PeerAuthenticated(p.id())
	if l.iAmMaster && p.authenticated() {
		l.sendState(p)
	}
}

func (l *Link) clientList(forwardable bool) wire.ClientList {
	cl := wire.ClientList{Epoch: l.epoch}
	if forwardable {
		cl.Flags |= wire.ListForwardable
	}
	if l.iAmMaster {
		cl.Flags |= wire.ListIAmMaster
	} else if l.master != nil && l.master.named() {
		cl.Master = &wire.PeerRef{Name: l.master.name, Port: uint16(l.master.port)}
	}
	for _, p := range l.peers {
		if p.named() && p.authenticated() {
			cl.Peers = append(cl.Peers, wire.PeerRef{Name: p.name, Port: uint16(p.port)})
		}
	}
	return cl
}

func (l *Link) handleClientList(p *peer, m wire.ClientList) {
	for _, ref := range m.Peers {
		name, port := CanonicalHost(ref.Name), int(ref.Port)
		if name == "" || port == 0 || (name == l.name && port == l.port) {
			continue
		}
		if l.findPeer(peerID(name, port)) != nil {
			continue
		}
		q := newPeer(name, port, l.cfg)
		l.peers = append(l.peers, q)
		l.log.Printf("link learned peer=%s from=%s", q.id(), p.id())
		l.dial(q)
	}

	var (
		asserted bool
		assertID string
	)
	switch {
	case m.Flags&wire.ListIAmMaster != 0:
		asserted, assertID = true, p.id()
	case m.Master != nil:
		id := peerID(CanonicalHost(m.Master.Name), int(m.Master.Port))
		if id == l.ID() || l.findPeer(id) != nil {
			asserted, assertID = true, id
		} else {
			l.log.Printf("link unknown master ref=%s from=%s", id, p.id())
		}
	}
	if asserted {
		l.assertMaster(p, assertID, m.Epoch)
	}

	if m.Flags&wire.ListForwardable != 0 {
		fwd := m
		fwd.Flags &^= wire.ListForwardable | wire.ListIAmMaster
		if m.Flags&wire.ListIAmMaster != 0 {
			fwd.Master = &wire.PeerRef{Name: p.name, Port: uint16(p.port)}
		}
		l.broadcast(fwd, p)
	}
}

// assertMaster applies a master claim relayed by from. Newer epochs win;
// on equal epochs a conflict goes to the lower id.
func (l *Link) assertMaster(from *peer, id string, epoch uint16) {
	diff := int16(epoch - l.epoch)
	if diff < 0 {
		l.log.Printf("link stale master assertion master=%s epoch=%d have=%d from=%s", id, epoch, l.epoch, from.id())
		return
	}
	if cur := l.MasterID(); diff == 0 && cur != "" && cur != id {
		if cur < id {
			return
		}
		l.log.Printf("link master conflict epoch=%d have=%s take=%s", epoch, cur, id)
	}
	l.epoch = epoch
	l.setMasterID(id)
}

func (l *Link) setMasterID(id string) {
	if id == l.ID() {
		l.setMeMaster()
		return
	}
	if q := l.findPeer(id); q != nil {
		l.setMaster(q)
	}
}
