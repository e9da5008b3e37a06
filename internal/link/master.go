package link

import (
	"sort"
	"time"

	"breaksync/internal/wire"
)

// Claim asks for mastership. It reports true when the local node is master
// on return; otherwise a claim went to the current master and the answer
// arrives through the listener.
func (l *Link) Claim() bool {
	switch {
	case l.iAmMaster:
		return true
	case l.master != nil:
		l.sendClaim(l.master)
		return false
	case l.NumberOfPeers() > 0:
		l.epoch++
		l.setMeMaster()
		l.broadcast(wire.NewMaster{Name: l.name, Port: uint16(l.port), Epoch: l.epoch}, nil)
		return true
	default:
		l.setMeMaster()
		return true
	}
}

func (l *Link) sendClaim(p *peer) {
	now := l.clock.Now()
	if !p.nextClaim.IsZero() && now.Before(p.nextClaim) {
		return
	}
	if p.claimCount >= claimRetryLimit {
		l.log.Printf("link master not answering claims peer=%s", p.id())
		l.closePeer(p, true)
		return
	}
	p.claimCount++
	p.nextClaim = now.Add(claimInterval)
	l.claiming = true
	l.send(p, wire.Claim{Count: uint16(p.claimCount)})
}

func (l *Link) handleClaim(p *peer) {
	if !l.iAmMaster {
		l.send(p, l.clientList(false))
		return
	}
	if l.lockMaster {
		l.log.Printf("link rejecting claim peer=%s", p.id())
		l.send(p, wire.ClaimReject{})
		return
	}

	l.log.Printf("link yielding master to=%s", p.id())
	l.epoch++
	l.setMaster(p)
	l.sendState(p)
	l.broadcast(wire.NewMaster{Name: p.name, Port: uint16(p.port), Epoch: l.epoch}, nil)
}

func (l *Link) handleClaimReject(p *peer) {
	if p != l.master {
		l.log.Printf("link claim reject from non-master peer=%s", p.id())
		return
	}
	p.rejectCount++
	n := min(p.rejectCount, rejectMaxFactor)
	p.nextClaim = l.clock.Now().Add(rejectDelay * time.Duration(n))
	l.claiming = false
	l.log.Printf("link claim rejected peer=%s count=%d retry=%s", p.id(), p.rejectCount, p.nextClaim.Format(time.RFC3339))
}

func (l *Link) handleNewMaster(p *peer, m wire.NewMaster) {
	for _, q := range l.peers {
		q.rejectCount = 0
	}

	id := peerID(CanonicalHost(m.Name), int(m.Port))
	if int16(m.Epoch-l.epoch) < 0 {
		l.log.Printf("link stale new-master master=%s epoch=%d have=%d from=%s", id, m.Epoch, l.epoch, p.id())
		l.send(p, l.clientList(false))
		return
	}
	if id != l.ID() && l.findPeer(id) == nil {
		l.log.Printf("link new-master names unknown peer=%s from=%s", id, p.id())
		return
	}
	l.claiming = false
	l.assertMaster(p, id, m.Epoch)
}

// handleStateInfo applies replicated state. A claimant keeps treating
// packets from the master it claimed from as a handover until NewMaster or
// ClaimReject arrives, since the handover may span several packets.
func (l *Link) handleStateInfo(p *peer, m wire.StateInfo) {
	becameMaster := l.claiming && p == l.master
	for _, s := range m.States {
		h, ok := l.states[s.ID]
		if !ok {
			continue
		}
		if err := h.SetState(s.Data, becameMaster); err != nil {
			l.log.Printf("link apply state id=%v from=%s: %v", s.ID, p.id(), err)
		}
	}
	l.listener.StateTransferComplete()
}

// stateInfos returns one StateInfo per state so a large state cannot push
// the others past the packet size limit.
func (l *Link) stateInfos(ids []wire.StateID) []wire.StateInfo {
	if len(ids) == 0 {
		for id := range l.states {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	var out []wire.StateInfo
	for _, id := range ids {
		h, ok := l.states[id]
		if !ok {
			continue
		}
		data, err := h.GetState()
		if err != nil {
			l.log.Printf("link get state id=%v: %v", id, err)
			continue
		}
		out = append(out, wire.StateInfo{States: []wire.StateBlob{{ID: id, Data: data}}})
	}
	return out
}

func (l *Link) sendState(p *peer) {
	for _, info := range l.stateInfos(nil) {
		if !l.send(p, info) {
			return
		}
	}
}

// BroadcastState sends the named states, or all registered ones, to every
// authenticated peer.
func (l *Link) BroadcastState(ids ...wire.StateID) {
	for _, info := range l.stateInfos(ids) {
		l.broadcast(info, nil)
	}
}

func (l *Link) setMaster(p *peer) {
	wasMaster, old := l.iAmMaster, l.MasterID()
	l.master = p
	l.iAmMaster = false
	l.notifyMaster(wasMaster, old)
}

func (l *Link) setMeMaster() {
	wasMaster, old := l.iAmMaster, l.MasterID()
	l.master = nil
	l.iAmMaster = true
	l.claiming = false
	l.notifyMaster(wasMaster, old)
}

func (l *Link) notifyMaster(wasMaster bool, old string) {
	cur := l.MasterID()
	if wasMaster == l.iAmMaster && old == cur {
		return
	}
	l.log.Printf("link master changed master=%q self=%v epoch=%d", cur, l.iAmMaster, l.epoch)
	l.listener.MasterChanged(l.iAmMaster, cur)
}
