package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"breaksync/internal/clock"
	"breaksync/internal/wire"
)

var ErrClosed = errors.New("link: closed")

const (
	DefaultPort              = 27273
	DefaultReconnectAttempts = 5
	DefaultReconnectInterval = 15 * time.Second

	dialTimeout     = 5 * time.Second
	writeTimeout    = 5 * time.Second
	claimInterval   = 10 * time.Second
	claimRetryLimit = 3
	rejectDelay     = 5 * time.Second
	rejectMaxFactor = 6
	stateResyncBeat = 60
	eventBuffer     = 64
)

// StateHandler supplies and consumes one replicated state blob.
type StateHandler interface {
	GetState() ([]byte, error)
	SetState(data []byte, becameMaster bool) error
}

// Listener receives link notifications on the loop goroutine.
type Listener interface {
	MasterChanged(isMaster bool, masterID string)
	StateTransferComplete()
	PeerAuthenticated(id string)
	PeerDisconnected(id string)
}

type nopListener struct{}

func (nopListener) MasterChanged(bool, string) {}
func (nopListener) StateTransferComplete()     {}
func (nopListener) PeerAuthenticated(string)   {}
func (nopListener) PeerDisconnected(string)    {}

// Config configures a Link.
type Config struct {
	// Name is the canonical name announced to peers. Defaults to the host name.
	Name string
	// ListenAddr is the bind host. Empty binds all interfaces.
	ListenAddr string
	// Port is the listen port. Zero picks a free port.
	Port int

	Username string
	Password string

	ReconnectAttempts int
	ReconnectInterval time.Duration

	// Instance identifies this process. Peers use it to spot connections
	// to themselves and crossed connections.
	Instance string

	Logger *log.Logger
	Clock  clock.Clock
}

type eventKind int

const (
	evAccepted eventKind = iota + 1
	evConnected
	evDialFailed
	evPacket
	evClosed
)

// Event is produced by the link's network goroutines. The owner passes each
// one back to Handle on the loop goroutine.
type Event struct {
	kind eventKind
	peer *peer
	gen  uint64
	conn net.Conn
	data []byte
	err  error
}

// Link is a TCP mesh node. Network goroutines only post events; every
// protocol decision happens in the methods below, which must all be called
// from one goroutine.
type Link struct {
	cfg   Config
	log   *log.Logger
	clock clock.Clock

	ln     net.Listener
	events chan Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	name    string
	port    int
	started bool
	closed  bool

	peers      []*peer
	master     *peer
	iAmMaster  bool
	lockMaster bool
	epoch      uint16
	claiming   bool
	heartbeats int

	states   map[wire.StateID]StateHandler
	listener Listener
}

// New returns an unstarted link.
func New(cfg Config) *Link {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Name = host
		} else {
			cfg.Name = "localhost"
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		cfg:      cfg,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		name:     CanonicalHost(cfg.Name),
		port:     cfg.Port,
		states:   make(map[wire.StateID]StateHandler),
		listener: nopListener{},
	}
}

// SetListener installs the notification target. nil restores a no-op.
func (l *Link) SetListener(ls Listener) {
	if ls == nil {
		ls = nopListener{}
	}
	l.listener = ls
}

// Start binds the listen socket and starts accepting peers.
func (l *Link) Start() error {
	if l.closed {
		return ErrClosed
	}
	if l.started {
		return nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(l.cfg.ListenAddr, strconv.Itoa(l.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.ln = ln
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		l.port = addr.Port
	}
	l.started = true

	l.wg.Add(1)
	go l.acceptLoop()
	l.log.Printf("link listening addr=%s id=%s", ln.Addr(), l.ID())
	return nil
}

// Close signs off from every peer and stops all network goroutines.
func (l *Link) Close() error {
	if l.closed {
		return nil
	}
	for _, p := range l.snapshot() {
		if p.authenticated() {
			l.send(p, wire.Signoff{Name: l.name, Port: uint16(l.port)})
		}
	}
	l.closed = true
	l.cancel()
	close(l.done)
	if l.ln != nil {
		_ = l.ln.Close()
	}
	for _, p := range l.peers {
		if p.conn != nil {
			_ = p.conn.Close()
			p.conn = nil
		}
	}
	l.wg.Wait()
	l.peers = nil
	l.master = nil
	for {
		select {
		case ev := <-l.events:
			if ev.conn != nil {
				_ = ev.conn.Close()
			}
		default:
			return nil
		}
	}
}

// Events delivers network events for Handle.
func (l *Link) Events() <-chan Event { return l.events }

func (l *Link) ID() string { return peerID(l.name, l.port) }

func (l *Link) Name() string { return l.name }

func (l *Link) Port() int { return l.port }

func (l *Link) IsMaster() bool { return l.iAmMaster }

// MasterID returns the id of the node believed to be master, or "" if none
// is known.
func (l *Link) MasterID() string {
	switch {
	case l.iAmMaster:
		return l.ID()
	case l.master != nil:
		return l.master.id()
	default:
		return ""
	}
}

// Epoch returns the highest master epoch seen.
func (l *Link) Epoch() uint16 { return l.epoch }

// NumberOfPeers counts authenticated peers.
func (l *Link) NumberOfPeers() int {
	n := 0
	for _, p := range l.peers {
		if p.authenticated() {
			n++
		}
	}
	return n
}

// Peers returns a snapshot of every known peer, sorted by id.
func (l *Link) Peers() []PeerStatus {
	out := make([]PeerStatus, 0, len(l.peers))
	for _, p := range l.peers {
		out = append(out, PeerStatus{
			ID:            p.id(),
			State:         p.state.String(),
			Inbound:       p.inbound,
			Master:        p == l.master,
			RejectCount:   p.rejectCount,
			NextClaim:     p.nextClaim,
			NextReconnect: p.nextReconnect,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Link) RegisterState(id wire.StateID, h StateHandler) {
	l.states[id] = h
}

func (l *Link) UnregisterState(id wire.StateID) {
	delete(l.states, id)
}

// SetLockMaster keeps mastership while set: claims from peers are rejected.
func (l *Link) SetLockMaster(lock bool) { l.lockMaster = lock }

// Join dials host:port, adding it as a peer.
func (l *Link) Join(host string, port int) error {
	if l.closed {
		return ErrClosed
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("join %s: bad port %d", host, port)
	}
	name := CanonicalHost(host)
	if name == "" {
		return fmt.Errorf("join: empty host")
	}
	if name == l.name && port == l.port {
		return nil
	}
	if p := l.findPeer(peerID(name, port)); p != nil {
		if !p.connected() && p.state != peerConnecting {
			p.retry.Reset()
			l.dial(p)
		}
		return nil
	}
	p := newPeer(name, port, l.cfg)
	l.peers = append(l.peers, p)
	l.dial(p)
	return nil
}

// Disconnect drops a peer and forgets it.
func (l *Link) Disconnect(id string) bool {
	p := l.findPeer(id)
	if p == nil {
		return false
	}
	l.log.Printf("link disconnect peer=%s", id)
	l.removePeer(p)
	return true
}

// DisconnectAll closes every connection without reconnecting. The local
// node becomes master.
func (l *Link) DisconnectAll() {
	for _, p := range l.snapshot() {
		l.closePeer(p, false)
	}
	l.setMeMaster()
}

// ReconnectAll makes every disconnected peer due for an immediate dial.
func (l *Link) ReconnectAll() {
	now := l.clock.Now()
	for _, p := range l.peers {
		if p.connected() || !p.named() {
			continue
		}
		p.retry.Reset()
		p.nextReconnect = now.Add(-time.Second)
	}
}

// Heartbeat dials due reconnects and periodically resends full state from
// the master.
func (l *Link) Heartbeat() {
	if l.closed {
		return
	}
	l.heartbeats++
	now := l.clock.Now()
	for _, p := range l.snapshot() {
		if p.connected() || p.state == peerConnecting || p.nextReconnect.IsZero() {
			continue
		}
		if !now.Before(p.nextReconnect) {
			l.dial(p)
		}
	}
	if l.heartbeats%stateResyncBeat == 0 && l.iAmMaster && l.NumberOfPeers() > 0 {
		l.BroadcastState()
	}
}

// Handle applies one event from Events.
func (l *Link) Handle(ev Event) {
	if ev.kind == evAccepted {
		l.handleAccepted(ev.conn)
		return
	}
	p := ev.peer
	if l.closed || p == nil || ev.gen != p.gen || !l.hasPeer(p) {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}

	switch ev.kind {
	case evConnected:
		l.handleConnected(p, ev.conn)
	case evDialFailed:
		l.log.Printf("link dial failed peer=%s err=%v", p.id(), ev.err)
		p.state = peerDisconnected
		l.scheduleReconnect(p)
	case evPacket:
		l.handlePacket(p, ev.data)
	case evClosed:
		l.log.Printf("link connection closed peer=%s err=%v", p.id(), ev.err)
		l.closePeer(p, true)
	}
}

func (l *Link) handleAccepted(conn net.Conn) {
	if l.closed {
		_ = conn.Close()
		return
	}
	p := &peer{conn: conn, state: peerConnected, inbound: true, retry: newRetry(l.cfg)}
	l.peers = append(l.peers, p)
	l.startReader(p)
	l.log.Printf("link accepted remote=%s", conn.RemoteAddr())
}

func (l *Link) handleConnected(p *peer, conn net.Conn) {
	p.conn = conn
	p.state = peerConnected
	p.inbound = false
	p.nextReconnect = time.Time{}
	l.startReader(p)
	l.send(p, wire.Hello{
		User:     l.cfg.Username,
		Password: l.cfg.Password,
		Name:     l.name,
		Port:     uint16(l.port),
		Instance: l.cfg.Instance,
	})
}

func (l *Link) handlePacket(p *peer, data []byte) {
	p.claimCount = 0
	msg, err := wire.Unmarshal(data)
	if err != nil {
		l.log.Printf("link bad packet peer=%s err=%v", p.id(), err)
		l.closePeer(p, true)
		return
	}

	switch m := msg.(type) {
	case wire.Hello:
		l.handleHello(p, m)
		return
	case wire.Welcome:
		l.handleWelcome(p, m)
		return
	case wire.Duplicate:
		l.log.Printf("link duplicate peer=%s", p.id())
		l.removePeer(p)
		return
	}

	if !p.authenticated() {
		l.log.Printf("link unexpected %v before handshake peer=%s", msg.Command(), p.id())
		return
	}

	switch m := msg.(type) {
	case wire.ClientList:
		l.handleClientList(p, m)
	case wire.Claim:
		l.handleClaim(p)
	case wire.ClaimReject:
		l.handleClaimReject(p)
	case wire.NewMaster:
		l.handleNewMaster(p, m)
	case wire.StateInfo:
		l.handleStateInfo(p, m)
	case wire.Signoff:
		l.log.Printf("link signoff peer=%s", p.id())
		l.closePeer(p, false)
	}
}

// send writes one packet. A failed write drops the connection.
func (l *Link) send(p *peer, m wire.Message) bool {
	if p.conn == nil {
		return false
	}
	b, err := wire.Marshal(m)
	if err != nil {
		l.log.Printf("link encode %v: %v", m.Command(), err)
		return false
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := p.conn.Write(b); err != nil {
		l.log.Printf("link write peer=%s cmd=%v err=%v", p.id(), m.Command(), err)
		l.closePeer(p, true)
		return false
	}
	return true
}

func (l *Link) broadcast(m wire.Message, except *peer) {
	for _, p := range l.snapshot() {
		if p != except && p.authenticated() {
			l.send(p, m)
		}
	}
}

func (l *Link) dial(p *peer) {
	p.gen++
	p.state = peerConnecting
	p.nextReconnect = time.Time{}
	gen := p.gen
	addr := peerID(p.name, p.port)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(l.ctx, "tcp", addr)
		if err != nil {
			l.post(Event{kind: evDialFailed, peer: p, gen: gen, err: err})
			return
		}
		if !l.post(Event{kind: evConnected, peer: p, gen: gen, conn: conn}) {
			_ = conn.Close()
		}
	}()
}

func (l *Link) startReader(p *peer) {
	conn, gen := p.conn, p.gen
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		r := bufio.NewReader(conn)
		for {
			pkt, err := wire.ReadPacket(r)
			if err != nil {
				l.post(Event{kind: evClosed, peer: p, gen: gen, err: err})
				return
			}
			if !l.post(Event{kind: evPacket, peer: p, gen: gen, data: pkt}) {
				return
			}
		}
	}()
}

func (l *Link) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Printf("link accept: %v", err)
			continue
		}
		if !l.post(Event{kind: evAccepted, conn: conn}) {
			_ = conn.Close()
			return
		}
	}
}

func (l *Link) post(ev Event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

// closePeer drops the connection of p. Named peers stay known and, when
// reconnect is set, get a reconnect scheduled; anonymous ones are removed.
func (l *Link) closePeer(p *peer, reconnect bool) {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.gen++
	wasAuthenticated := p.authenticated()
	p.state = peerDisconnected
	p.nextReconnect = time.Time{}

	if l.master == p {
		l.setMaster(nil)
	}
	if wasAuthenticated {
		l.listener.PeerDisconnected(p.id())
	}
	if !p.named() {
		l.dropPeer(p)
		return
	}
	if reconnect && !l.closed {
		l.scheduleReconnect(p)
	}
}

func (l *Link) removePeer(p *peer) {
	l.closePeer(p, false)
	l.dropPeer(p)
}

func (l *Link) dropPeer(p *peer) {
	for i, cur := range l.peers {
		if cur == p {
			l.peers = append(l.peers[:i], l.peers[i+1:]...)
			break
		}
	}
	if l.master == p {
		l.setMaster(nil)
	}
}

func (l *Link) scheduleReconnect(p *peer) {
	d := p.retry.NextBackOff()
	if d < 0 {
		l.log.Printf("link giving up peer=%s", p.id())
		p.nextReconnect = time.Time{}
		return
	}
	p.nextReconnect = l.clock.Now().Add(d)
}

func (l *Link) findPeer(id string) *peer {
	for _, p := range l.peers {
		if p.named() && p.id() == id {
			return p
		}
	}
	return nil
}

func (l *Link) hasPeer(p *peer) bool {
	for _, cur := range l.peers {
		if cur == p {
			return true
		}
	}
	return false
}

func (l *Link) snapshot() []*peer {
	return append([]*peer(nil), l.peers...)
}
