// Package distribution owns the peer link and turns its notifications into
// the node state the rest of the agent acts on.
package distribution

import (
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"

	"breaksync/internal/addrutil"
	"breaksync/internal/link"
	"breaksync/internal/wire"
)

const (
	EnvURL  = "WORKRAVE_URL"
	EnvPort = "WORKRAVE_PORT"

	logLines = 100
)

// NodeState is the role of this node in the mesh.
type NodeState int

const (
	// Active: this node is master and drives the timers.
	Active NodeState = iota
	// Passive: another node is master.
	Passive
	// Standby: no master is known.
	Standby
)

func (s NodeState) String() string {
	switch s {
	case Active:
		return "active"
	case Passive:
		return "passive"
	default:
		return "standby"
	}
}

// PeerStore persists the configured peer URLs.
type PeerStore interface {
	LoadPeers() ([]string, error)
	SavePeers(urls []string) error
}

// Observer receives distribution notifications on the loop goroutine.
type Observer interface {
	NodeStateChanged(state NodeState, masterID string)
	StateTransferComplete()
	SignonClient(id string)
	SignoffClient(id string)
}

// Config configures a Manager.
type Config struct {
	Enabled bool
	Peers   []string
	// OverridePeers ignores the stored peer list. Set by ApplyEnv.
	OverridePeers bool
	Link          link.Config
}

// ApplyEnv lets WORKRAVE_URL replace the peer list and WORKRAVE_PORT the
// listen port.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvURL)); v != "" {
		cfg.Peers = splitPeers(v)
		cfg.OverridePeers = true
	}
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%s=%q: invalid port", EnvPort, v)
		}
		cfg.Link.Port = port
	}
	return nil
}

func splitPeers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Manager is the facade over the link. Not safe for concurrent use: call it
// from the agent loop only.
type Manager struct {
	cfg      Config
	log      *log.Logger
	logs     *logRing
	store    PeerStore
	observer Observer

	link    *link.Link
	running bool

	state         NodeState
	masterID      string
	stateComplete bool
	lockMaster    bool

	peers  []string
	states map[wire.StateID]link.StateHandler
}

// New returns a manager. The configured peers are merged with the stored
// ones unless cfg.OverridePeers is set. store may be nil.
func New(cfg Config, store PeerStore) *Manager {
	base := cfg.Link.Logger
	if base == nil {
		base = log.Default()
	}
	logs := newLogRing(logLines)
	cfg.Link.Logger = log.New(io.MultiWriter(base.Writer(), logs), base.Prefix(), base.Flags())

	m := &Manager{
		cfg:    cfg,
		log:    cfg.Link.Logger,
		logs:   logs,
		store:  store,
		state:  Active,
		states: make(map[wire.StateID]link.StateHandler),
	}
	m.link = link.New(cfg.Link)
	m.link.SetListener(m)

	urls := slices.Clone(cfg.Peers)
	if store != nil && !cfg.OverridePeers {
		if stored, err := store.LoadPeers(); err != nil {
			m.log.Printf("distribution load peers: %v", err)
		} else {
			urls = append(urls, stored...)
		}
	}
	for _, u := range urls {
		if s, err := addrutil.SanitizePeer(u, link.DefaultPort); err != nil {
			m.log.Printf("distribution skipping peer %q: %v", u, err)
		} else if !slices.Contains(m.peers, s) {
			m.peers = append(m.peers, s)
		}
	}
	return m
}

func (m *Manager) SetObserver(o Observer) { m.observer = o }

// Start brings the link up when distribution is enabled. A link that fails
// to start leaves the node running alone.
func (m *Manager) Start() error {
	if !m.cfg.Enabled {
		m.log.Printf("distribution disabled")
		return nil
	}
	return m.startLink()
}

func (m *Manager) startLink() error {
	if m.running {
		return nil
	}
	if p := m.cfg.Link.Port; p < 0 || p > 65535 {
		m.cfg.Enabled = false
		return fmt.Errorf("distribution: invalid port %d", p)
	}
	if err := m.link.Start(); err != nil {
		m.cfg.Enabled = false
		return fmt.Errorf("distribution: %w", err)
	}
	m.running = true
	m.setState(Standby, "")
	for _, u := range m.peers {
		_ = m.join(u)
	}
	return nil
}

func (m *Manager) stopLink() {
	if !m.running {
		return
	}
	_ = m.link.Close()
	m.running = false

	cfg := m.cfg.Link
	cfg.Port = m.link.Port()
	m.link = link.New(cfg)
	m.link.SetListener(m)
	m.link.SetLockMaster(m.lockMaster)
	for id, h := range m.states {
		m.link.RegisterState(id, h)
	}
	m.setState(Active, "")
}

// Close stops the link.
func (m *Manager) Close() error {
	if m.running {
		m.running = false
		return m.link.Close()
	}
	return nil
}

func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// SetEnabled starts or stops the link. A disabled node is its own master.
func (m *Manager) SetEnabled(enabled bool) error {
	if enabled == m.cfg.Enabled && enabled == m.running {
		return nil
	}
	m.cfg.Enabled = enabled
	if !enabled {
		m.log.Printf("distribution disabled")
		m.stopLink()
		return nil
	}
	m.log.Printf("distribution enabled")
	return m.startLink()
}

// Events delivers link events for Handle. It is nil while the link is down,
// so callers fetch it again on every loop iteration.
func (m *Manager) Events() <-chan link.Event {
	if !m.running {
		return nil
	}
	return m.link.Events()
}

func (m *Manager) Handle(ev link.Event) {
	if m.running {
		m.link.Handle(ev)
	}
}

func (m *Manager) Heartbeat() {
	if m.running {
		m.link.Heartbeat()
	}
}

// Claim asks for mastership and reports whether this node is master now.
func (m *Manager) Claim() bool {
	if !m.running {
		m.setState(Active, "")
		return true
	}
	if m.link.Claim() {
		m.setState(Active, "")
		return true
	}
	return false
}

func (m *Manager) SetLockMaster(lock bool) {
	m.lockMaster = lock
	m.link.SetLockMaster(lock)
}

func (m *Manager) State() NodeState { return m.state }

func (m *Manager) IsMaster() bool { return m.state == Active }

// MasterID returns the id of the master node, this node included.
func (m *Manager) MasterID() string {
	if m.state == Active {
		return m.MyID()
	}
	return m.masterID
}

func (m *Manager) MyID() string { return m.link.ID() }

// StateComplete reports whether replicated state arrived since this node
// last lost mastership.
func (m *Manager) StateComplete() bool { return m.state == Active || m.stateComplete }

func (m *Manager) NumberOfPeers() int {
	if !m.running {
		return 0
	}
	return m.link.NumberOfPeers()
}

// Join connects to url without adding it to the configured peers.
func (m *Manager) Join(url string) error {
	s, err := addrutil.SanitizePeer(url, link.DefaultPort)
	if err != nil {
		return err
	}
	if !m.running {
		return fmt.Errorf("join %s: distribution disabled", s)
	}
	return m.join(s)
}

func (m *Manager) join(url string) error {
	host, port, err := addrutil.ParsePeer(url, link.DefaultPort)
	if err != nil {
		return err
	}
	if err := m.link.Join(host, port); err != nil {
		m.log.Printf("distribution join %s: %v", url, err)
		return err
	}
	return nil
}

// AddPeer adds url to the configured peers, saves them and connects. It
// reports whether the peer was new.
func (m *Manager) AddPeer(url string) (bool, error) {
	s, err := addrutil.SanitizePeer(url, link.DefaultPort)
	if err != nil {
		return false, err
	}
	if slices.Contains(m.peers, s) {
		return false, m.savePeers()
	}
	m.peers = append(m.peers, s)
	if m.running {
		_ = m.join(s)
	}
	return true, m.savePeers()
}

// RemovePeer drops url from the configured peers and disconnects it.
func (m *Manager) RemovePeer(url string) (bool, error) {
	s, err := addrutil.SanitizePeer(url, link.DefaultPort)
	if err != nil {
		return false, err
	}
	i := slices.Index(m.peers, s)
	if i < 0 {
		return false, m.savePeers()
	}
	m.peers = slices.Delete(m.peers, i, i+1)
	if host, port, err := addrutil.ParsePeer(s, link.DefaultPort); err == nil && m.running {
		m.link.Disconnect(link.PeerID(host, port))
	}
	return true, m.savePeers()
}

// SetPeers replaces the configured peers. Unparseable entries are skipped
// and reported.
func (m *Manager) SetPeers(urls []string) error {
	var (
		peers   []string
		skipped []string
	)
	for _, u := range urls {
		s, err := addrutil.SanitizePeer(u, link.DefaultPort)
		if err != nil {
			skipped = append(skipped, u)
			continue
		}
		if !slices.Contains(peers, s) {
			peers = append(peers, s)
		}
	}
	m.peers = peers
	if m.running {
		for _, u := range peers {
			_ = m.join(u)
		}
	}
	if err := m.savePeers(); err != nil {
		return err
	}
	if len(skipped) > 0 {
		return fmt.Errorf("%w: %s", addrutil.ErrBadPeer, strings.Join(skipped, ", "))
	}
	return nil
}

// Peers returns the configured peer URLs.
func (m *Manager) Peers() []string {
	return slices.Clone(m.peers)
}

// LinkPeers reports every peer the link knows, configured or learned.
func (m *Manager) LinkPeers() []link.PeerStatus {
	if !m.running {
		return nil
	}
	return m.link.Peers()
}

func (m *Manager) savePeers() error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SavePeers(m.peers); err != nil {
		return fmt.Errorf("save peers: %w", err)
	}
	return nil
}

func (m *Manager) Disconnect(id string) bool {
	if !m.running {
		return false
	}
	return m.link.Disconnect(id)
}

func (m *Manager) DisconnectAll() {
	if m.running {
		m.link.DisconnectAll()
	}
}

func (m *Manager) ReconnectAll() {
	if m.running {
		m.link.ReconnectAll()
	}
}

func (m *Manager) RegisterState(id wire.StateID, h link.StateHandler) {
	m.states[id] = h
	m.link.RegisterState(id, h)
}

func (m *Manager) UnregisterState(id wire.StateID) {
	delete(m.states, id)
	m.link.UnregisterState(id)
}

// BroadcastState pushes the named states, or all, to every peer.
func (m *Manager) BroadcastState(ids ...wire.StateID) {
	if m.running {
		m.link.BroadcastState(ids...)
	}
}

// Logs returns the most recent link log lines, oldest first.
func (m *Manager) Logs() []string { return m.logs.lines() }

func (m *Manager) setState(s NodeState, masterID string) {
	if s == Active {
		masterID = ""
	}
	if s == m.state && masterID == m.masterID {
		return
	}
	if s != Active {
		m.stateComplete = false
	}
	m.state, m.masterID = s, masterID
	if m.observer != nil {
		m.observer.NodeStateChanged(s, m.MasterID())
	}
}

// MasterChanged implements link.Listener.
func (m *Manager) MasterChanged(isMaster bool, masterID string) {
	switch {
	case isMaster:
		m.setState(Active, "")
	case masterID != "":
		m.setState(Passive, masterID)
	default:
		m.setState(Standby, "")
	}
}

// StateTransferComplete implements link.Listener. The observer hears about
// the first state packet after each loss of mastership only.
func (m *Manager) StateTransferComplete() {
	if m.stateComplete {
		return
	}
	m.stateComplete = true
	if m.observer != nil {
		m.observer.StateTransferComplete()
	}
}

func (m *Manager) PeerAuthenticated(id string) {
	if m.observer != nil {
		m.observer.SignonClient(id)
	}
}

func (m *Manager) PeerDisconnected(id string) {
	if m.observer != nil {
		m.observer.SignoffClient(id)
	}
}
