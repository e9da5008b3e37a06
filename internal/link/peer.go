package link

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type peerState int

const (
	peerDisconnected peerState = iota
	peerConnecting
	peerConnected
	peerAuthenticated
)

func (s peerState) String() string {
	switch s {
	case peerConnecting:
		return "connecting"
	case peerConnected:
		return "connected"
	case peerAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// peer is one remote node. All fields are owned by the loop goroutine.
type peer struct {
	name     string
	port     int
	instance string

	conn    net.Conn
	gen     uint64
	state   peerState
	inbound bool

	retry         backoff.BackOff
	nextReconnect time.Time

	nextClaim   time.Time
	rejectCount int
	claimCount  int
}

func newPeer(name string, port int, cfg Config) *peer {
	return &peer{
		name:  name,
		port:  port,
		retry: newRetry(cfg),
	}
}

func newRetry(cfg Config) backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.ReconnectInterval), uint64(cfg.ReconnectAttempts))
}

func (p *peer) named() bool { return p.name != "" && p.port > 0 }

func (p *peer) id() string {
	if !p.named() {
		if p.conn != nil {
			return p.conn.RemoteAddr().String()
		}
		return "unknown"
	}
	return peerID(p.name, p.port)
}

func (p *peer) connected() bool { return p.conn != nil }

func (p *peer) authenticated() bool { return p.state == peerAuthenticated }

// PeerStatus is a snapshot of one peer for status reporting.
type PeerStatus struct {
	ID            string
	State         string
	Inbound       bool
	Master        bool
	RejectCount   int
	NextClaim     time.Time
	NextReconnect time.Time
}

// PeerID is the id the link uses for host:port.
func PeerID(host string, port int) string {
	return peerID(CanonicalHost(host), port)
}

func peerID(name string, port int) string {
	return net.JoinHostPort(name, strconv.Itoa(port))
}

// CanonicalHost normalizes a host name so that spellings of the same
// address compare equal.
func CanonicalHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(host, ".")
	host = strings.Trim(host, "[]")
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return strings.ToLower(host)
}
