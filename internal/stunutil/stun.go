package stunutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"breaksync/internal/addrutil"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// DefaultTimeout bounds one STUN transaction.
const DefaultTimeout = 3 * time.Second

var (
	ErrNoServers   = errors.New("stun: no servers configured")
	ErrNoMapping   = errors.New("stun: no server answered")
	ErrEmptyServer = errors.New("stun: empty server address")
)

// Mapping is the answer of one server. Err is set when it did not answer.
type Mapping struct {
	Server string
	Addr   string
	Err    error
}

// Discovery is the outcome of probing a set of STUN servers.
type Discovery struct {
	Mapped    string // first mapped address, host:port of the probe socket
	NATType   string
	Host      string // mapped host, announced as the node name
	Advertise string // Host joined with the TCP listen port
	Mappings  []Mapping
}

// Discover probes every server in parallel and derives the address peers
// should use to reach the link listener on port.
func Discover(ctx context.Context, servers []string, port int, timeout time.Duration) (Discovery, error) {
	d := Discovery{NATType: NATTypeUnknown}
	if len(servers) == 0 {
		return d, ErrNoServers
	}

	d.Mappings = probeAll(ctx, servers, timeout)
	var addrs []string
	var errs []error
	for _, m := range d.Mappings {
		if m.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Server, m.Err))
			continue
		}
		addrs = append(addrs, m.Addr)
	}
	if len(addrs) == 0 {
		return d, fmt.Errorf("%w: %w", ErrNoMapping, errors.Join(errs...))
	}

	d.Mapped = addrs[0]
	d.NATType = Classify(addrs)
	adv, ok := addrutil.AdvertiseAddr(d.Mapped, port)
	if !ok {
		return d, fmt.Errorf("unusable mapped address %q", d.Mapped)
	}
	host, _, err := net.SplitHostPort(adv)
	if err != nil {
		return d, err
	}
	d.Host, d.Advertise = host, adv
	return d, nil
}

// Classify compares the mapped addresses of several servers. A NAT that maps
// one socket to different addresses per destination is symmetric.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

// probeAll keeps the order of servers in its result.
func probeAll(ctx context.Context, servers []string, timeout time.Duration) []Mapping {
	out := make([]Mapping, len(servers))
	var wg sync.WaitGroup
	for i, server := range servers {
		out[i].Server = server
		wg.Add(1)
		go func(m *Mapping) {
			defer wg.Done()
			m.Addr, m.Err = bind(ctx, m.Server, timeout)
		}(&out[i])
	}
	wg.Wait()
	return out
}

// bind sends one binding request and returns the XOR-mapped address.
func bind(ctx context.Context, server string, timeout time.Duration) (string, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", ErrEmptyServer
	}
	if !strings.HasPrefix(server, "stun:") {
		server = "stun:" + server
	}
	uri, err := stun.ParseURI(server)
	if err != nil {
		return "", err
	}
	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type answer struct {
		addr string
		err  error
	}
	done := make(chan answer, 1)
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	go func() {
		err := client.Do(req, func(ev stun.Event) {
			if ev.Error != nil {
				done <- answer{err: ev.Error}
				return
			}
			var xor stun.XORMappedAddress
			if err := xor.GetFrom(ev.Message); err != nil {
				done <- answer{err: err}
				return
			}
			done <- answer{addr: xor.String()}
		})
		if err != nil {
			done <- answer{err: err}
		}
	}()

	select {
	case a := <-done:
		return a.addr, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
