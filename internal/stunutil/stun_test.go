package stunutil

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	if got := Classify([]string{"1.2.3.4:1"}); got != NATTypeUnknown {
		t.Fatalf("got=%q", got)
	}
	if got := Classify([]string{"1.2.3.4:1", "1.2.3.4:1"}); got != NATTypeConeOrRestricted {
		t.Fatalf("got=%q", got)
	}
	if got := Classify([]string{"1.2.3.4:1", "1.2.3.4:2"}); got != NATTypeSymmetric {
		t.Fatalf("got=%q", got)
	}
}

// serveBinding answers one binding request with the sender's address.
func serveBinding(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := req.Decode(); err != nil {
			return
		}
		ua := from.(*net.UDPAddr)
		res, err := stun.Build(
			stun.NewTransactionIDSetter(req.TransactionID),
			stun.BindingSuccess,
			&stun.XORMappedAddress{IP: ua.IP, Port: ua.Port},
			stun.Fingerprint,
		)
		if err != nil {
			return
		}
		_, _ = pc.WriteTo(res.Raw, from)
	}()
	return pc.LocalAddr().String()
}

func TestDiscover_Loopback(t *testing.T) {
	t.Parallel()

	server := serveBinding(t)
	d, err := Discover(context.Background(), []string{server}, 27273, 2*time.Second)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if d.Host != "127.0.0.1" {
		t.Fatalf("host=%q", d.Host)
	}
	if d.Advertise != net.JoinHostPort("127.0.0.1", strconv.Itoa(27273)) {
		t.Fatalf("advertise=%q", d.Advertise)
	}
	if d.NATType != NATTypeUnknown {
		t.Fatalf("nat=%q", d.NATType)
	}
}

func TestDiscover_NoServers(t *testing.T) {
	t.Parallel()

	if _, err := Discover(context.Background(), nil, 27273, time.Second); !errors.Is(err, ErrNoServers) {
		t.Fatalf("err=%v", err)
	}
}

func TestDiscover_SkipsBadServer(t *testing.T) {
	t.Parallel()

	server := serveBinding(t)
	d, err := Discover(context.Background(), []string{" ", server}, 27273, 2*time.Second)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(d.Mappings) != 2 || !errors.Is(d.Mappings[0].Err, ErrEmptyServer) || d.Mappings[1].Addr == "" {
		t.Fatalf("mappings=%+v", d.Mappings)
	}
	if d.Host != "127.0.0.1" {
		t.Fatalf("host=%q", d.Host)
	}
}

func TestDiscover_AllFail(t *testing.T) {
	t.Parallel()

	_, err := Discover(context.Background(), []string{""}, 27273, time.Second)
	if !errors.Is(err, ErrNoMapping) || !errors.Is(err, ErrEmptyServer) {
		t.Fatalf("err=%v", err)
	}
}
