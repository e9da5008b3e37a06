package addrutil

import (
	"errors"
	"testing"
)

func TestSanitizePeer(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"desk":                 "tcp://desk:27273",
		"  desk:4224  ":        "tcp://desk:4224",
		"tcp://desk":           "tcp://desk:27273",
		"TCP://10.0.0.2:9000/": "tcp://10.0.0.2:9000",
		"[2001:db8::1]:4224":   "tcp://[2001:db8::1]:4224",
		"2001:db8::1":          "tcp://[2001:db8::1]:27273",
		"2001:db8::1:51820":    "tcp://[2001:db8::1]:51820",
		"tcp://[fe80::1]":      "tcp://[fe80::1]:27273",
	}
	for in, want := range cases {
		got, err := SanitizePeer(in, 27273)
		if err != nil {
			t.Fatalf("SanitizePeer(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("SanitizePeer(%q)=%q want %q", in, got, want)
		}
	}
}

func TestSanitizePeer_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "udp://desk:1", "desk:http", "desk:70000", "tcp://:4224"} {
		if _, err := SanitizePeer(in, 27273); !errors.Is(err, ErrBadPeer) {
			t.Fatalf("SanitizePeer(%q) err=%v", in, err)
		}
	}
}

func TestParsePeer_DefaultPort(t *testing.T) {
	t.Parallel()

	host, port, err := ParsePeer("tcp://laptop.lan", 4224)
	if err != nil {
		t.Fatalf("ParsePeer: %v", err)
	}
	if host != "laptop.lan" || port != 4224 {
		t.Fatalf("host=%q port=%d", host, port)
	}
}

func TestAdvertiseAddr_UsesListenPort(t *testing.T) {
	t.Parallel()

	addr, ok := AdvertiseAddr("39.119.108.243:33134", 27273)
	if !ok || addr != "39.119.108.243:27273" {
		t.Fatalf("addr=%q ok=%v", addr, ok)
	}
	if _, ok := AdvertiseAddr("", 27273); ok {
		t.Fatalf("expected no address")
	}
	if _, ok := AdvertiseAddr("1.2.3.4:1", 0); ok {
		t.Fatalf("expected no address without port")
	}
}
