package addrutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Scheme is the only peer URL scheme the link speaks.
const Scheme = "tcp"

var ErrBadPeer = errors.New("addrutil: bad peer url")

// SanitizePeer trims raw, adds the tcp:// scheme when missing and the
// default port when none is given. The result is "tcp://host:port".
func SanitizePeer(raw string, defaultPort int) (string, error) {
	host, port, err := ParsePeer(raw, defaultPort)
	if err != nil {
		return "", err
	}
	return Scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// ParsePeer splits a peer URL into host and port.
func ParsePeer(raw string, defaultPort int) (string, int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", 0, fmt.Errorf("%w: empty", ErrBadPeer)
	}
	if scheme, rest, ok := strings.Cut(s, "://"); ok {
		if !strings.EqualFold(scheme, Scheme) {
			return "", 0, fmt.Errorf("%w: scheme %q in %q", ErrBadPeer, scheme, raw)
		}
		s = rest
	}
	s = strings.TrimSuffix(s, "/")

	host, portStr := splitHostPort(s)
	if host == "" {
		return "", 0, fmt.Errorf("%w: no host in %q", ErrBadPeer, raw)
	}
	port := defaultPort
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, fmt.Errorf("%w: port %q in %q", ErrBadPeer, portStr, raw)
		}
		port = p
	}
	if port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: port %d in %q", ErrBadPeer, port, raw)
	}
	return host, port, nil
}

// AdvertiseAddr joins the host of a STUN mapped address with the TCP listen
// port. The mapped port belongs to the UDP probe socket and is never used.
func AdvertiseAddr(publicAddr string, port int) (string, bool) {
	if port <= 0 {
		return "", false
	}
	host, _ := splitHostPort(strings.TrimSpace(publicAddr))
	if host == "" {
		return "", false
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), true
}

// splitHostPort accepts "host", "host:port", "[v6]:port", "[v6]" and raw or
// unbracketed IPv6 with a trailing port.
func splitHostPort(a string) (string, string) {
	if a == "" {
		return "", ""
	}
	if h, p, err := net.SplitHostPort(a); err == nil {
		return h, p
	}

	if strings.HasPrefix(a, "[") {
		return strings.Trim(a, "[]"), ""
	}
	if strings.Count(a, ":") > 1 {
		if net.ParseIP(a) != nil {
			return a, ""
		}
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			if _, err := strconv.Atoi(a[last+1:]); err == nil && net.ParseIP(a[:last]) != nil {
				return a[:last], a[last+1:]
			}
		}
		return a, ""
	}
	if h, p, ok := strings.Cut(a, ":"); ok {
		return h, p
	}
	return a, ""
}
