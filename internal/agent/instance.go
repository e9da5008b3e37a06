package agent

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"path/filepath"
)

// ErrAlreadyRunning indicates another agent already holds the state dir.
var ErrAlreadyRunning = errors.New("agent already running")

// instanceGuard holds the single-instance lock: a loopback port derived
// from the state dir.
type instanceGuard struct {
	listener net.Listener
}

func acquireInstance(stateDir string) (*instanceGuard, error) {
	abs, err := filepath.Abs(stateDir)
	if err != nil {
		abs = stateDir
	}
	address := fmt.Sprintf("127.0.0.1:%d", portFromName(abs))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s busy", ErrAlreadyRunning, address)
	}
	return &instanceGuard{listener: listener}, nil
}

func (g *instanceGuard) Release() error {
	if g == nil || g.listener == nil {
		return nil
	}
	return g.listener.Close()
}

func portFromName(name string) int {
	const (
		minPort = 40000
		maxPort = 49999
	)
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(name))
	return minPort + int(hash.Sum32()%uint32(maxPort-minPort+1))
}
