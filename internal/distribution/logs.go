package distribution

import (
	"strings"
	"sync"
)

// logRing keeps the last n log lines.
type logRing struct {
	mu    sync.Mutex
	buf   []string
	next  int
	full  bool
	limit int
}

func newLogRing(n int) *logRing {
	return &logRing{buf: make([]string, n), limit: n}
}

func (r *logRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		r.buf[r.next] = line
		r.next = (r.next + 1) % r.limit
		if r.next == 0 {
			r.full = true
		}
	}
	return len(p), nil
}

func (r *logRing) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.buf[:r.next]...)
	}
	out := make([]string, 0, r.limit)
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
