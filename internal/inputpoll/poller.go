package inputpoll

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"breaksync/internal/execx"
)

// ErrIdleUnsupported means no idle-time source is available on this host.
var ErrIdleUnsupported = errors.New("idle time unsupported")

const DefaultCommand = "xprintidle"

// Notifier receives synthesized activity. *activity.Monitor satisfies it.
type Notifier interface {
	ActionNotify()
}

// Poller samples the user's idle time and reports activity to a Notifier
// whenever input happened within the last poll interval.
type Poller struct {
	runner   execx.Runner
	command  []string
	interval time.Duration
	notify   Notifier
	log      *log.Logger
}

// New resolves the idle command. An empty command falls back to
// xprintidle, which must be on PATH.
func New(runner execx.Runner, command []string, interval time.Duration, n Notifier, logger *log.Logger) (*Poller, error) {
	if runner == nil {
		runner = execx.NewOSRunner()
	}
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if len(command) == 0 {
		path, err := runner.LookPath(DefaultCommand)
		if err != nil {
			if strings.EqualFold(os.Getenv("XDG_SESSION_TYPE"), "wayland") {
				return nil, fmt.Errorf("%w: wayland session without %s", ErrIdleUnsupported, DefaultCommand)
			}
			return nil, fmt.Errorf("%w: %s not found", ErrIdleUnsupported, DefaultCommand)
		}
		command = []string{path}
	}
	return &Poller{
		runner:   runner,
		command:  command,
		interval: interval,
		notify:   n,
		log:      logger,
	}, nil
}

// IdleDuration runs the idle command once.
func (p *Poller) IdleDuration(ctx context.Context) (time.Duration, error) {
	out, err := p.runner.Output(ctx, p.command[0], p.command[1:]...)
	if err != nil {
		return 0, err
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse idle milliseconds: %w", err)
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Poll samples once and notifies when the user was active since the
// previous sample. It reports whether activity was seen.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	idle, err := p.IdleDuration(ctx)
	if err != nil {
		return false, err
	}
	if idle >= p.interval {
		return false, nil
	}
	p.notify.ActionNotify()
	return true, nil
}

// Run polls until ctx is done. Repeated failures are logged once per streak.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !failing {
					p.log.Printf("idle poll failed: %v", err)
					failing = true
				}
				continue
			}
			if failing {
				p.log.Printf("idle poll recovered")
				failing = false
			}
		}
	}
}
