package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single helper invocation.
const DefaultTimeout = 2 * time.Second

// Runner abstracts command execution so pollers can be unit-tested without
// a display server or the helper binaries.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) (string, error)
	LookPath(name string) (string, error)
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct {
	Timeout time.Duration
}

func NewOSRunner() *OSRunner {
	return &OSRunner{Timeout: DefaultTimeout}
}

func (r *OSRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (r *OSRunner) LookPath(name string) (string, error) { return exec.LookPath(name) }
