package execx

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestOSRunner_Output(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	out, err := NewOSRunner().Output(context.Background(), "echo", "  1234  ")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if out != "1234" {
		t.Fatalf("out=%q", out)
	}
}

func TestOSRunner_OutputFailure(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	_, err := NewOSRunner().Output(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err=%v", err)
	}
}
