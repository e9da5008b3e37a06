package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTimerState_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state")
	in := &TimerState{
		SavedAt: time.Unix(1_700_000_000, 0),
		Records: []string{"micro_pause 1700000000 120 0 0", "rest_break 1700000000 900 1699990000 30"},
	}
	if err := SaveTimerState(path, in); err != nil {
		t.Fatalf("SaveTimerState: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "WorkRaveState 2\n1700000000\nmicro_pause 1700000000 120 0 0\nrest_break 1700000000 900 1699990000 30\n"
	if string(data) != want {
		t.Fatalf("file=%q", data)
	}

	out, err := LoadTimerState(path)
	if err != nil {
		t.Fatalf("LoadTimerState: %v", err)
	}
	if !out.SavedAt.Equal(in.SavedAt) || len(out.Records) != 2 || out.Records[1] != in.Records[1] {
		t.Fatalf("out=%+v", out)
	}
}

func TestLoadTimerState_MissingFile(t *testing.T) {
	t.Parallel()

	st, err := LoadTimerState(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("LoadTimerState: %v", err)
	}
	if len(st.Records) != 0 || !st.SavedAt.IsZero() {
		t.Fatalf("st=%+v", st)
	}
}

func TestLoadTimerState_BadHeader(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state")
	if err := os.WriteFile(path, []byte("SomethingElse 1\n0\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadTimerState(path); !errors.Is(err, ErrBadStateFile) {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadOrCreateIdentity_Stable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "identity.yaml")
	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %v", err)
	}
	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %v", err)
	}
	if first.NodeID == "" || first.NodeID != second.NodeID {
		t.Fatalf("first=%q second=%q", first.NodeID, second.NodeID)
	}
}

func TestActivity_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "activity.yaml")
	empty, err := LoadActivity(path)
	if err != nil || empty.Day != "" {
		t.Fatalf("empty=%+v err=%v", empty, err)
	}

	in := &ActivityRecord{Day: "2026-03-02"}
	in.Stats.TotalKeystrokes = 42
	in.Stats.TotalMovementTime = 3 * time.Second
	if err := SaveActivity(path, in); err != nil {
		t.Fatalf("SaveActivity: %v", err)
	}
	out, err := LoadActivity(path)
	if err != nil {
		t.Fatalf("LoadActivity: %v", err)
	}
	if out.Day != "2026-03-02" || out.Stats.TotalKeystrokes != 42 || out.Stats.TotalMovementTime != 3*time.Second {
		t.Fatalf("out=%+v", out)
	}
}
