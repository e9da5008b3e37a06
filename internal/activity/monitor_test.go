package activity

import (
	"testing"
	"time"

	"breaksync/internal/clock"
)

func newTestMonitor() (*Monitor, *clock.Manual) {
	c := clock.NewManual(time.Unix(1_000_000, 0))
	return NewMonitor(c), c
}

func TestMonitor_BecomesActiveAfterThreshold(t *testing.T) {
	t.Parallel()

	m, c := newTestMonitor()
	m.ActionNotify()
	if got := m.CurrentState(); got != Noise {
		t.Fatalf("state=%v", got)
	}

	for i := 0; i < 4; i++ {
		c.Advance(500 * time.Millisecond)
		m.ActionNotify()
	}
	if got := m.CurrentState(); got != Active {
		t.Fatalf("state=%v", got)
	}
}

func TestMonitor_NoiseRestartsBurstAfterGap(t *testing.T) {
	t.Parallel()

	m, c := newTestMonitor()
	m.ActionNotify()
	c.Advance(1500 * time.Millisecond)
	m.ActionNotify()
	c.Advance(900 * time.Millisecond)
	m.ActionNotify()
	if got := m.CurrentState(); got != Noise {
		t.Fatalf("state=%v", got)
	}
	for i := 0; i < 2; i++ {
		c.Advance(900 * time.Millisecond)
		m.ActionNotify()
	}
	if got := m.CurrentState(); got != Active {
		t.Fatalf("state=%v", got)
	}
}

func TestMonitor_ZeroActivityThresholdGoesActive(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor()
	m.SetParameters(time.Second, 0, 5*time.Second)
	m.KeyboardNotify(42, 0)
	if got := m.CurrentState(); got != Active {
		t.Fatalf("state=%v", got)
	}
}

func TestMonitor_ActiveExpiresToIdle(t *testing.T) {
	t.Parallel()

	m, c := newTestMonitor()
	m.SetParameters(time.Second, 0, 5*time.Second)
	m.ActionNotify()

	c.Advance(5 * time.Second)
	if got := m.CurrentState(); got != Active {
		t.Fatalf("state at threshold=%v", got)
	}
	c.Advance(time.Millisecond)
	if got := m.CurrentState(); got != Idle {
		t.Fatalf("state after threshold=%v", got)
	}
}

func TestMonitor_SuspendIgnoresInput(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor()
	m.Suspend()
	m.Suspend()
	m.ActionNotify()
	if got := m.CurrentState(); got != Suspended {
		t.Fatalf("state=%v", got)
	}
	m.Resume()
	m.Resume()
	if got := m.CurrentState(); got != Idle {
		t.Fatalf("state=%v", got)
	}
}

func TestMonitor_MouseJitterIgnored(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor()
	m.MouseNotify(100, 100, 0)
	m.MouseNotify(102, 101, 0)
	m.MouseNotify(101, 99, 0)

	stats := m.Statistics()
	if stats.TotalMovement != 0 {
		t.Fatalf("movement=%d", stats.TotalMovement)
	}

	m.MouseNotify(104, 100, 0)
	if got := m.Statistics().TotalMovement; got != 4 {
		t.Fatalf("movement=%d", got)
	}

	m.MouseNotify(104, 100, 1)
	if got := m.Statistics().TotalMovement; got != 4 {
		t.Fatalf("wheel movement=%d", got)
	}
}

func TestMonitor_SlowDriftIsNotActivity(t *testing.T) {
	t.Parallel()

	m, c := newTestMonitor()
	m.SetParameters(time.Second, 0, 5*time.Second)
	m.MouseNotify(100, 100, 0)
	m.ForceIdle()
	for i := 1; i <= 5; i++ {
		c.Advance(100 * time.Millisecond)
		m.MouseNotify(100+i, 100, 0)
	}
	if got := m.CurrentState(); got != Idle {
		t.Fatalf("state=%v", got)
	}
}

func TestMonitor_ButtonReleaseIsNotActivity(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor()
	m.SetParameters(time.Second, 0, 5*time.Second)
	m.ButtonNotify(1, true)
	if got := m.CurrentState(); got != Active {
		t.Fatalf("press state=%v", got)
	}
	m.ForceIdle()
	m.ButtonNotify(1, false)
	if got := m.CurrentState(); got != Idle {
		t.Fatalf("release state=%v", got)
	}
	if got := m.Statistics().TotalClicks; got != 1 {
		t.Fatalf("clicks=%d", got)
	}
}

func TestMonitor_DragCountsSmallMoves(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor()
	m.SetParameters(time.Second, 0, 5*time.Second)
	m.MouseNotify(10, 10, 0)
	m.ButtonNotify(1, true)
	m.ForceIdle()

	m.MouseNotify(11, 10, 0)
	if got := m.CurrentState(); got != Active {
		t.Fatalf("drag state=%v", got)
	}

	m.ButtonNotify(1, false)
	m.ForceIdle()
	m.MouseNotify(12, 10, 0)
	if got := m.CurrentState(); got != Idle {
		t.Fatalf("after release state=%v", got)
	}
}

func TestMonitor_ClickStatistics(t *testing.T) {
	t.Parallel()

	m, c := newTestMonitor()
	m.MouseNotify(0, 0, 0)
	m.ButtonNotify(1, true)
	m.ButtonNotify(1, false)
	c.Advance(200 * time.Millisecond)
	m.MouseNotify(30, 40, 0)
	m.ButtonNotify(1, true)

	stats := m.Statistics()
	if stats.TotalClicks != 2 {
		t.Fatalf("clicks=%d", stats.TotalClicks)
	}
	if stats.TotalClickMovement != 50 {
		t.Fatalf("click_movement=%d", stats.TotalClickMovement)
	}
	if stats.TotalMovement != 50 {
		t.Fatalf("movement=%d", stats.TotalMovement)
	}
	if stats.TotalMovementTime != 200*time.Millisecond {
		t.Fatalf("movement_time=%v", stats.TotalMovementTime)
	}
}

func TestMonitor_MovementTimeSkipsLongGaps(t *testing.T) {
	t.Parallel()

	m, c := newTestMonitor()
	m.MouseNotify(0, 0, 0)
	c.Advance(3 * time.Second)
	m.MouseNotify(10, 10, 0)
	if got := m.Statistics().TotalMovementTime; got != 0 {
		t.Fatalf("movement_time=%v", got)
	}
}

func TestMonitor_ListenerDroppedWhenItReturnsFalse(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor()
	calls := 0
	m.SetListener(func() bool {
		calls++
		return false
	})
	m.ActionNotify()
	m.ActionNotify()
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestMonitor_ListenerMayQueryMonitor(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor()
	var seen State
	m.SetListener(func() bool {
		seen = m.CurrentState()
		return true
	})
	m.ActionNotify()
	if seen != Noise {
		t.Fatalf("seen=%v", seen)
	}
}

func TestMonitor_ShiftTime(t *testing.T) {
	t.Parallel()

	m, c := newTestMonitor()
	m.SetParameters(time.Second, 0, 5*time.Second)
	m.ActionNotify()

	c.Advance(time.Hour)
	m.ShiftTime(time.Hour)
	if got := m.CurrentState(); got != Active {
		t.Fatalf("state=%v", got)
	}
}
